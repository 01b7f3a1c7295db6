package services

import "errors"

var (
	// Run errors
	ErrRunNotFound     = errors.New("run not found")
	ErrRunNotActive    = errors.New("run is not active")
	ErrFormNotFound    = errors.New("form not found in run")
	ErrWorkbookMissing = errors.New("workbook not available")
	ErrRunLimit        = errors.New("too many runs queued")

	// Gateway errors
	ErrGatewayUnavailable = errors.New("reporting gateway unavailable")

	// General errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)
