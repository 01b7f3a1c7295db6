package http

import (
	"net/http"

	apierrors "varianceiq/internal/errors"
	"varianceiq/internal/services"
)

// ErrorMappings maps the service sentinels to problem responses.
func ErrorMappings() []apierrors.Mapping {
	return []apierrors.Mapping{
		{Target: services.ErrRunNotFound, Status: http.StatusNotFound, Type: apierrors.TypeRunNotFound, Title: "Run Not Found"},
		{Target: services.ErrFormNotFound, Status: http.StatusNotFound, Type: apierrors.TypeFormNotFound, Title: "Form Not Found"},
		{Target: services.ErrWorkbookMissing, Status: http.StatusNotFound, Type: apierrors.TypeWorkbookNotFound, Title: "Workbook Not Available"},
		{Target: services.ErrRunNotActive, Status: http.StatusConflict, Type: apierrors.TypeRunNotActive, Title: "Run Not Active"},
		{Target: services.ErrRunLimit, Status: http.StatusTooManyRequests, Type: apierrors.TypeRunLimit, Title: "Run Limit Reached"},
		{Target: services.ErrInvalidInput, Status: http.StatusBadRequest, Type: apierrors.TypeValidation, Title: "Invalid Request"},
		{Target: services.ErrGatewayUnavailable, Status: http.StatusBadGateway, Type: apierrors.TypeGatewayFailure, Title: "Reporting Gateway Unavailable"},
		{Target: services.ErrServiceUnavailable, Status: http.StatusServiceUnavailable, Type: apierrors.TypeServiceDown, Title: "Service Unavailable"},
	}
}
