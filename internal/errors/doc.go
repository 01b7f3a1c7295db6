// Package errors renders API failures as RFC 7807 problem details.
//
// Services return plain sentinel errors. The HTTP layer registers a Mapping
// for each sentinel on an ErrorHandler, which resolves wrapped errors with
// errors.Is and falls back to a 500 for anything unmapped.
package errors
