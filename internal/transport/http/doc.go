// Package http implements the HTTP handlers of the variance service. Handlers
// stay thin: they decode and validate requests, call the services layer and
// render JSON, leaving every failure to the RFC 7807 error handler.
//
// Routes mounted under /api:
//
//	GET  /health                         liveness and collaborator state
//	GET  /returns                        configured returns
//	GET  /returns/{code}/instances       instance list and selection preview
//	GET  /runs                           run history, newest first
//	POST /runs                           queue a run (202 Accepted)
//	GET  /runs/{id}                      run with per-form summaries
//	GET  /runs/{id}/forms/{code}         stored variances and failed rules
//	POST /runs/{id}/cancel               cancel a pending or running run
//	GET  /runs/{id}/workbook             download the workbook
//
// Service sentinel errors are translated by the mappings in errors.go.
package http
