// Package services implements the business logic between the transports
// (HTTP API and CLI) and the analysis core.
//
// RunService owns the lifecycle of an analysis run: it validates the request,
// records the run, drives the analyzer, writes the workbook and optional CSV
// files, stores the results and announces every status change. Runs started
// over HTTP execute on the jobs queue; the CLI executes them synchronously.
//
// HealthService reports liveness and the state of the collaborators.
//
// Services take their collaborators through constructors and return the
// sentinel errors in errors.go, which the HTTP layer maps to problem details.
package services
