package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// HealthDeps are the collaborators whose state the health check reports.
// Any of them may be nil.
type HealthDeps struct {
	Clients  interface{ ClientCount() int }
	Runs     interface{ ActiveRuns() int }
	Database interface{ Ping(ctx context.Context) error }
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	deps      HealthDeps
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Uptime    float64                  `json:"uptime_seconds"`
	Runtime   map[string]interface{}   `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

// NewHealthService creates a health service.
func NewHealthService(version string, deps HealthDeps, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		deps:      deps,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health_service")),
	}
}

// HealthCheck reports liveness plus the state of every collaborator. The
// overall status is "degraded" when the database does not answer.
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Uptime:    time.Since(hs.startTime).Seconds(),
		Runtime: map[string]interface{}{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
		Services: make(map[string]ServiceHealth),
	}

	if hs.deps.Database != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := hs.deps.Database.Ping(pingCtx); err != nil {
			hs.logger.WarnContext(ctx, "health_database_unreachable", slog.String("error", err.Error()))
			status.Services["database"] = ServiceHealth{Status: "down", Message: err.Error()}
			status.Status = "degraded"
		} else {
			status.Services["database"] = ServiceHealth{Status: "up"}
		}
	}

	if hs.deps.Clients != nil {
		n := hs.deps.Clients.ClientCount()
		status.Services["websocket"] = ServiceHealth{Status: "up", Count: &n}
	}

	if hs.deps.Runs != nil {
		n := hs.deps.Runs.ActiveRuns()
		status.Services["runs"] = ServiceHealth{Status: "up", Count: &n}
	}

	hs.logger.DebugContext(ctx, "health_checked", slog.String("status", status.Status))
	return status
}
