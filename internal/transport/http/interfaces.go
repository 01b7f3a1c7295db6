package http

import (
	"context"

	"varianceiq/internal/services"
	"varianceiq/pkg/contracts/domain"
)

// RunService is what the runs handler needs from the services layer.
type RunService interface {
	StartRun(ctx context.Context, req services.RunRequest) (domain.Run, error)
	StopRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.RunDetail, error)
	GetRunForm(ctx context.Context, id, formCode string) (*domain.RunFormDetail, error)
	WorkbookPath(ctx context.Context, id string) (string, error)
	Returns() []domain.ReturnConfig
}

// InstanceService previews instance selection for a form.
type InstanceService interface {
	Inspect(ctx context.Context, formCode, date string) (*services.InstanceReport, error)
}

// HealthService reports service health.
type HealthService interface {
	HealthCheck(ctx context.Context) services.HealthStatus
}
