package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"varianceiq/internal/instances"
	"varianceiq/pkg/contracts/domain"
)

// InstanceLister lists the dated instances of a form.
type InstanceLister interface {
	ListInstances(ctx context.Context, formCode string) ([]domain.Instance, error)
}

// InstanceReport shows the instances of a form and, for a date, which base
// and comparison instances a run would pick.
type InstanceReport struct {
	FormCode       string                       `json:"form_code"`
	Date           string                       `json:"date,omitempty"`
	ExpectedDate   string                       `json:"expected_date,omitempty"`
	Instances      []domain.Instance            `json:"instances"`
	Base           *domain.InstanceSearchResult `json:"base,omitempty"`
	Comparison     *domain.InstanceSearchResult `json:"comparison,omitempty"`
	SelectionError string                       `json:"selection_error,omitempty"`
}

// InstanceService answers instance diagnostics against the gateway.
type InstanceService struct {
	gateway InstanceLister
	returns map[string]domain.ReturnConfig
	logger  *slog.Logger
}

// NewInstanceService creates an instance service. returns supplies expected
// dates for configured forms.
func NewInstanceService(gw InstanceLister, returns []domain.ReturnConfig, logger *slog.Logger) *InstanceService {
	if logger == nil {
		logger = slog.Default()
	}
	byCode := make(map[string]domain.ReturnConfig, len(returns))
	for _, r := range returns {
		byCode[r.Code] = r
	}
	return &InstanceService{
		gateway: gw,
		returns: byCode,
		logger:  logger.With(slog.String("component", "instance_service")),
	}
}

// Inspect lists the instances of formCode, oldest first. When date is set it
// also resolves the base and comparison instances with the same rules a run
// uses; a selection failure is reported in the result, not as an error.
func (s *InstanceService) Inspect(ctx context.Context, formCode, date string) (*InstanceReport, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: gateway is not configured", ErrServiceUnavailable)
	}
	if date != "" {
		if err := instances.ValidateDate(date); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	list, err := s.gateway.ListInstances(ctx, formCode)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	sorted := make([]domain.Instance, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReferenceDate < sorted[j].ReferenceDate
	})

	report := &InstanceReport{
		FormCode:     formCode,
		Date:         date,
		ExpectedDate: s.returns[formCode].ExpectedDate,
		Instances:    sorted,
	}
	if date == "" {
		return report, nil
	}

	base, err := instances.FindByDate(list, date)
	if err != nil {
		report.SelectionError = fmt.Sprintf("base: %v", err)
		return report, nil
	}
	report.Base = &base

	comparison, err := s.comparison(list, report.ExpectedDate, date)
	if err != nil {
		report.SelectionError = fmt.Sprintf("comparison: %v", err)
		return report, nil
	}
	report.Comparison = &comparison

	s.logger.DebugContext(ctx, "instances_inspected",
		slog.String("form_code", formCode),
		slog.String("date", date),
		slog.Int("instances", len(list)))
	return report, nil
}

func (s *InstanceService) comparison(list []domain.Instance, expected, date string) (domain.InstanceSearchResult, error) {
	if expected == "" {
		return instances.FindBeforeDate(list, date)
	}
	return instances.FindByDateOrBefore(list, expected)
}
