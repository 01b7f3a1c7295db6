// Package analysis runs the per-form variance pipeline over many regulatory
// returns at once and gathers whatever succeeds.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"varianceiq/internal/instances"
	"varianceiq/pkg/contracts/domain"
)

// DefaultConcurrency is how many forms may talk to the gateway at once.
const DefaultConcurrency = 3

// Gateway is what the analyzer needs from the reporting API.
type Gateway interface {
	ListInstances(ctx context.Context, formCode string) ([]domain.Instance, error)
	CompareInstances(ctx context.Context, formCode string, from, to domain.Instance) ([]domain.VarianceRow, error)
	Validate(ctx context.Context, inst domain.Instance) ([]domain.ValidationResult, error)
}

// Analyzer compares base and comparison instances for a batch of forms.
type Analyzer struct {
	gateway               Gateway
	concurrency           int
	keepOnValidationError bool
	sink                  ProgressSink
	logger                *slog.Logger
	telemetry             *telemetry
	now                   func() time.Time
}

// Option customises an Analyzer
type Option func(*Analyzer)

// WithConcurrency bounds the number of forms in flight. Values below one are
// rejected by New.
func WithConcurrency(n int) Option {
	return func(a *Analyzer) { a.concurrency = n }
}

// WithKeepOnValidationError keeps a form whose validation fetch failed, with no
// validation errors, instead of dropping it.
func WithKeepOnValidationError(keep bool) Option {
	return func(a *Analyzer) { a.keepOnValidationError = keep }
}

// WithProgressSink sets a sink that observes every run.
func WithProgressSink(sink ProgressSink) Option {
	return func(a *Analyzer) { a.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = logger }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates an Analyzer over gw.
func New(gw Gateway, opts ...Option) (*Analyzer, error) {
	if gw == nil {
		return nil, newConfigError("gateway is required")
	}

	a := &Analyzer{
		gateway:     gw,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.concurrency < 1 {
		return nil, newConfigError(fmt.Sprintf("concurrency must be at least 1, got %d", a.concurrency))
	}
	a.logger = a.logger.With(slog.String("component", "analyzer"))

	t, err := newTelemetry()
	if err != nil {
		return nil, err
	}
	a.telemetry = t

	return a, nil
}

// Concurrency returns the configured pool size.
func (a *Analyzer) Concurrency() int {
	return a.concurrency
}

type runConfig struct {
	runID string
	sink  ProgressSink
}

// RunOption customises a single Analyze call
type RunOption func(*runConfig)

// WithRunID tags every event and log line of the run.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithProgress adds a sink for this run only. If it is a ClosableSink it is
// closed when Analyze returns.
func WithProgress(sink ProgressSink) RunOption {
	return func(c *runConfig) { c.sink = sink }
}

// Analyze runs the form pipeline for every return against baseDate.
//
// Forms that cannot be analysed are logged and left out, so the result may be
// shorter than returns and is in completion order. A run where every form fails
// returns an empty slice and no error. If ctx is cancelled the results gathered
// so far are returned together with an error wrapping ctx.Err().
func (a *Analyzer) Analyze(ctx context.Context, returns []domain.ReturnConfig, baseDate string, opts ...RunOption) ([]domain.AnalysisResult, error) {
	var rc runConfig
	for _, opt := range opts {
		opt(&rc)
	}
	if c, ok := rc.sink.(ClosableSink); ok {
		defer c.Close()
	}

	logger := a.logger
	if rc.runID != "" {
		logger = logger.With(slog.String("run_id", rc.runID))
	}

	ctx, span := a.telemetry.startRun(ctx, rc.runID, baseDate, len(returns))
	defer span.End()
	start := time.Now()

	track := newTracker(rc.runID, len(returns), Sinks(a.sink, rc.sink), a.now)

	logger.InfoContext(ctx, "analysis_started",
		slog.String("base_date", baseDate),
		slog.Int("forms", len(returns)),
		slog.Int("concurrency", a.concurrency))

	var (
		mu      sync.Mutex
		results = make([]domain.AnalysisResult, 0, len(returns))
	)

	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)

	for _, rtn := range returns {
		if ctx.Err() != nil {
			a.abandon(ctx, logger, &formProgress{t: track, formCode: rtn.Code},
				formError(ErrorTypeCancelled, rtn.Code, "", "run cancelled before start", ctx.Err()))
			continue
		}

		g.Go(func() error {
			fp := &formProgress{t: track, formCode: rtn.Code}
			res, err := a.runForm(ctx, logger, rtn, baseDate, fp)
			if err != nil {
				a.abandon(ctx, logger, fp, err)
				return nil
			}

			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			a.telemetry.formDone(ctx, "analyzed")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		a.telemetry.runDone(ctx, time.Since(start), false)
		return results, fmt.Errorf("analysis pool failed: %w", err)
	}

	track.advance(0, StepCompleted, "", fmt.Sprintf("analysed %d of %d forms", len(results), len(returns)))

	var runErr error
	if ctx.Err() != nil {
		runErr = &Error{Type: ErrorTypeCancelled, Message: "analysis cancelled", Cause: ctx.Err()}
		span.RecordError(runErr)
	}
	a.telemetry.runDone(ctx, time.Since(start), runErr == nil)

	logger.InfoContext(ctx, "analysis_completed",
		slog.String("base_date", baseDate),
		slog.Int("forms_requested", len(returns)),
		slog.Int("forms_analyzed", len(results)),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("cancelled", runErr != nil))

	return results, runErr
}

// runForm wraps analyzeOne so a panic only loses that form.
func (a *Analyzer) runForm(ctx context.Context, logger *slog.Logger, rtn domain.ReturnConfig, baseDate string, fp *formProgress) (res *domain.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "form_pipeline_panicked",
				slog.String("form_code", rtn.Code),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			res = nil
			err = formError(ErrorTypePanic, rtn.Code, "", fmt.Sprintf("%v", r), nil)
		}
	}()

	if ctx.Err() != nil {
		return nil, formError(ErrorTypeCancelled, rtn.Code, "", "run cancelled before start", ctx.Err())
	}

	ctx, span := a.telemetry.startForm(ctx, rtn.Code)
	defer span.End()

	res, err = a.analyzeOne(ctx, logger.With(slog.String("form_code", rtn.Code)), rtn, baseDate, fp)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// analyzeOne selects the two instances of one form, fetches their variances
// and the failed validation rules of the base instance.
func (a *Analyzer) analyzeOne(ctx context.Context, logger *slog.Logger, rtn domain.ReturnConfig, baseDate string, fp *formProgress) (*domain.AnalysisResult, error) {
	fp.step(StepFetchingVersions, fmt.Sprintf("fetching versions of %s", rtn.DisplayName()))

	list, err := a.gateway.ListInstances(ctx, rtn.Code)
	if err != nil {
		return nil, a.classify(ctx, rtn.Code, StepFetchingVersions, "list instances", err)
	}
	if len(list) == 0 {
		return nil, formError(ErrorTypeSelection, rtn.Code, StepFetchingVersions, "no instances available", instances.ErrNoInstances)
	}

	base, err := instances.FindByDate(list, baseDate)
	if err != nil {
		return nil, formError(ErrorTypeSelection, rtn.Code, StepFetchingVersions, "base instance not found", err)
	}

	comparison, err := a.selectComparison(ctx, logger, list, rtn, baseDate)
	if err != nil {
		return nil, formError(ErrorTypeSelection, rtn.Code, StepFetchingVersions, "comparison instance not found", err)
	}

	logger.InfoContext(ctx, "instances_selected",
		slog.String("base_instance", base.Instance.ID),
		slog.String("base_date", base.Instance.ReferenceDate),
		slog.String("comparison_instance", comparison.Instance.ID),
		slog.String("comparison_date", comparison.Instance.ReferenceDate),
		slog.String("match_type", string(comparison.MatchType)),
		slog.Int("days_difference", comparison.DaysDifference))

	if err := ctx.Err(); err != nil {
		return nil, formError(ErrorTypeCancelled, rtn.Code, StepAnalyzingVariances, "cancelled", err)
	}
	fp.step(StepAnalyzingVariances, fmt.Sprintf("comparing %s with %s for %s",
		base.Instance.ReferenceDate, comparison.Instance.ReferenceDate, rtn.DisplayName()))

	variances, err := a.gateway.CompareInstances(ctx, rtn.Code, comparison.Instance, base.Instance)
	if err != nil {
		return nil, a.classify(ctx, rtn.Code, StepAnalyzingVariances, "compare instances", err)
	}
	if variances == nil {
		variances = []domain.VarianceRow{}
	}

	if err := ctx.Err(); err != nil {
		return nil, formError(ErrorTypeCancelled, rtn.Code, StepValidating, "cancelled", err)
	}
	fp.step(StepValidating, fmt.Sprintf("validating %s", rtn.DisplayName()))

	failed := []domain.ValidationResult{}
	validations, err := a.gateway.Validate(ctx, base.Instance)
	switch {
	case err != nil && (!a.keepOnValidationError || ctx.Err() != nil):
		return nil, a.classify(ctx, rtn.Code, StepValidating, "validate", err)
	case err != nil:
		logger.WarnContext(ctx, "validation_fetch_failed_keeping_form",
			slog.String("error", err.Error()))
	default:
		for _, v := range validations {
			if v.Failed() {
				failed = append(failed, v)
			}
		}
	}

	return &domain.AnalysisResult{
		FormName:           rtn.DisplayName(),
		FormCode:           rtn.Code,
		Confirmed:          rtn.Confirmed,
		BaseInstance:       base.Instance,
		ComparisonInstance: comparison.Instance,
		ComparisonMatch:    comparison.MatchType,
		ComparisonGapDays:  instanceGap(base.Instance, comparison.Instance),
		Variances:          variances,
		ValidationsErrors:  failed,
	}, nil
}

// selectComparison anchors the comparison to the expected date when one is
// configured, and to the base date otherwise.
func (a *Analyzer) selectComparison(ctx context.Context, logger *slog.Logger, list []domain.Instance, rtn domain.ReturnConfig, baseDate string) (domain.InstanceSearchResult, error) {
	if rtn.ExpectedDate == "" {
		return instances.FindBeforeDate(list, baseDate)
	}

	res, err := instances.FindByDate(list, rtn.ExpectedDate)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, instances.ErrInstanceNotFound) {
		return domain.InstanceSearchResult{}, err
	}

	logger.InfoContext(ctx, "expected_instance_missing",
		slog.String("expected_date", rtn.ExpectedDate),
		slog.String("fallback", "closest before expected date"))
	return instances.FindBeforeDate(list, rtn.ExpectedDate)
}

// classify turns a gateway failure into a form error, telling cancellation
// apart from remote failures.
func (a *Analyzer) classify(ctx context.Context, formCode, step, message string, err error) *Error {
	if ctx.Err() != nil {
		return formError(ErrorTypeCancelled, formCode, step, message, err)
	}
	return formError(ErrorTypeGateway, formCode, step, message, err)
}

func (a *Analyzer) abandon(ctx context.Context, logger *slog.Logger, fp *formProgress, err error) {
	var aErr *Error
	outcome := string(ErrorTypeGateway)
	if errors.As(err, &aErr) {
		outcome = string(aErr.Type)
	}

	level := slog.LevelWarn
	if outcome == string(ErrorTypeCancelled) {
		level = slog.LevelInfo
	}
	logger.Log(ctx, level, "form_abandoned",
		slog.String("form_code", fp.formCode),
		slog.String("reason", outcome),
		slog.String("error", err.Error()))

	fp.skip(fmt.Sprintf("%s skipped: %s", fp.formCode, err.Error()))
	a.telemetry.formDone(ctx, outcome)
}

func instanceGap(base, comparison domain.Instance) int {
	b, err := instances.ParseDate(base.ReferenceDate)
	if err != nil {
		return 0
	}
	c, err := instances.ParseDate(comparison.ReferenceDate)
	if err != nil {
		return 0
	}
	return instances.DaysBetween(c, b)
}
