package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"varianceiq/internal/analysis"
	"varianceiq/internal/config"
	"varianceiq/internal/exporter"
	"varianceiq/internal/infrastructure"
	"varianceiq/internal/instances"
	"varianceiq/internal/jobs"
	"varianceiq/internal/store"
	"varianceiq/pkg/contracts/domain"
)

// JobKind tags analysis runs on the jobs queue.
const JobKind = "analysis"

// Analyzer runs the variance pipeline for a batch of returns.
type Analyzer interface {
	Analyze(ctx context.Context, returns []domain.ReturnConfig, baseDate string, opts ...analysis.RunOption) ([]domain.AnalysisResult, error)
}

// RunStore persists run history. *store.Store implements it.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	UpdateStatus(ctx context.Context, runID string, status domain.RunStatus) error
	SaveResults(ctx context.Context, runID string, results []domain.AnalysisResult) error
	CompleteRun(ctx context.Context, run domain.Run) error
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.RunDetail, error)
	GetRunForm(ctx context.Context, runID, formCode string) (*domain.RunFormDetail, error)
}

// RunPublisher announces progress events and run lifecycle changes.
type RunPublisher interface {
	analysis.ProgressSink
	PublishRun(run domain.Run)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.ProgressEvent) {}
func (nopPublisher) PublishRun(domain.Run)        {}

// RunRequest asks for one analysis run.
type RunRequest struct {
	BaseDate string   `json:"base_date" validate:"required,isodate"`
	Forms    []string `json:"forms,omitempty" validate:"omitempty,dive,formcode"`

	// OutputDir places the workbook (and CSV files) in a fixed directory
	// instead of the per-run reports directory.
	OutputDir string `json:"-"`
	// WriteCSV adds CSV files even when the configuration does not.
	WriteCSV bool `json:"-"`
}

// RunResult is the outcome of a synchronous run.
type RunResult struct {
	Run      domain.Run
	Results  []domain.AnalysisResult
	CSVFiles []string
}

// RunServiceConfig carries the collaborators and settings of a RunService.
type RunServiceConfig struct {
	Analyzer  Analyzer
	Store     RunStore
	Queue     *jobs.Queue
	Publisher RunPublisher
	Paths     *config.Paths
	Returns   []domain.ReturnConfig

	WriteCSV   bool
	RunTimeout time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// RunService starts, tracks and reports analysis runs.
type RunService struct {
	analyzer   Analyzer
	store      RunStore
	queue      *jobs.Queue
	publisher  RunPublisher
	paths      *config.Paths
	returns    []domain.ReturnConfig
	workbook   *exporter.WorkbookWriter
	writeCSV   bool
	runTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunService creates a run service. Queue may be nil when runs are only
// executed synchronously.
func NewRunService(cfg RunServiceConfig) (*RunService, error) {
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("run service: analyzer is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("run service: store is required")
	}
	if cfg.Paths == nil {
		return nil, fmt.Errorf("run service: paths are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &RunService{
		analyzer:   cfg.Analyzer,
		store:      cfg.Store,
		queue:      cfg.Queue,
		publisher:  cfg.Publisher,
		paths:      cfg.Paths,
		returns:    cfg.Returns,
		workbook:   exporter.NewWorkbookWriter(cfg.Logger),
		writeCSV:   cfg.WriteCSV,
		runTimeout: cfg.RunTimeout,
		logger:     infrastructure.WithComponent(cfg.Logger, "run_service"),
		now:        cfg.Now,
	}, nil
}

// Returns lists the configured returns.
func (s *RunService) Returns() []domain.ReturnConfig {
	out := make([]domain.ReturnConfig, len(s.returns))
	copy(out, s.returns)
	return out
}

// Execute runs an analysis to completion on the caller's goroutine. The run is
// recorded even when it fails or is cancelled; the returned error describes
// why it did not complete.
func (s *RunService) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	selected, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	run, err := s.record(ctx, req, selected, domain.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run, selected, req)
}

// StartRun records the run as pending and schedules it on the queue.
func (s *RunService) StartRun(ctx context.Context, req RunRequest) (domain.Run, error) {
	if s.queue == nil {
		return domain.Run{}, fmt.Errorf("%w: run queue is not running", ErrServiceUnavailable)
	}

	selected, err := s.prepare(req)
	if err != nil {
		return domain.Run{}, err
	}

	run, err := s.record(ctx, req, selected, domain.RunStatusPending)
	if err != nil {
		return domain.Run{}, err
	}

	job := &jobs.Job{
		ID:        run.ID,
		Kind:      JobKind,
		CreatedAt: run.StartedAt,
		Metadata: map[string]string{
			"base_date": run.BaseDate,
			"trace_id":  infrastructure.GetTraceID(ctx),
		},
	}
	err = s.queue.Enqueue(job, func(jobCtx context.Context) error {
		_, err := s.execute(jobCtx, run, selected, req)
		return err
	})
	if err != nil {
		run.Status = domain.RunStatusFailed
		run.Error = err.Error()
		s.complete(ctx, &run)
		if errors.Is(err, jobs.ErrQueueFull) {
			return run, fmt.Errorf("%w: %w", ErrRunLimit, err)
		}
		return run, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	s.logger.InfoContext(ctx, "run_queued",
		slog.String("run_id", run.ID),
		slog.String("base_date", run.BaseDate),
		slog.Int("forms", run.FormsRequested))
	return run, nil
}

// StopRun cancels a pending or running run. A pending run is closed at once;
// a running run stops at its next suspension point and keeps what it gathered.
func (s *RunService) StopRun(ctx context.Context, id string) (domain.Run, error) {
	detail, err := s.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if s.queue == nil || detail.Status.Terminal() {
		return detail.Run, fmt.Errorf("%w: %s is %s", ErrRunNotActive, id, detail.Status)
	}

	job, err := s.queue.Get(id)
	if err != nil {
		return detail.Run, fmt.Errorf("%w: %s", ErrRunNotActive, id)
	}
	if err := s.queue.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrNotActive) || errors.Is(err, jobs.ErrNotFound) {
			return detail.Run, fmt.Errorf("%w: %s", ErrRunNotActive, id)
		}
		return detail.Run, err
	}

	run := detail.Run
	if job.Status == jobs.StatusPending {
		run.Status = domain.RunStatusCancelled
		run.Error = "cancelled before start"
		s.complete(ctx, &run)
	}

	s.logger.InfoContext(ctx, "run_cancel_requested",
		slog.String("run_id", id),
		slog.String("job_status", string(job.Status)))
	return run, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *RunService) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = config.DefaultRunsLimit
	}
	return s.store.ListRuns(ctx, limit)
}

// GetRun returns a run with its per-form summaries.
func (s *RunService) GetRun(ctx context.Context, id string) (*domain.RunDetail, error) {
	detail, err := s.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return detail, err
}

// GetRunForm returns the stored rows and failed rules of one form of a run.
func (s *RunService) GetRunForm(ctx context.Context, id, formCode string) (*domain.RunFormDetail, error) {
	form, err := s.store.GetRunForm(ctx, id, formCode)
	if errors.Is(err, store.ErrNotFound) {
		if _, runErr := s.GetRun(ctx, id); runErr != nil {
			return nil, runErr
		}
		return nil, fmt.Errorf("%w: %s", ErrFormNotFound, formCode)
	}
	return form, err
}

// WorkbookPath returns the workbook written by a completed run.
func (s *RunService) WorkbookPath(ctx context.Context, id string) (string, error) {
	detail, err := s.GetRun(ctx, id)
	if err != nil {
		return "", err
	}
	if detail.WorkbookPath == "" || !config.FileExists(detail.WorkbookPath) {
		return "", fmt.Errorf("%w: run %s", ErrWorkbookMissing, id)
	}
	return detail.WorkbookPath, nil
}

// ActiveRuns is the number of queued or running runs.
func (s *RunService) ActiveRuns() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Active()
}

func (s *RunService) prepare(req RunRequest) ([]domain.ReturnConfig, error) {
	if err := instances.ValidateDate(req.BaseDate); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	selected, err := config.SelectReturns(s.returns, req.Forms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no returns configured", ErrInvalidInput)
	}
	return selected, nil
}

func (s *RunService) record(ctx context.Context, req RunRequest, selected []domain.ReturnConfig, status domain.RunStatus) (domain.Run, error) {
	run := domain.Run{
		ID:             uuid.NewString(),
		BaseDate:       req.BaseDate,
		Status:         status,
		FormsRequested: len(selected),
		StartedAt:      s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("failed to record run: %w", err)
	}
	s.publisher.PublishRun(run)
	return run, nil
}

// execute drives one recorded run through analysis, export and persistence.
func (s *RunService) execute(ctx context.Context, run domain.Run, selected []domain.ReturnConfig, req RunRequest) (*RunResult, error) {
	logger := s.logger.With(slog.String("run_id", run.ID))
	// Bookkeeping must outlive a cancelled run.
	persistCtx := context.WithoutCancel(ctx)

	if run.Status != domain.RunStatusRunning {
		run.Status = domain.RunStatusRunning
		if err := s.store.UpdateStatus(persistCtx, run.ID, run.Status); err != nil {
			logger.WarnContext(ctx, "run_status_update_failed", slog.String("error", err.Error()))
		}
		s.publisher.PublishRun(run)
	}

	analyzeCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		analyzeCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	results, runErr := s.analyzer.Analyze(analyzeCtx, selected, run.BaseDate,
		analysis.WithRunID(run.ID),
		analysis.WithProgress(s.publisher))

	outcome := &RunResult{Results: results}
	run.FormsAnalyzed = len(results)
	for _, res := range results {
		run.VarianceCount += len(res.Variances)
		run.FailedRules += len(res.ValidationsErrors)
	}

	switch {
	case runErr == nil:
		run.Status = domain.RunStatusCompleted
	case errors.Is(runErr, context.Canceled):
		run.Status = domain.RunStatusCancelled
		run.Error = "cancelled"
	case errors.Is(runErr, context.DeadlineExceeded):
		run.Status = domain.RunStatusFailed
		run.Error = fmt.Sprintf("run exceeded %s", s.runTimeout)
	default:
		run.Status = domain.RunStatusFailed
		run.Error = runErr.Error()
	}

	if run.Status == domain.RunStatusCompleted {
		path, csvFiles, err := s.export(run, results, req)
		if err != nil {
			logger.ErrorContext(ctx, "run_export_failed", slog.String("error", err.Error()))
			run.Status = domain.RunStatusFailed
			run.Error = err.Error()
			runErr = err
		} else {
			run.WorkbookPath = path
			outcome.CSVFiles = csvFiles
		}
	}

	if len(results) > 0 {
		if err := s.store.SaveResults(persistCtx, run.ID, results); err != nil {
			logger.ErrorContext(ctx, "run_results_save_failed", slog.String("error", err.Error()))
			if runErr == nil {
				run.Status = domain.RunStatusFailed
				run.Error = err.Error()
				runErr = err
			}
		}
	}

	s.complete(persistCtx, &run)
	outcome.Run = run

	logger.InfoContext(ctx, "run_finished",
		slog.String("status", string(run.Status)),
		slog.Int("forms_analyzed", run.FormsAnalyzed),
		slog.Int("variance_count", run.VarianceCount),
		slog.Int("failed_rules", run.FailedRules),
		slog.Duration("duration", run.Duration()))

	if runErr != nil {
		return outcome, fmt.Errorf("run %s %s: %w", run.ID, run.Status, runErr)
	}
	return outcome, nil
}

func (s *RunService) export(run domain.Run, results []domain.AnalysisResult, req RunRequest) (string, []string, error) {
	generated := s.now()

	var path string
	if req.OutputDir != "" {
		path = config.GetWorkbookPathAt(req.OutputDir, run.BaseDate, generated)
	} else {
		path = s.paths.GetWorkbookPath(run.BaseDate, run.ID)
	}

	meta := exporter.WorkbookMeta{RunID: run.ID, BaseDate: run.BaseDate, GeneratedAt: generated}
	if err := s.workbook.Write(path, meta, results); err != nil {
		return "", nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	if !s.writeCSV && !req.WriteCSV {
		return path, nil, nil
	}

	dir := filepath.Dir(path)
	if req.OutputDir != "" {
		dir = filepath.Join(req.OutputDir, fmt.Sprintf("csv_%s_%s", run.BaseDate, generated.Format("20060102T150405")))
	}
	files, err := exporter.NewCSVWriter(dir, s.logger).ExportResults(results)
	if err != nil {
		return "", nil, fmt.Errorf("failed to write csv files: %w", err)
	}
	return path, files, nil
}

// complete stamps and stores the final state of run and announces it.
func (s *RunService) complete(ctx context.Context, run *domain.Run) {
	if run.CompletedAt == nil {
		done := s.now().UTC()
		run.CompletedAt = &done
	}
	if err := s.store.CompleteRun(ctx, *run); err != nil {
		s.logger.ErrorContext(ctx, "run_complete_failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))
	}
	s.publisher.PublishRun(*run)
}
