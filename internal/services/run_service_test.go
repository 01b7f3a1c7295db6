package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varianceiq/internal/analysis"
	"varianceiq/internal/config"
	"varianceiq/internal/jobs"
	"varianceiq/internal/shared/testutil"
	"varianceiq/internal/store"
	"varianceiq/pkg/contracts/domain"
)

type analyzeFunc func(ctx context.Context, returns []domain.ReturnConfig, baseDate string) ([]domain.AnalysisResult, error)

type fakeAnalyzer struct {
	fn analyzeFunc
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, returns []domain.ReturnConfig, baseDate string, _ ...analysis.RunOption) ([]domain.AnalysisResult, error) {
	return f.fn(ctx, returns, baseDate)
}

// resultsFor answers every form with one variance row, except LQ2 which has none.
func resultsFor(ctx context.Context, returns []domain.ReturnConfig, baseDate string) ([]domain.AnalysisResult, error) {
	out := make([]domain.AnalysisResult, 0, len(returns))
	for _, r := range returns {
		if r.Code == "LQ2" {
			out = append(out, testutil.Result(r.Code, 0, 0))
			continue
		}
		out = append(out, testutil.Result(r.Code, 2, 1))
	}
	return out, nil
}

// blockUntil waits for release or cancellation.
func blockUntil(release <-chan struct{}) analyzeFunc {
	return func(ctx context.Context, returns []domain.ReturnConfig, baseDate string) ([]domain.AnalysisResult, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("analysis cancelled: %w", ctx.Err())
		}
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	runs   []domain.Run
	events int
}

func (p *recordingPublisher) Publish(domain.ProgressEvent) {
	p.mu.Lock()
	p.events++
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishRun(run domain.Run) {
	p.mu.Lock()
	p.runs = append(p.runs, run)
	p.mu.Unlock()
}

func (p *recordingPublisher) statuses() []domain.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.RunStatus, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, r.Status)
	}
	return out
}

type fixture struct {
	svc       *RunService
	store     *store.Store
	queue     *jobs.Queue
	publisher *recordingPublisher
	paths     *config.Paths
}

func newFixture(t *testing.T, fn analyzeFunc, mutate ...func(*RunServiceConfig)) *fixture {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)

	st, err := store.Open(context.Background(), store.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := jobs.NewQueue(1, 2, jobs.NewMemoryStore(), logger)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Stop(5 * time.Second) })

	pub := &recordingPublisher{}
	paths := &config.Paths{ReportsDir: t.TempDir()}

	cfg := RunServiceConfig{
		Analyzer:  &fakeAnalyzer{fn: fn},
		Store:     st,
		Queue:     q,
		Publisher: pub,
		Paths:     paths,
		Returns:   testutil.Returns("CA1", "LQ2", "MR3"),
		Logger:    logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	svc, err := NewRunService(cfg)
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, queue: q, publisher: pub, paths: paths}
}

func (f *fixture) waitForStatus(t *testing.T, id string, want domain.RunStatus) *domain.RunDetail {
	t.Helper()
	var detail *domain.RunDetail
	require.Eventually(t, func() bool {
		var err error
		detail, err = f.svc.GetRun(context.Background(), id)
		return err == nil && detail.Status == want
	}, 3*time.Second, 10*time.Millisecond, "run %s never reached %s", id, want)
	return detail
}

func TestNewRunServiceRequiresCollaborators(t *testing.T) {
	_, err := NewRunService(RunServiceConfig{})
	assert.Error(t, err)

	_, err = NewRunService(RunServiceConfig{Analyzer: &fakeAnalyzer{fn: resultsFor}})
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	f := newFixture(t, resultsFor)
	ctx := context.Background()

	out, err := f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30", Forms: []string{"CA1", "LQ2"}})
	require.NoError(t, err)

	run := out.Run
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.FormsRequested)
	assert.Equal(t, 2, run.FormsAnalyzed)
	assert.Equal(t, 2, run.VarianceCount)
	assert.Equal(t, 1, run.FailedRules)
	assert.Equal(t, f.paths.GetWorkbookPath("2025-06-30", run.ID), run.WorkbookPath)
	assert.FileExists(t, run.WorkbookPath)
	assert.Empty(t, out.CSVFiles)
	assert.Len(t, out.Results, 2)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, detail.Status)
	require.Len(t, detail.Forms, 2)
	assert.Equal(t, "CA1", detail.Forms[0].FormCode)

	form, err := f.svc.GetRunForm(ctx, run.ID, "CA1")
	require.NoError(t, err)
	assert.Len(t, form.Variances, 2)
	assert.Len(t, form.FailedRules, 1)

	path, err := f.svc.WorkbookPath(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.WorkbookPath, path)

	assert.Equal(t, []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusCompleted}, f.publisher.statuses())
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	f := newFixture(t, resultsFor)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, RunRequest{BaseDate: "30/06/2025"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30", Forms: []string{"CA1", "XX9"}})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.True(t, errors.Is(err, config.ErrUnknownForm))
	assert.Contains(t, err.Error(), "XX9")

	runs, err := f.svc.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests are not recorded")
}

func TestExecuteNoReturnsConfigured(t *testing.T) {
	f := newFixture(t, resultsFor, func(c *RunServiceConfig) { c.Returns = nil })

	_, err := f.svc.Execute(context.Background(), RunRequest{BaseDate: "2025-06-30"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestExecuteAllFormsFailing(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, returns []domain.ReturnConfig, baseDate string) ([]domain.AnalysisResult, error) {
		return []domain.AnalysisResult{}, nil
	})

	out, err := f.svc.Execute(context.Background(), RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, out.Run.Status)
	assert.Equal(t, 3, out.Run.FormsRequested)
	assert.Equal(t, 0, out.Run.FormsAnalyzed)
	assert.FileExists(t, out.Run.WorkbookPath)
}

func TestExecuteCancelledKeepsPartialResults(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, returns []domain.ReturnConfig, baseDate string) ([]domain.AnalysisResult, error) {
		return []domain.AnalysisResult{testutil.Result("CA1", 1, 0)}, fmt.Errorf("analysis cancelled: %w", context.Canceled)
	})
	ctx := context.Background()

	out, err := f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, out)
	assert.Equal(t, domain.RunStatusCancelled, out.Run.Status)
	assert.Empty(t, out.Run.WorkbookPath)

	detail, err := f.svc.GetRun(ctx, out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, detail.Status)
	assert.Len(t, detail.Forms, 1, "partial results are stored")

	_, err = f.svc.WorkbookPath(ctx, out.Run.ID)
	assert.True(t, errors.Is(err, ErrWorkbookMissing))
}

func TestExecuteRunTimeout(t *testing.T) {
	f := newFixture(t, blockUntil(nil), func(c *RunServiceConfig) { c.RunTimeout = 20 * time.Millisecond })

	out, err := f.svc.Execute(context.Background(), RunRequest{BaseDate: "2025-06-30"})
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, out.Run.Status)
	assert.Contains(t, out.Run.Error, "run exceeded")
}

func TestExecuteOutputDirAndCSV(t *testing.T) {
	fixed := time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)
	f := newFixture(t, resultsFor, func(c *RunServiceConfig) { c.Now = func() time.Time { return fixed } })
	outDir := t.TempDir()

	out, err := f.svc.Execute(context.Background(), RunRequest{
		BaseDate: "2025-06-30", Forms: []string{"CA1", "LQ2"}, OutputDir: outDir, WriteCSV: true,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "variance_2025-06-30_20250701T093000.xlsx"), out.Run.WorkbookPath)
	assert.FileExists(t, out.Run.WorkbookPath)
	require.Len(t, out.CSVFiles, 3)
	for _, file := range out.CSVFiles {
		assert.FileExists(t, file)
		assert.Equal(t, filepath.Join(outDir, "csv_2025-06-30_20250701T093000"), filepath.Dir(file))
	}
}

func TestStartRunCompletesInBackground(t *testing.T) {
	f := newFixture(t, resultsFor)
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30", Forms: []string{"MR3"}})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.NotEmpty(t, run.ID)

	detail := f.waitForStatus(t, run.ID, domain.RunStatusCompleted)
	assert.Equal(t, 1, detail.FormsAnalyzed)
	assert.NotEmpty(t, detail.WorkbookPath)

	require.Eventually(t, func() bool {
		s := f.publisher.statuses()
		return len(s) == 3 && s[2] == domain.RunStatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.RunStatusPending, f.publisher.statuses()[0])
	assert.Equal(t, domain.RunStatusRunning, f.publisher.statuses()[1])
}

func TestStartRunWithoutQueue(t *testing.T) {
	f := newFixture(t, resultsFor, func(c *RunServiceConfig) { c.Queue = nil })

	_, err := f.svc.StartRun(context.Background(), RunRequest{BaseDate: "2025-06-30"})
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
	assert.Equal(t, 0, f.svc.ActiveRuns())
}

func TestStartRunQueueFull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, blockUntil(release))
	ctx := context.Background()

	first, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)
	f.waitForStatus(t, first.ID, domain.RunStatusRunning)

	for i := 0; i < 2; i++ {
		_, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
		require.NoError(t, err)
	}

	rejected, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
	assert.True(t, errors.Is(err, ErrRunLimit))
	assert.Equal(t, domain.RunStatusFailed, rejected.Status)
	assert.Equal(t, 3, f.svc.ActiveRuns())
}

func TestStopRunning(t *testing.T) {
	f := newFixture(t, blockUntil(nil))
	ctx := context.Background()

	run, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)
	f.waitForStatus(t, run.ID, domain.RunStatusRunning)

	_, err = f.svc.StopRun(ctx, run.ID)
	require.NoError(t, err)

	detail := f.waitForStatus(t, run.ID, domain.RunStatusCancelled)
	assert.NotNil(t, detail.CompletedAt)

	_, err = f.svc.StopRun(ctx, run.ID)
	assert.True(t, errors.Is(err, ErrRunNotActive))
}

func TestStopPending(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blockUntil(release))
	ctx := context.Background()

	first, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)
	f.waitForStatus(t, first.ID, domain.RunStatusRunning)

	second, err := f.svc.StartRun(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)

	stopped, err := f.svc.StopRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, stopped.Status)

	detail, err := f.svc.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, detail.Status)
	assert.Equal(t, "cancelled before start", detail.Error)

	close(release)
	f.waitForStatus(t, first.ID, domain.RunStatusCompleted)
}

func TestStopUnknownRun(t *testing.T) {
	f := newFixture(t, resultsFor)

	_, err := f.svc.StopRun(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestStopRunExecutedSynchronously(t *testing.T) {
	f := newFixture(t, resultsFor)
	ctx := context.Background()

	out, err := f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30"})
	require.NoError(t, err)

	_, err = f.svc.StopRun(ctx, out.Run.ID)
	assert.True(t, errors.Is(err, ErrRunNotActive))
}

func TestGetRunFormErrors(t *testing.T) {
	f := newFixture(t, resultsFor)
	ctx := context.Background()

	out, err := f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30", Forms: []string{"CA1"}})
	require.NoError(t, err)

	_, err = f.svc.GetRunForm(ctx, out.Run.ID, "LQ2")
	assert.True(t, errors.Is(err, ErrFormNotFound))

	_, err = f.svc.GetRunForm(ctx, "nope", "CA1")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestListRunsNewestFirst(t *testing.T) {
	clock := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, resultsFor, func(c *RunServiceConfig) {
		c.Now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		out, err := f.svc.Execute(ctx, RunRequest{BaseDate: "2025-06-30", Forms: []string{"CA1"}})
		require.NoError(t, err)
		ids = append(ids, out.Run.ID)
	}

	runs, err := f.svc.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
}

func TestReturnsIsACopy(t *testing.T) {
	f := newFixture(t, resultsFor)

	r := f.svc.Returns()
	require.Len(t, r, 3)
	r[0].Code = "changed"
	assert.Equal(t, "CA1", f.svc.Returns()[0].Code)
}
