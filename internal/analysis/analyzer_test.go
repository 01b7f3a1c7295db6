package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"varianceiq/pkg/contracts/domain"
)

// fakeGateway is an in-memory gateway that records how many calls overlap.
type fakeGateway struct {
	mu          sync.Mutex
	instances   map[string][]domain.Instance
	listErr     map[string]error
	compareErr  map[string]error
	validateErr map[string]error
	validations map[string][]domain.ValidationResult
	rows        map[string][]domain.VarianceRow
	panicOn     string
	delay       time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	compared    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		instances:   map[string][]domain.Instance{},
		listErr:     map[string]error{},
		compareErr:  map[string]error{},
		validateErr: map[string]error{},
		validations: map[string][]domain.ValidationResult{},
		rows:        map[string][]domain.VarianceRow{},
	}
}

func (f *fakeGateway) enter(ctx context.Context) (func(), error) {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	leave := func() { f.inFlight.Add(-1) }

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return leave, nil
}

func (f *fakeGateway) ListInstances(ctx context.Context, formCode string) ([]domain.Instance, error) {
	leave, err := f.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	if formCode == f.panicOn {
		panic("boom")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[formCode]; err != nil {
		return nil, err
	}
	return f.instances[formCode], nil
}

func (f *fakeGateway) CompareInstances(ctx context.Context, formCode string, from, to domain.Instance) ([]domain.VarianceRow, error) {
	leave, err := f.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.compared = append(f.compared, fmt.Sprintf("%s:%s->%s", formCode, from.ID, to.ID))
	if err := f.compareErr[formCode]; err != nil {
		return nil, err
	}
	return f.rows[formCode], nil
}

func (f *fakeGateway) Validate(ctx context.Context, inst domain.Instance) ([]domain.ValidationResult, error) {
	leave, err := f.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.validateErr[inst.ID]; err != nil {
		return nil, err
	}
	return f.validations[inst.ID], nil
}

// addForm registers a form with quarterly instances whose ids are prefixed by the code.
func (f *fakeGateway) addForm(code string, dates ...string) {
	list := make([]domain.Instance, 0, len(dates))
	for _, d := range dates {
		list = append(list, domain.Instance{ID: code + "@" + d, ReferenceDate: d})
	}
	f.instances[code] = list
	f.rows[code] = []domain.VarianceRow{
		{domain.ColumnCellReference: "R010C010", domain.ColumnCellDescription: "Total", domain.ColumnDifference: 10.0, domain.ColumnPercentDifference: 5.0},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAnalyzer(t *testing.T, gw Gateway, opts ...Option) *Analyzer {
	t.Helper()
	a, err := New(gw, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return a
}

func drain(s *Stream) []domain.ProgressEvent {
	var events []domain.ProgressEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(newFakeGateway(), WithConcurrency(0))
	require.Error(t, err)
	var aErr *Error
	require.True(t, errors.As(err, &aErr))
	assert.Equal(t, ErrorTypeConfig, aErr.Type)

	a, err := New(newFakeGateway())
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, a.Concurrency())
}

func TestAnalyzeExampleScenario(t *testing.T) {
	gw := newFakeGateway()
	gw.instances["CA1"] = []domain.Instance{
		{ID: "a", ReferenceDate: "2025-03-31"},
		{ID: "b", ReferenceDate: "2025-06-30"},
	}
	rows := []domain.VarianceRow{
		{domain.ColumnCellReference: "R010C010", domain.ColumnCellDescription: "Total assets", domain.ColumnDifference: 120.0, domain.ColumnPercentDifference: "4%", "Custom": "kept"},
	}
	gw.rows["CA1"] = rows
	gw.validations["b"] = []domain.ValidationResult{{Severity: "Error", Expression: "A=B", Status: "Pass"}}

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "CA1", Name: "Capital", Confirmed: true}}, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "Capital", res.FormName)
	assert.Equal(t, "CA1", res.FormCode)
	assert.True(t, res.Confirmed)
	assert.Equal(t, "b", res.BaseInstance.ID)
	assert.Equal(t, "a", res.ComparisonInstance.ID)
	assert.Equal(t, domain.MatchTypeBefore, res.ComparisonMatch)
	assert.Equal(t, 91, res.ComparisonGapDays)
	assert.Equal(t, rows, res.Variances)
	assert.NotNil(t, res.ValidationsErrors)
	assert.Empty(t, res.ValidationsErrors)
	assert.Equal(t, []string{"CA1:a->b"}, gw.compared)
}

func TestAnalyzeKeepsOnlyFailedValidations(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("LQ", "2025-03-31", "2025-06-30")
	gw.validations["LQ@2025-06-30"] = []domain.ValidationResult{
		{Expression: "x", Status: "Pass"},
		{Expression: "y", Status: "Fail", Message: "broken"},
		{Expression: "z", Status: "Warning"},
		{Expression: "w", Status: "Fail"},
	}

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "LQ"}}, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].ValidationsErrors, 2)
	assert.Equal(t, "y", results[0].ValidationsErrors[0].Expression)
	assert.Equal(t, "w", results[0].ValidationsErrors[1].Expression)
	assert.Equal(t, "LQ", results[0].FormName, "name falls back to code")
}

func TestAnalyzePartialFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("F1", "2025-03-31", "2025-06-30")
	gw.addForm("F2", "2025-03-31", "2025-06-30")
	gw.addForm("F3", "2025-03-31", "2025-06-30")
	gw.addForm("F4", "2025-06-30")               // no earlier instance
	gw.addForm("F5", "2025-03-31", "2025-05-31") // no base instance

	returns := []domain.ReturnConfig{{Code: "F1"}, {Code: "F2"}, {Code: "F3"}, {Code: "F4"}, {Code: "F5"}}

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), returns, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 3)

	codes := make([]string, 0, len(results))
	for _, r := range results {
		codes = append(codes, r.FormCode)
		assert.Equal(t, "2025-06-30", r.BaseInstance.ReferenceDate)
	}
	assert.ElementsMatch(t, []string{"F1", "F2", "F3"}, codes)
}

func TestAnalyzeDropsFormsOnGatewayFailures(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("OK", "2025-03-31", "2025-06-30")
	gw.addForm("LIST", "2025-03-31", "2025-06-30")
	gw.addForm("CMP", "2025-03-31", "2025-06-30")
	gw.addForm("VAL", "2025-03-31", "2025-06-30")
	gw.instances["EMPTY"] = []domain.Instance{}
	gw.listErr["LIST"] = errors.New("status 503")
	gw.compareErr["CMP"] = errors.New("timeout")
	gw.validateErr["VAL@2025-06-30"] = errors.New("status 500")

	returns := []domain.ReturnConfig{{Code: "OK"}, {Code: "LIST"}, {Code: "CMP"}, {Code: "VAL"}, {Code: "EMPTY"}}

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), returns, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "OK", results[0].FormCode)
}

func TestAnalyzeKeepOnValidationError(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("VAL", "2025-03-31", "2025-06-30")
	gw.validateErr["VAL@2025-06-30"] = errors.New("status 500")

	a := newTestAnalyzer(t, gw, WithKeepOnValidationError(true))
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "VAL"}}, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].ValidationsErrors)
	assert.Len(t, results[0].Variances, 1)
}

func TestAnalyzeAllFormsFailingReturnsEmpty(t *testing.T) {
	gw := newFakeGateway()
	gw.listErr["A"] = errors.New("down")
	gw.listErr["B"] = errors.New("down")

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "A"}, {Code: "B"}}, "2025-06-30")
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestAnalyzeInvalidBaseDateDropsEveryForm(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("A", "2025-03-31", "2025-06-30")

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "A"}}, "30-06-2025")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestComparisonSelection(t *testing.T) {
	dates := []string{"2024-09-30", "2024-12-31", "2025-03-31", "2025-06-30"}

	tests := []struct {
		name          string
		expectedDate  string
		wantCompareTo string
		wantMatch     domain.MatchType
		wantDropped   bool
	}{
		{name: "no expected date uses closest before base", wantCompareTo: "2025-03-31", wantMatch: domain.MatchTypeBefore},
		{name: "expected date exact", expectedDate: "2024-12-31", wantCompareTo: "2024-12-31", wantMatch: domain.MatchTypeExact},
		{name: "expected date falls back before expected", expectedDate: "2024-11-30", wantCompareTo: "2024-09-30", wantMatch: domain.MatchTypeBefore},
		{name: "expected date with nothing earlier", expectedDate: "2024-01-31", wantDropped: true},
		{name: "malformed expected date", expectedDate: "2024/12/31", wantDropped: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.addForm("F", dates...)

			a := newTestAnalyzer(t, gw)
			results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "F", ExpectedDate: tt.expectedDate}}, "2025-06-30")
			require.NoError(t, err)

			if tt.wantDropped {
				assert.Empty(t, results)
				return
			}
			require.Len(t, results, 1)
			assert.Equal(t, "2025-06-30", results[0].BaseInstance.ReferenceDate)
			assert.Equal(t, tt.wantCompareTo, results[0].ComparisonInstance.ReferenceDate)
			assert.Equal(t, tt.wantMatch, results[0].ComparisonMatch)
		})
	}
}

func TestAnalyzeRespectsConcurrencyBound(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			gw := newFakeGateway()
			gw.delay = 5 * time.Millisecond

			returns := make([]domain.ReturnConfig, 0, 12)
			for i := 0; i < 12; i++ {
				code := fmt.Sprintf("F%02d", i)
				gw.addForm(code, "2025-03-31", "2025-06-30")
				returns = append(returns, domain.ReturnConfig{Code: code})
			}

			a := newTestAnalyzer(t, gw, WithConcurrency(k))
			results, err := a.Analyze(context.Background(), returns, "2025-06-30")
			require.NoError(t, err)
			assert.Len(t, results, 12)
			assert.LessOrEqual(t, int(gw.maxInFlight.Load()), k)
			if k > 1 {
				assert.Greater(t, int(gw.maxInFlight.Load()), 1, "forms should overlap")
			}
		})
	}
}

func TestAnalyzeProgressEvents(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("A", "2025-03-31", "2025-06-30")
	gw.addForm("B", "2025-03-31", "2025-06-30")
	gw.addForm("C", "2025-06-30") // dropped after the first step
	gw.compareErr["B"] = errors.New("boom")

	returns := []domain.ReturnConfig{{Code: "A"}, {Code: "B"}, {Code: "C"}}
	stream := NewStream(EventCapacity(len(returns)))

	fixed := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	a := newTestAnalyzer(t, gw, WithClock(func() time.Time { return fixed }))
	_, err := a.Analyze(context.Background(), returns, "2025-06-30", WithRunID("run-1"), WithProgress(stream))
	require.NoError(t, err)

	events := drain(stream)
	require.NotEmpty(t, events)
	assert.Zero(t, stream.Dropped())

	last := 0
	perForm := map[string][]string{}
	for _, ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, 9, ev.Total)
		assert.Equal(t, fixed, ev.Timestamp)
		assert.GreaterOrEqual(t, ev.Current, last, "counter must not go backwards")
		last = ev.Current
		if ev.FormCode != "" {
			perForm[ev.FormCode] = append(perForm[ev.FormCode], ev.Step)
		}
	}

	final := events[len(events)-1]
	assert.Equal(t, StepCompleted, final.Step)
	assert.Equal(t, 9, final.Current)

	assert.Equal(t, []string{StepFetchingVersions, StepAnalyzingVariances, StepValidating}, perForm["A"])
	assert.Equal(t, []string{StepFetchingVersions, StepAnalyzingVariances, StepSkipped}, perForm["B"])
	assert.Equal(t, []string{StepFetchingVersions, StepSkipped}, perForm["C"])
}

func TestAnalyzerSinkSeesEveryRun(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("A", "2025-03-31", "2025-06-30")

	var count atomic.Int32
	a := newTestAnalyzer(t, gw, WithProgressSink(SinkFunc(func(domain.ProgressEvent) { count.Add(1) })))

	for i := 0; i < 2; i++ {
		_, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "A"}}, "2025-06-30")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(8), count.Load(), "three steps and a completion per run")
}

func TestAnalyzeRecoversPanics(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("A", "2025-03-31", "2025-06-30")
	gw.addForm("BAD", "2025-03-31", "2025-06-30")
	gw.panicOn = "BAD"

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(context.Background(), []domain.ReturnConfig{{Code: "BAD"}, {Code: "A"}}, "2025-06-30")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].FormCode)
}

func TestAnalyzeCancellation(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 20 * time.Millisecond

	returns := make([]domain.ReturnConfig, 0, 8)
	for i := 0; i < 8; i++ {
		code := fmt.Sprintf("F%d", i)
		gw.addForm(code, "2025-03-31", "2025-06-30")
		returns = append(returns, domain.ReturnConfig{Code: code})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()

	stream := NewStream(EventCapacity(len(returns)))
	a := newTestAnalyzer(t, gw, WithConcurrency(1))

	start := time.Now()
	results, err := a.Analyze(ctx, returns, "2025-06-30", WithProgress(stream))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Less(t, len(results), len(returns))

	var aErr *Error
	require.True(t, errors.As(err, &aErr))
	assert.Equal(t, ErrorTypeCancelled, aErr.Type)

	events := drain(stream)
	final := events[len(events)-1]
	assert.Equal(t, StepCompleted, final.Step)
	assert.Equal(t, final.Total, final.Current)
}

func TestAnalyzeAlreadyCancelled(t *testing.T) {
	gw := newFakeGateway()
	gw.addForm("A", "2025-03-31", "2025-06-30")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAnalyzer(t, gw)
	results, err := a.Analyze(ctx, []domain.ReturnConfig{{Code: "A"}}, "2025-06-30")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
	assert.Zero(t, gw.maxInFlight.Load())
}

func TestAnalyzeNoReturns(t *testing.T) {
	stream := NewStream(EventCapacity(0))
	a := newTestAnalyzer(t, newFakeGateway())
	results, err := a.Analyze(context.Background(), nil, "2025-06-30", WithProgress(stream))
	require.NoError(t, err)
	assert.Empty(t, results)

	events := drain(stream)
	require.Len(t, events, 1)
	assert.Equal(t, StepCompleted, events[0].Step)
	assert.Equal(t, 0, events[0].Total)
}
