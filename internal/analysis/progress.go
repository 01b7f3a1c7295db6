package analysis

import (
	"sync"
	"sync/atomic"
	"time"

	"varianceiq/pkg/contracts/domain"
)

// Progress steps. Each form goes through the first three in order.
const (
	StepFetchingVersions   = "fetching versions"
	StepAnalyzingVariances = "analyzing variances"
	StepValidating         = "validating"
	StepSkipped            = "skipped"
	StepCompleted          = "completed"

	stepsPerForm = 3
)

// ProgressSink receives progress events. Publish is called concurrently from
// every in-flight form and must not block.
type ProgressSink interface {
	Publish(event domain.ProgressEvent)
}

// ClosableSink is closed by the analyzer once the run it was given to ends.
type ClosableSink interface {
	ProgressSink
	Close()
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(domain.ProgressEvent)

// Publish calls f(event).
func (f SinkFunc) Publish(event domain.ProgressEvent) { f(event) }

type nopSink struct{}

func (nopSink) Publish(domain.ProgressEvent) {}

// multiSink fans events out to several sinks.
type multiSink []ProgressSink

// Sinks combines sinks into one. Nil entries are ignored. Closing the result
// closes every closable member.
func Sinks(sinks ...ProgressSink) ProgressSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Publish(event domain.ProgressEvent) {
	for _, s := range m {
		s.Publish(event)
	}
}

func (m multiSink) Close() {
	for _, s := range m {
		if c, ok := s.(ClosableSink); ok {
			c.Close()
		}
	}
}

// EventCapacity is the most events a run over n forms can publish.
func EventCapacity(forms int) int {
	// three steps plus a possible skip per form, and the final completion
	return forms*(stepsPerForm+1) + 1
}

// Stream is a one-shot, channel-backed sink for a single run. Size it with
// EventCapacity so publishing never has to drop.
type Stream struct {
	mu      sync.RWMutex
	events  chan domain.ProgressEvent
	closed  bool
	dropped atomic.Int64
}

// NewStream creates a stream buffering up to capacity events.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{events: make(chan domain.ProgressEvent, capacity)}
}

// Events is the subscription. It is closed when the run ends.
func (s *Stream) Events() <-chan domain.ProgressEvent {
	return s.events
}

// Publish enqueues the event, dropping it when the buffer is full or the
// stream is closed.
func (s *Stream) Publish(event domain.ProgressEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Close ends the stream. Further calls are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Dropped returns how many events could not be delivered.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// tracker keeps the run-wide step counter. current only ever grows and ends
// at total; events reach the sink in counter order.
type tracker struct {
	mu      sync.Mutex
	runID   string
	total   int
	current int
	sink    ProgressSink
	now     func() time.Time
}

func newTracker(runID string, forms int, sink ProgressSink, now func() time.Time) *tracker {
	if sink == nil {
		sink = nopSink{}
	}
	return &tracker{runID: runID, total: forms * stepsPerForm, sink: sink, now: now}
}

// advance moves the counter by n steps and publishes the event.
func (t *tracker) advance(n int, step, formCode, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current += n
	t.sink.Publish(domain.ProgressEvent{
		RunID:     t.runID,
		Step:      step,
		FormCode:  formCode,
		Current:   t.current,
		Total:     t.total,
		Message:   message,
		Timestamp: t.now(),
	})
}

// formProgress tracks one form's share of the counter so an abandoned form can
// account for the steps it never reached.
type formProgress struct {
	t        *tracker
	formCode string
	done     int
}

func (p *formProgress) step(step, message string) {
	p.done++
	p.t.advance(1, step, p.formCode, message)
}

func (p *formProgress) skip(message string) {
	remaining := stepsPerForm - p.done
	p.done = stepsPerForm
	p.t.advance(remaining, StepSkipped, p.formCode, message)
}
