package websocket

import (
	"varianceiq/pkg/contracts/domain"
)

// ProgressPublisher forwards analysis progress and run lifecycle changes to
// connected clients. It satisfies the analyzer's progress sink.
type ProgressPublisher struct {
	out Broadcaster
}

// NewProgressPublisher publishes through out.
func NewProgressPublisher(out Broadcaster) *ProgressPublisher {
	return &ProgressPublisher{out: out}
}

// Publish sends a progress event as analysis:progress.
func (p *ProgressPublisher) Publish(event domain.ProgressEvent) {
	p.out.Broadcast(TypeProgress, event)
}

// PublishRun sends the run state as analysis:run.
func (p *ProgressPublisher) PublishRun(run domain.Run) {
	p.out.Broadcast(TypeRun, run)
}
