package jobs

import (
	"context"
	"errors"
	"time"
)

// Status represents the status of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the job will not change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound   = errors.New("job not found")
	ErrExists     = errors.New("job already exists")
	ErrQueueFull  = errors.New("job queue is full")
	ErrNotActive  = errors.New("job is not active")
	ErrNotStarted = errors.New("job queue is not running")
)

// Func is the work a job performs. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Job represents an async job
type Job struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Status      Status            `json:"status"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Filter for querying jobs
type Filter struct {
	Status Status
	Kind   string
	Since  time.Time
	Limit  int
}

// Store persists job state.
type Store interface {
	Create(job *Job) error
	Get(id string) (*Job, error)
	Update(job *Job) error
	List(filter Filter) ([]*Job, error)
}
