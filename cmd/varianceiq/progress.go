package main

import (
	"fmt"
	"io"
	"sync"

	"varianceiq/pkg/contracts/domain"
)

// consoleProgress prints analysis progress and run transitions as plain lines.
type consoleProgress struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleProgress(out io.Writer) *consoleProgress {
	return &consoleProgress{out: out}
}

func (p *consoleProgress) Publish(event domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	form := event.FormCode
	if form == "" {
		form = "-"
	}
	fmt.Fprintf(p.out, "[%3.0f%%] %d/%d %-10s %-20s %s\n",
		event.Percentage(), event.Current, event.Total, form, event.Step, event.Message)
}

func (p *consoleProgress) PublishRun(run domain.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf("run %s %s (base date %s, %d forms)", run.ID, run.Status, run.BaseDate, run.FormsRequested)
	if run.Error != "" {
		line += ": " + run.Error
	}
	fmt.Fprintln(p.out, line)
}
