// Package progress defines the reporting surface the deployment core
// emits to: step names, one terminal status per step, and fine-grained
// sub-task messages. Any front end can consume it.
package progress

import (
	"log/slog"
	"sync"
)

// =============================================================================
// Reporter Interface
// =============================================================================

// Status is a step's terminal report status.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
)

// Reporter consumes deployment progress events.
type Reporter interface {
	StepStarted(name string)
	StepCompleted(name string, status Status, message string)
	Subtask(message string)
}

// =============================================================================
// Slog Reporter
// =============================================================================

// SlogReporter reports progress through structured logging.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter creates a reporter backed by the given logger.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogReporter{logger: logger.With("component", "progress")}
}

func (r *SlogReporter) StepStarted(name string) {
	r.logger.Info("step started", "step", name)
}

func (r *SlogReporter) StepCompleted(name string, status Status, message string) {
	switch status {
	case StatusFailure:
		r.logger.Error("step failed", "step", name, "message", message)
	case StatusWarning:
		r.logger.Warn("step completed with warning", "step", name, "message", message)
	default:
		r.logger.Info("step completed", "step", name, "message", message)
	}
}

func (r *SlogReporter) Subtask(message string) {
	r.logger.Info(message)
}

// =============================================================================
// Recorder (test double)
// =============================================================================

// Event is one recorded progress event.
type Event struct {
	Kind    string // "started", "completed", "subtask"
	Step    string
	Status  Status
	Message string
}

// Recorder captures progress events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) StepStarted(name string) {
	r.append(Event{Kind: "started", Step: name})
}

func (r *Recorder) StepCompleted(name string, status Status, message string) {
	r.append(Event{Kind: "completed", Step: name, Status: status, Message: message})
}

func (r *Recorder) Subtask(message string) {
	r.append(Event{Kind: "subtask", Message: message})
}

func (r *Recorder) append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Subtasks returns the recorded subtask messages.
func (r *Recorder) Subtasks() []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == "subtask" {
			out = append(out, e.Message)
		}
	}
	return out
}
