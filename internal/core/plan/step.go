// Package plan models a deployment as a graph of named steps with
// dependency edges declared in both directions, and executes it with a
// readiness-queue scheduler that runs independent steps concurrently.
package plan

import "context"

// =============================================================================
// Steps
// =============================================================================

// RunFunc is a step's unit of work. It receives the run-scoped context and
// the run's value store. Unrecoverable errors are returned, not swallowed;
// the scheduler turns them into "abort dependents, continue unrelated
// branches".
type RunFunc func(ctx context.Context, rc *RunContext) error

// Step is one named unit of deployment work. DependsOn names the steps
// that must complete before this one; RequiredBy names the steps this one
// must precede (letting a step inject itself ahead of work it does not
// otherwise know about). Both directions are merged into one ordering when
// the graph is finalized. A step never appears twice in one graph and runs
// exactly once.
type Step struct {
	Name       string
	Run        RunFunc
	DependsOn  []string
	RequiredBy []string
}

// =============================================================================
// Step Results
// =============================================================================

// StepState is a step's lifecycle state during and after execution.
type StepState string

const (
	StatePending   StepState = "pending"
	StateRunning   StepState = "running"
	StateSucceeded StepState = "succeeded"
	StateFailed    StepState = "failed"

	// StateSkipped marks a step whose (transitive) predecessor failed;
	// skipped steps are never attempted.
	StateSkipped StepState = "skipped"
)

// StepResult records one step's outcome for the run.
type StepResult struct {
	Name  string
	State StepState
	Err   error
}
