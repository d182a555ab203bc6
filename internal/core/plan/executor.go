package plan

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Execution
// =============================================================================

// ErrRunFailed is returned when at least one step failed or was skipped.
var ErrRunFailed = errors.New("deployment run failed")

// ErrAlreadyExecuted is returned when a graph is executed twice.
var ErrAlreadyExecuted = errors.New("graph was already executed")

// Hooks receives step lifecycle notifications during execution. Both
// callbacks may be nil. They are invoked from the scheduling goroutine,
// never concurrently with themselves.
type Hooks struct {
	OnStepStart func(name string)
	OnStepDone  func(result StepResult)
}

// ExecuteOptions tunes execution.
type ExecuteOptions struct {
	// MaxConcurrent caps how many steps run at once. 0 means no cap.
	MaxConcurrent int
	Hooks         Hooks
}

// RunResult is the outcome of executing a graph.
type RunResult struct {
	Steps  map[string]StepResult
	Failed bool

	// FirstErr is the first step failure observed, nil on success.
	FirstErr error
}

type stepDone struct {
	name string
	err  error
}

// Execute runs the finalized graph. A step becomes eligible once all of
// its resolved predecessors have completed successfully; all eligible
// steps run concurrently (subject to MaxConcurrent). A predecessor's
// failure marks every transitive dependent skipped without attempting it,
// while unrelated branches continue. The per-step results are always
// returned, alongside ErrRunFailed if anything failed.
func (g *Graph) Execute(ctx context.Context, rc *RunContext, opts ExecuteOptions) (*RunResult, error) {
	if !g.finalized {
		return nil, ErrNotFinalized
	}
	if g.executed {
		return nil, ErrAlreadyExecuted
	}
	g.executed = true

	succ := g.successors()

	waiting := make(map[string]int, len(g.steps))
	results := make(map[string]StepResult, len(g.steps))
	var ready []string
	for _, name := range g.order {
		waiting[name] = len(g.preds[name])
		results[name] = StepResult{Name: name, State: StatePending}
		if waiting[name] == 0 {
			ready = append(ready, name)
		}
	}

	res := &RunResult{Steps: results}
	doneCh := make(chan stepDone)
	running := 0
	completed := 0

	// skip marks a step and all of its not-yet-scheduled transitive
	// dependents as skipped.
	skip := func(root string) {
		queue := []string{root}
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if results[name].State != StatePending {
				continue
			}
			results[name] = StepResult{Name: name, State: StateSkipped}
			completed++
			if opts.Hooks.OnStepDone != nil {
				opts.Hooks.OnStepDone(results[name])
			}
			queue = append(queue, succ[name]...)
		}
	}

	launch := func(name string) {
		results[name] = StepResult{Name: name, State: StateRunning}
		running++
		if opts.Hooks.OnStepStart != nil {
			opts.Hooks.OnStepStart(name)
		}
		step := g.steps[name]
		go func() {
			doneCh <- stepDone{name: name, err: step.Run(ctx, rc)}
		}()
	}

	for completed < len(g.steps) {
		// Launch everything eligible, unless the run was cancelled.
		for len(ready) > 0 && (opts.MaxConcurrent == 0 || running < opts.MaxConcurrent) {
			if ctx.Err() != nil {
				break
			}
			name := ready[0]
			ready = ready[1:]
			launch(name)
		}

		if running == 0 {
			// Cancelled, or nothing left that can make progress:
			// everything still pending is skipped.
			for _, name := range g.order {
				skip(name)
			}
			break
		}

		d := <-doneCh
		running--
		completed++

		if d.err != nil {
			results[d.name] = StepResult{Name: d.name, State: StateFailed, Err: d.err}
			if res.FirstErr == nil {
				res.FirstErr = fmt.Errorf("step %s: %w", d.name, d.err)
			}
			if opts.Hooks.OnStepDone != nil {
				opts.Hooks.OnStepDone(results[d.name])
			}
			for _, dependent := range succ[d.name] {
				skip(dependent)
			}
			continue
		}

		results[d.name] = StepResult{Name: d.name, State: StateSucceeded}
		if opts.Hooks.OnStepDone != nil {
			opts.Hooks.OnStepDone(results[d.name])
		}
		for _, dependent := range succ[d.name] {
			if results[dependent].State != StatePending {
				continue
			}
			waiting[dependent]--
			if waiting[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	for _, r := range results {
		if r.State == StateFailed || r.State == StateSkipped {
			res.Failed = true
		}
	}
	if ctx.Err() != nil && res.FirstErr == nil {
		res.FirstErr = ctx.Err()
		res.Failed = true
	}
	if res.Failed {
		if res.FirstErr != nil {
			return res, fmt.Errorf("%w: %w", ErrRunFailed, res.FirstErr)
		}
		return res, ErrRunFailed
	}
	return res, nil
}
