// Package monitor watches a freshly started deployment until it reaches a
// stable, reportable end-state: everything healthy, everything terminal,
// or a bounded timeout.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/health"
	"github.com/stevedore/stevedore/internal/shell/progress"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultInterval is the polling interval.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds the whole wait.
	DefaultTimeout = 5 * time.Minute

	// DefaultLogTailLines is how much of a failed unit's log is fetched
	// for diagnostics.
	DefaultLogTailLines = 50
)

// Runner executes remote commands; satisfied by the session manager.
type Runner interface {
	ExecuteCommandWithOutput(ctx context.Context, command string) (domain.CommandResult, error)
}

// Clock abstracts the poll delay so tests run without wall-clock waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config configures a monitor.
type Config struct {
	// ComposeCommand is the orchestrator CLI prefix on the remote host,
	// e.g. `cd /srv/app && docker compose --project-name acme`.
	ComposeCommand string

	// Host is the target host used to render reachable endpoints.
	Host string

	Interval     time.Duration
	Timeout      time.Duration
	LogTailLines int

	Clock    Clock
	Logger   *slog.Logger
	Reporter progress.Reporter
}

func (c *Config) defaults() error {
	if c.ComposeCommand == "" {
		return fmt.Errorf("compose command is required")
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.LogTailLines == 0 {
		c.LogTailLines = DefaultLogTailLines
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Reporter == nil {
		c.Reporter = progress.NewSlogReporter(c.Logger)
	}
	return nil
}

// =============================================================================
// Monitor
// =============================================================================

// Monitor polls remote container status and classifies the deployment.
type Monitor struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a monitor over an established session.
func New(runner Runner, cfg Config) (*Monitor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	return &Monitor{
		runner: runner,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "monitor"),
	}, nil
}

// Snapshot issues one structured status query. All units come back in a
// single round trip; cost never scales with unit count.
func (m *Monitor) Snapshot(ctx context.Context) (domain.DeploymentStatus, error) {
	command := m.cfg.ComposeCommand + " ps --all --format json"
	result, err := m.runner.ExecuteCommandWithOutput(ctx, command)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}
	if !result.OK() {
		return domain.DeploymentStatus{}, domain.NewRemoteCommandError(command, result)
	}

	records, err := parsePSOutput(result.Stdout)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}

	units := make([]domain.ServiceStatus, 0, len(records))
	for _, r := range records {
		units = append(units, r.toStatus(m.cfg.Host))
	}
	return domain.NewDeploymentStatus(units), nil
}

// Wait polls until every unit reaches a final state or the timeout
// elapses, emitting an update for each unit that becomes newly final. The
// timeout is layered on top of the caller's cancellation, and the two are
// distinguished in the final report: caller cancellation returns the
// context error, while a timeout reports every still-pending unit as
// failed-to-become-healthy. Any terminal failure escalates with a bounded
// log tail and fails the wait; callers must treat that as fatal for
// dependent steps.
func (m *Monitor) Wait(ctx context.Context) (domain.DeploymentStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	previous := make(map[string]domain.UnitState)
	var last domain.DeploymentStatus

	for {
		status, err := m.Snapshot(waitCtx)
		if err != nil {
			if waitCtx.Err() == nil {
				// Transient poll failure: keep trying until the timeout.
				m.logger.Warn("status poll failed", "error", err)
			}
		} else {
			last = status
			m.reportTransitions(previous, status)

			summary := health.Summarize(status.Units)
			if summary.AllFinal {
				if summary.AnyFailure {
					m.escalateFailures(ctx, status)
					return last, fmt.Errorf("%w: %s", domain.ErrDeploymentUnhealthy, describeFailures(status))
				}
				m.logger.Info("deployment stable", "units", summary.Total, "healthy", summary.Healthy)
				return last, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				// The caller ended the wait; this is not a verdict on
				// the deployment.
				return last, ctx.Err()
			}
			last = failPending(last)
			m.escalateFailures(ctx, last)
			return last, fmt.Errorf("%w: timed out after %v (%s)",
				domain.ErrDeploymentUnhealthy, m.cfg.Timeout, describeFailures(last))
		case <-m.cfg.Clock.After(m.cfg.Interval):
		}
	}
}

// reportTransitions emits one update per unit that newly reached a final
// state since the previous poll.
func (m *Monitor) reportTransitions(previous map[string]domain.UnitState, status domain.DeploymentStatus) {
	for _, u := range status.Units {
		if !u.State.Final() || previous[u.Service] == u.State {
			previous[u.Service] = u.State
			continue
		}
		previous[u.Service] = u.State
		switch u.State {
		case domain.UnitHealthy:
			msg := fmt.Sprintf("service %s is healthy", u.Service)
			if len(u.Endpoints) > 0 {
				msg += " (" + strings.Join(u.Endpoints, ", ") + ")"
			}
			m.cfg.Reporter.Subtask(msg)
		case domain.UnitTerminalSuccess:
			m.cfg.Reporter.Subtask(fmt.Sprintf("service %s completed", u.Service))
		case domain.UnitTerminalFailure:
			m.cfg.Reporter.Subtask(fmt.Sprintf("service %s failed (exit %d)", u.Service, u.ExitCode))
		}
	}
}

// escalateFailures fetches a bounded log tail for every failed unit. The
// wait context may already be done, so the fetch runs on a detached
// short-lived context.
func (m *Monitor) escalateFailures(ctx context.Context, status domain.DeploymentStatus) {
	failed := status.Failed()
	if len(failed) == 0 {
		return
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	for _, u := range failed {
		command := fmt.Sprintf("%s logs --tail %d %s", m.cfg.ComposeCommand, m.cfg.LogTailLines, u.Service)
		result, err := m.runner.ExecuteCommandWithOutput(logCtx, command)
		if err != nil {
			m.logger.Warn("could not fetch logs for failed service", "service", u.Service, "error", err)
			continue
		}
		m.cfg.Reporter.Subtask(fmt.Sprintf("last %d log lines of %s:\n%s",
			m.cfg.LogTailLines, u.Service, result.Stdout))
	}
}

// failPending reclassifies still-pending units as failed-to-become-healthy
// after a timeout.
func failPending(status domain.DeploymentStatus) domain.DeploymentStatus {
	units := make([]domain.ServiceStatus, len(status.Units))
	copy(units, status.Units)
	for i, u := range units {
		if u.State == domain.UnitPending {
			units[i].State = domain.UnitTerminalFailure
		}
	}
	return domain.NewDeploymentStatus(units)
}

func describeFailures(status domain.DeploymentStatus) string {
	var names []string
	for _, u := range status.Failed() {
		names = append(names, u.Service)
	}
	if len(names) == 0 {
		return "no units reported status"
	}
	return "failed units: " + strings.Join(names, ", ")
}
