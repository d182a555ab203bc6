// Package deploy assembles the standard deployment plan and runs it
// against one remote target: one session per run, verified transfers,
// remote orchestrator invocation, and a bounded health wait.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/plan"
	"github.com/stevedore/stevedore/internal/shell/monitor"
	"github.com/stevedore/stevedore/internal/shell/params"
	"github.com/stevedore/stevedore/internal/shell/progress"
	"github.com/stevedore/stevedore/internal/shell/registry"
	"github.com/stevedore/stevedore/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultDescriptorName is the remote file name of the orchestration
// descriptor.
const DefaultDescriptorName = "docker-compose.yml"

// Config configures a deployment run.
type Config struct {
	Target  domain.Target
	Project string

	// DescriptorPath is the local compose file to deploy.
	DescriptorPath string

	// EnvFilePath is an optional local .env file transferred alongside the
	// descriptor.
	EnvFilePath string

	// DeployPath is the remote directory receiving artifacts; supports a
	// leading `~`. Defaults to `~/<project>`.
	DeployPath string

	// RegistryServer enables a registry login step when non-empty. The
	// credentials come from parameter resolution, never from flags.
	RegistryServer string

	// ExtraPrompts are additional settings resolved before remote work.
	ExtraPrompts []params.Prompt

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	MaxConcurrent  int

	// WireUp lets the caller rewrite the base plan once before it is
	// finalized: add steps, drop edges, insert work between existing steps.
	WireUp func(g *plan.Graph) error

	Logger   *slog.Logger
	Reporter progress.Reporter
}

func (c *Config) defaults() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.Project == "" {
		return fmt.Errorf("project name is required")
	}
	if c.DescriptorPath == "" {
		return fmt.Errorf("descriptor path is required")
	}
	if c.DeployPath == "" {
		c.DeployPath = "~/" + c.Project
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
// Collaborators
// =============================================================================

// Session is the slice of the session manager the deployer drives.
type Session interface {
	Establish(ctx context.Context) error
	Disconnect() error
	ExecuteCommand(ctx context.Context, command string) error
	ExecuteCommandWithOutput(ctx context.Context, command string) (domain.CommandResult, error)
	ExecuteCommandWithInput(ctx context.Context, command string, stdin io.Reader) (domain.CommandResult, error)
	ExpandRemotePath(ctx context.Context, remotePath string) (string, error)
}

// Transfers performs verified artifact transfers.
type Transfers interface {
	TransferWithVerification(ctx context.Context, localPath, remotePath string) (domain.TransferResult, error)
}

// Monitor watches the deployment after start-up.
type Monitor interface {
	Wait(ctx context.Context) (domain.DeploymentStatus, error)
	Snapshot(ctx context.Context) (domain.DeploymentStatus, error)
}

// MonitorFactory builds a monitor once the remote compose command prefix
// is known.
type MonitorFactory func(composeCommand string) (Monitor, error)

// Deps are the deployer's injected collaborators. Pusher is optional;
// NewMonitor defaults to the real monitor over the session.
type Deps struct {
	Session    Session
	Transfers  Transfers
	Store      store.Store
	Resolver   params.Resolver
	Pusher     registry.Pusher
	NewMonitor MonitorFactory
}

func (d *Deps) validate() error {
	if d.Session == nil {
		return fmt.Errorf("session is required")
	}
	if d.Transfers == nil {
		return fmt.Errorf("transfer service is required")
	}
	if d.Store == nil {
		return fmt.Errorf("state store is required")
	}
	if d.Resolver == nil {
		d.Resolver = params.NewStaticResolver(nil)
	}
	return nil
}

// =============================================================================
// Deployer
// =============================================================================

// Result is the outcome of one deployment run.
type Result struct {
	Run       domain.Run
	Status    domain.DeploymentStatus
	Endpoints map[string][]string
	Steps     map[string]plan.StepResult
}

// Deployer runs deployments against one target.
type Deployer struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a deployer.
func New(cfg Config, deps Deps) (*Deployer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid deploy config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid deploy dependencies: %w", err)
	}
	d := &Deployer{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger.With("component", "deploy", "project", cfg.Project),
	}
	if d.deps.NewMonitor == nil {
		d.deps.NewMonitor = d.defaultMonitorFactory
	}
	return d, nil
}

func (d *Deployer) defaultMonitorFactory(composeCommand string) (Monitor, error) {
	return monitor.New(d.deps.Session, monitor.Config{
		ComposeCommand: composeCommand,
		Host:           d.cfg.Target.Host,
		Interval:       d.cfg.HealthInterval,
		Timeout:        d.cfg.HealthTimeout,
		Logger:         d.cfg.Logger,
		Reporter:       d.cfg.Reporter,
	})
}

// Run executes the full deployment plan. Exactly one session backs the
// run and is torn down when it ends, success or not. The run is recorded
// in the state store with its terminal outcome.
func (d *Deployer) Run(ctx context.Context) (*Result, error) {
	run := domain.NewRun(d.cfg.Target.Host, d.cfg.Project)
	if err := d.deps.Store.RecordRun(ctx, run); err != nil {
		return nil, err
	}
	defer func() {
		if err := d.deps.Session.Disconnect(); err != nil {
			d.logger.Warn("session teardown failed", "error", err)
		}
	}()

	result := &Result{Run: run}
	rc := plan.NewRunContext()

	execErr := d.execute(ctx, rc, result)

	run.Finish(execErr)
	result.Run = run
	if err := d.deps.Store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		d.logger.Warn("could not record run outcome", "run", run.ID, "error", err)
	}

	if status, err := plan.Value[domain.DeploymentStatus](rc, KeyStatus); err == nil {
		result.Status = status
	}
	if endpoints, err := plan.Value[map[string][]string](rc, KeyEndpoints); err == nil {
		result.Endpoints = endpoints
	}
	return result, execErr
}

func (d *Deployer) execute(ctx context.Context, rc *plan.RunContext, result *Result) error {
	g, err := d.BuildPlan()
	if err != nil {
		return err
	}
	if d.cfg.WireUp != nil {
		if err := d.cfg.WireUp(g); err != nil {
			return fmt.Errorf("wire up plan: %w", err)
		}
	}
	if err := g.Finalize(); err != nil {
		return err
	}

	runRes, execErr := g.Execute(ctx, rc, plan.ExecuteOptions{
		MaxConcurrent: d.cfg.MaxConcurrent,
		Hooks: plan.Hooks{
			OnStepStart: func(name string) {
				d.cfg.Reporter.StepStarted(name)
			},
			OnStepDone: func(r plan.StepResult) {
				switch r.State {
				case plan.StateFailed:
					d.cfg.Reporter.StepCompleted(r.Name, progress.StatusFailure, r.Err.Error())
				case plan.StateSkipped:
					d.cfg.Reporter.StepCompleted(r.Name, progress.StatusWarning, "skipped: a required step failed")
				default:
					d.cfg.Reporter.StepCompleted(r.Name, progress.StatusSuccess, "")
				}
			},
		},
	})
	if runRes != nil {
		result.Steps = runRes.Steps
	}
	return execErr
}

// =============================================================================
// Secondary Operations
// =============================================================================

// Status takes one status snapshot of the deployed project.
func (d *Deployer) Status(ctx context.Context) (domain.DeploymentStatus, error) {
	if err := d.deps.Session.Establish(ctx); err != nil {
		return domain.DeploymentStatus{}, err
	}
	defer d.deps.Session.Disconnect()

	composeCommand, err := d.remoteComposeCommand(ctx)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}
	mon, err := d.deps.NewMonitor(composeCommand)
	if err != nil {
		return domain.DeploymentStatus{}, err
	}
	return mon.Snapshot(ctx)
}

// Down stops the deployed project and removes its containers.
func (d *Deployer) Down(ctx context.Context) error {
	if err := d.deps.Session.Establish(ctx); err != nil {
		return err
	}
	defer d.deps.Session.Disconnect()

	composeCommand, err := d.remoteComposeCommand(ctx)
	if err != nil {
		return err
	}
	return d.deps.Session.ExecuteCommand(ctx, composeCommand+" down --remove-orphans")
}

// remoteComposeCommand expands the deploy path and builds the compose CLI
// prefix used for every orchestrator invocation.
func (d *Deployer) remoteComposeCommand(ctx context.Context) (string, error) {
	expanded, err := d.deps.Session.ExpandRemotePath(ctx, d.cfg.DeployPath)
	if err != nil {
		return "", err
	}
	return composeCommandFor(expanded, d.cfg.Project), nil
}

func composeCommandFor(deployPath, project string) string {
	return fmt.Sprintf("cd %s && docker compose --project-name %s", shellQuote(deployPath), shellQuote(project))
}

// shellQuote single-quotes a string for safe interpolation into a POSIX
// shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
