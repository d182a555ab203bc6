package deploy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/plan"
	"github.com/stevedore/stevedore/internal/shell/params"
	"github.com/stevedore/stevedore/internal/shell/progress"
	"github.com/stevedore/stevedore/internal/shell/store"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSession struct {
	mu          sync.Mutex
	established bool
	disconnects int
	commands    []string
	stdins      map[string]string
	failOn      map[string]domain.CommandResult
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		stdins: map[string]string{},
		failOn: map[string]domain.CommandResult{},
	}
}

func (f *fakeSession) Establish(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.established = true
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.established = false
	f.disconnects++
	return nil
}

func (f *fakeSession) ExecuteCommandWithOutput(_ context.Context, command string) (domain.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	for substr, result := range f.failOn {
		if strings.Contains(command, substr) {
			return result, nil
		}
	}
	return domain.CommandResult{ExitCode: 0}, nil
}

func (f *fakeSession) ExecuteCommand(ctx context.Context, command string) error {
	result, err := f.ExecuteCommandWithOutput(ctx, command)
	if err != nil {
		return err
	}
	if !result.OK() {
		return domain.NewRemoteCommandError(command, result)
	}
	return nil
}

func (f *fakeSession) ExecuteCommandWithInput(ctx context.Context, command string, stdin io.Reader) (domain.CommandResult, error) {
	content, _ := io.ReadAll(stdin)
	f.mu.Lock()
	f.stdins[command] = string(content)
	f.mu.Unlock()
	return f.ExecuteCommandWithOutput(ctx, command)
}

func (f *fakeSession) ExpandRemotePath(_ context.Context, remotePath string) (string, error) {
	if strings.HasPrefix(remotePath, "~") {
		return "/home/deploy" + strings.TrimPrefix(remotePath, "~"), nil
	}
	return remotePath, nil
}

func (f *fakeSession) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeTransfers struct {
	mu      sync.Mutex
	remotes []string
	err     error
}

func (f *fakeTransfers) TransferWithVerification(_ context.Context, _, remotePath string) (domain.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes = append(f.remotes, remotePath)
	if f.err != nil {
		return domain.TransferResult{}, f.err
	}
	return domain.TransferResult{Success: true, Verified: true}, nil
}

type fakeMonitor struct {
	status domain.DeploymentStatus
	err    error
}

func (f *fakeMonitor) Wait(context.Context) (domain.DeploymentStatus, error)     { return f.status, f.err }
func (f *fakeMonitor) Snapshot(context.Context) (domain.DeploymentStatus, error) { return f.status, f.err }

// =============================================================================
// Helpers
// =============================================================================

const sampleDescriptor = `
services:
  web:
    image: nginx:1.27
    ports:
      - "8080:80"
`

func writeDescriptor(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(p, []byte(sampleDescriptor), 0o644))
	return p
}

func healthyStatus() domain.DeploymentStatus {
	return domain.NewDeploymentStatus([]domain.ServiceStatus{
		{Service: "web", State: domain.UnitHealthy, Endpoints: []string{"203.0.113.7:8080"}},
	})
}

type testHarness struct {
	session   *fakeSession
	transfers *fakeTransfers
	monitor   *fakeMonitor
	store     store.Store
	recorder  *progress.Recorder
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &testHarness{
		session:   newFakeSession(),
		transfers: &fakeTransfers{},
		monitor:   &fakeMonitor{status: healthyStatus()},
		store:     st,
		recorder:  &progress.Recorder{},
	}
}

func (h *testHarness) newDeployer(t *testing.T, cfg Config, resolver params.Resolver) *Deployer {
	t.Helper()
	if cfg.Target.Host == "" {
		cfg.Target = domain.Target{Host: "203.0.113.7", User: "deploy", Password: "pw"}
	}
	if cfg.Project == "" {
		cfg.Project = "acme"
	}
	if cfg.DescriptorPath == "" {
		cfg.DescriptorPath = writeDescriptor(t)
	}
	cfg.Reporter = h.recorder

	d, err := New(cfg, Deps{
		Session:   h.session,
		Transfers: h.transfers,
		Store:     h.store,
		Resolver:  resolver,
		NewMonitor: func(string) (Monitor, error) {
			return h.monitor, nil
		},
	})
	require.NoError(t, err)
	return d
}

func stepState(t *testing.T, result *Result, name string) plan.StepState {
	t.Helper()
	r, ok := result.Steps[name]
	require.True(t, ok, "no result for step %s", name)
	return r.State
}

// =============================================================================
// Tests
// =============================================================================

func TestRun_FullDeploySucceeds(t *testing.T) {
	h := newHarness(t)
	d := h.newDeployer(t, Config{}, nil)

	result, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, result.Run.Status)
	assert.Equal(t, map[string][]string{"web": {"203.0.113.7:8080"}}, result.Endpoints)

	assert.True(t, h.session.ran("docker compose version"))
	assert.True(t, h.session.ran("mkdir -p -- '/home/deploy/acme'"))
	assert.True(t, h.session.ran("up -d"))
	assert.Equal(t, []string{"/home/deploy/acme/docker-compose.yml"}, h.transfers.remotes)
	assert.Equal(t, 1, h.session.disconnects)

	// The terminal outcome lands in the run history.
	runs, err := h.store.ListRuns(context.Background(), store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusSucceeded, runs[0].Status)
}

func TestRun_SavesStateSections(t *testing.T) {
	h := newHarness(t)
	d := h.newDeployer(t, Config{}, nil)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	deploySection, err := h.store.LoadSection(context.Background(), SectionDeploy)
	require.NoError(t, err)
	assert.Equal(t, "/home/deploy/acme", deploySection["path"])
	assert.Equal(t, "acme", deploySection["project"])

	endpointSection, err := h.store.LoadSection(context.Background(), SectionEndpoints)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:8080", endpointSection["web"])
}

func TestRun_RegistryLoginUsesStdin(t *testing.T) {
	h := newHarness(t)
	resolver := params.NewStaticResolver(map[string]string{
		"registry.username": "ci-bot",
		"registry.password": "hunter2",
	})
	d := h.newDeployer(t, Config{RegistryServer: "registry.test"}, resolver)

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	var loginCommand string
	for command, stdin := range h.session.stdins {
		loginCommand = command
		assert.Equal(t, "hunter2\n", stdin)
	}
	require.NotEmpty(t, loginCommand, "no login command was issued")
	assert.Contains(t, loginCommand, "--password-stdin")
	assert.Contains(t, loginCommand, "'ci-bot'")
	assert.NotContains(t, loginCommand, "hunter2")
}

func TestRun_MissingRegistryCredentialsFailConfiguration(t *testing.T) {
	h := newHarness(t)
	d := h.newDeployer(t, Config{RegistryServer: "registry.test"}, params.NewStaticResolver(nil))

	result, err := d.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrMissingSetting)
	assert.ErrorContains(t, err, "registry.password")
	assert.Equal(t, plan.StateFailed, stepState(t, result, StepResolveParameters))
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepRegistryLogin))
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepStartServices))
	assert.Equal(t, domain.RunStatusFailed, result.Run.Status)
	assert.Equal(t, 1, h.session.disconnects)
}

func TestRun_StartFailureSkipsDependentsAndReportsOutput(t *testing.T) {
	h := newHarness(t)
	h.session.failOn["up -d"] = domain.CommandResult{ExitCode: 1, Stdout: "no such image: acme/web"}
	d := h.newDeployer(t, Config{}, nil)

	result, err := d.Run(context.Background())

	require.Error(t, err)
	assert.ErrorContains(t, err, "no such image")
	assert.Equal(t, plan.StateFailed, stepState(t, result, StepStartServices))
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepAwaitHealth))
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepExtractEndpoints))
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepSaveState))
	assert.Equal(t, domain.RunStatusFailed, result.Run.Status)
}

func TestRun_PullFailureIsTolerated(t *testing.T) {
	h := newHarness(t)
	h.session.failOn["pull"] = domain.CommandResult{ExitCode: 1, Stderr: "registry unreachable"}
	d := h.newDeployer(t, Config{}, nil)

	result, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, plan.StateSucceeded, stepState(t, result, StepPullImages))
	assert.True(t, h.session.ran("up -d"))

	var warned bool
	for _, msg := range h.recorder.Subtasks() {
		if strings.Contains(msg, "image pull failed") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRun_UnhealthyDeploymentFailsAndKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.monitor.status = domain.NewDeploymentStatus([]domain.ServiceStatus{
		{Service: "web", State: domain.UnitTerminalFailure, ExitCode: 1},
	})
	h.monitor.err = domain.ErrDeploymentUnhealthy
	d := h.newDeployer(t, Config{}, nil)

	result, err := d.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrDeploymentUnhealthy)
	assert.Equal(t, plan.StateSkipped, stepState(t, result, StepExtractEndpoints))
	require.Len(t, result.Status.Units, 1)
	assert.Equal(t, domain.UnitTerminalFailure, result.Status.Units[0].State)
}

func TestRun_TransferEnvWhenConfigured(t *testing.T) {
	h := newHarness(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("APP_ENV=prod\n"), 0o600))
	d := h.newDeployer(t, Config{EnvFilePath: envFile}, nil)

	result, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, plan.StateSucceeded, stepState(t, result, StepTransferEnv))
	assert.ElementsMatch(t, []string{
		"/home/deploy/acme/docker-compose.yml",
		"/home/deploy/acme/.env",
	}, h.transfers.remotes)
}

func TestRun_WireUpInsertsCustomStep(t *testing.T) {
	h := newHarness(t)

	var order []string
	var mu sync.Mutex
	d := h.newDeployer(t, Config{
		WireUp: func(g *plan.Graph) error {
			return g.AddStep(&plan.Step{
				Name:       "smoke-check",
				DependsOn:  []string{StepStartServices},
				RequiredBy: []string{StepAwaitHealth},
				Run: func(context.Context, *plan.RunContext) error {
					mu.Lock()
					order = append(order, "smoke-check")
					mu.Unlock()
					return nil
				},
			})
		},
	}, nil)

	result, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, plan.StateSucceeded, stepState(t, result, "smoke-check"))
	assert.Equal(t, []string{"smoke-check"}, order)
}

func TestDown_StopsProject(t *testing.T) {
	h := newHarness(t)
	d := h.newDeployer(t, Config{}, nil)

	require.NoError(t, d.Down(context.Background()))
	assert.True(t, h.session.ran("down --remove-orphans"))
	assert.Equal(t, 1, h.session.disconnects)
}

func TestStatus_SnapshotsProject(t *testing.T) {
	h := newHarness(t)
	d := h.newDeployer(t, Config{}, nil)

	status, err := d.Status(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, status.Healthy)
	assert.Equal(t, 1, h.session.disconnects)
}
