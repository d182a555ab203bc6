package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Target Tests
// =============================================================================

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr error
	}{
		{
			name:   "password auth",
			target: Target{Host: "203.0.113.7", User: "deploy", Password: "pw"},
		},
		{
			name:   "key auth",
			target: Target{Host: "203.0.113.7", User: "deploy", PrivateKeyPath: "/keys/id_ed25519"},
		},
		{
			name:    "missing host",
			target:  Target{User: "deploy", Password: "pw"},
			wantErr: ErrHostRequired,
		},
		{
			name:    "missing user",
			target:  Target{Host: "203.0.113.7", Password: "pw"},
			wantErr: ErrUserRequired,
		},
		{
			name:    "no credentials",
			target:  Target{Host: "203.0.113.7", User: "deploy"},
			wantErr: ErrAuthRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTargetAddr(t *testing.T) {
	assert.Equal(t, "203.0.113.7:22", Target{Host: "203.0.113.7"}.Addr())
	assert.Equal(t, "203.0.113.7:2222", Target{Host: "203.0.113.7", Port: 2222}.Addr())
}

func TestMaskedHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"", ""},
		{"db", "**"},
		{"host", "****"},
		{"203.0.113.7", "20*******.7"},
		{"prod.example.com", "pr************om"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskedHost(tt.host), tt.host)
	}
}

func TestMaskedHost_OptInShowsPlainHost(t *testing.T) {
	t.Setenv(ShowHostEnv, "1")
	assert.Equal(t, "prod.example.com", MaskedHost("prod.example.com"))

	t.Setenv(ShowHostEnv, "true")
	assert.Equal(t, "prod.example.com", MaskedHost("prod.example.com"))

	t.Setenv(ShowHostEnv, "0")
	assert.NotEqual(t, "prod.example.com", MaskedHost("prod.example.com"))
}

// =============================================================================
// Command Result Tests
// =============================================================================

func TestCommandResultOK(t *testing.T) {
	assert.True(t, CommandResult{ExitCode: 0}.OK())
	assert.False(t, CommandResult{ExitCode: 1}.OK())
	assert.False(t, CommandResult{ExitCode: ExitCouldNotExecute}.OK())
}

func TestRemoteCommandError_IncludesOutput(t *testing.T) {
	err := NewRemoteCommandError("docker compose up -d", CommandResult{
		ExitCode: 17,
		Stdout:   "no such image: acme/web",
	})

	assert.Contains(t, err.Error(), "docker compose up -d")
	assert.Contains(t, err.Error(), "17")
	assert.Contains(t, err.Error(), "no such image")
}

func TestRemoteCommandError_FallsBackToStderr(t *testing.T) {
	err := NewRemoteCommandError("stat /missing", CommandResult{
		ExitCode: 1,
		Stderr:   "stat: cannot statx",
	})
	assert.Contains(t, err.Error(), "cannot statx")
}

// =============================================================================
// Status Tests
// =============================================================================

func TestNewDeploymentStatus_Aggregates(t *testing.T) {
	status := NewDeploymentStatus([]ServiceStatus{
		{Service: "web", State: UnitHealthy, Endpoints: []string{"h:8080"}},
		{Service: "db", State: UnitHealthy},
		{Service: "migrate", State: UnitTerminalSuccess},
		{Service: "worker", State: UnitPending},
	})

	assert.Equal(t, 4, status.Total)
	assert.Equal(t, 2, status.Healthy)
	assert.Equal(t, map[string][]string{"web": {"h:8080"}}, status.Endpoints)
	assert.False(t, status.AllFinal())
	assert.Empty(t, status.Failed())
}

func TestDeploymentStatus_AllFinalRequiresUnits(t *testing.T) {
	assert.False(t, NewDeploymentStatus(nil).AllFinal())
}

func TestUnitStateFinal(t *testing.T) {
	assert.False(t, UnitPending.Final())
	assert.True(t, UnitHealthy.Final())
	assert.True(t, UnitTerminalSuccess.Final())
	assert.True(t, UnitTerminalFailure.Final())
}

// =============================================================================
// Configuration Error Tests
// =============================================================================

func TestMissingSettingsError(t *testing.T) {
	err := &MissingSettingsError{Settings: []string{"registry.username", "registry.password"}}

	assert.ErrorIs(t, err, ErrMissingSetting)
	assert.Contains(t, err.Error(), "registry.username")
	assert.Contains(t, err.Error(), "registry.password")

	wrapped := fmt.Errorf("resolve parameters: %w", err)
	var msErr *MissingSettingsError
	require.True(t, errors.As(wrapped, &msErr))
	assert.Len(t, msErr.Settings, 2)
}

// =============================================================================
// Run Tests
// =============================================================================

func TestNewRunIDsAreUniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}

func TestRunFinish(t *testing.T) {
	run := NewRun("203.0.113.7", "acme")
	assert.Equal(t, RunStatusRunning, run.Status)

	run.Finish(nil)
	assert.Equal(t, RunStatusSucceeded, run.Status)
	require.NotNil(t, run.FinishedAt)

	failed := NewRun("203.0.113.7", "acme")
	failed.Finish(errors.New("step start-services: exit 1"))
	assert.Equal(t, RunStatusFailed, failed.Status)
	assert.Equal(t, "step start-services: exit 1", failed.Error)
}
