package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// Target validation errors.
	ErrHostRequired = errors.New("target host is required")
	ErrUserRequired = errors.New("target user is required")
	ErrAuthRequired = errors.New("target needs a password or a private key")

	// Connection errors: the session could not be established. Fatal.
	ErrConnectFailed = errors.New("could not establish remote session")

	// Precondition errors: an operation was attempted against a session
	// that is not established. Indicates a scheduling bug upstream.
	ErrNotConnected = errors.New("remote session is not established")

	// Verification errors: a transfer succeeded but the post-copy check
	// did not. Always fatal for the owning step.
	ErrTransferNotVerified = errors.New("transfer verification failed")

	// Health-check errors: one or more units failed or never became
	// healthy within the timeout. Blocks dependent steps.
	ErrDeploymentUnhealthy = errors.New("deployment did not become healthy")

	// Configuration errors: required input with no fallback available.
	ErrMissingSetting = errors.New("required setting is missing")
)

// =============================================================================
// Remote Command Errors
// =============================================================================

// RemoteCommandError reports a remote command that executed but exited
// non-zero, carrying the command and captured output so root-causing does
// not require log archaeology.
type RemoteCommandError struct {
	Command string
	Result  CommandResult
}

func (e *RemoteCommandError) Error() string {
	out := strings.TrimSpace(e.Result.Stdout)
	if out == "" {
		out = strings.TrimSpace(e.Result.Stderr)
	}
	if out != "" {
		return fmt.Sprintf("remote command %q exited %d: %s", e.Command, e.Result.ExitCode, out)
	}
	return fmt.Sprintf("remote command %q exited %d", e.Command, e.Result.ExitCode)
}

// NewRemoteCommandError wraps a non-zero command result as an error.
func NewRemoteCommandError(command string, result CommandResult) *RemoteCommandError {
	return &RemoteCommandError{Command: command, Result: result}
}

// =============================================================================
// Configuration Errors
// =============================================================================

// MissingSettingsError lists exactly which settings are missing.
type MissingSettingsError struct {
	Settings []string
}

func (e *MissingSettingsError) Error() string {
	return "missing required settings: " + strings.Join(e.Settings, ", ")
}

func (e *MissingSettingsError) Unwrap() error {
	return ErrMissingSetting
}
