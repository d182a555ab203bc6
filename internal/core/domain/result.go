package domain

// =============================================================================
// Command Results
// =============================================================================

// ExitCouldNotExecute is the reserved exit code for commands that never ran
// (transport failure, session tear-down mid-command, and the like).
const ExitCouldNotExecute = -1

// CommandResult is the outcome of one remote command execution.
// Stdout carries the captured output stream; with the wrapped command
// protocol, stderr is merged into it and Stderr carries only
// transport-level noise. Results are immutable once produced.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

// OK reports whether the command executed and exited zero.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// =============================================================================
// File Transfer Results
// =============================================================================

// RemoteFileInfo describes a file on the remote host as independently
// re-derived after a transfer.
type RemoteFileInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Exists    bool   `json:"exists"`
}

// TransferResult is the outcome of one file transfer. Verified is set only
// when the post-copy existence and size check passed, independently of
// whether the transfer call itself reported success. BytesTransferred is
// best-effort and reported even on failure.
type TransferResult struct {
	Success          bool           `json:"success"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Verified         bool           `json:"verified"`
	Remote           RemoteFileInfo `json:"remote"`
}
