// Package domain contains the core types for stevedore deployments.
// Following the functional core convention, this package has no I/O.
package domain

import (
	"fmt"
	"os"
	"strings"
)

// =============================================================================
// Deployment Target
// =============================================================================

// DefaultSSHPort is the default SSH port for a target.
const DefaultSSHPort = 22

// ShowHostEnv is the opt-in switch that reveals the target host in logs
// and output. When unset or false-ish, the host is masked.
const ShowHostEnv = "STEVEDORE_SHOW_HOST"

// Target identifies the remote host a deployment runs against, together
// with the authentication material used to establish the session.
// Exactly one of Password or PrivateKeyPath is expected to be set.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`

	// Password authentication.
	Password string `json:"-"`

	// Key authentication.
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"-"`
}

// Validate checks that the target carries enough information to connect.
func (t Target) Validate() error {
	if t.Host == "" {
		return ErrHostRequired
	}
	if t.User == "" {
		return ErrUserRequired
	}
	if t.Password == "" && t.PrivateKeyPath == "" {
		return ErrAuthRequired
	}
	return nil
}

// Addr returns the target address in host:port format.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// DisplayHost returns the host as it should appear in logs and progress
// output: masked by default, plain text only when ShowHostEnv opts in.
func (t Target) DisplayHost() string {
	return MaskedHost(t.Host)
}

// MaskedHost masks a host identity for display unless the environment
// opts in to plain text.
func MaskedHost(host string) string {
	if host == "" {
		return ""
	}
	if v := os.Getenv(ShowHostEnv); v == "1" || strings.EqualFold(v, "true") {
		return host
	}
	if len(host) <= 4 {
		return strings.Repeat("*", len(host))
	}
	return host[:2] + strings.Repeat("*", len(host)-4) + host[len(host)-2:]
}
