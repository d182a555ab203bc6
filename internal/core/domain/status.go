package domain

// =============================================================================
// Unit States
// =============================================================================

// UnitState classifies one deployed unit (container/service) as seen in a
// status snapshot. Pending is the only non-final state.
type UnitState string

const (
	// UnitPending means the unit has not yet reached a final state
	// (created, starting, restarting).
	UnitPending UnitState = "pending"

	// UnitHealthy means the unit is running/up.
	UnitHealthy UnitState = "healthy"

	// UnitTerminalSuccess means the unit exited with code 0.
	UnitTerminalSuccess UnitState = "terminal-success"

	// UnitTerminalFailure means the unit exited non-zero, died, or was
	// otherwise abnormally stopped.
	UnitTerminalFailure UnitState = "terminal-failure"
)

// Final reports whether no further transition is expected for the state.
func (s UnitState) Final() bool {
	return s == UnitHealthy || s == UnitTerminalSuccess || s == UnitTerminalFailure
}

// =============================================================================
// Status Snapshots
// =============================================================================

// ServiceStatus is one unit's classification at poll time. Snapshots are
// produced fresh on every poll and never mutated.
type ServiceStatus struct {
	Service   string    `json:"service"`
	Container string    `json:"container,omitempty"`
	State     UnitState `json:"state"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Endpoints []string  `json:"endpoints,omitempty"`
}

// DeploymentStatus aggregates the per-unit snapshots of one poll.
type DeploymentStatus struct {
	Units     []ServiceStatus     `json:"units"`
	Total     int                 `json:"total"`
	Healthy   int                 `json:"healthy"`
	Endpoints map[string][]string `json:"endpoints,omitempty"`
}

// NewDeploymentStatus derives the aggregate counts and endpoint map from
// the given snapshots.
func NewDeploymentStatus(units []ServiceStatus) DeploymentStatus {
	status := DeploymentStatus{
		Units:     units,
		Total:     len(units),
		Endpoints: make(map[string][]string),
	}
	for _, u := range units {
		if u.State == UnitHealthy {
			status.Healthy++
		}
		if len(u.Endpoints) > 0 {
			status.Endpoints[u.Service] = u.Endpoints
		}
	}
	return status
}

// AllFinal reports whether every unit reached a final state.
func (s DeploymentStatus) AllFinal() bool {
	for _, u := range s.Units {
		if !u.State.Final() {
			return false
		}
	}
	return len(s.Units) > 0
}

// Failed returns the units classified terminal-failure.
func (s DeploymentStatus) Failed() []ServiceStatus {
	var failed []ServiceStatus
	for _, u := range s.Units {
		if u.State == UnitTerminalFailure {
			failed = append(failed, u)
		}
	}
	return failed
}
