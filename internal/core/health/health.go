// Package health contains pure classification functions for remote unit
// status. Following the functional core convention, this package has no I/O.
package health

import (
	"strings"

	"github.com/stevedore/stevedore/internal/core/domain"
)

// =============================================================================
// Unit Classification
// =============================================================================

// ClassifyUnit maps an orchestrator-reported state string and exit code to
// a unit state.
//
// The mapping is a best-effort string classifier, not a guaranteed-correct
// one: orchestrators vary in their status vocabulary, and restart policies
// can flap a unit between states between polls. Callers get whatever the
// snapshot said at poll time.
func ClassifyUnit(state string, exitCode int) domain.UnitState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "running", "up":
		return domain.UnitHealthy
	case "exited":
		if exitCode == 0 {
			return domain.UnitTerminalSuccess
		}
		return domain.UnitTerminalFailure
	case "dead", "removing", "stopped", "paused":
		return domain.UnitTerminalFailure
	case "created", "starting", "restarting", "":
		return domain.UnitPending
	default:
		// Unknown vocabulary: assume the unit is still settling rather
		// than declaring it dead on the spot.
		return domain.UnitPending
	}
}

// =============================================================================
// Aggregation
// =============================================================================

// Summary is the aggregate view of one status snapshot.
type Summary struct {
	Total      int
	Healthy    int
	Pending    int
	Failed     int
	AllFinal   bool
	AnyFailure bool
}

// Summarize derives the aggregate view from per-unit snapshots.
func Summarize(units []domain.ServiceStatus) Summary {
	s := Summary{Total: len(units), AllFinal: len(units) > 0}
	for _, u := range units {
		switch u.State {
		case domain.UnitHealthy:
			s.Healthy++
		case domain.UnitPending:
			s.Pending++
			s.AllFinal = false
		case domain.UnitTerminalFailure:
			s.Failed++
		}
		if u.State == domain.UnitTerminalFailure {
			s.AnyFailure = true
		}
	}
	return s
}
