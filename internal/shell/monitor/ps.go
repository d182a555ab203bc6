package monitor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/health"
)

// =============================================================================
// Status Output Parsing
// =============================================================================

// psRecord is one unit as reported by `docker compose ps --format json`.
// Depending on the compose version the output is either one JSON object
// per line or a single JSON array; both are accepted.
type psRecord struct {
	Name       string        `json:"Name"`
	Service    string        `json:"Service"`
	State      string        `json:"State"`
	ExitCode   int           `json:"ExitCode"`
	Publishers []psPublisher `json:"Publishers"`
}

type psPublisher struct {
	URL           string `json:"URL"`
	TargetPort    int    `json:"TargetPort"`
	PublishedPort int    `json:"PublishedPort"`
	Protocol      string `json:"Protocol"`
}

func parsePSOutput(out string) ([]psRecord, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var records []psRecord
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return nil, fmt.Errorf("parse status listing: %w", err)
		}
		return records, nil
	}

	var records []psRecord
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var r psRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("parse status line: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// toStatus classifies the record into a fresh snapshot.
func (r psRecord) toStatus(host string) domain.ServiceStatus {
	service := r.Service
	if service == "" {
		service = r.Name
	}

	var endpoints []string
	for _, p := range r.Publishers {
		if p.PublishedPort == 0 {
			continue
		}
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", host, p.PublishedPort))
	}

	return domain.ServiceStatus{
		Service:   service,
		Container: r.Name,
		State:     health.ClassifyUnit(r.State, r.ExitCode),
		ExitCode:  r.ExitCode,
		Endpoints: endpoints,
	}
}
