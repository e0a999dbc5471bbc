package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/dockship/internal/core/domain"
	"github.com/artpar/dockship/internal/core/verify"
)

// psEntry is one container in `docker compose ps --format json` output.
type psEntry struct {
	Service string `json:"Service"`
	Name    string `json:"Name"`
	State   string `json:"State"`
	Status  string `json:"Status"`
	Health  string `json:"Health"`
}

// ParsePS parses `docker compose ps --format json` output. Newer compose
// versions print one object per line, older ones a single JSON array.
func ParsePS(output string) ([]domain.ServiceStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}

	var entries []psEntry
	if strings.HasPrefix(output, "[") {
		if err := json.Unmarshal([]byte(output), &entries); err != nil {
			return nil, fmt.Errorf("parse compose ps output: %w", err)
		}
	} else {
		for _, line := range strings.Split(output, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e psEntry
			if err := json.Unmarshal([]byte(line), &e); err != nil {
				return nil, fmt.Errorf("parse compose ps line: %w", err)
			}
			entries = append(entries, e)
		}
	}

	services := make([]domain.ServiceStatus, 0, len(entries))
	for _, e := range entries {
		state := verify.NormalizeState(e.State, e.Status)
		health := strings.ToLower(e.Health)
		if health == "" {
			health = healthFromStatus(e.Status)
		}
		services = append(services, domain.ServiceStatus{
			Service:   e.Service,
			Container: e.Name,
			State:     state,
			Health:    health,
			Healthy:   verify.Healthy(state, health),
			Status:    e.Status,
		})
	}
	sortServices(services)
	return services, nil
}

// healthFromStatus extracts the health check result from a human status
// such as "Up 3 minutes (healthy)".
func healthFromStatus(status string) string {
	status = strings.ToLower(status)
	switch {
	case strings.Contains(status, "(unhealthy)"):
		return "unhealthy"
	case strings.Contains(status, "(health: starting)"):
		return "starting"
	case strings.Contains(status, "(healthy)"):
		return "healthy"
	default:
		return ""
	}
}

func sortServices(services []domain.ServiceStatus) {
	sort.SliceStable(services, func(i, j int) bool {
		if services[i].Service != services[j].Service {
			return services[i].Service < services[j].Service
		}
		return services[i].Container < services[j].Container
	})
}
