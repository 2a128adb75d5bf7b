package workflow

import (
	"context"
	"time"

	"kbforge/internal/router"
)

const backendHealthTimeout = 5 * time.Second

// BackendHealth summarizes the readiness of an AI backend.
type BackendHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// HealthyBackend constructs a ready BackendHealth record.
func HealthyBackend(name string) BackendHealth {
	return BackendHealth{Name: name, Ready: true}
}

// UnhealthyBackend constructs an unhealthy BackendHealth record with detail.
func UnhealthyBackend(name, detail string) BackendHealth {
	return BackendHealth{Name: name, Ready: false, Detail: detail}
}

func checkBackends(ctx context.Context, reg *router.Registry) []BackendHealth {
	if reg == nil {
		return nil
	}
	backends := reg.Backends()
	out := make([]BackendHealth, 0, len(backends))
	for _, b := range backends {
		checkCtx, cancel := context.WithTimeout(ctx, backendHealthTimeout)
		err := b.HealthCheck(checkCtx)
		cancel()
		if err != nil {
			out = append(out, UnhealthyBackend(b.Name(), err.Error()))
			continue
		}
		out = append(out, HealthyBackend(b.Name()))
	}
	return out
}
