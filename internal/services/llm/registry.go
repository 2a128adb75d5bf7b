package llm

import (
	"fmt"

	"kbforge/internal/config"
	"kbforge/internal/router"
)

// NewRegistry builds one client per configured backend and registers them in
// configuration order, which is also the router's fallback order.
func NewRegistry(backends []config.Backend, opts ...Option) (*router.Registry, error) {
	reg, err := router.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		cfg, err := ConfigFromBackend(b)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(NewClient(cfg, opts...)); err != nil {
			return nil, fmt.Errorf("register backend %s: %w", b.Name, err)
		}
	}
	return reg, nil
}
