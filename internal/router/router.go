package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/services"
)

// Selector names a backend and model for a phase, plus backend-specific
// request parameters.
type Selector struct {
	Backend string            `json:"backend"`
	Model   string            `json:"model"`
	Params  map[string]string `json:"params,omitempty"`
}

// SelectorStore persists one selector per phase.
type SelectorStore interface {
	GetPhaseSelector(ctx context.Context, p phase.Phase) (*Selector, error)
	SetPhaseSelector(ctx context.Context, p phase.Phase, sel Selector) error
}

// Source records which rule produced a resolution.
type Source string

const (
	SourceOverride Source = "override"
	SourceSelector Source = "selector"
	SourceFallback Source = "fallback"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	Phase       phase.Phase
	Capability  Capability
	Backend     Backend
	BackendName string
	Model       string
	Params      map[string]string
	Source      Source
}

// Router picks a backend and model for each phase. It holds no cache; every
// call consults the registry and the selector store afresh.
type Router struct {
	registry *Registry
	store    SelectorStore
	logger   *slog.Logger

	writeMu sync.Mutex
}

// New builds a router. store may be nil, in which case only overrides and
// fallback apply and UpdateSelector fails.
func New(registry *Registry, store SelectorStore, logger *slog.Logger) *Router {
	if registry == nil {
		registry = &Registry{backends: map[string]Backend{}}
	}
	return &Router{
		registry: registry,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "router"),
	}
}

// Registry exposes the backend registry.
func (r *Router) Registry() *Registry { return r.registry }

// Resolve chooses a backend and model for p. An override wins over the
// persisted selector, which wins over fallback. Explicit choices are validated
// and never silently replaced; a failed validation is a configuration error.
func (r *Router) Resolve(ctx context.Context, p phase.Phase, override *Selector) (Resolution, error) {
	capability, err := RequiredCapability(p)
	if err != nil {
		if errors.Is(err, ErrNoModelRequired) {
			return Resolution{Phase: p}, err
		}
		return Resolution{}, services.Wrap(services.ErrValidation, "router", "resolve", "", err)
	}

	if override != nil {
		return r.resolveExplicit(ctx, p, capability, *override, SourceOverride)
	}

	if r.store != nil {
		sel, err := r.store.GetPhaseSelector(ctx, p)
		if err != nil {
			return Resolution{}, services.Wrap(services.ErrTransient, "router", "load selector", string(p), err)
		}
		if sel != nil {
			return r.resolveExplicit(ctx, p, capability, *sel, SourceSelector)
		}
	}

	return r.resolveFallback(ctx, p, capability)
}

// UpdateSelector validates sel against the live backends and persists it.
// Updates are serialized.
func (r *Router) UpdateSelector(ctx context.Context, p phase.Phase, sel Selector) (Resolution, error) {
	if r.store == nil {
		return Resolution{}, services.Wrap(services.ErrConfiguration, "router", "update selector", "no selector store configured", nil)
	}
	capability, err := RequiredCapability(p)
	if err != nil {
		return Resolution{}, services.Wrap(services.ErrValidation, "router", "update selector", "", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res, err := r.resolveExplicit(ctx, p, capability, sel, SourceSelector)
	if err != nil {
		return Resolution{}, err
	}
	if err := r.store.SetPhaseSelector(ctx, p, Selector{Backend: res.BackendName, Model: res.Model, Params: sel.Params}); err != nil {
		return Resolution{}, services.Wrap(services.ErrTransient, "router", "persist selector", string(p), err)
	}
	r.logger.Info("phase selector updated",
		logging.String(logging.FieldPhase, string(p)),
		logging.String("backend", res.BackendName),
		logging.String("model", res.Model),
		logging.String(logging.FieldEventType, "selector_updated"),
	)
	return res, nil
}

// Selector returns the persisted selector for p, if any.
func (r *Router) Selector(ctx context.Context, p phase.Phase) (*Selector, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.GetPhaseSelector(ctx, p)
}

func (r *Router) resolveExplicit(ctx context.Context, p phase.Phase, capability Capability, sel Selector, source Source) (Resolution, error) {
	backendName := strings.TrimSpace(sel.Backend)
	modelName := strings.TrimSpace(sel.Model)
	if backendName == "" || modelName == "" {
		return Resolution{}, configError(p, fmt.Sprintf("%s selector needs both backend and model", source))
	}
	backend, ok := r.registry.Get(backendName)
	if !ok {
		return Resolution{}, configError(p, fmt.Sprintf("backend %q is not registered", backendName))
	}
	if err := backend.HealthCheck(ctx); err != nil {
		return Resolution{}, configErrorWrap(p, fmt.Sprintf("backend %q is unhealthy", backend.Name()), err)
	}
	models, err := backend.ListModels(ctx)
	if err != nil {
		return Resolution{}, configErrorWrap(p, fmt.Sprintf("list models on backend %q", backend.Name()), err)
	}
	for _, m := range models {
		if m.Name != modelName {
			continue
		}
		if !m.Supports(capability) {
			return Resolution{}, configError(p,
				fmt.Sprintf("model %q on backend %q lacks capability %s", modelName, backend.Name(), capability))
		}
		return Resolution{
			Phase:       p,
			Capability:  capability,
			Backend:     backend,
			BackendName: backend.Name(),
			Model:       m.Name,
			Params:      maps.Clone(sel.Params),
			Source:      source,
		}, nil
	}
	return Resolution{}, configError(p, fmt.Sprintf("model %q not found on backend %q", modelName, backend.Name()))
}

func (r *Router) resolveFallback(ctx context.Context, p phase.Phase, capability Capability) (Resolution, error) {
	for _, backend := range r.registry.Backends() {
		if err := backend.HealthCheck(ctx); err != nil {
			r.logger.Debug("skipping unhealthy backend",
				logging.String("backend", backend.Name()),
				logging.Error(err),
			)
			continue
		}
		models, err := backend.ListModels(ctx)
		if err != nil {
			r.logger.Debug("skipping backend with unreadable model list",
				logging.String("backend", backend.Name()),
				logging.Error(err),
			)
			continue
		}
		for _, m := range models {
			if m.Supports(capability) {
				return Resolution{
					Phase:       p,
					Capability:  capability,
					Backend:     backend,
					BackendName: backend.Name(),
					Model:       m.Name,
					Source:      SourceFallback,
				}, nil
			}
		}
	}
	return Resolution{}, configError(p, fmt.Sprintf("no suitable model with capability %s", capability))
}

func configError(p phase.Phase, message string) error {
	return services.Wrap(services.ErrConfiguration, "router", "resolve "+string(p), message, nil)
}

// configErrorWrap flattens err into the message so a transient cause cannot
// reclassify the failure as retryable.
func configErrorWrap(p phase.Phase, message string, err error) error {
	return services.Wrap(services.ErrConfiguration, "router", "resolve "+string(p), message+": "+err.Error(), nil)
}
