package router

import (
	"errors"
	"fmt"
	"strings"

	"kbforge/internal/phase"
)

// Capability is a property a model must have to serve a phase.
type Capability string

const (
	CapabilityTextGeneration Capability = "text_generation"
	CapabilityEmbedding      Capability = "embedding"
	CapabilityVision         Capability = "vision"
)

// ErrNoModelRequired is returned for phases that never call a model.
var ErrNoModelRequired = errors.New("phase does not use a model")

var phaseCapabilities = map[phase.Phase]Capability{
	phase.MediaAnalysis:  CapabilityVision,
	phase.Understanding:  CapabilityTextGeneration,
	phase.Categorization: CapabilityTextGeneration,
	phase.KBGeneration:   CapabilityTextGeneration,
	phase.Synthesis:      CapabilityTextGeneration,
	phase.Embedding:      CapabilityEmbedding,
}

// RequiredCapability returns the capability p needs.
func RequiredCapability(p phase.Phase) (Capability, error) {
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", p)
	}
	c, ok := phaseCapabilities[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNoModelRequired)
	}
	return c, nil
}

// UsesModel reports whether p resolves a model before running.
func UsesModel(p phase.Phase) bool {
	_, ok := phaseCapabilities[p]
	return ok
}

// ParseCapability validates a capability name.
func ParseCapability(value string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(value))); c {
	case CapabilityTextGeneration, CapabilityEmbedding, CapabilityVision:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q", value)
	}
}

// ModelInfo describes one model a backend serves.
type ModelInfo struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Vision       bool         `json:"vision,omitempty"`
}

// Supports reports whether the model satisfies c. Any model flagged
// vision-capable satisfies the vision requirement.
func (m ModelInfo) Supports(c Capability) bool {
	if c == CapabilityVision && m.Vision {
		return true
	}
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
