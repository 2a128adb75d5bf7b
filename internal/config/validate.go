package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var knownCapabilities = map[string]struct{}{
	"text_generation": {},
	"embedding":       {},
	"vision":          {},
}

var knownPhases = map[string]struct{}{
	"fetch": {}, "cache": {}, "media_analysis": {}, "understanding": {},
	"categorization": {}, "kb_generation": {}, "embedding": {}, "synthesis": {},
	"publication": {},
}

// Validate ensures the configuration is usable. Backends are optional: without
// them every model-backed phase fails with a configuration error at resolution
// time, which is surfaced to operators rather than blocking startup.
func (c *Config) Validate() error {
	if err := c.validateTasks(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateFanout(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is true")
	}
	if c.Embedding.ChunkOverlap >= c.Embedding.ChunkSize {
		return errors.New("embedding.chunk_overlap must be smaller than embedding.chunk_size")
	}
	return nil
}

func (c *Config) validateTasks() error {
	for name, kind := range c.Tasks.Kinds {
		if kind.HardLimit < kind.SoftLimit {
			return fmt.Errorf("tasks.kinds.%s: hard_limit (%d) must be >= soft_limit (%d)", name, kind.HardLimit, kind.SoftLimit)
		}
		if kind.MaxRetries < 0 {
			return fmt.Errorf("tasks.kinds.%s: max_retries must be >= 0", name)
		}
		if kind.BackoffMax < kind.BackoffBase {
			return fmt.Errorf("tasks.kinds.%s: backoff_max must be >= backoff_base", name)
		}
	}
	for phase, kind := range c.Tasks.PhaseKinds {
		if _, ok := knownPhases[phase]; !ok {
			return fmt.Errorf("tasks.phase_kinds: unknown phase %q", phase)
		}
		if _, ok := c.Tasks.Kinds[kind]; !ok {
			return fmt.Errorf("tasks.phase_kinds.%s: unknown kind %q", phase, kind)
		}
	}
	return nil
}

func (c *Config) validateBackends() error {
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = struct{}{}
		parsed, err := url.Parse(b.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("backends.%s: base_url must be an absolute URL", b.Name)
		}
		for _, m := range b.Models {
			if m.Name == "" {
				return fmt.Errorf("backends.%s: model name is required", b.Name)
			}
			for _, capability := range m.Capabilities {
				if _, ok := knownCapabilities[capability]; !ok {
					return fmt.Errorf("backends.%s.models.%s: unknown capability %q", b.Name, m.Name, capability)
				}
			}
		}
	}
	return nil
}

func (c *Config) validateFanout() error {
	if c.Fanout.QueueSize < 1 {
		return errors.New("fanout.queue_size must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
