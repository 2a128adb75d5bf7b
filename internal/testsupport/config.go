package testsupport

import (
	"path/filepath"
	"strings"
	"testing"

	"kbforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Backends are cleared so tests opt in to the ones they exercise.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LibraryDir = filepath.Join(base, "library")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.Backends = nil

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBackend appends an OpenAI-compatible backend serving the given models.
// Models whose name contains "embed" get the embedding capability, the rest
// text generation with vision.
func WithBackend(name, baseURL string, models ...string) ConfigOption {
	return func(b *configBuilder) {
		backend := config.Backend{Name: name, BaseURL: baseURL, TimeoutSeconds: 5}
		for _, model := range models {
			m := config.Model{Name: model}
			if strings.Contains(strings.ToLower(model), "embed") {
				m.Capabilities = []string{"embedding"}
			} else {
				m.Capabilities = []string{"text_generation"}
				m.Vision = true
			}
			backend.Models = append(backend.Models, m)
		}
		b.cfg.Backends = append(b.cfg.Backends, backend)
	}
}

// WithAPIToken sets the bearer token required by the daemon API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.Token = token
	}
}

// WithTaskKind overrides one task kind's limits, e.g. to shrink timeouts.
func WithTaskKind(name string, kind config.TaskKind) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Tasks.Kinds == nil {
			b.cfg.Tasks.Kinds = map[string]config.TaskKind{}
		}
		b.cfg.Tasks.Kinds[name] = kind
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
