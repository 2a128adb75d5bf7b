package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
}

// API contains the HTTP surface settings shared by the daemon and CLI.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Workflow contains scheduler timing.
type Workflow struct {
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	BatchSize          int `toml:"batch_size"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// TaskKind holds execution policy for one class of task. Limits and delays are
// in seconds.
type TaskKind struct {
	SoftLimit     int     `toml:"soft_limit"`
	HardLimit     int     `toml:"hard_limit"`
	MaxRetries    int     `toml:"max_retries"`
	BackoffBase   int     `toml:"backoff_base"`
	BackoffMax    int     `toml:"backoff_max"`
	Concurrency   int     `toml:"concurrency"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Tasks contains the per-kind policy table and optional phase-to-kind overrides.
type Tasks struct {
	Kinds      map[string]TaskKind `toml:"kinds"`
	PhaseKinds map[string]string   `toml:"phase_kinds"`
}

// Fanout contains progress notification delivery settings.
type Fanout struct {
	QueueSize         int `toml:"queue_size"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	MaxMissedPongs    int `toml:"max_missed_pongs"`
	WriteTimeout      int `toml:"write_timeout"`
}

// Model declares a model and its capabilities when the backend cannot report them.
type Model struct {
	Name         string   `toml:"name"`
	Capabilities []string `toml:"capabilities"`
	Vision       bool     `toml:"vision"`
}

// Backend describes one OpenAI-compatible inference provider.
type Backend struct {
	Name           string  `toml:"name"`
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	APIKeyEnv      string  `toml:"api_key_env"`
	Referer        string  `toml:"referer"`
	Title          string  `toml:"title"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	Models         []Model `toml:"models"`
}

// Fetch contains settings for retrieving bookmarked pages.
type Fetch struct {
	UserAgent      string `toml:"user_agent"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
	MaxMedia       int    `toml:"max_media"`
}

// Embedding contains chunking parameters for the embedding phase.
type Embedding struct {
	ChunkSize    int `toml:"chunk_size"`
	ChunkOverlap int `toml:"chunk_overlap"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic           string `toml:"ntfy_topic"`
	RequestTimeout      int    `toml:"request_timeout"`
	ConfigurationErrors bool   `toml:"configuration_errors"`
	TaskFailures        bool   `toml:"task_failures"`
	Published           bool   `toml:"published"`
}

// NATS contains the optional event relay settings.
type NATS struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for kbforge.
//
// Configuration sections by subsystem:
//   - Paths: database, library, and log directories
//   - API: daemon HTTP bind address and bearer token
//   - Workflow: scheduler polling and stale-task reclaim
//   - Tasks: per-kind timeout/retry/concurrency table
//   - Fanout: observer queue sizes and heartbeats
//   - Backends: inference providers in fallback order
//   - Fetch, Embedding: phase tuning
//   - Notifications, NATS: operator alerts and event relay
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Workflow      Workflow      `toml:"workflow"`
	Tasks         Tasks         `toml:"tasks"`
	Fanout        Fanout        `toml:"fanout"`
	Backends      []Backend     `toml:"backends"`
	Fetch         Fetch         `toml:"fetch"`
	Embedding     Embedding     `toml:"embedding"`
	Notifications Notifications `toml:"notifications"`
	NATS          NATS          `toml:"nats"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("kbforge.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "kbforge.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "kbforged.lock")
}

// APIBaseURL returns the URL the CLI uses to reach the daemon.
func (c *Config) APIBaseURL() string {
	bind := c.API.Bind
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	return "http://" + bind
}

// ResolvedAPIKey returns the key for a backend, preferring the inline value.
func (b Backend) ResolvedAPIKey() string {
	if key := strings.TrimSpace(b.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(b.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
