package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeWorkflow()
	c.normalizeTasks()
	c.normalizeFanout()
	c.normalizeBackends()
	c.normalizeFetch()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(orDefault(c.Paths.DataDir, defaultDataDir)); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(orDefault(c.Paths.LibraryDir, defaultLibraryDir)); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(orDefault(c.Paths.LogDir, defaultLogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = orDefault(c.API.Bind, defaultAPIBind)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("KBFORGE_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeWorkflow() {
	w := &c.Workflow
	w.PollInterval = positiveOr(w.PollInterval, defaultPollInterval)
	w.ErrorRetryInterval = positiveOr(w.ErrorRetryInterval, defaultErrorRetryInterval)
	w.BatchSize = positiveOr(w.BatchSize, defaultBatchSize)
	w.HeartbeatInterval = positiveOr(w.HeartbeatInterval, defaultHeartbeatInterval)
	w.HeartbeatTimeout = positiveOr(w.HeartbeatTimeout, defaultHeartbeatTimeout)
}

// normalizeTasks fills unset numeric fields of each kind from the built-in kind
// of the same name, or from the inference kind for custom kinds. MaxRetries is
// taken as written; zero runs a task once.
func (c *Config) normalizeTasks() {
	defaults := DefaultTaskKinds()
	if c.Tasks.Kinds == nil {
		c.Tasks.Kinds = map[string]TaskKind{}
	}
	for name, def := range defaults {
		if _, ok := c.Tasks.Kinds[name]; !ok {
			c.Tasks.Kinds[name] = def
		}
	}
	normalized := make(map[string]TaskKind, len(c.Tasks.Kinds))
	for rawName, kind := range c.Tasks.Kinds {
		name := strings.ToLower(strings.TrimSpace(rawName))
		base, ok := defaults[name]
		if !ok {
			base = defaults[KindInference]
		}
		kind.SoftLimit = positiveOr(kind.SoftLimit, base.SoftLimit)
		kind.HardLimit = positiveOr(kind.HardLimit, base.HardLimit)
		kind.BackoffBase = positiveOr(kind.BackoffBase, base.BackoffBase)
		kind.BackoffMax = positiveOr(kind.BackoffMax, base.BackoffMax)
		kind.Concurrency = positiveOr(kind.Concurrency, base.Concurrency)
		kind.Burst = positiveOr(kind.Burst, base.Burst)
		if kind.RatePerSecond < 0 {
			kind.RatePerSecond = 0
		}
		normalized[name] = kind
	}
	c.Tasks.Kinds = normalized

	if len(c.Tasks.PhaseKinds) > 0 {
		phaseKinds := make(map[string]string, len(c.Tasks.PhaseKinds))
		for phase, kind := range c.Tasks.PhaseKinds {
			phaseKinds[strings.ToLower(strings.TrimSpace(phase))] = strings.ToLower(strings.TrimSpace(kind))
		}
		c.Tasks.PhaseKinds = phaseKinds
	}
}

func (c *Config) normalizeFanout() {
	f := &c.Fanout
	f.QueueSize = positiveOr(f.QueueSize, defaultFanoutQueueSize)
	f.HeartbeatInterval = positiveOr(f.HeartbeatInterval, defaultFanoutHeartbeat)
	f.MaxMissedPongs = positiveOr(f.MaxMissedPongs, defaultFanoutMissedPongs)
	f.WriteTimeout = positiveOr(f.WriteTimeout, defaultFanoutWriteTimeout)
}

func (c *Config) normalizeBackends() {
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Name = strings.TrimSpace(b.Name)
		b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
		b.APIKeyEnv = strings.TrimSpace(b.APIKeyEnv)
		for j := range b.Models {
			m := &b.Models[j]
			m.Name = strings.TrimSpace(m.Name)
			for k, capability := range m.Capabilities {
				m.Capabilities[k] = strings.ToLower(strings.TrimSpace(capability))
			}
		}
	}
}

func (c *Config) normalizeFetch() {
	c.Fetch.UserAgent = orDefault(c.Fetch.UserAgent, defaultFetchUserAgent)
	c.Fetch.TimeoutSeconds = positiveOr(c.Fetch.TimeoutSeconds, defaultFetchTimeout)
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = defaultFetchMaxBodyBytes
	}
	if c.Fetch.MaxMedia < 0 {
		c.Fetch.MaxMedia = 0
	}
	c.Embedding.ChunkSize = positiveOr(c.Embedding.ChunkSize, defaultChunkSize)
	if c.Embedding.ChunkOverlap < 0 {
		c.Embedding.ChunkOverlap = 0
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Notifications.RequestTimeout = positiveOr(c.Notifications.RequestTimeout, defaultNotifyTimeout)
	c.NATS.URL = strings.TrimSpace(c.NATS.URL)
	c.NATS.SubjectPrefix = strings.Trim(orDefault(c.NATS.SubjectPrefix, defaultNATSSubjectPrefix), ".")
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(orDefault(c.Logging.Format, defaultLogFormat))
	c.Logging.Level = strings.ToLower(orDefault(c.Logging.Level, defaultLogLevel))
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
