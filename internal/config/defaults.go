package config

const (
	defaultConfigPath         = "~/.config/kbforge/config.toml"
	defaultDataDir            = "~/.local/share/kbforge"
	defaultLibraryDir         = "~/kb"
	defaultLogDir             = "~/.local/share/kbforge/logs"
	defaultAPIBind            = "127.0.0.1:7590"
	defaultPollInterval       = 5
	defaultErrorRetryInterval = 10
	defaultBatchSize          = 25
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120
	defaultFanoutQueueSize    = 256
	defaultFanoutHeartbeat    = 20
	defaultFanoutMissedPongs  = 3
	defaultFanoutWriteTimeout = 10
	defaultFetchUserAgent     = "kbforge/0.1 (+https://github.com/kbforge/kbforge)"
	defaultFetchTimeout       = 30
	defaultFetchMaxBodyBytes  = 4 << 20
	defaultFetchMaxMedia      = 4
	defaultChunkSize          = 1500
	defaultChunkOverlap       = 150
	defaultNotifyTimeout      = 10
	defaultNATSSubjectPrefix  = "kbforge"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"

	KindNetwork   = "network"
	KindInference = "inference"
	KindSynthesis = "synthesis"
)

// DefaultTaskKinds returns the built-in kind table. Network work gets short
// limits and aggressive retry, inference medium limits and conservative
// retry, synthesis the longest limits and minimal retry.
func DefaultTaskKinds() map[string]TaskKind {
	return map[string]TaskKind{
		KindNetwork: {
			SoftLimit:     120,
			HardLimit:     300,
			MaxRetries:    5,
			BackoffBase:   2,
			BackoffMax:    120,
			Concurrency:   4,
			RatePerSecond: 2,
			Burst:         4,
		},
		KindInference: {
			SoftLimit:     600,
			HardLimit:     1200,
			MaxRetries:    3,
			BackoffBase:   10,
			BackoffMax:    600,
			Concurrency:   2,
			RatePerSecond: 0.5,
			Burst:         2,
		},
		KindSynthesis: {
			SoftLimit:     1800,
			HardLimit:     3600,
			MaxRetries:    1,
			BackoffBase:   30,
			BackoffMax:    900,
			Concurrency:   1,
			RatePerSecond: 0.1,
			Burst:         1,
		},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
		},
		API: API{Bind: defaultAPIBind},
		Workflow: Workflow{
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			BatchSize:          defaultBatchSize,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Tasks: Tasks{Kinds: DefaultTaskKinds()},
		Fanout: Fanout{
			QueueSize:         defaultFanoutQueueSize,
			HeartbeatInterval: defaultFanoutHeartbeat,
			MaxMissedPongs:    defaultFanoutMissedPongs,
			WriteTimeout:      defaultFanoutWriteTimeout,
		},
		Fetch: Fetch{
			UserAgent:      defaultFetchUserAgent,
			TimeoutSeconds: defaultFetchTimeout,
			MaxBodyBytes:   defaultFetchMaxBodyBytes,
			MaxMedia:       defaultFetchMaxMedia,
		},
		Embedding: Embedding{
			ChunkSize:    defaultChunkSize,
			ChunkOverlap: defaultChunkOverlap,
		},
		Notifications: Notifications{
			RequestTimeout:      defaultNotifyTimeout,
			ConfigurationErrors: true,
			TaskFailures:        true,
		},
		NATS: NATS{SubjectPrefix: defaultNATSSubjectPrefix},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
