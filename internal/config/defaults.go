package config

const (
	defaultPort                  = "8090"
	defaultDataDir               = "/data"
	defaultConsumerName          = "workshop-push"
	defaultPollIntervalMS        = 500
	defaultRetentionHours        = 72
	defaultDetectorBackoffBaseMS = 1000
	defaultDetectorBackoffMax    = 30
	defaultResolverMaxAttempts   = 3
	defaultResolverBackoffBaseMS = 200
	defaultWorkers               = 8
	defaultQueueSize             = 256
	defaultDispatchMaxAttempts   = 5
	defaultDispatchBackoffBaseMS = 1000
	defaultDispatchBackoffMax    = 60
	defaultJitterFraction        = 0.2
	defaultCredentialLifetime    = 55
	defaultRefreshMargin         = 300
	defaultCredentialRetry       = 5
	defaultProviderTimeout       = 10
	defaultLedgerBackend         = LedgerBackendSQLite
	defaultLedgerKeyPrefix       = "workshop-push:sent"
	defaultDrainTimeout          = 10
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
)

// 送信済み台帳のバックエンド。
const (
	LedgerBackendSQLite = "sqlite"
	LedgerBackendRedis  = "redis"
)

// Default は既定値を設定したConfigを返す。
func Default() Config {
	return Config{
		Server: Server{
			Port: defaultPort,
		},
		Storage: Storage{
			DataDir: defaultDataDir,
		},
		Feed: Feed{
			ConsumerName:   defaultConsumerName,
			PollIntervalMS: defaultPollIntervalMS,
			RetentionHours: defaultRetentionHours,
		},
		Detector: Detector{
			BackoffBaseMS:     defaultDetectorBackoffBaseMS,
			BackoffMaxSeconds: defaultDetectorBackoffMax,
		},
		Resolver: Resolver{
			MaxAttempts:   defaultResolverMaxAttempts,
			BackoffBaseMS: defaultResolverBackoffBaseMS,
		},
		Dispatch: Dispatch{
			Workers:           defaultWorkers,
			QueueSize:         defaultQueueSize,
			MaxAttempts:       defaultDispatchMaxAttempts,
			BackoffBaseMS:     defaultDispatchBackoffBaseMS,
			BackoffMaxSeconds: defaultDispatchBackoffMax,
			JitterFraction:    defaultJitterFraction,
		},
		Credential: Credential{
			LifetimeMinutes:      defaultCredentialLifetime,
			RefreshMarginSeconds: defaultRefreshMargin,
			RetryIntervalSeconds: defaultCredentialRetry,
		},
		Provider: Provider{
			TimeoutSeconds: defaultProviderTimeout,
		},
		Ledger: Ledger{
			Backend:   defaultLedgerBackend,
			KeyPrefix: defaultLedgerKeyPrefix,
		},
		Pipeline: Pipeline{
			DrainTimeoutSeconds: defaultDrainTimeout,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
