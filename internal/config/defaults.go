package config

const (
	defaultConfigPath          = "~/.config/replydesk/config.toml"
	defaultStateDir            = "~/.local/share/replydesk"
	defaultLogDir              = "~/.local/share/replydesk/logs"
	defaultStoreDriver         = "sqlite"
	defaultSQLiteName          = "replydesk.db"
	defaultIngestStateName     = "ingest_state.json"
	defaultIntakeSeenName      = "intake_seen.json"
	defaultQueueMaxAttempts    = 3
	defaultQueuePollInterval   = 5
	defaultQueueStaleTimeout   = 900
	defaultReaperInterval      = 60
	defaultReaperLimit         = 100
	defaultExecutor            = "sequential"
	defaultQAMinConfidence     = 0.5
	defaultPolicyMinConfidence = 0.65
	defaultSignatureBlock      = "Best,\nThe Team"
	defaultPrecedentMinSamples = 2
	defaultPrecedentMinConf    = 0.7
	defaultLLMBaseURL          = "https://api.openai.com/v1/chat/completions"
	defaultLLMTimeoutSeconds   = 20
	defaultLookupTimeout       = 8
	defaultThreadMaxMessages   = 5
	defaultPublishMaxAttempts  = 5
	defaultPublishTimeout      = 8
	defaultPublishPollInterval = 5
	defaultReviewListen        = "127.0.0.1:7410"
	defaultEscalationLimit     = 50
	defaultNotifyTimeout       = 10
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Store: Store{
			Driver: defaultStoreDriver,
		},
		Queue: Queue{
			MaxAttempts:    defaultQueueMaxAttempts,
			PollInterval:   defaultQueuePollInterval,
			StaleTimeout:   defaultQueueStaleTimeout,
			ReaperInterval: defaultReaperInterval,
			ReaperLimit:    defaultReaperLimit,
			Backoff:        []int{30, 120, 600},
		},
		Pipeline: Pipeline{
			Executor:            defaultExecutor,
			QAMinConfidence:     defaultQAMinConfidence,
			PolicyMinConfidence: defaultPolicyMinConfidence,
			SignatureBlock:      defaultSignatureBlock,
		},
		Precedent: Precedent{
			MinSamples:    defaultPrecedentMinSamples,
			MinConfidence: defaultPrecedentMinConf,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		CRM: Enrichment{
			TimeoutSeconds: defaultLookupTimeout,
		},
		Threads: Enrichment{
			TimeoutSeconds: defaultLookupTimeout,
			MaxMessages:    defaultThreadMaxMessages,
		},
		Publish: Publish{
			MaxAttempts:    defaultPublishMaxAttempts,
			TimeoutSeconds: defaultPublishTimeout,
			PollInterval:   defaultPublishPollInterval,
		},
		Ingest: Ingest{
			Watch: true,
		},
		Review: Review{
			Listen:          defaultReviewListen,
			EscalationLimit: defaultEscalationLimit,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
