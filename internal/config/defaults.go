package config

const (
	defaultDataDir               = "~/.local/share/catsift"
	defaultLogDir                = "~/.local/share/catsift/logs"
	defaultLogFormat             = "text"
	defaultLogLevel              = "info"
	defaultScoreThreshold        = 0.85
	defaultMaxAttempts           = 3
	defaultRetryBackoffSeconds   = 30
	defaultStaleClaimSeconds     = 300
	defaultReconcileSeconds      = 60
	defaultQueuePollSeconds      = 2
	defaultLeaseSeconds          = 120
	defaultIngestWorkers         = 4
	defaultEnrichWorkers         = 2
	defaultClusterWorkers        = 2
	defaultAssignConflictRetries = 5
	defaultRecencyWindowDays     = 30
	defaultCollaboratorTimeout   = 30
	defaultTaggingTimeout        = 60
	defaultTaggingModel          = "qwen-vl-max"
	defaultNtfyTimeout           = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Pipeline: Pipeline{
			ScoreThreshold:        defaultScoreThreshold,
			MaxAttempts:           defaultMaxAttempts,
			RetryBackoffSeconds:   defaultRetryBackoffSeconds,
			StaleClaimSeconds:     defaultStaleClaimSeconds,
			ReconcileSeconds:      defaultReconcileSeconds,
			QueuePollSeconds:      defaultQueuePollSeconds,
			LeaseSeconds:          defaultLeaseSeconds,
			IngestWorkers:         defaultIngestWorkers,
			EnrichWorkers:         defaultEnrichWorkers,
			ClusterWorkers:        defaultClusterWorkers,
			AssignConflictRetries: defaultAssignConflictRetries,
			RecencyWindowDays:     defaultRecencyWindowDays,
		},
		Listing: Collaborator{
			TimeoutSeconds: defaultCollaboratorTimeout,
		},
		Tagging: Tagging{
			Collaborator: Collaborator{TimeoutSeconds: defaultTaggingTimeout},
			Model:        defaultTaggingModel,
		},
		Lookalike: Collaborator{
			TimeoutSeconds: defaultCollaboratorTimeout,
		},
		Similarity: Collaborator{
			TimeoutSeconds: defaultCollaboratorTimeout,
		},
		Notifications: Notifications{
			NtfyTimeoutSeconds: defaultNtfyTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
