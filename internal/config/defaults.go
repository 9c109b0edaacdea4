package config

const (
	defaultDataDir     = "~/.local/share/docmill"
	defaultSpoolDir    = "~/.local/share/docmill/spool"
	defaultArtifactDir = "~/.local/share/docmill/artifacts"
	defaultLogDir      = "~/.local/share/docmill/logs"
	defaultMetricsBind = "127.0.0.1:9432"

	defaultWorkers            = 2
	defaultQueuePollInterval  = 2
	defaultErrorRetryInterval = 5
	defaultStageTimeout       = 300
	defaultLeaseTimeout       = 120
	defaultLeaseRenewInterval = 15
	defaultMaxAttempts        = 3
	defaultRetryBackoffBase   = 10
	defaultRetryBackoffCap    = 300
	defaultSweepInterval      = 60

	defaultBytesPerUnit = 64 * 1024

	defaultAuditBatchSize     = 50
	defaultAuditFlushInterval = 1000
	defaultAuditMaxBuffer     = 10000
	defaultAuditFlushRetries  = 3

	defaultUnitPriceCents   = 2
	defaultJobCeilingCents  = 500
	defaultPendingStaleness = 300

	defaultLocatorAttempts = 3
	defaultDeletionSweep   = 600

	defaultSnapshotTTL       = 3600
	defaultKeepAliveInterval = 15

	defaultLogLevel  = "info"
	defaultLogFormat = "console"
)

// DedupScopeGlobal matches completed work across all actors; DedupScopeActor
// confines dedup to jobs admitted by the same actor.
const (
	DedupScopeGlobal = "global"
	DedupScopeActor  = "actor"
)

// DurableModeMemory buffers audit events only in memory; DurableModeJournal
// appends them to an on-disk journal before buffering.
const (
	DurableModeMemory  = "memory"
	DurableModeJournal = "journal"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			SpoolDir:    defaultSpoolDir,
			ArtifactDir: defaultArtifactDir,
			LogDir:      defaultLogDir,
			MetricsBind: defaultMetricsBind,
		},
		Workflow: Workflow{
			Workers:            defaultWorkers,
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			StageTimeout:       defaultStageTimeout,
			LeaseTimeout:       defaultLeaseTimeout,
			LeaseRenewInterval: defaultLeaseRenewInterval,
			MaxAttempts:        defaultMaxAttempts,
			RetryBackoffBase:   defaultRetryBackoffBase,
			RetryBackoffCap:    defaultRetryBackoffCap,
			SweepInterval:      defaultSweepInterval,
			LaneOrder:          []string{"high", "default", "low"},
		},
		Admission: Admission{
			NormalizeContent: true,
			DedupEnabled:     true,
			DedupScope:       DedupScopeGlobal,
			BytesPerUnit:     defaultBytesPerUnit,
		},
		Audit: Audit{
			BatchSize:     defaultAuditBatchSize,
			FlushInterval: defaultAuditFlushInterval,
			MaxBuffer:     defaultAuditMaxBuffer,
			DurableMode:   DurableModeMemory,
			FlushRetries:  defaultAuditFlushRetries,
		},
		Costs: Costs{
			UnitPriceCents:   defaultUnitPriceCents,
			JobCeilingCents:  defaultJobCeilingCents,
			PendingStaleness: defaultPendingStaleness,
		},
		Deletion: Deletion{
			LocatorAttempts: defaultLocatorAttempts,
			SweepAge:        defaultDeletionSweep,
		},
		Progress: Progress{
			SnapshotTTL:       defaultSnapshotTTL,
			KeepAliveInterval: defaultKeepAliveInterval,
		},
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Workflow.Workers <= 0 {
		c.Workflow.Workers = def.Workflow.Workers
	}
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = def.Workflow.QueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = def.Workflow.ErrorRetryInterval
	}
	if c.Workflow.StageTimeout <= 0 {
		c.Workflow.StageTimeout = def.Workflow.StageTimeout
	}
	if c.Workflow.LeaseTimeout <= 0 {
		c.Workflow.LeaseTimeout = def.Workflow.LeaseTimeout
	}
	if c.Workflow.LeaseRenewInterval <= 0 {
		c.Workflow.LeaseRenewInterval = def.Workflow.LeaseRenewInterval
	}
	if c.Workflow.MaxAttempts <= 0 {
		c.Workflow.MaxAttempts = def.Workflow.MaxAttempts
	}
	if c.Workflow.RetryBackoffBase <= 0 {
		c.Workflow.RetryBackoffBase = def.Workflow.RetryBackoffBase
	}
	if c.Workflow.RetryBackoffCap <= 0 {
		c.Workflow.RetryBackoffCap = def.Workflow.RetryBackoffCap
	}
	if c.Workflow.SweepInterval <= 0 {
		c.Workflow.SweepInterval = def.Workflow.SweepInterval
	}
	if len(c.Workflow.LaneOrder) == 0 {
		c.Workflow.LaneOrder = def.Workflow.LaneOrder
	}
	if c.Admission.DedupScope == "" {
		c.Admission.DedupScope = def.Admission.DedupScope
	}
	if c.Admission.BytesPerUnit <= 0 {
		c.Admission.BytesPerUnit = def.Admission.BytesPerUnit
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = def.Audit.BatchSize
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = def.Audit.FlushInterval
	}
	if c.Audit.MaxBuffer <= 0 {
		c.Audit.MaxBuffer = def.Audit.MaxBuffer
	}
	if c.Audit.DurableMode == "" {
		c.Audit.DurableMode = def.Audit.DurableMode
	}
	if c.Audit.FlushRetries <= 0 {
		c.Audit.FlushRetries = def.Audit.FlushRetries
	}
	if c.Costs.UnitPriceCents <= 0 {
		c.Costs.UnitPriceCents = def.Costs.UnitPriceCents
	}
	if c.Costs.JobCeilingCents <= 0 {
		c.Costs.JobCeilingCents = def.Costs.JobCeilingCents
	}
	if c.Costs.PendingStaleness <= 0 {
		c.Costs.PendingStaleness = def.Costs.PendingStaleness
	}
	if c.Deletion.LocatorAttempts <= 0 {
		c.Deletion.LocatorAttempts = def.Deletion.LocatorAttempts
	}
	if c.Deletion.SweepAge <= 0 {
		c.Deletion.SweepAge = def.Deletion.SweepAge
	}
	if c.Progress.SnapshotTTL <= 0 {
		c.Progress.SnapshotTTL = def.Progress.SnapshotTTL
	}
	if c.Progress.KeepAliveInterval <= 0 {
		c.Progress.KeepAliveInterval = def.Progress.KeepAliveInterval
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = def.Paths.DataDir
	}
	if c.Paths.SpoolDir == "" {
		c.Paths.SpoolDir = def.Paths.SpoolDir
	}
	if c.Paths.ArtifactDir == "" {
		c.Paths.ArtifactDir = def.Paths.ArtifactDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = def.Paths.LogDir
	}
	if c.Paths.MetricsBind == "" {
		c.Paths.MetricsBind = def.Paths.MetricsBind
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	c.expandPaths()
}
