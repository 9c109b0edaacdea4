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

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	SpoolDir    string `toml:"spool_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	MetricsBind string `toml:"metrics_bind"`
}

// Workflow contains worker pool and scheduling configuration.
type Workflow struct {
	Workers            int      `toml:"workers"`
	QueuePollInterval  int      `toml:"queue_poll_interval"`
	ErrorRetryInterval int      `toml:"error_retry_interval"`
	StageTimeout       int      `toml:"stage_timeout"`
	LeaseTimeout       int      `toml:"lease_timeout"`
	LeaseRenewInterval int      `toml:"lease_renew_interval"`
	MaxAttempts        int      `toml:"max_attempts"`
	RetryBackoffBase   int      `toml:"retry_backoff_base"`
	RetryBackoffCap    int      `toml:"retry_backoff_cap"`
	SweepInterval      int      `toml:"sweep_interval"`
	LaneOrder          []string `toml:"lane_order"`
}

// Admission contains intake, hashing, and dedup configuration.
type Admission struct {
	NormalizeContent bool   `toml:"normalize_content"`
	DedupEnabled     bool   `toml:"dedup_enabled"`
	DedupScope       string `toml:"dedup_scope"`
	BytesPerUnit     int64  `toml:"bytes_per_unit"`
}

// Audit contains audit batcher configuration.
type Audit struct {
	BatchSize     int    `toml:"batch_size"`
	FlushInterval int    `toml:"flush_interval_ms"`
	MaxBuffer     int    `toml:"max_buffer"`
	DurableMode   string `toml:"durable_mode"`
	FlushRetries  int    `toml:"flush_retries"`
}

// Costs contains cost ledger configuration. Monetary values are cents.
type Costs struct {
	UnitPriceCents   int `toml:"unit_price_cents"`
	JobCeilingCents  int `toml:"job_ceiling_cents"`
	PendingStaleness int `toml:"pending_staleness"`
}

// Deletion contains deletion workflow configuration.
type Deletion struct {
	LocatorAttempts int `toml:"locator_attempts"`
	SweepAge        int `toml:"sweep_age"`
}

// Progress contains progress snapshot and broadcast configuration.
type Progress struct {
	SnapshotTTL       int `toml:"snapshot_ttl"`
	KeepAliveInterval int `toml:"keepalive_interval"`
}

// Config is the root docmill configuration.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Workflow  Workflow  `toml:"workflow"`
	Admission Admission `toml:"admission"`
	Audit     Audit     `toml:"audit"`
	Costs     Costs     `toml:"costs"`
	Deletion  Deletion  `toml:"deletion"`
	Progress  Progress  `toml:"progress"`
	LogLevel  string    `toml:"log_level"`
	LogFormat string    `toml:"log_format"`
}

// DefaultConfigPath returns the preferred configuration file location.
func DefaultConfigPath() string {
	return "~/.config/docmill/config.toml"
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist. The returned string is the resolved path.
func Load(path string) (*Config, string, error) {
	resolved := ExpandPath(strings.TrimSpace(path))
	if resolved == "" {
		resolved = ExpandPath(DefaultConfigPath())
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.applyDefaults()
			if err := cfg.Validate(); err != nil {
				return nil, resolved, err
			}
			return &cfg, resolved, nil
		}
		return nil, resolved, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, resolved, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, resolved, err
	}
	return &cfg, resolved, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	resolved := ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(resolved); err == nil {
		return fmt.Errorf("config file already exists at %s", resolved)
	}
	return os.WriteFile(resolved, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.SpoolDir, c.Paths.ArtifactDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "docmill.db")
}

// ExpandPath resolves a leading ~ against the user home directory.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}

func (c *Config) expandPaths() {
	c.Paths.DataDir = ExpandPath(c.Paths.DataDir)
	c.Paths.SpoolDir = ExpandPath(c.Paths.SpoolDir)
	c.Paths.ArtifactDir = ExpandPath(c.Paths.ArtifactDir)
	c.Paths.LogDir = ExpandPath(c.Paths.LogDir)
}
