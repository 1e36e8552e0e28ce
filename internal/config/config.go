// Package config loads the immutable Config threaded explicitly through
// the orchestration core. All environment overrides are applied once, at
// load time; apart from cmd/dlmgrd reading DLMGR_CONFIG to locate the
// config file, nothing else in the process reads os.Getenv.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds every tunable the daemon recognizes.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Paths    PathsConfig    `toml:"paths"`
	Broker   BrokerConfig   `toml:"broker"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Job      JobConfig      `toml:"job"`
	Tools    ToolsConfig    `toml:"tools"`
	Security SecurityConfig `toml:"security"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// AllowedOrigins is consumed by the REST/WebSocket collaborator; the
	// core only carries it through so a single Config covers both.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StorageConfig holds the JobStore's SurrealDB connection parameters.
type StorageConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// PathsConfig holds the absolute filesystem roots for scratch and output.
type PathsConfig struct {
	DataDir string `toml:"data_dir"`
	TempDir string `toml:"temp_dir"`
}

// BrokerConfig tunes the priority queue and retry policy.
type BrokerConfig struct {
	MaxConcurrentJobs int     `toml:"max_concurrent_jobs"`
	MaxAttempts       int     `toml:"max_attempts"`
	BackoffBaseMS     int     `toml:"backoff_base_ms"`
	BackoffFactor     float64 `toml:"backoff_factor"`
	BackoffJitter     float64 `toml:"backoff_jitter"`
	StalenessMS       int     `toml:"staleness_ms"`
}

// PipelineConfig tunes the progress throttle.
type PipelineConfig struct {
	ThrottleMS int `toml:"throttle_ms"`
}

// JobConfig tunes per-job timeouts.
type JobConfig struct {
	TimeoutMS       int `toml:"timeout_ms"`
	WatchdogStallMS int `toml:"watchdog_stall_ms"`
	GraceMS         int `toml:"grace_ms"`
	PollIntervalMS  int `toml:"poll_interval_ms"`
}

// ToolsConfig resolves external-tool binary paths and RPC endpoints.
type ToolsConfig struct {
	YTDLPPath       string `toml:"ytdlp_path"`
	FFmpegPath      string `toml:"ffmpeg_path"`
	Aria2RPCURL     string `toml:"aria2_rpc_url"`
	Aria2Secret     string `toml:"aria2_secret"`
	TwmdPath        string `toml:"twmd_path"`
	PinterestDLPath string `toml:"pinterest_dl_path"`
}

// SecurityConfig holds the worker-channel shared secret and the signing
// key used for the short-lived JWTs issued on top of it.
type SecurityConfig struct {
	WorkerToken   string `toml:"worker_token"`
	JWTSigningKey string `toml:"jwt_signing_key"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ThrottleInterval returns the configured progress-to-store throttle as a
// Duration, clamped to 100ms–1s.
func (c *PipelineConfig) ThrottleInterval() time.Duration {
	ms := c.ThrottleMS
	if ms <= 0 {
		ms = 300
	}
	if ms < 100 {
		ms = 100
	}
	if ms > 1000 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// Timeout returns the per-job hard deadline.
func (c *JobConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// WatchdogStall returns the silence threshold before a forced kill.
func (c *JobConfig) WatchdogStall() time.Duration {
	if c.WatchdogStallMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.WatchdogStallMS) * time.Millisecond
}

// Grace returns the graceful-termination grace period.
func (c *JobConfig) Grace() time.Duration {
	if c.GraceMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.GraceMS) * time.Millisecond
}

// PollInterval returns the RPC polling adapter's poll period.
func (c *JobConfig) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Concurrency returns the global worker-slot count, default 3.
func (c *BrokerConfig) Concurrency() int {
	if c.MaxConcurrentJobs <= 0 {
		return 3
	}
	return c.MaxConcurrentJobs
}

// MaxRetries returns the Broker's max attempt count, default 2.
func (c *BrokerConfig) MaxRetries() int {
	if c.MaxAttempts <= 0 {
		return 2
	}
	return c.MaxAttempts
}

// BackoffBase returns the retry base delay, default 5s.
func (c *BrokerConfig) BackoffBase() time.Duration {
	if c.BackoffBaseMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// Factor returns the exponential backoff multiplier, default 2.
func (c *BrokerConfig) Factor() float64 {
	if c.BackoffFactor <= 0 {
		return 2
	}
	return c.BackoffFactor
}

// Jitter returns the backoff jitter fraction, default 0.2 (±20%).
func (c *BrokerConfig) Jitter() float64 {
	if c.BackoffJitter <= 0 {
		return 0.2
	}
	return c.BackoffJitter
}

// Staleness returns the reservation heartbeat staleness window, default 30s.
func (c *BrokerConfig) Staleness() time.Duration {
	if c.StalenessMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.StalenessMS) * time.Millisecond
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://127.0.0.1:8000/rpc",
			Username:  "root",
			Password:  "root",
			Namespace: "dlmgr",
			Database:  "dlmgr",
		},
		Paths: PathsConfig{
			DataDir: "data/output",
			TempDir: "data/tmp",
		},
		Broker: BrokerConfig{
			MaxConcurrentJobs: 3,
			MaxAttempts:       2,
			BackoffBaseMS:     5000,
			BackoffFactor:     2,
			BackoffJitter:     0.2,
			StalenessMS:       30000,
		},
		Pipeline: PipelineConfig{ThrottleMS: 300},
		Job: JobConfig{
			TimeoutMS:       7_200_000,
			WatchdogStallMS: 60_000,
			GraceMS:         5_000,
			PollIntervalMS:  2_000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig loads configuration from TOML files (later files override
// earlier ones) and then applies environment overrides on top.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the recognized environment variables.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("PROGRESS_THROTTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.ThrottleMS = n
		}
	}
	if v := os.Getenv("JOB_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Job.TimeoutMS = n
		}
	}
	if v := os.Getenv("WATCHDOG_STALL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Job.WatchdogStallMS = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("TEMP_DIR"); v != "" {
		c.Paths.TempDir = v
	}
	if v := os.Getenv("WORKER_TOKEN"); v != "" {
		c.Security.WorkerToken = v
	}
	if v := os.Getenv("JWT_SIGNING_KEY"); v != "" {
		c.Security.JWTSigningKey = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("YTDLP_PATH"); v != "" {
		c.Tools.YTDLPPath = v
	}
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		c.Tools.FFmpegPath = v
	}
	if v := os.Getenv("ARIA2_RPC_URL"); v != "" {
		c.Tools.Aria2RPCURL = v
	}
	if v := os.Getenv("ARIA2_SECRET"); v != "" {
		c.Tools.Aria2Secret = v
	}
	if v := os.Getenv("TWMD_PATH"); v != "" {
		c.Tools.TwmdPath = v
	}
	if v := os.Getenv("PINTEREST_DL_PATH"); v != "" {
		c.Tools.PinterestDLPath = v
	}
	if v := os.Getenv("DLMGR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
