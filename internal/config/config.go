// Package config handles loading and validating pool configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/lrsouza/connpool/internal/poolerr"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one connection pool.
type Config struct {
	Name string `yaml:"name"`

	// Session factory / backend connectivity.
	DriverName string            `yaml:"driver_name"`
	URL        string            `yaml:"url"`
	Username   string            `yaml:"username"`
	Password   string            `yaml:"password"`
	Properties map[string]string `yaml:"custom_properties"`

	IsolationLevel string `yaml:"isolation_level"`
	AutoCommit     bool   `yaml:"auto_commit"`

	// Pool sizing.
	MinConnections int `yaml:"min_connections"`
	MaxConnections int `yaml:"max_connections"`
	WarningSize    int `yaml:"warning_size"`

	WaitTimeoutMillis int64 `yaml:"wait_timeout_millis"`

	MaxInactiveTimeSecs int `yaml:"max_inactive_time_secs"`
	MaxAgeMinutes       int `yaml:"max_age_minutes"`
	TrimPoolFreqSecs    int `yaml:"trim_pool_freq_secs"`

	// HeartbeatFreqSecs is a pointer so an explicit `heartbeat_freq_secs: 0`
	// in YAML (meaning "disable the monitor") can be told apart from the
	// key being absent (meaning "apply the default").
	HeartbeatFreqSecs       *int   `yaml:"heartbeat_freq_secs"`
	HeartbeatTimeoutSeconds int    `yaml:"heartbeat_timeout_seconds"`
	HeartbeatSQL            string `yaml:"heartbeat_sql"`

	LeakTimeMinutes int64 `yaml:"leak_time_minutes"`

	CaptureStackTrace bool `yaml:"capture_stack_trace"`
	MaxStackTraceSize int  `yaml:"max_stack_trace_size"`

	PstmtCacheSize int `yaml:"pstmt_cache_size"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional Redis-backed alert sink.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// fileConfig mirrors the YAML document shape.
type fileConfig struct {
	Pool Config `yaml:"pool"`
}

// Load reads and parses the pool configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := file.Pool
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Validate checks mandatory fields, mirroring the teacher's config
// validation style but raising the typed ConfigInvalid error kind.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &poolerr.ConfigInvalid{Reason: "name is required"}
	}
	if c.Username == "" {
		return &poolerr.ConfigInvalid{Reason: "username is required"}
	}
	if c.Password == "" {
		return &poolerr.ConfigInvalid{Reason: "password is required"}
	}
	if c.MaxConnections <= 0 {
		return &poolerr.ConfigInvalid{Reason: "max_connections must be > 0"}
	}
	if c.MinConnections < 0 {
		return &poolerr.ConfigInvalid{Reason: "min_connections must be >= 0"}
	}
	if c.MinConnections > c.MaxConnections {
		return &poolerr.ConfigInvalid{Reason: "min_connections must be <= max_connections"}
	}
	if c.WarningSize > 0 && c.WarningSize > c.MaxConnections {
		return &poolerr.ConfigInvalid{Reason: "warning_size must be <= max_connections"}
	}
	return nil
}

// ApplyDefaults fills in reasonable defaults for unset optional fields,
// following the teacher's applyDefaults convention.
func (c *Config) ApplyDefaults() {
	if c.DriverName == "" {
		c.DriverName = "sqlserver"
	}
	if c.WarningSize == 0 {
		c.WarningSize = c.MaxConnections
	}
	if c.WaitTimeoutMillis == 0 {
		c.WaitTimeoutMillis = 30_000
	}
	if c.MaxInactiveTimeSecs == 0 {
		c.MaxInactiveTimeSecs = 300
	}
	if c.TrimPoolFreqSecs == 0 {
		c.TrimPoolFreqSecs = 60
	}
	if c.HeartbeatFreqSecs == nil {
		freq := 30
		c.HeartbeatFreqSecs = &freq
	}
	if c.HeartbeatTimeoutSeconds == 0 {
		c.HeartbeatTimeoutSeconds = 5
	}
	if c.LeakTimeMinutes == 0 {
		c.LeakTimeMinutes = 15
	}
	if c.MaxStackTraceSize == 0 {
		c.MaxStackTraceSize = 5
	}
	if c.PstmtCacheSize == 0 {
		c.PstmtCacheSize = 20
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "connpool:" + c.Name + ":alerts"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
}

// MaxInactiveMillis returns the configured idle-trim threshold in millis.
func (c *Config) MaxInactiveMillis() int64 {
	return int64(c.MaxInactiveTimeSecs) * 1000
}

// MaxAgeMillis returns the configured age-trim threshold in millis (0 disables it).
func (c *Config) MaxAgeMillis() int64 {
	return int64(c.MaxAgeMinutes) * 60_000
}

// TrimPoolFreqMillis returns the trim gate period in millis.
func (c *Config) TrimPoolFreqMillis() int64 {
	return int64(c.TrimPoolFreqSecs) * 1000
}

// HeartbeatInterval returns the configured heartbeat period, or 0 to
// disable the health monitor entirely. Must be called after
// ApplyDefaults, which guarantees HeartbeatFreqSecs is non-nil.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(*c.HeartbeatFreqSecs) * time.Second
}
