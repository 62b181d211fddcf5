package config

import (
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Auth      AuthConfig      `mapstructure:"auth"`
	AI        AIConfig        `mapstructure:"ai"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// RateLimitConfig disciplines all outbound probe traffic.
type RateLimitConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

type ScanConfig struct {
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	SpecFetchTimeout   time.Duration `mapstructure:"spec_fetch_timeout"`
	MaxConcurrentPaths int           `mapstructure:"max_concurrent_paths"`
}

// AuthConfig points at the token endpoint used to authenticate probes.
type AuthConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type AIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIURL  string        `mapstructure:"api_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Default returns the configuration used when no flags or env vars override
// it. Tests rely on these values matching the documented defaults.
func Default() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "apivet.db",
			MaxConnections:  10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "apivet",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
		RateLimit: RateLimitConfig{
			BaseDelay:         100 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			MaxRetries:        5,
			BackoffMultiplier: 2.0,
		},
		Scan: ScanConfig{
			ProbeTimeout:       15 * time.Second,
			SpecFetchTimeout:   30 * time.Second,
			MaxConcurrentPaths: 4,
		},
		Auth: AuthConfig{
			Timeout: 30 * time.Second,
		},
		AI: AIConfig{
			Enabled: false,
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
	}
}

// ApplyDefaults fills zero-valued fields back in after flag and env
// binding; bound flags report their zero values even when unset.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Logger.Level == "" {
		c.Logger.Level = def.Logger.Level
	}
	if c.Logger.Format == "" {
		c.Logger.Format = def.Logger.Format
	}
	if len(c.Logger.OutputPaths) == 0 {
		c.Logger.OutputPaths = def.Logger.OutputPaths
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Database.Driver == "" {
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" {
		c.Database.DSN = def.Database.DSN
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = def.Database.MaxConnections
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = def.Database.MaxIdleConns
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = def.Database.ConnMaxLifetime
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if c.RateLimit.BaseDelay == 0 {
		c.RateLimit.BaseDelay = def.RateLimit.BaseDelay
	}
	if c.RateLimit.MaxDelay == 0 {
		c.RateLimit.MaxDelay = def.RateLimit.MaxDelay
	}
	if c.RateLimit.MaxRetries == 0 {
		c.RateLimit.MaxRetries = def.RateLimit.MaxRetries
	}
	if c.RateLimit.BackoffMultiplier == 0 {
		c.RateLimit.BackoffMultiplier = def.RateLimit.BackoffMultiplier
	}
	if c.Scan.ProbeTimeout == 0 {
		c.Scan.ProbeTimeout = def.Scan.ProbeTimeout
	}
	if c.Scan.SpecFetchTimeout == 0 {
		c.Scan.SpecFetchTimeout = def.Scan.SpecFetchTimeout
	}
	if c.Scan.MaxConcurrentPaths == 0 {
		c.Scan.MaxConcurrentPaths = def.Scan.MaxConcurrentPaths
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = def.Auth.Timeout
	}
	if c.AI.Model == "" {
		c.AI.Model = def.AI.Model
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = def.AI.Timeout
	}
}
