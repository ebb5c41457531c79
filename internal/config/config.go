// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Render    RenderConfig    `mapstructure:"render"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int   `mapstructure:"port"`
	ReadHeaderTimeoutSeconds int   `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int   `mapstructure:"shutdown_timeout_seconds"`
	DrainTimeoutSeconds      int   `mapstructure:"drain_timeout_seconds"`
	MaxBodyBytes             int64 `mapstructure:"max_body_bytes"`
}

// BrowserConfig configures the headless browser process.
type BrowserConfig struct {
	ExecPath  string `mapstructure:"exec_path"`
	Headless  bool   `mapstructure:"headless"`
	UserAgent string `mapstructure:"user_agent"`
}

// RenderConfig governs admission of render requests.
type RenderConfig struct {
	MaxParallel int     `mapstructure:"max_parallel"`
	HostRPS     float64 `mapstructure:"host_rps"`
	HostBurst   int     `mapstructure:"host_burst"`
	// MaxHosts bounds the per-host buckets kept by the rate limiter.
	MaxHosts    int     `mapstructure:"max_hosts"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("URL2IMAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Plain PORT and CHROME_BIN are honored for container platforms.
	if err := v.BindEnv("server.port", "URL2IMAGE_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind server.port: %w", err)
	}
	if err := v.BindEnv("browser.exec_path", "URL2IMAGE_BROWSER_EXEC_PATH", "CHROME_BIN"); err != nil {
		return Config{}, fmt.Errorf("bind browser.exec_path: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 0)
	v.SetDefault("server.drain_timeout_seconds", 0)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("render.max_parallel", 0)
	v.SetDefault("render.host_rps", 0)
	v.SetDefault("render.host_burst", 1)
	v.SetDefault("render.max_hosts", 10000)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "url2image")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_header_timeout_seconds must be >= 0")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be >= 0")
	}
	if c.Server.DrainTimeoutSeconds < 0 {
		return fmt.Errorf("server.drain_timeout_seconds must be >= 0")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if c.Render.MaxParallel < 0 {
		return fmt.Errorf("render.max_parallel must be >= 0")
	}
	if c.Render.HostRPS < 0 {
		return fmt.Errorf("render.host_rps must be >= 0")
	}
	if c.Render.HostRPS > 0 && c.Render.HostBurst <= 0 {
		return fmt.Errorf("render.host_burst must be > 0 when render.host_rps is set")
	}
	if c.Render.MaxHosts < 0 {
		return fmt.Errorf("render.max_hosts must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ShutdownTimeout bounds how long in-flight HTTP handlers get on shutdown.
// Zero means wait for them indefinitely.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// DrainTimeout bounds how long in-flight renders get before the browser is
// closed. Zero means wait for them indefinitely.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Server.DrainTimeoutSeconds) * time.Second
}

// ReadHeaderTimeout is the http.Server ReadHeaderTimeout.
func (c Config) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.Server.ReadHeaderTimeoutSeconds) * time.Second
}
