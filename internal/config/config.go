// Package config loads conduit settings from CONDUIT_* environment variables,
// an optional YAML file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys. Each maps to the environment variable CONDUIT_<KEY>.
const (
	KeyListenAddr     = "listen_addr"
	KeyRemoteURL      = "remote_url"
	KeyAPIPrefix      = "api_prefix"
	KeyDBPath         = "db_path"
	KeyLogLevel       = "log_level"
	KeyPollInterval   = "poll_interval"
	KeyPollTimeout    = "poll_timeout"
	KeyMaxPolls       = "max_polls"
	KeyRetryMax       = "retry_max"
	KeyRetryBaseDelay = "retry_base_delay"
	KeyQueueIdleWait  = "queue_idle_wait"
	KeySimulatorScale = "simulator_scale"
	KeyConfigFile     = "config"
)

// EnvPrefix is prepended to every key to form its environment variable.
const EnvPrefix = "CONDUIT"

const (
	defaultListenAddr     = ":8080"
	defaultRemoteURL      = "http://localhost:5000"
	defaultAPIPrefix      = "/api/v1"
	defaultDBPath         = ":memory:"
	defaultLogLevel       = "info"
	defaultPollInterval   = time.Second
	defaultPollTimeout    = 30 * time.Minute
	defaultRetryMax       = 3
	defaultRetryBaseDelay = time.Second
	defaultQueueIdleWait  = time.Second
	defaultSimulatorScale = 1.0
)

// Config holds application configuration.
type Config struct {
	ListenAddr     string
	RemoteURL      string
	APIPrefix      string
	DBPath         string
	LogLevel       slog.Level
	PollInterval   time.Duration
	PollTimeout    time.Duration
	MaxPolls       int
	RetryMax       int
	RetryBaseDelay time.Duration
	QueueIdleWait  time.Duration
	SimulatorScale float64
}

// NewViper returns a viper instance with conduit's defaults that reads
// CONDUIT_* environment variables. Callers may bind flags to it before
// calling FromViper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyListenAddr, defaultListenAddr)
	v.SetDefault(KeyRemoteURL, defaultRemoteURL)
	v.SetDefault(KeyAPIPrefix, defaultAPIPrefix)
	v.SetDefault(KeyDBPath, defaultDBPath)
	v.SetDefault(KeyLogLevel, defaultLogLevel)
	v.SetDefault(KeyPollInterval, defaultPollInterval)
	v.SetDefault(KeyPollTimeout, defaultPollTimeout)
	v.SetDefault(KeyMaxPolls, 0)
	v.SetDefault(KeyRetryMax, defaultRetryMax)
	v.SetDefault(KeyRetryBaseDelay, defaultRetryBaseDelay)
	v.SetDefault(KeyQueueIdleWait, defaultQueueIdleWait)
	v.SetDefault(KeySimulatorScale, defaultSimulatorScale)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper reads and validates a Config. If the config key names a file it
// is merged in first; environment variables and bound flags still win.
func FromViper(v *viper.Viper) (Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString(KeyListenAddr),
		RemoteURL:      strings.TrimRight(v.GetString(KeyRemoteURL), "/"),
		APIPrefix:      v.GetString(KeyAPIPrefix),
		DBPath:         v.GetString(KeyDBPath),
		LogLevel:       parseLogLevel(v.GetString(KeyLogLevel)),
		PollInterval:   v.GetDuration(KeyPollInterval),
		PollTimeout:    v.GetDuration(KeyPollTimeout),
		MaxPolls:       v.GetInt(KeyMaxPolls),
		RetryMax:       v.GetInt(KeyRetryMax),
		RetryBaseDelay: v.GetDuration(KeyRetryBaseDelay),
		QueueIdleWait:  v.GetDuration(KeyQueueIdleWait),
		SimulatorScale: v.GetFloat64(KeySimulatorScale),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads configuration from the environment with defaults.
func Load() (Config, error) {
	return FromViper(NewViper())
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyListenAddr))
	}
	if u, err := url.Parse(c.RemoteURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", KeyRemoteURL, c.RemoteURL))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("%s %q must start with /", KeyAPIPrefix, c.APIPrefix))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyPollInterval))
	}
	if c.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyPollTimeout))
	}
	if c.MaxPolls < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyMaxPolls))
	}
	if c.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRetryMax))
	}
	if c.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRetryBaseDelay))
	}
	if c.QueueIdleWait <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyQueueIdleWait))
	}
	if c.SimulatorScale <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeySimulatorScale))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
