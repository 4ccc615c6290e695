package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/infralink/pkg/types"
)

// Config represents the complete configuration for an infralink process
type Config struct {
	Process  ProcessConfig  `json:"process" yaml:"process"`
	Broker   BrokerConfig   `json:"broker" yaml:"broker"`
	Waiter   WaiterConfig   `json:"waiter" yaml:"waiter"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Status   StatusConfig   `json:"status" yaml:"status"`
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// ProcessConfig contains the process identity
type ProcessConfig struct {
	Name string `json:"name" yaml:"name"`
}

// BrokerConfig contains broker connection configuration
type BrokerConfig struct {
	URL            string        `json:"url" yaml:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	Libp2p         Libp2pConfig  `json:"libp2p" yaml:"libp2p"`
}

// Libp2pConfig contains settings for p2p:// broker urls
type Libp2pConfig struct {
	ListenAddrs     []string `json:"listen_addrs" yaml:"listen_addrs"`
	Bootstrap       []string `json:"bootstrap" yaml:"bootstrap"`
	EnableMDNS      bool     `json:"enable_mdns" yaml:"enable_mdns"`
	IdentityKeyFile string   `json:"identity_key_file" yaml:"identity_key_file"`
}

// WaiterConfig contains request/reply wait configuration
type WaiterConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// StatusConfig contains the status HTTP endpoint configuration
type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ShutdownConfig contains graceful shutdown configuration
type ShutdownConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// applyDefaults fills zero-valued fields left unset by a config file
func applyDefaults(cfg *Config) {
	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.URL == "" {
		cfg.Broker.URL = defaultBroker.URL
	}
	if cfg.Broker.ReconnectDelay == 0 {
		cfg.Broker.ReconnectDelay = defaultBroker.ReconnectDelay
	}
	if cfg.Broker.ConnectTimeout == 0 {
		cfg.Broker.ConnectTimeout = defaultBroker.ConnectTimeout
	}

	if cfg.Waiter.Timeout == 0 {
		cfg.Waiter.Timeout = DefaultWaitTimeout
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	if cfg.Status.Addr == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}

	if cfg.Shutdown.Timeout == 0 {
		cfg.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Unparseable durations and booleans are ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvProcessName); v != "" {
		cfg.Process.Name = v
	}

	if v := os.Getenv(EnvBrokerURL); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv(EnvReconnectDelay); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Broker.ReconnectDelay = d
		}
	}
	if v := os.Getenv(EnvConnectTimeout); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Broker.ConnectTimeout = d
		}
	}

	if v := os.Getenv(EnvWaitTimeout); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Waiter.Timeout = d
		}
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvStatusEnabled); v != "" {
		cfg.Status.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvStatusAddr); v != "" {
		cfg.Status.Addr = v
	}

	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Shutdown.Timeout = d
		}
	}

	return nil
}

// parseDuration accepts Go durations ("1.4s") and bare milliseconds ("1400")
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Default returns a configuration built only from defaults
func Default() *Config {
	return &Config{
		Process:  DefaultProcessConfig(),
		Broker:   DefaultBrokerConfig(),
		Waiter:   DefaultWaiterConfig(),
		Logging:  DefaultLoggingConfig(),
		Status:   DefaultStatusConfig(),
		Shutdown: DefaultShutdownConfig(),
	}
}

// Load creates a new Config from the default config file if present, else
// from defaults, then applies environment overrides and validates
func Load() (*Config, error) {
	configPath, err := GetDefaultConfigPath()
	if err != nil {
		configPath = ""
	}
	return loadWithFallback(configPath, false)
}

// LoadPath is Load with an explicit config file, which must exist
func LoadPath(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	return loadWithFallback(path, true)
}

func loadWithFallback(path string, required bool) (*Config, error) {
	var cfg *Config

	if path != "" {
		if _, err := os.Stat(path); err == nil || required {
			cfg, err = LoadFromFile(path)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity. An empty process name is
// allowed here; commands that connect check it themselves.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Process.Name, " \t\r\n") {
		return types.NewError(types.ErrCodeInvalidArgument, "process name cannot contain whitespace")
	}

	if c.Broker.URL == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "broker url cannot be empty")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "broker url is invalid", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss", "unix", "memory", "p2p":
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("broker url scheme must be redis, rediss, unix, memory or p2p, got %q", u.Scheme))
	}
	if c.Broker.ReconnectDelay <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker reconnect delay must be positive")
	}
	if c.Broker.ConnectTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker connect timeout must be positive")
	}

	if c.Waiter.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "waiter timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+c.Logging.Format)
	}

	if c.Status.Enabled {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "status address is invalid", err)
		}
	}

	if c.Shutdown.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Process: %s, Broker: %s, Waiter: %s, Logging: %s, Status: %s, Shutdown: %s}",
		c.Process.String(),
		c.Broker.String(),
		c.Waiter.String(),
		c.Logging.String(),
		c.Status.String(),
		c.Shutdown.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// This runs after defaults, the YAML file and environment variables.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.ProcessName != "" {
		c.Process.Name = opts.ProcessName
	}
	if opts.BrokerURL != "" {
		c.Broker.URL = opts.BrokerURL
	}
	if opts.WaitTimeout > 0 {
		c.Waiter.Timeout = opts.WaitTimeout
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.StatusAddr != "" {
		c.Status.Enabled = true
		c.Status.Addr = opts.StatusAddr
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	ProcessName string
	BrokerURL   string
	WaitTimeout time.Duration

	LogLevel  string
	LogFormat string
	LogOutput string

	// StatusAddr enables the status endpoint on the given address
	StatusAddr string
}

func (c ProcessConfig) String() string {
	return fmt.Sprintf("ProcessConfig{Name: %s}", c.Name)
}

// String hides any password in the broker url
func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{URL: %s, ReconnectDelay: %s, ConnectTimeout: %s}",
		redactURL(c.URL), c.ReconnectDelay, c.ConnectTimeout)
}

func (c WaiterConfig) String() string {
	return fmt.Sprintf("WaiterConfig{Timeout: %s}", c.Timeout)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c StatusConfig) String() string {
	return fmt.Sprintf("StatusConfig{Enabled: %v, Addr: %s}", c.Enabled, c.Addr)
}

func (c ShutdownConfig) String() string {
	return fmt.Sprintf("ShutdownConfig{Timeout: %s}", c.Timeout)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
