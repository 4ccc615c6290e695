package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the infralink configuration directory
// Uses ~/.config/infralink/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "infralink"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvProcessName     = "INFRALINK_PROCESS_NAME"
	EnvBrokerURL       = "REDIS_URL"
	EnvReconnectDelay  = "INFRALINK_RECONNECT_DELAY"
	EnvConnectTimeout  = "INFRALINK_CONNECT_TIMEOUT"
	EnvWaitTimeout     = "INFRALINK_WAIT_TIMEOUT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvLogOutput       = "LOG_OUTPUT"
	EnvStatusEnabled   = "INFRALINK_STATUS_ENABLED"
	EnvStatusAddr      = "INFRALINK_STATUS_ADDR"
	EnvShutdownTimeout = "INFRALINK_SHUTDOWN_TIMEOUT"
)

const (
	// Default Broker settings
	DefaultBrokerURL      = "redis://localhost:6379"
	DefaultReconnectDelay = 1400 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second

	// Default Waiter settings
	DefaultWaitTimeout = 5 * time.Second

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default Status settings
	DefaultStatusEnabled = false
	DefaultStatusAddr    = "127.0.0.1:8089"

	// Default Shutdown settings
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultProcessConfig returns the default process configuration.
// The name defaults to the host name.
func DefaultProcessConfig() ProcessConfig {
	name, err := os.Hostname()
	if err != nil {
		name = ""
	}
	return ProcessConfig{Name: name}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:            DefaultBrokerURL,
		ReconnectDelay: DefaultReconnectDelay,
		ConnectTimeout: DefaultConnectTimeout,
		Libp2p: Libp2pConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			EnableMDNS:  true,
		},
	}
}

// DefaultWaiterConfig returns the default waiter configuration
func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{Timeout: DefaultWaitTimeout}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultStatusConfig returns the default status endpoint configuration
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		Enabled: DefaultStatusEnabled,
		Addr:    DefaultStatusAddr,
	}
}

// DefaultShutdownConfig returns the default shutdown configuration
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{Timeout: DefaultShutdownTimeout}
}
