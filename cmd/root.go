package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/billm/infralink/internal/config"
	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/pkg/broker"
	"github.com/billm/infralink/pkg/remote"
	"github.com/billm/infralink/pkg/types"
)

var (
	// CLI flags
	cfgFile     string
	envFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	brokerURL   string
	processName string
	statusAddr  string
	waitTimeout time.Duration

	// Global variables
	rootLog *logger.Logger
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "infralink",
	Short: "infralink - named process messaging over a publish/subscribe broker",
	Long: `infralink lets independently running processes address each other by name.

Each process listens on its own inbound channel for direct messages, can
broadcast to topics, and can subscribe to the broadcasts of others. The
broker is Redis by default; memory:// and p2p:// urls select an in-process
hub or a libp2p gossipsub mesh.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// setup loads .env, configuration and the logger for every subcommand
func setup(cmd *cobra.Command, args []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}

	c, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg = c

	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog.Debug("Configuration loaded", "config", cfg.String())
	return nil
}

// loadEnvFile loads --env-file, or ./.env when present
func loadEnvFile() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func overrides() config.OverrideOptions {
	return config.OverrideOptions{
		ProcessName: processName,
		BrokerURL:   brokerURL,
		WaitTimeout: waitTimeout,
		LogLevel:    logLevel,
		LogFormat:   logFormat,
		LogOutput:   logOutput,
		StatusAddr:  statusAddr,
	}
}

// loadConfig loads defaults, the config file and the environment, then
// applies CLI overrides
func loadConfig() (*config.Config, error) {
	c, err := config.LoadPath(cfgFile)
	if err != nil {
		return nil, err
	}

	c.ApplyOverrides(overrides())
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// initLogger initializes the global logger from the loaded config
func initLogger() error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// connectionOptions maps the broker config onto connection options
func connectionOptions() remote.Options {
	return remote.Options{
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Libp2p: broker.Libp2pOptions{
			ListenAddrs:     cfg.Broker.Libp2p.ListenAddrs,
			Bootstrap:       cfg.Broker.Libp2p.Bootstrap,
			EnableMDNS:      cfg.Broker.Libp2p.EnableMDNS,
			IdentityKeyFile: cfg.Broker.Libp2p.IdentityKeyFile,
		},
	}
}

// ephemeralName derives a unique identity for one-shot commands, so they do
// not collide with a long-running process started with the same name
func ephemeralName(name string) string {
	if processName != "" {
		return name
	}
	return name + "/" + xid.New().String()
}

// connect creates and connects a process connection named name
func connect(ctx context.Context, name string) (*remote.Connection, error) {
	if name == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"process name is required (--name or "+config.EnvProcessName+")")
	}

	conn, err := remote.New(name, connectionOptions(), rootLog)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx, cfg.Broker.URL); err != nil {
		return nil, err
	}
	return conn, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	// Config flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/infralink/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"Env file to load before reading configuration (default: ./.env if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Connection flags
	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", "",
		"Broker url: redis://, rediss://, unix://, memory:// or p2p:// (default: from config or REDIS_URL)")
	rootCmd.PersistentFlags().StringVar(&processName, "name", "",
		"Process name (default: from config, INFRALINK_PROCESS_NAME or hostname)")
	rootCmd.PersistentFlags().DurationVar(&waitTimeout, "wait-timeout", 0,
		"Default timeout for request/reply waits (default: from config or env)")

	// Status flags
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", "",
		"Serve the status endpoint on this address (default: disabled)")
}
