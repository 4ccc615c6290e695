package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/billm/infralink/internal/config"
	"github.com/billm/infralink/internal/logger"
	"github.com/billm/infralink/internal/shutdown"
	"github.com/billm/infralink/pkg/remote"
	"github.com/billm/infralink/pkg/status"
)

var (
	listenTopics  []string
	echoWhispers  bool
	quietMessages bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as a named process and print what arrives",
	Long: `listen connects under the process name, prints every direct message
and every broadcast on the subscribed topics, and runs until SIGINT or
SIGTERM. SIGHUP reloads the config file and applies the new log level.`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	rootLog.Info("Starting infralink listener",
		"version", Version,
		"process", cfg.Process.Name,
		"broker", cfg.Broker.String())

	conn, err := connect(ctx, cfg.Process.Name)
	if err != nil {
		return err
	}

	recv := remote.NewMessageReceiver(conn, cfg.Waiter.Timeout)
	if !quietMessages {
		conn.OnMessage(func(m remote.Message) {
			fmt.Fprintf(out, "[%s] %s (%d bytes)\n", m.Sender, m.Event, len(m.Content))
		})
	}

	if echoWhispers {
		remote.ServeWhispers(conn, recv, func(from string, w remote.WhisperPayload) (remote.WhisperPayload, error) {
			fmt.Fprintf(out, "[whisper] %s -> %s: %s\n", from, w.Recipient, w.Message)
			return w, nil
		}, rootLog)
	}

	for _, topic := range listenTopics {
		s, err := conn.SubscribeBroadcast(ctx, topic)
		if err != nil {
			_ = conn.Close()
			return err
		}
		s.OnMessage(printBroadcast(out))
	}

	m := shutdown.New(conn, cfg.Shutdown.Timeout, rootLog)
	m.AddHook(shutdown.PhasePostClose, func(context.Context) error {
		recv.Close()
		return nil
	})

	if cfg.Status.Enabled {
		srv := status.NewServer(conn, cfg.Status.Addr, rootLog)
		if err := srv.Start(); err != nil {
			_ = conn.Close()
			return err
		}
		m.AddHook(shutdown.PhasePreClose, srv.Shutdown)
	}

	if cfgFile != "" {
		reloader := config.NewReloader(cfgFile, overrides(), cfg, rootLog.Slog())
		reloader.AddCallback(applyLogLevel)
		reloader.Start()
		m.AddHook(shutdown.PhasePostClose, func(context.Context) error {
			reloader.Stop()
			return nil
		})
	}

	m.Start()
	m.OnContextDone(ctx)
	rootLog.Info("Listening. Press Ctrl+C to stop.", "channel", conn.InboundChannel(), "topics", listenTopics)

	<-m.Done()
	m.Stop()
	return nil
}

func printBroadcast(out io.Writer) func(remote.Broadcast) {
	return func(b remote.Broadcast) {
		fmt.Fprintf(out, "[%s] #%s %s\n", b.Sender, b.Topic, b.Body)
	}
}

// applyLogLevel is the reload callback for the one setting that can change live
func applyLogLevel(ctx context.Context, newConfig *config.Config) error {
	level, err := logger.ParseLevel(newConfig.Logging.Level)
	if err != nil {
		return err
	}
	rootLog.SetLevel(level)
	rootLog.Info("Log level reloaded", "level", newConfig.Logging.Level)
	return nil
}

func init() {
	listenCmd.Flags().StringSliceVarP(&listenTopics, "topic", "t", nil,
		"Broadcast topic to subscribe to (repeatable)")
	listenCmd.Flags().BoolVar(&echoWhispers, "echo-whispers", false,
		"Acknowledge whisper requests by echoing them back")
	listenCmd.Flags().BoolVarP(&quietMessages, "quiet", "q", false,
		"Do not print direct messages")

	rootCmd.AddCommand(listenCmd)
}
