package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/billm/infralink/pkg/remote"
	"github.com/billm/infralink/pkg/types"
)

var whisperCmd = &cobra.Command{
	Use:   "whisper <target> <recipient> <message...>",
	Short: "Ask a process to deliver a private message and wait for its acknowledgement",
	Long: `whisper sends a request/whisper message to target and waits up to the
wait timeout for the matching reply/whisper. Run the target with
"listen --echo-whispers" to answer.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		w := remote.WhisperPayload{
			Recipient: args[1],
			Message:   strings.Join(args[2:], " "),
		}

		return oneShot(cmd, func(ctx context.Context, conn *remote.Connection) error {
			recv := remote.NewMessageReceiver(conn, cfg.Waiter.Timeout)
			defer recv.Close()

			ack, err := remote.Whisper(ctx, conn, recv, target, w, cfg.Waiter.Timeout)
			if err != nil {
				if types.IsErrCode(err, types.ErrCodeTimeout) {
					fmt.Fprintln(cmd.OutOrStdout(), "Failed to send message")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "< [%s] %s\n", ack.Recipient, ack.Message)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(whisperCmd)
}
