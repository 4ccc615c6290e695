package cmd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/billm/infralink/pkg/remote"
	"github.com/billm/infralink/pkg/types"
)

var hexBody bool

var sendCmd = &cobra.Command{
	Use:   "send <target> <event> [body]",
	Short: "Send one direct message to a named process",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := parseBody(args[2:])
		if err != nil {
			return err
		}
		return oneShot(cmd, func(ctx context.Context, conn *remote.Connection) error {
			if err := conn.SendMessage(ctx, args[0], args[1], body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s (%d bytes)\n", args[1], args[0], len(body))
			return nil
		})
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <topic> [body]",
	Short: "Broadcast one message to a topic",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := parseBody(args[1:])
		if err != nil {
			return err
		}
		return oneShot(cmd, func(ctx context.Context, conn *remote.Connection) error {
			if err := conn.BroadcastMessage(ctx, args[0], body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "broadcast to #%s (%d bytes)\n", args[0], len(body))
			return nil
		})
	},
}

// parseBody returns the optional body argument, hex-decoded with --hex
func parseBody(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if !hexBody {
		return []byte(args[0]), nil
	}
	b, err := hex.DecodeString(args[0])
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "body is not valid hex", err)
	}
	return b, nil
}

// oneShot connects under an ephemeral name, runs fn and disconnects
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, conn *remote.Connection) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := connect(ctx, ephemeralName(cfg.Process.Name))
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(ctx, conn)
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, broadcastCmd} {
		c.Flags().BoolVar(&hexBody, "hex", false, "Body argument is hex encoded")
		rootCmd.AddCommand(c)
	}
}
