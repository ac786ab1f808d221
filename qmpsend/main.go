/*
Operator CLI.
Sends messages to, and reads the status of, a running qmpd.

Companion to the daemon in qmpd/.
*/
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/client"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "qmpsend",
	Short:        "Talk to a qmpd admin endpoint",
	SilenceUsage: true,
}

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message to the co-processor",
	Long: `Send a message through the bridge.

The message is taken from the argument, or from stdin if no argument is given.
The bridge always reports the whole message as written; messages over ` + fmt.Sprint(qmp.MaxMsgSize) + ` bytes
are dropped on the bridge side. Use --check to refuse them here instead.

Examples:
  qmpsend send "reboot"
  qmpsend send --hex 0102030405
  printf 'ping' | qmpsend send`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := readMessage(cmd, args)
		if err != nil {
			return err
		}
		if check, _ := cmd.Flags().GetBool("check"); check && (len(msg) == 0 || len(msg) > qmp.MaxMsgSize) {
			return fmt.Errorf("message is %d bytes; the bridge forwards 1 to %d", len(msg), qmp.MaxMsgSize)
		}

		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		n, err := c.SendMessage(ctx, msg)
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes written\n", n)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the bridge's state and counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st.Body)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("bridge", "b", "http://127.0.0.1:8080", "base URL of the bridge's admin endpoint")
	rootCmd.PersistentFlags().Duration("timeout", client.DefaultTimeout, "overall deadline for the request")

	sendCmd.Flags().Bool("hex", false, "decode the message from hexadecimal")
	sendCmd.Flags().Bool("check", false, "refuse messages the bridge would drop")

	rootCmd.AddCommand(sendCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// connect builds a client from the persistent flags along with a context bounded by --timeout.
func connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	base, _ := cmd.Flags().GetString("bridge")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return client.New(base), ctx, cancel
}

func readMessage(cmd *cobra.Command, args []string) ([]byte, error) {
	var raw []byte
	if len(args) == 1 {
		raw = []byte(args[0])
	} else {
		var err error
		// more than the bridge's body cap would be refused anyway
		if raw, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20)); err != nil {
			return nil, err
		}
	}
	if useHex, _ := cmd.Flags().GetBool("hex"); useHex {
		return hex.DecodeString(string(bytes.TrimRight(raw, "\r\n")))
	}
	return raw, nil
}
