/*
Co-processor emulator.
Functionally a wrapper around the remote.Coprocessor type: serves the framed datagram protocol and/or CoAP until interrupted,
printing every packet it accepts.

Point qmpd at it with --transport udp --remote <udp addr> (or coap and the coap address).
*/
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/remote"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "aopemu",
	Short: "Emulate the co-processor end of the mailbox",
	Long: `aopemu listens for packets the way the co-processor's mailbox would,
refusing empty, oversized, or misaligned payloads and acknowledging the rest.

Use --delay to make the emulator slower than the bridge's timeout.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("udp", "127.0.0.1:5684", "address to serve framed datagrams on (empty to disable)")
	rootCmd.Flags().String("coap", "127.0.0.1:5683", "address to serve CoAP on (empty to disable)")
	rootCmd.Flags().String("device", qmp.Device, "CoAP resource to accept packets on")
	rootCmd.Flags().Duration("delay", 0, "time to wait before answering each request")
	rootCmd.Flags().Int("history", remote.DefaultHistoryDepth, "number of accepted packets to remember")
	rootCmd.Flags().Bool("debug", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	udpAddr, _ := cmd.Flags().GetString("udp")
	coapAddr, _ := cmd.Flags().GetString("coap")
	device, _ := cmd.Flags().GetString("device")
	delay, _ := cmd.Flags().GetDuration("delay")
	history, _ := cmd.Flags().GetInt("history")
	debug, _ := cmd.Flags().GetBool("debug")
	if udpAddr == "" && coapAddr == "" {
		return fmt.Errorf("at least one of --udp and --coap must be given")
	}

	lvl := zerolog.InfoLevel
	if debug {
		lvl = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"listener"},
		TimeFormat:  "15:04:05",
	}).With().
		Timestamp().
		Logger().Level(lvl)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	serve := func(name, addr string, extra ...remote.Option) {
		if addr == "" {
			return
		}
		eg.Go(func() error {
			ap, err := netip.ParseAddrPort(addr)
			if err != nil {
				return fmt.Errorf("parse --%s: %w", name, err)
			}
			l := log.With().Str("listener", name).Logger()
			cp, err := remote.New(ap, append([]remote.Option{
				remote.WithLogger(&l),
				remote.WithDevice(device),
				remote.WithDelay(delay),
				remote.WithHistoryDepth(history),
			}, extra...)...)
			if err != nil {
				return err
			}
			if err := cp.Start(); err != nil {
				return fmt.Errorf("%s listener: %w", name, err)
			}
			defer cp.Stop()
			return report(ctx, &l, cp)
		})
	}
	serve("udp", udpAddr)
	serve("coap", coapAddr, remote.WithCoAP())

	fmt.Println("Send a SIGINT to kill the program")
	err := eg.Wait()
	fmt.Println("Cleaning up....")
	return err
}

// report prints newly accepted packets until ctx is done.
func report(ctx context.Context, l *zerolog.Logger, cp *remote.Coprocessor) error {
	var seen uint64
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Info().Uint64("accepted", cp.Total()).Msg("stopping")
			return nil
		case <-tick.C:
			total := cp.Total()
			if total == seen {
				continue
			}
			recv := cp.Received()
			fresh := min(int(total-seen), len(recv))
			for _, r := range recv[len(recv)-fresh:] {
				l.Info().Int("size", len(r.Payload)).Hex("payload", r.Payload).Str("at", r.At.Format("15:04:05.000")).Msg("packet accepted")
			}
			seen = total
		}
	}
}
