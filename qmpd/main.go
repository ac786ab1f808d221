/*
Bridge daemon.
Functionally a wrapper around the bridge.Bridge type: loads configuration, picks a mailbox transport, and serves the admin endpoint until interrupted.

Companion to the operator CLI in qmpsend/ and the co-processor emulator in aopemu/.
*/
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rflandau/qmp/internal/config"
	"github.com/rflandau/qmp/qmp/bridge"
	"github.com/rflandau/qmp/qmp/dispatch"
	"github.com/rflandau/qmp/qmp/mailbox"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qmpd",
	Short: "Forward operator messages to the co-processor mailbox",
	Long: `qmpd acquires a mailbox channel to the co-processor and then exposes
POST /aop_send_message. Messages of 1 to 96 bytes are padded to 4 bytes and forwarded;
anything else is dropped. Outcomes are logged and exported on /metrics.

Flags override values from the configuration file.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringP("config", "c", "", "path to a TOML configuration file")
	rootCmd.Flags().String("admin", "", "address (ip:port) to serve the admin endpoint on")
	rootCmd.Flags().String("transport", "", "mailbox transport: udp, coap, or ring")
	rootCmd.Flags().String("remote", "", "address (ip:port) of the co-processor")
	rootCmd.Flags().String("log-level", "", "zerolog level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"device"},
		TimeFormat:  "15:04:05",
	}).With().
		Str("device", cfg.Device).
		Timestamp().
		Caller().
		Logger().Level(cfg.LogLevel)
	log.Debug().Func(cfg.Zerolog).Msg("configuration loaded")

	ctrl, err := controller(cfg, &log)
	if err != nil {
		return err
	}

	b, err := bridge.New(cfg.Admin, ctrl,
		bridge.WithLogger(&log),
		bridge.WithMaxBodyBytes(cfg.MaxBodyBytes),
		bridge.WithDispatcherOptions(
			dispatch.WithDevice(cfg.Device),
			dispatch.WithTxTimeout(cfg.TxTimeout),
		))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start bridge")
		b.Stop()
		return err
	}
	fmt.Println("Send a SIGINT to kill the program")

	<-ctx.Done()

	fmt.Println("Signal captured. Cleaning up....")
	return b.Stop()
}

// loadConfig reads the configuration file (if given) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if s, _ := cmd.Flags().GetString("admin"); s != "" {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return cfg, fmt.Errorf("parse --admin: %w", err)
		}
		cfg.Admin = ap
	}
	if s, _ := cmd.Flags().GetString("transport"); s != "" {
		cfg.Transport = config.Transport(s)
	}
	if s, _ := cmd.Flags().GetString("remote"); s != "" {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return cfg, fmt.Errorf("parse --remote: %w", err)
		}
		cfg.Remote = ap
	}
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return cfg, fmt.Errorf("parse --log-level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	return cfg, cfg.Validate()
}

// controller builds the mailbox transport named by the configuration.
func controller(cfg config.Config, log *zerolog.Logger) (mailbox.Controller, error) {
	switch cfg.Transport {
	case config.TransportUDP:
		return mailbox.NewUDP(cfg.Remote, log)
	case config.TransportCoAP:
		return mailbox.NewCoAP(cfg.Remote, log)
	case config.TransportRing:
		log.Warn().Msg("ring transport has no receiver; every message after the first will time out")
		return mailbox.NewRing(mailbox.DefaultRingDepth), nil
	}
	return nil, config.ErrUnknownTransport
}
