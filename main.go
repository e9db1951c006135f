package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	cfg := defaultConfig()

	root := &cobra.Command{
		Use:           "mumble-pwa-client",
		Short:         "Mumble voice client with a browser bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveConfig(cmd.Flags(), &cfg); err != nil {
				return err
			}
			return setupLogging(cfg.Logging)
		},
	}
	registerFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(
		serveCmd(&cfg),
		connectCmd(&cfg),
	)
	return root
}

func serveCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and bridge browser sessions to Mumble servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newAppServer(ctx, *cfg)
			if err != nil {
				return err
			}
			return app.serve(ctx, cfg.HTTP.Listen)
		},
	}
}

func connectCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Join a server headless and write received audio as raw PCM",
		Long: `Join the configured server and write every decoded voice frame as
signed 16-bit little-endian mono PCM at 48 kHz to --output (stdout by
default). Runs until the server closes the connection or SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, *cfg)
		},
	}
}

func runConnect(ctx context.Context, cfg Config) error {
	host, port, err := parseServerAddress(cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("--server: %w", err)
	}
	if cfg.Server.Username == "" {
		return errors.New("--username is required")
	}

	sc := cfg.sessionConfig(host, port)
	logger := log.WithFields(log.Fields{"server": sc.address(), "user": sc.Username})

	session, err := dialSession(ctx, sc,
		newDecoderFactory(sc.Codec, sc.CELTLibPath, sc.OpusLibPath),
		newPCMFileSink(cfg.Client.Output),
		sessionCallbacks{onEvent: func(e serverEvent) {
			if e.WelcomeText != "" {
				logger.Infof("welcome: %s", e.WelcomeText)
			}
			if e.Level == "warn" {
				logger.Warn(e.Message)
			}
		}},
	)
	if err != nil {
		return err
	}

	logger.Info("connected")
	if err := session.Run(ctx); err != nil {
		logger.Errorf("session ended: %v", err)
		return err
	}
	logger.Info("disconnected")
	return nil
}
