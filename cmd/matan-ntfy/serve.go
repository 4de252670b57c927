package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/config"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/feed"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the embedded feed server",
	Long: `Serve runs an ntfy-compatible feed server: POST /{topic} publishes an
event, GET /{topic}/json subscribes to it as a JSON-line stream. Point
server.base_url at it for fully self-hosted event channels.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := feed.NewServer(log, feed.Config{
		Listen:             cfg.Feed.Listen,
		KeepaliveInterval:  cfg.Feed.KeepaliveInterval,
		PublishLimitPerMin: cfg.Feed.PublishLimitPerMin,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting feed server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down feed server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping feed server: %w", err)
	}

	return nil
}
