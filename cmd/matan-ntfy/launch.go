package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/config"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/monitor"
)

var (
	launchTriggers []string
	launchTitle    string
)

var launchCmd = &cobra.Command{
	Use:   "launch [flags] -- COMMAND [ARGS...]",
	Short: "Run a command and publish its lifecycle events",
	Long: `Launch wraps an arbitrary command: its combined output is captured to a
log file and tailed for trigger phrases and a tracking URL, and start,
trigger, url, and complete events are published to the configured topics.
The exit code is the wrapped command's exit code (130 on interrupt).`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)

	// Everything after the first non-flag token belongs to the wrapped
	// command, including its own flags.
	launchCmd.Flags().SetInterspersed(false)

	launchCmd.Flags().StringSliceVar(&launchTriggers, "triggers", nil,
		"Extra trigger phrases to watch for (added to the configured set)")
	launchCmd.Flags().StringVar(&launchTitle, "title", "",
		"Title shown in notifications instead of the command")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	urlPattern, err := cfg.URLRegexp()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Interrupting launched command")
		cancel()
	}()

	pub := event.NewPublisher(log, cfg.Server.BaseURL)

	mon, err := monitor.New(log, monitor.Config{
		Triggers:   append(cfg.Launcher.Triggers, launchTriggers...),
		URLPattern: urlPattern,
		LogDir:     cfg.Launcher.LogDir,
		StartTopic: cfg.Topics.Start,
		MainTopic:  cfg.Topics.Main,
		URLTopic:   cfg.Topics.URL,
		Title:      launchTitle,
	}, pub, args)
	if err != nil {
		return err
	}

	code, err := mon.Run(ctx)
	if err != nil {
		return fmt.Errorf("running command: %w", err)
	}

	if code != 0 {
		os.Exit(code)
	}

	return nil
}
