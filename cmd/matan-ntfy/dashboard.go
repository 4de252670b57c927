package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/config"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/dashboard"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/listener"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/registry"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show every known run by status",
	Long: `Dashboard subscribes to the three event topics, maintains the persisted
run registry, and renders it interactively. Runs can be deleted by index
or flushed by category.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Log lines must not be drawn over the TUI, so logrus goes to a file.
	logFile := openLogFile(cfg.Dashboard.LogFile)
	defer logFile.Close()

	log.SetOutput(logFile)

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Shutting down dashboard")
		cancel()
	}()

	reg := registry.New(log, cfg.Dashboard.StateFile)

	// One listener per topic, each acting only on its own event kinds.
	topics := []listener.Config{
		{Topic: cfg.Topics.Start, Accept: []event.Type{event.TypeStart}},
		{Topic: cfg.Topics.Main, Accept: []event.Type{event.TypeTrigger, event.TypeComplete}},
		{Topic: cfg.Topics.URL, Accept: []event.Type{event.TypeURL}},
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, lcfg := range topics {
		lcfg.BaseURL = cfg.Server.BaseURL
		lcfg.ReconnectDelay = cfg.Dashboard.ReconnectDelay

		lst := listener.New(log, lcfg, reg)
		g.Go(func() error {
			return lst.Run(gctx)
		})
	}

	model := dashboard.New(log, dashboard.Config{
		RefreshInterval: cfg.Dashboard.RefreshInterval,
		CategoryLimit:   cfg.Dashboard.CategoryLimit,
	}, reg)

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()

		return fmt.Errorf("running dashboard: %w", err)
	}

	cancel()

	if err := g.Wait(); err != nil {
		return fmt.Errorf("stopping listeners: %w", err)
	}

	return nil
}

// openLogFile opens the dashboard log file for appending. Logging is
// best-effort: when the file cannot be opened the logs are discarded rather
// than corrupting the interactive screen.
func openLogFile(path string) io.WriteCloser {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nopWriteCloser{io.Discard}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nopWriteCloser{io.Discard}
	}

	return f
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
