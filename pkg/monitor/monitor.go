// Package monitor supervises one launched command: it captures the command's
// combined output to a log file, watches the output for trigger phrases and a
// side-channel URL, and brackets the run with start and complete events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"
)

const (
	// interruptExitCode is the conventional exit code reported when the
	// operator interrupts the launch.
	interruptExitCode = 130

	defaultFileWaitTimeout = 10 * time.Second
	defaultKillGrace       = 1 * time.Second
	defaultTriggerContext  = 5
	defaultCrashContext    = 10

	// drainQuiet is how long the tail may stay silent after the command
	// exits before the remaining output is considered fully consumed.
	drainQuiet = 200 * time.Millisecond
)

// Config carries the launch-side settings for one supervised command.
type Config struct {
	Triggers   []string
	URLPattern *regexp.Regexp // nil disables URL detection
	LogDir     string
	StartTopic string
	MainTopic  string
	URLTopic   string

	// Title optionally replaces the command string in notification titles.
	Title string

	TriggerContext  int
	CrashContext    int
	FileWaitTimeout time.Duration
	KillGrace       time.Duration
}

// Monitor runs one command to completion and reports its exit code.
type Monitor interface {
	Run(ctx context.Context) (int, error)
	RunID() string
}

// Compile-time interface check.
var _ Monitor = (*monitor)(nil)

type waitResult struct {
	code        int
	interrupted bool
}

type monitor struct {
	log logrus.FieldLogger
	cfg Config
	pub event.Publisher

	runID          string
	commandDisplay string
	commandString  string
	machine        string
	tmux           string
	cwd            string
	logPath        string

	cmd      *exec.Cmd
	seen     map[string]struct{}
	urlFired bool
}

// New creates a monitor for the given argv. Identity fields (run id, machine,
// tmux session, working directory) are resolved here so the start event and
// every later notification agree on them.
func New(log logrus.FieldLogger, cfg Config, pub event.Publisher, command []string) (Monitor, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no command specified")
	}

	if cfg.FileWaitTimeout <= 0 {
		cfg.FileWaitTimeout = defaultFileWaitTimeout
	}

	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}

	if cfg.TriggerContext <= 0 {
		cfg.TriggerContext = defaultTriggerContext
	}

	if cfg.CrashContext <= 0 {
		cfg.CrashContext = defaultCrashContext
	}

	runID := newRunID()

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	return &monitor{
		log: log.WithFields(logrus.Fields{
			"component": "monitor",
			"run_id":    runID,
		}),
		cfg:            cfg,
		pub:            pub,
		runID:          runID,
		commandDisplay: strings.Join(command, " "),
		commandString:  quoteCommand(command),
		machine:        machineName(),
		tmux:           tmuxSession(),
		cwd:            cwd,
		logPath:        filepath.Join(cfg.LogDir, runID+".log"),
		seen:           make(map[string]struct{}),
	}, nil
}

// RunID returns the identifier assigned to this launch.
func (m *monitor) RunID() string {
	return m.runID
}

// Run emits the start event, executes the command with its combined output
// teed to the log file, watches the output until the command exits, and emits
// the completion event. The returned code is the command's exit code, or 130
// when ctx is canceled by an operator interrupt.
func (m *monitor) Run(ctx context.Context) (int, error) {
	if err := os.MkdirAll(m.cfg.LogDir, 0755); err != nil {
		return 0, fmt.Errorf("creating log dir: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"command": m.commandDisplay,
		"machine": m.machine,
		"tmux":    m.tmux,
		"cwd":     m.cwd,
		"log":     m.logPath,
	}).Info("Starting command")

	if len(m.cfg.Triggers) > 0 {
		m.log.WithField("triggers", strings.Join(m.cfg.Triggers, ", ")).
			Info("Watching for triggers")
	}

	m.emitStart(ctx)

	script := fmt.Sprintf(
		"set -o pipefail; %s 2>&1 | tee %s",
		m.commandString, shellQuote(m.logPath),
	)

	cmd := exec.Command("bash", "-c", script)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group, so an interrupt can signal the whole pipeline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting command: %w", err)
	}

	m.cmd = cmd

	waitCh := make(chan waitResult, 1)

	go func() {
		waitCh <- waitResult{code: exitCode(cmd.Wait())}
	}()

	exists, res := m.awaitLogFile(ctx, waitCh)

	var code int

	switch {
	case res != nil && res.interrupted:
		code = res.code
	case !exists:
		// The command died before producing any output.
		if res == nil {
			r := m.awaitExit(ctx, waitCh)
			res = &r
		}

		code = res.code
	default:
		code = m.tailLoop(ctx, res, waitCh)
	}

	m.log.WithFields(logrus.Fields{
		"exit_code": code,
		"log":       m.logPath,
	}).Info("Command finished")

	m.emitComplete(code)

	return code, nil
}

// awaitLogFile waits for the tee'd log file to appear, bounded by the
// configured timeout. It returns early when the command exits first; the
// consumed wait result is handed back so the caller does not lose it.
func (m *monitor) awaitLogFile(ctx context.Context, waitCh <-chan waitResult) (bool, *waitResult) {
	var (
		events <-chan fsnotify.Event
		poll   <-chan time.Time
	)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()

		if addErr := watcher.Add(m.cfg.LogDir); addErr == nil {
			events = watcher.Events
		} else {
			err = addErr
		}
	}

	if events == nil {
		m.log.WithError(err).Warn("Watching log dir failed, polling instead")

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		poll = ticker.C
	}

	// The file may predate the watch.
	if m.logFileExists() {
		return true, nil
	}

	deadline := time.NewTimer(m.cfg.FileWaitTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-events:
			if m.logFileExists() {
				return true, nil
			}
		case <-poll:
			if m.logFileExists() {
				return true, nil
			}
		case r := <-waitCh:
			return m.logFileExists(), &r
		case <-deadline.C:
			m.log.Warn("Output file not created within wait timeout")

			return m.logFileExists(), nil
		case <-ctx.Done():
			m.terminate(waitCh)

			return false, &waitResult{code: interruptExitCode, interrupted: true}
		}
	}
}

func (m *monitor) logFileExists() bool {
	_, err := os.Stat(m.logPath)

	return err == nil
}

// awaitExit blocks until the command exits or the launch is interrupted.
func (m *monitor) awaitExit(ctx context.Context, waitCh <-chan waitResult) waitResult {
	select {
	case r := <-waitCh:
		return r
	case <-ctx.Done():
		m.terminate(waitCh)

		return waitResult{code: interruptExitCode, interrupted: true}
	}
}

// tailLoop follows the log file and the command's exit in one select. Each
// output line is scanned for triggers and the URL pattern; once the command
// exits, residual tail output is drained before the crash check.
func (m *monitor) tailLoop(ctx context.Context, exited *waitResult, waitCh <-chan waitResult) int {
	t, err := tail.TailFile(m.logPath, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		m.log.WithError(err).Warn("Tailing log file failed")

		if exited == nil {
			r := m.awaitExit(ctx, waitCh)

			return r.code
		}

		return exited.code
	}

	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	for exited == nil {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				r := m.awaitExit(ctx, waitCh)

				return r.code
			}

			if line.Err != nil {
				m.log.WithError(line.Err).Debug("Tail error")

				continue
			}

			m.scanLine(ctx, line.Text)
		case r := <-waitCh:
			exited = &r
		case <-ctx.Done():
			m.terminate(waitCh)

			return interruptExitCode
		}
	}

	return m.drainTail(t, exited.code)
}

// drainTail consumes output the tail buffered around the command's exit, so
// a trigger in the final lines still fires and the crash context window is
// complete. The crash notification is sent only after the drain settles.
func (m *monitor) drainTail(t *tail.Tail, code int) int {
	quiet := time.NewTimer(drainQuiet)
	defer quiet.Stop()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				if code != 0 {
					m.notifyCrash(code)
				}

				return code
			}

			if line.Err == nil {
				m.scanLine(context.Background(), line.Text)
			}

			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}

			quiet.Reset(drainQuiet)
		case <-quiet.C:
			if code != 0 {
				m.notifyCrash(code)
			}

			return code
		}
	}
}

// scanLine fires each configured trigger phrase at most once per run and the
// side-channel URL event at most once, on the first matching line.
func (m *monitor) scanLine(ctx context.Context, line string) {
	for _, phrase := range m.cfg.Triggers {
		if !strings.Contains(line, phrase) {
			continue
		}

		if _, fired := m.seen[phrase]; fired {
			continue
		}

		m.seen[phrase] = struct{}{}
		m.fireTrigger(ctx, phrase)
	}

	if m.urlFired || m.cfg.URLPattern == nil {
		return
	}

	if match := m.cfg.URLPattern.FindStringSubmatch(line); match != nil {
		url := match[0]
		if len(match) > 1 {
			url = match[1]
		}

		m.urlFired = true
		m.fireURL(ctx, url)
	}
}

func (m *monitor) fireTrigger(ctx context.Context, phrase string) {
	ev := event.Trigger{
		Event:     event.TypeTrigger,
		RunID:     m.runID,
		Trigger:   phrase,
		Context:   tailLines(m.logPath, m.cfg.TriggerContext),
		Command:   m.commandString,
		Machine:   m.machine,
		Tmux:      m.tmux,
		Cwd:       m.cwd,
		Timestamp: time.Now(),
	}

	title := fmt.Sprintf("🔔 Trigger: %s", phrase)
	if err := m.pub.Publish(ctx, m.cfg.MainTopic, title, ev); err != nil {
		m.log.WithError(err).Warn("Publishing trigger event failed")
	}

	m.log.WithField("trigger", phrase).
		WithFields(childStats(m.cmd.Process.Pid)).
		Warn("Detected trigger")
}

func (m *monitor) fireURL(ctx context.Context, url string) {
	ev := event.URL{
		Event:     event.TypeURL,
		RunID:     m.runID,
		URL:       url,
		Timestamp: time.Now(),
	}

	title := fmt.Sprintf("🚀 Run URL: %s", truncate(m.runID, 20))
	if err := m.pub.Publish(ctx, m.cfg.URLTopic, title, ev); err != nil {
		m.log.WithError(err).Warn("Publishing url event failed")
	}

	m.log.WithField("url", url).Info("Detected side-channel URL")
}

func (m *monitor) emitStart(ctx context.Context) {
	ev := event.Start{
		Event:     event.TypeStart,
		RunID:     m.runID,
		Command:   m.commandDisplay,
		Machine:   m.machine,
		Tmux:      m.tmux,
		Cwd:       m.cwd,
		Timestamp: time.Now(),
	}

	title := fmt.Sprintf("🚀 Started: %s", truncate(m.label(), 50))
	if err := m.pub.Publish(ctx, m.cfg.StartTopic, title, ev); err != nil {
		m.log.WithError(err).Warn("Publishing start event failed")
	}
}

// emitComplete closes out the run's visible lifecycle. It deliberately uses a
// fresh context: the completion event must still go out after an interrupt
// has canceled the launch context.
func (m *monitor) emitComplete(code int) {
	ev := event.Complete{
		Event:     event.TypeComplete,
		RunID:     m.runID,
		ExitCode:  code,
		Timestamp: time.Now(),
	}

	title := fmt.Sprintf("✅ Completed (exit %d): %s", code, truncate(m.label(), 40))
	if err := m.pub.Publish(context.Background(), m.cfg.MainTopic, title, ev); err != nil {
		m.log.WithError(err).Warn("Publishing completion event failed")
	}
}

// notifyCrash sends the human-facing plain-text alert with a trailing window
// of the command's output.
func (m *monitor) notifyCrash(code int) {
	location := fmt.Sprintf("Machine: %s", m.machine)
	if m.tmux != "" {
		location += fmt.Sprintf("\nTmux: %s", m.tmux)
	}

	location += fmt.Sprintf("\nDir: %s", m.cwd)

	n := event.Notification{
		Title: fmt.Sprintf("💥 Script crashed (exit %d)", code),
		Message: fmt.Sprintf(
			"%s\nCommand: %s\n\nLast output:\n%s",
			location, m.commandString, tailLines(m.logPath, m.cfg.CrashContext),
		),
		Tags: []string{"skull", "warning"},
		Headers: map[string]string{
			"X-Run-ID":     m.runID,
			"X-Event-Type": "failed",
		},
	}

	if err := m.pub.Notify(context.Background(), m.cfg.MainTopic, n); err != nil {
		m.log.WithError(err).Warn("Sending crash notification failed")
	}

	m.log.WithField("exit_code", code).Error("Script crashed")
}

// terminate signals the whole process group, grants a short grace period,
// then force-kills whatever survived. The final wait result is consumed here
// so the Wait goroutine never leaks.
func (m *monitor) terminate(waitCh <-chan waitResult) {
	m.log.Info("Interrupted, stopping the command")

	pgid := m.cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-waitCh:
	case <-time.After(m.cfg.KillGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-waitCh
	}
}

// label is the human name for this launch in notification titles.
func (m *monitor) label() string {
	if m.cfg.Title != "" {
		return m.cfg.Title
	}

	return m.commandDisplay
}

// exitCode maps a Wait error to the shell convention: signal terminations
// become 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}

		return exitErr.ExitCode()
	}

	return 1
}

// tailLines returns the last n lines of the file, best effort. The whole file
// is re-read so the window reflects everything written, not just what the
// tail has delivered.
func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
