// Package listener subscribes to feed topics and replays decoded run events
// into a handler.
package listener

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/sirupsen/logrus"
)

const (
	// defaultReconnectDelay is used when the config leaves the delay unset.
	defaultReconnectDelay = 5 * time.Second

	// maxLineBytes bounds a single feed line. Trigger context windows and
	// long command lines fit well within this.
	maxLineBytes = 1 << 20
)

// Handler consumes decoded run events in feed order.
type Handler interface {
	ApplyStart(ev event.Start)
	ApplyTrigger(ev event.Trigger)
	ApplyURL(ev event.URL)
	ApplyComplete(ev event.Complete)
}

// Listener consumes one feed topic until its context is canceled,
// reconnecting after a fixed delay whenever the stream drops.
type Listener interface {
	Run(ctx context.Context) error
}

// Config describes one topic subscription.
type Config struct {
	BaseURL        string
	Topic          string
	Accept         []event.Type // empty accepts every payload type
	ReconnectDelay time.Duration
}

// Compile-time interface check.
var _ Listener = (*listener)(nil)

type listener struct {
	log     logrus.FieldLogger
	client  *http.Client
	baseURL string
	topic   string
	accept  map[event.Type]struct{}
	handler Handler
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a listener for one feed topic.
func New(log logrus.FieldLogger, cfg Config, handler Handler) Listener {
	accept := make(map[event.Type]struct{}, len(cfg.Accept))
	for _, t := range cfg.Accept {
		accept[t] = struct{}{}
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	return &listener{
		log: log.WithFields(logrus.Fields{
			"component": "listener",
			"topic":     cfg.Topic,
		}),
		// The subscription stays open indefinitely, so the client carries
		// no overall timeout. Cancellation comes from the request context.
		client:  &http.Client{},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		topic:   cfg.Topic,
		accept:  accept,
		handler: handler,
		delay:   delay,
		sleep:   sleepContext,
	}
}

// Run subscribes to the topic and dispatches events until ctx is canceled.
// A dropped or refused connection is retried after the reconnect delay.
func (l *listener) Run(ctx context.Context) error {
	l.log.Info("Starting feed listener")

	for {
		err := l.subscribe(ctx)

		switch {
		case ctx.Err() != nil:
			l.log.Info("Feed listener stopped")

			return nil
		case err != nil:
			l.log.WithError(err).
				WithField("retry_in", l.delay.String()).
				Warn("Feed connection lost")
		default:
			l.log.WithField("retry_in", l.delay.String()).
				Warn("Feed stream ended")
		}

		if err := l.sleep(ctx, l.delay); err != nil {
			l.log.Info("Feed listener stopped")

			return nil
		}
	}
}

// subscribe holds one streaming connection open and dispatches each line.
// It returns nil when the server closes the stream cleanly.
func (l *listener) subscribe(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s/json", l.baseURL, l.topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating subscribe request: %w", err)
	}

	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("subscribing to feed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribing to feed: unexpected status %d", resp.StatusCode)
	}

	l.log.Info("Subscribed to feed")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		l.dispatch(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feed stream: %w", err)
	}

	return nil
}

// dispatch decodes one feed line and hands the payload to the handler.
// Frames without a payload and lines that fail to decode are skipped so a
// malformed publisher cannot wedge the subscription.
func (l *listener) dispatch(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	var env event.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		l.log.WithError(err).Debug("Skipping malformed feed line")

		return
	}

	if env.Message == "" || env.Event == event.TypeKeepalive || env.Event == event.TypeOpen {
		return
	}

	kind, err := event.Kind(env.Message)
	if err != nil {
		l.log.WithError(err).Debug("Skipping undecodable message")

		return
	}

	if !l.accepts(kind) {
		return
	}

	payload := []byte(env.Message)

	switch kind {
	case event.TypeStart:
		var ev event.Start
		if err := json.Unmarshal(payload, &ev); err != nil {
			l.log.WithError(err).Debug("Skipping undecodable start event")

			return
		}

		l.handler.ApplyStart(ev)
		l.logApplied(kind, ev.RunID)
	case event.TypeTrigger:
		var ev event.Trigger
		if err := json.Unmarshal(payload, &ev); err != nil {
			l.log.WithError(err).Debug("Skipping undecodable trigger event")

			return
		}

		l.handler.ApplyTrigger(ev)
		l.logApplied(kind, ev.RunID)
	case event.TypeURL:
		var ev event.URL
		if err := json.Unmarshal(payload, &ev); err != nil {
			l.log.WithError(err).Debug("Skipping undecodable url event")

			return
		}

		l.handler.ApplyURL(ev)
		l.logApplied(kind, ev.RunID)
	case event.TypeComplete:
		var ev event.Complete
		if err := json.Unmarshal(payload, &ev); err != nil {
			l.log.WithError(err).Debug("Skipping undecodable complete event")

			return
		}

		l.handler.ApplyComplete(ev)
		l.logApplied(kind, ev.RunID)
	default:
		l.log.WithField("event", string(kind)).
			Debug("Skipping unknown event type")
	}
}

func (l *listener) accepts(kind event.Type) bool {
	if len(l.accept) == 0 {
		switch kind {
		case event.TypeStart, event.TypeTrigger, event.TypeURL, event.TypeComplete:
			return true
		default:
			return false
		}
	}

	_, ok := l.accept[kind]

	return ok
}

func (l *listener) logApplied(kind event.Type, runID string) {
	l.log.WithFields(logrus.Fields{
		"event":  string(kind),
		"run_id": runID,
	}).Info("Applied event")
}

// sleepContext waits for d unless ctx is canceled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
