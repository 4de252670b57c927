// Package feed implements a minimal ntfy-compatible event server: plain POST
// publishes per topic, and JSON-line subscription streams with keepalives.
package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 10 * time.Second

	defaultKeepaliveInterval = 30 * time.Second
	defaultPublishLimit      = 60
)

// Config carries the feed server settings.
type Config struct {
	Listen             string
	KeepaliveInterval  time.Duration
	PublishLimitPerMin int
}

// Server exposes the feed HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Addr returns the bound listen address, available after Start. It
	// differs from Config.Listen when the config asked for port 0.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        Config
	broker     *broker
	limiter    *rateLimiterMap
	httpServer *http.Server
	listener   net.Listener
	started    time.Time
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new feed server.
func NewServer(log logrus.FieldLogger, cfg Config) Server {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}

	if cfg.PublishLimitPerMin <= 0 {
		cfg.PublishLimitPerMin = defaultPublishLimit
	}

	return &server{
		log:  log.WithField("component", "feed"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.broker = newBroker(s.log)
	s.limiter = newRateLimiterMap(s.cfg.PublishLimitPerMin, s.done)
	s.started = time.Now()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("Feed server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop releases the subscription streams and shuts the HTTP server down.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Feed server stopped")

	return nil
}

// Addr returns the bound listen address.
func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}
