package feed

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// maxPublishBytes bounds a published message body.
const maxPublishBytes = 512 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"topics":      s.broker.topicCount(),
		"subscribers": s.broker.subscriberCount(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, memErr := proc.MemoryInfo(); memErr == nil && mem != nil {
			resp["rss_mb"] = mem.RSS / (1 << 20)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePublish wraps the request body in a message envelope and fans it out
// to the topic's subscribers. The response echoes the envelope, ntfy-style.
func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"reading body"})

		return
	}

	env := event.Envelope{
		ID:      uuid.NewString(),
		Time:    time.Now().Unix(),
		Event:   event.TypeMessage,
		Topic:   topic,
		Title:   r.Header.Get("Title"),
		Message: string(body),
	}

	delivered := s.broker.publish(topic, env)

	s.log.WithFields(logrus.Fields{
		"topic":     topic,
		"delivered": delivered,
	}).Debug("Message published")

	writeJSON(w, http.StatusOK, env)
}

// handleSubscribe holds the connection open and streams one envelope per
// line: an open frame, then published messages interleaved with keepalives.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	sub := s.broker.subscribe(topic)
	defer s.broker.unsubscribe(topic, sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)

	if err := enc.Encode(s.frame(event.TypeOpen, topic)); err != nil {
		return
	}

	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case env := <-sub.ch:
			if err := enc.Encode(env); err != nil {
				return
			}

			flusher.Flush()
		case <-keepalive.C:
			if err := enc.Encode(s.frame(event.TypeKeepalive, topic)); err != nil {
				return
			}

			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// frame builds a message-less envelope (open, keepalive).
func (s *server) frame(kind event.Type, topic string) event.Envelope {
	return event.Envelope{
		ID:    uuid.NewString(),
		Time:  time.Now().Unix(),
		Event: kind,
		Topic: topic,
	}
}
