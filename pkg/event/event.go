// Package event defines the wire types flowing over the notification feed:
// the envelope framing each feed line and the JSON payloads nested inside.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates payloads and envelope frames on the feed.
type Type string

const (
	// Payload discriminators emitted by the launcher.
	TypeStart    Type = "start"
	TypeTrigger  Type = "trigger"
	TypeURL      Type = "url"
	TypeComplete Type = "complete"

	// Envelope-level frames emitted by the feed server itself.
	TypeOpen      Type = "open"
	TypeKeepalive Type = "keepalive"
	TypeMessage   Type = "message"
)

// Start announces a freshly launched run and carries its descriptive fields.
type Start struct {
	Event     Type      `json:"event"`
	RunID     string    `json:"run_id"`
	Command   string    `json:"command"`
	Machine   string    `json:"machine"`
	Tmux      string    `json:"tmux"`
	Cwd       string    `json:"cwd"`
	Timestamp time.Time `json:"timestamp"`
}

// Trigger reports a configured phrase observed in a run's output, with a
// short trailing context window from the log.
type Trigger struct {
	Event     Type      `json:"event"`
	RunID     string    `json:"run_id"`
	Trigger   string    `json:"trigger"`
	Context   string    `json:"context"`
	Command   string    `json:"command"`
	Machine   string    `json:"machine"`
	Tmux      string    `json:"tmux"`
	Cwd       string    `json:"cwd"`
	Timestamp time.Time `json:"timestamp"`
}

// URL reports the side-channel URL detected in a run's output, at most once
// per run.
type URL struct {
	Event     Type      `json:"event"`
	RunID     string    `json:"run_id"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// Complete reports the final exit code of a run.
type Complete struct {
	Event     Type      `json:"event"`
	RunID     string    `json:"run_id"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is one line of a feed subscription stream. The Message field holds
// a JSON-encoded payload for message frames; open and keepalive frames carry
// no message.
type Envelope struct {
	ID      string `json:"id"`
	Time    int64  `json:"time"`
	Event   Type   `json:"event"`
	Topic   string `json:"topic"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// Kind extracts the payload discriminator from an encoded payload without
// decoding the full event.
func Kind(message string) (Type, error) {
	var head struct {
		Event Type `json:"event"`
	}

	if err := json.Unmarshal([]byte(message), &head); err != nil {
		return "", fmt.Errorf("decoding event discriminator: %w", err)
	}

	if head.Event == "" {
		return "", fmt.Errorf("payload has no event discriminator")
	}

	return head.Event, nil
}
