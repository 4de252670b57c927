package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const publishTimeout = 10 * time.Second

// Notification is a human-facing plain-text message, as opposed to the
// structured JSON events the dashboard consumes.
type Notification struct {
	Title   string
	Message string
	Tags    []string
	Headers map[string]string
}

// Publisher delivers events and notifications to an ntfy-style server.
type Publisher interface {
	// Publish JSON-encodes payload and posts it to the given topic.
	Publish(ctx context.Context, topic, title string, payload any) error
	// Notify posts a plain-text notification to the given topic.
	Notify(ctx context.Context, topic string, n Notification) error
}

// Compile-time interface check.
var _ Publisher = (*httpPublisher)(nil)

type httpPublisher struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
}

// NewPublisher creates a Publisher posting to topics under baseURL.
func NewPublisher(log logrus.FieldLogger, baseURL string) Publisher {
	return &httpPublisher{
		log:     log.WithField("component", "publisher"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: publishTimeout},
	}
}

// Publish posts the JSON-encoded payload to baseURL/topic.
func (p *httpPublisher) Publish(
	ctx context.Context, topic, title string, payload any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/"+topic, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if title != "" {
		req.Header.Set("Title", title)
	}

	p.log.WithField("topic", topic).Debug("Publishing event")

	return p.do(req)
}

// Notify posts a plain-text notification to baseURL/topic.
func (p *httpPublisher) Notify(
	ctx context.Context, topic string, n Notification,
) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/"+topic,
		strings.NewReader(n.Message),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if n.Title != "" {
		req.Header.Set("Title", n.Title)
	}

	if len(n.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(n.Tags, ","))
	}

	for key, value := range n.Headers {
		req.Header.Set(key, value)
	}

	p.log.WithField("topic", topic).Debug("Sending notification")

	return p.do(req)
}

func (p *httpPublisher) do(req *http.Request) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("posting to feed: unexpected status %d", resp.StatusCode)
	}

	return nil
}
