package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu        sync.Mutex
	starts    []event.Start
	triggers  []event.Trigger
	urls      []event.URL
	completes []event.Complete
	seq       []string
	onEvent   func()
}

func (h *recordingHandler) ApplyStart(ev event.Start) {
	h.mu.Lock()
	h.starts = append(h.starts, ev)
	h.seq = append(h.seq, "start "+ev.RunID)
	h.mu.Unlock()
	h.note()
}

func (h *recordingHandler) ApplyTrigger(ev event.Trigger) {
	h.mu.Lock()
	h.triggers = append(h.triggers, ev)
	h.seq = append(h.seq, "trigger "+ev.RunID)
	h.mu.Unlock()
	h.note()
}

func (h *recordingHandler) ApplyURL(ev event.URL) {
	h.mu.Lock()
	h.urls = append(h.urls, ev)
	h.seq = append(h.seq, "url "+ev.RunID)
	h.mu.Unlock()
	h.note()
}

func (h *recordingHandler) ApplyComplete(ev event.Complete) {
	h.mu.Lock()
	h.completes = append(h.completes, ev)
	h.seq = append(h.seq, "complete "+ev.RunID)
	h.mu.Unlock()
	h.note()
}

func (h *recordingHandler) note() {
	if h.onEvent != nil {
		h.onEvent()
	}
}

func (h *recordingHandler) sequence() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.seq...)
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// feedLine wraps a payload in a message envelope the way the feed server
// frames subscription lines.
func feedLine(t *testing.T, payload any) string {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	env := event.Envelope{
		ID:      "msg1",
		Time:    time.Now().Unix(),
		Event:   event.TypeMessage,
		Topic:   "main",
		Message: string(body),
	}

	line, err := json.Marshal(env)
	require.NoError(t, err)

	return string(line)
}

func stopAfterFirstSleep(l Listener) {
	l.(*listener).sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}
}

func TestListener_DispatchesEvents(t *testing.T) {
	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	start := event.Start{
		Event:     event.TypeStart,
		RunID:     "r1",
		Command:   "python train.py",
		Machine:   "gpu-01",
		Tmux:      "train:0",
		Cwd:       "/home/user/proj",
		Timestamp: started,
	}

	lines := []string{
		`{"id":"o1","time":100,"event":"open","topic":"main"}`,
		`{"id":"k1","time":101,"event":"keepalive","topic":"main"}`,
		feedLine(t, start),
		feedLine(t, event.Trigger{Event: event.TypeTrigger, RunID: "r1", Trigger: "CUDA out of memory"}),
		"this is not json",
		feedLine(t, map[string]string{"event": "bogus", "run_id": "r1"}),
		feedLine(t, event.URL{Event: event.TypeURL, RunID: "r1", URL: "https://wandb.ai/t/p/runs/x"}),
		feedLine(t, event.Complete{Event: event.TypeComplete, RunID: "r1", ExitCode: 0}),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/main/json", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))

		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	defer srv.Close()

	h := &recordingHandler{}
	lst := New(testLogger(), Config{BaseURL: srv.URL, Topic: "main"}, h)
	stopAfterFirstSleep(lst)

	require.NoError(t, lst.Run(context.Background()))

	assert.Equal(t, []string{
		"start r1",
		"trigger r1",
		"url r1",
		"complete r1",
	}, h.sequence())
	require.Len(t, h.starts, 1)
	assert.Equal(t, start, h.starts[0])
}

func TestListener_AcceptFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, feedLine(t, event.Start{Event: event.TypeStart, RunID: "r1"}))
		fmt.Fprintln(w, feedLine(t, event.Complete{Event: event.TypeComplete, RunID: "r1", ExitCode: 1}))
	}))
	defer srv.Close()

	h := &recordingHandler{}
	lst := New(testLogger(), Config{
		BaseURL: srv.URL,
		Topic:   "main",
		Accept:  []event.Type{event.TypeStart},
	}, h)
	stopAfterFirstSleep(lst)

	require.NoError(t, lst.Run(context.Background()))

	assert.Equal(t, []string{"start r1"}, h.sequence())
	assert.Empty(t, h.completes)
}

func TestListener_ReconnectsAfterDrop(t *testing.T) {
	var (
		mu    sync.Mutex
		conns int
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			fmt.Fprintln(w, feedLine(t, event.Start{Event: event.TypeStart, RunID: "r1"}))

			return
		}

		fmt.Fprintln(w, feedLine(t, event.Complete{Event: event.TypeComplete, RunID: "r1", ExitCode: 0}))
	}))
	defer srv.Close()

	h := &recordingHandler{}
	lst := New(testLogger(), Config{
		BaseURL:        srv.URL,
		Topic:          "main",
		ReconnectDelay: 250 * time.Millisecond,
	}, h)

	var (
		sleeps   int
		gotDelay time.Duration
	)

	lst.(*listener).sleep = func(_ context.Context, d time.Duration) error {
		sleeps++
		gotDelay = d

		if sleeps >= 2 {
			return context.Canceled
		}

		return nil
	}

	require.NoError(t, lst.Run(context.Background()))

	mu.Lock()
	assert.Equal(t, 2, conns)
	mu.Unlock()

	assert.Equal(t, []string{"start r1", "complete r1"}, h.sequence())
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, 250*time.Millisecond, gotDelay)
}

func TestListener_RetriesOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := &recordingHandler{}
	lst := New(testLogger(), Config{BaseURL: srv.URL, Topic: "main"}, h)
	stopAfterFirstSleep(lst)

	require.NoError(t, lst.Run(context.Background()))
	assert.Empty(t, h.sequence())
}

func TestListener_StopsOnContextCancel(t *testing.T) {
	received := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, feedLine(t, event.Start{Event: event.TypeStart, RunID: "r1"}))
		w.(http.Flusher).Flush()

		// Hold the stream open until the client disconnects.
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := &recordingHandler{
		onEvent: func() {
			select {
			case received <- struct{}{}:
			default:
			}
		},
	}

	lst := New(testLogger(), Config{
		BaseURL:        srv.URL,
		Topic:          "main",
		ReconnectDelay: 10 * time.Millisecond,
	}, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- lst.Run(ctx)
	}()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the handler")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}

	assert.Equal(t, []string{"start r1"}, h.sequence())
}
