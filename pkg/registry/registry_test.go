package registry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
	"github.com/GnarlyMshtep/matan-ntfy/pkg/registry"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupStore(t *testing.T) (registry.Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dashboard.json")

	return registry.New(testLogger(), path), path
}

func start(id string, ts time.Time) event.Start {
	return event.Start{
		Event:     event.TypeStart,
		RunID:     id,
		Command:   "python train.py",
		Machine:   "gpu-01",
		Cwd:       "/home/ml/exp",
		Timestamp: ts,
	}
}

func trigger(id, phrase string, ts time.Time) event.Trigger {
	return event.Trigger{
		Event:     event.TypeTrigger,
		RunID:     id,
		Trigger:   phrase,
		Timestamp: ts,
	}
}

func complete(id string, code int, ts time.Time) event.Complete {
	return event.Complete{
		Event:     event.TypeComplete,
		RunID:     id,
		ExitCode:  code,
		Timestamp: ts,
	}
}

func TestStore_StartTriggerCompleteScenario(t *testing.T) {
	s, _ := setupStore(t)

	t0 := base
	t1 := base.Add(1 * time.Minute)
	t2 := base.Add(2 * time.Minute)
	t3 := base.Add(3 * time.Minute)

	s.ApplyStart(start("r1", t0))

	view := s.Categorize(6)
	require.Len(t, view.Runs[registry.StatusOngoing], 1)
	assert.Equal(t, 1, view.Totals[registry.StatusOngoing])
	assert.Equal(t, "r1", view.Runs[registry.StatusOngoing][0].ID)

	s.ApplyTrigger(trigger("r1", "CUDA out of memory", t1))

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusHanging, run.Status)
	assert.Equal(t, []string{"CUDA out of memory"}, run.Triggers)
	require.NotNil(t, run.StatusChangeTime)
	assert.True(t, run.StatusChangeTime.Equal(t1))

	// A repeated phrase neither grows the set nor resets the timestamp.
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", t2))

	run, ok = s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"CUDA out of memory"}, run.Triggers)
	assert.True(t, run.StatusChangeTime.Equal(t1))

	s.ApplyComplete(complete("r1", 1, t3))

	run, ok = s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 1, *run.ExitCode)
	require.NotNil(t, run.EndTime)
	assert.True(t, run.EndTime.Equal(t3))
	assert.True(t, run.StatusChangeTime.Equal(t3))
}

func TestStore_TriggerSetGrowsPerDistinctPhrase(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(time.Minute)))
	s.ApplyTrigger(trigger("r1", "Ray debugger is listening", base.Add(2*time.Minute)))
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(3*time.Minute)))

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(
		t,
		[]string{"CUDA out of memory", "Ray debugger is listening"},
		run.Triggers,
	)

	// Still the first transition's timestamp.
	require.NotNil(t, run.StatusChangeTime)
	assert.True(t, run.StatusChangeTime.Equal(base.Add(time.Minute)))
}

func TestStore_CompletionStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		hanging  bool
		exitCode int
		want     registry.Status
	}{
		{name: "ongoing exit 0", exitCode: 0, want: registry.StatusCompleted},
		{name: "ongoing exit 1", exitCode: 1, want: registry.StatusFailed},
		{name: "hanging exit 0", hanging: true, exitCode: 0, want: registry.StatusCompleted},
		{name: "hanging exit 137", hanging: true, exitCode: 137, want: registry.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupStore(t)

			s.ApplyStart(start("r1", base))

			if tt.hanging {
				s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(time.Minute)))
			}

			s.ApplyComplete(complete("r1", tt.exitCode, base.Add(2*time.Minute)))

			run, ok := s.Get("r1")
			require.True(t, ok)
			assert.Equal(t, tt.want, run.Status)
			require.NotNil(t, run.ExitCode)
			assert.Equal(t, tt.exitCode, *run.ExitCode)
		})
	}
}

func TestStore_TriggerAfterTerminalIsNoOp(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))
	s.ApplyComplete(complete("r1", 0, base.Add(time.Minute)))

	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(2*time.Minute)))

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusCompleted, run.Status)
	assert.Empty(t, run.Triggers)
	assert.True(t, run.StatusChangeTime.Equal(base.Add(time.Minute)))
}

func TestStore_UnknownRunEventsAreNoOps(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyTrigger(trigger("ghost", "CUDA out of memory", base))
	s.ApplyURL(event.URL{Event: event.TypeURL, RunID: "ghost", URL: "https://wandb.ai/x"})
	s.ApplyComplete(complete("ghost", 1, base))

	assert.Zero(t, s.Len())

	// Events with no run id are rejected outright.
	s.ApplyStart(start("", base))
	assert.Zero(t, s.Len())
}

func TestStore_DuplicateStartResets(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(time.Minute)))

	s.ApplyStart(start("r1", base.Add(2*time.Minute)))

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusOngoing, run.Status)
	assert.Empty(t, run.Triggers)
	assert.Nil(t, run.StatusChangeTime)
	assert.True(t, run.StartTime.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, 1, s.Len())
}

func TestStore_ApplyURLOverwrites(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))

	s.ApplyURL(event.URL{Event: event.TypeURL, RunID: "r1", URL: "https://wandb.ai/a/1"})

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "https://wandb.ai/a/1", run.URL)

	s.ApplyURL(event.URL{Event: event.TypeURL, RunID: "r1", URL: "https://wandb.ai/a/2"})

	run, ok = s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "https://wandb.ai/a/2", run.URL)
}

func TestStore_CategorizeCapAndTotals(t *testing.T) {
	s, _ := setupStore(t)

	for i := range 8 {
		s.ApplyStart(start(
			"r"+string(rune('a'+i)),
			base.Add(time.Duration(i)*time.Minute),
		))
	}

	view := s.Categorize(6)

	require.Len(t, view.Runs[registry.StatusOngoing], 6)
	assert.Equal(t, 8, view.Totals[registry.StatusOngoing])

	// Most recently started first.
	assert.Equal(t, "rh", view.Runs[registry.StatusOngoing][0].ID)
	assert.Equal(t, "rg", view.Runs[registry.StatusOngoing][1].ID)
	assert.Equal(t, "rc", view.Runs[registry.StatusOngoing][5].ID)

	// Empty categories are present with zero totals.
	assert.Empty(t, view.Runs[registry.StatusFailed])
	assert.Zero(t, view.Totals[registry.StatusFailed])
}

func TestStore_CategorizeReturnsCopies(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))

	view := s.Categorize(6)
	view.Runs[registry.StatusOngoing][0].Command = "mutated"
	view.Runs[registry.StatusOngoing][0].Triggers = append(
		view.Runs[registry.StatusOngoing][0].Triggers, "mutated",
	)

	run, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "python train.py", run.Command)
	assert.Empty(t, run.Triggers)
}

func TestStore_DeleteAtRanking(t *testing.T) {
	s, _ := setupStore(t)

	// r1 started before r2; both hanging.
	s.ApplyStart(start("r1", base))
	s.ApplyStart(start("r2", base.Add(time.Minute)))
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(2*time.Minute)))
	s.ApplyTrigger(trigger("r2", "CUDA out of memory", base.Add(3*time.Minute)))

	// Index 1 is the more recent start.
	require.True(t, s.DeleteAt(registry.StatusHanging, 1))
	_, ok := s.Get("r2")
	assert.False(t, ok)

	// The ranking is recomputed: index 1 now names r1.
	require.True(t, s.DeleteAt(registry.StatusHanging, 1))
	_, ok = s.Get("r1")
	assert.False(t, ok)

	assert.Zero(t, s.Len())
}

func TestStore_DeleteAtOutOfRange(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("r1", base))

	assert.False(t, s.DeleteAt(registry.StatusOngoing, 2))
	assert.False(t, s.DeleteAt(registry.StatusOngoing, 0))
	assert.False(t, s.DeleteAt(registry.StatusHanging, 1))
	assert.Equal(t, 1, s.Len())
}

func TestStore_FlushStatusAndTerminal(t *testing.T) {
	s, _ := setupStore(t)

	s.ApplyStart(start("ongoing", base))
	s.ApplyStart(start("hanging", base))
	s.ApplyStart(start("failed", base))
	s.ApplyStart(start("completed", base))
	s.ApplyTrigger(trigger("hanging", "CUDA out of memory", base.Add(time.Minute)))
	s.ApplyComplete(complete("failed", 1, base.Add(time.Minute)))
	s.ApplyComplete(complete("completed", 0, base.Add(time.Minute)))

	assert.Equal(t, 1, s.FlushStatus(registry.StatusFailed))
	assert.Equal(t, 0, s.FlushStatus(registry.StatusFailed))

	assert.Equal(t, 1, s.FlushTerminal())
	assert.Equal(t, 0, s.FlushTerminal())

	assert.Equal(t, 2, s.Len())

	assert.Equal(t, 1, s.FlushStatus(registry.StatusHanging))
	assert.Equal(t, 1, s.FlushStatus(registry.StatusOngoing))
	assert.Zero(t, s.Len())
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s, path := setupStore(t)

	s.ApplyStart(start("r1", base))
	s.ApplyTrigger(trigger("r1", "CUDA out of memory", base.Add(time.Minute)))
	s.ApplyURL(event.URL{Event: event.TypeURL, RunID: "r1", URL: "https://wandb.ai/a/1"})
	s.ApplyStart(start("r2", base.Add(2*time.Minute)))
	s.ApplyComplete(complete("r2", 0, base.Add(3*time.Minute)))

	reloaded := registry.New(testLogger(), path)

	require.Equal(t, 2, reloaded.Len())

	for _, id := range []string{"r1", "r2"} {
		want, ok := s.Get(id)
		require.True(t, ok)

		got, ok := reloaded.Get(id)
		require.True(t, ok)

		assert.Equal(t, want, got)
	}
}

func TestStore_SnapshotPreservesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")

	seeded := `{
  "schema_hint": 3,
  "runs": {
    "r1": {
      "run_id": "r1",
      "command": "python train.py",
      "machine": "gpu-01",
      "tmux": "",
      "cwd": "/home/ml",
      "start_time": "2025-03-14T09:00:00Z",
      "status": "ongoing",
      "triggers": [],
      "exit_code": null,
      "gpu_label": "a100-80gb"
    }
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(seeded), 0644))

	s := registry.New(testLogger(), path)
	require.Equal(t, 1, s.Len())

	// Mutate so the snapshot is rewritten.
	s.ApplyURL(event.URL{Event: event.TypeURL, RunID: "r1", URL: "https://wandb.ai/a/1"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, "3", string(doc["schema_hint"]))

	var runs map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["runs"], &runs))
	require.Contains(t, runs, "r1")
	assert.JSONEq(t, `"a100-80gb"`, string(runs["r1"]["gpu_label"]))
	assert.JSONEq(t, `"https://wandb.ai/a/1"`, string(runs["r1"]["url"]))
}

func TestStore_CorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.json")

	require.NoError(t, os.WriteFile(path, []byte("not json{"), 0644))

	s := registry.New(testLogger(), path)
	assert.Zero(t, s.Len())

	// The registry still works and overwrites the bad file.
	s.ApplyStart(start("r1", base))

	reloaded := registry.New(testLogger(), path)
	assert.Equal(t, 1, reloaded.Len())
}

func TestStore_MissingSnapshotStartsEmpty(t *testing.T) {
	s, _ := setupStore(t)

	assert.Zero(t, s.Len())
}
