// Package registry owns the shared map of tracked runs: it enforces the
// lifecycle transition rules, answers categorized queries for the dashboard,
// and writes every mutation through to a single JSON snapshot on disk.
package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GnarlyMshtep/matan-ntfy/pkg/event"
)

// Categorized is a point-in-time view of the registry: for each status the
// capped most-recently-started runs, plus the exact total count.
type Categorized struct {
	Runs   map[Status][]*Run
	Totals map[Status]int
}

// Store is the run registry. Every mutating operation is atomic with respect
// to the others and persists the snapshot before returning. Events referring
// to unknown runs are silent no-ops: listeners process topics independently,
// so effect may arrive before cause.
type Store interface {
	ApplyStart(ev event.Start)
	ApplyTrigger(ev event.Trigger)
	ApplyURL(ev event.URL)
	ApplyComplete(ev event.Complete)

	// Categorize returns, per status, up to maxPerCategory runs ranked by
	// start time descending, alongside uncapped totals. Deletion indices
	// are computed against this same ranking.
	Categorize(maxPerCategory int) Categorized

	// DeleteAt removes the run at the 1-based position in the status's
	// current start-time-descending ranking. Returns false if no run
	// exists at that position.
	DeleteAt(status Status, index int) bool

	// FlushStatus removes every run with the given status and returns the
	// count removed. FlushTerminal does the same for failed and completed.
	FlushStatus(status Status) int
	FlushTerminal() int

	// Get returns a copy of one run.
	Get(runID string) (*Run, bool)
	Len() int
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log  logrus.FieldLogger
	path string

	mu    sync.Mutex
	runs  map[string]*Run
	extra map[string]json.RawMessage
}

// New creates a registry backed by the snapshot file at path and loads the
// previous snapshot if one exists. A missing or unreadable snapshot starts
// the registry empty; it is never fatal.
func New(log logrus.FieldLogger, path string) Store {
	s := &store{
		log:  log.WithField("component", "registry"),
		path: path,
		runs: make(map[string]*Run),
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.log.WithError(err).Warn("Failed to create snapshot directory")
		}
	}

	s.load()

	return s
}

// ApplyStart inserts the run as ongoing, overwriting any existing record
// with the same id.
func (s *store) ApplyStart(ev event.Start) {
	if ev.RunID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[ev.RunID] = &Run{
		ID:        ev.RunID,
		Command:   ev.Command,
		Machine:   ev.Machine,
		Tmux:      ev.Tmux,
		Cwd:       ev.Cwd,
		StartTime: timestampOrNow(ev.Timestamp),
		Status:    StatusOngoing,
		Triggers:  []string{},
	}

	s.persistLocked()
}

// ApplyTrigger adds the phrase to the run's trigger set and moves the run to
// hanging. The set add is idempotent, and StatusChangeTime is bumped only
// when the status actually changes. Terminal runs are left untouched.
func (s *store) ApplyTrigger(ev event.Trigger) {
	if ev.RunID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[ev.RunID]
	if !ok || run.Status.Terminal() {
		return
	}

	if !slices.Contains(run.Triggers, ev.Trigger) {
		run.Triggers = append(run.Triggers, ev.Trigger)
	}

	if run.Status != StatusHanging {
		ts := timestampOrNow(ev.Timestamp)
		run.StatusChangeTime = &ts
		run.Status = StatusHanging
	}

	s.persistLocked()
}

// ApplyURL sets or overwrites the run's side-channel URL.
func (s *store) ApplyURL(ev event.URL) {
	if ev.RunID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[ev.RunID]
	if !ok {
		return
	}

	run.URL = ev.URL

	s.persistLocked()
}

// ApplyComplete resolves the run's final status from the exit code: zero
// means completed, anything else failed, regardless of whether the run was
// ongoing or hanging. A duplicate completion overwrites the same fields.
func (s *store) ApplyComplete(ev event.Complete) {
	if ev.RunID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[ev.RunID]
	if !ok {
		return
	}

	ts := timestampOrNow(ev.Timestamp)
	code := ev.ExitCode

	run.ExitCode = &code
	run.EndTime = &ts
	run.StatusChangeTime = &ts

	if code == 0 {
		run.Status = StatusCompleted
	} else {
		run.Status = StatusFailed
	}

	s.persistLocked()
}

func (s *store) Categorize(maxPerCategory int) Categorized {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Categorized{
		Runs:   make(map[Status][]*Run, 4),
		Totals: make(map[Status]int, 4),
	}

	for _, status := range Categories() {
		ranked := s.rankedLocked(status)
		out.Totals[status] = len(ranked)

		if maxPerCategory >= 0 && len(ranked) > maxPerCategory {
			ranked = ranked[:maxPerCategory]
		}

		cloned := make([]*Run, len(ranked))
		for i, run := range ranked {
			cloned[i] = run.Clone()
		}

		out.Runs[status] = cloned
	}

	return out
}

func (s *store) DeleteAt(status Status, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rankedLocked(status)
	if index < 1 || index > len(ranked) {
		return false
	}

	delete(s.runs, ranked[index-1].ID)
	s.persistLocked()

	return true
}

func (s *store) FlushStatus(status Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked(func(run *Run) bool { return run.Status == status })
}

func (s *store) FlushTerminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushLocked(func(run *Run) bool { return run.Status.Terminal() })
}

func (s *store) Get(runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, false
	}

	return run.Clone(), true
}

func (s *store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.runs)
}

// rankedLocked returns the runs with the given status, most recently started
// first. The run id breaks start-time ties so the ranking stays stable
// between a render and the keypress acting on it.
func (s *store) rankedLocked(status Status) []*Run {
	var runs []*Run

	for _, run := range s.runs {
		if run.Status == status {
			runs = append(runs, run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.After(runs[j].StartTime)
		}

		return runs[i].ID > runs[j].ID
	})

	return runs
}

func (s *store) flushLocked(match func(*Run) bool) int {
	removed := 0

	for id, run := range s.runs {
		if match(run) {
			delete(s.runs, id)

			removed++
		}
	}

	if removed > 0 {
		s.persistLocked()
	}

	return removed
}

// snapshotDoc is the on-disk document: the run map plus any top-level fields
// a newer version may have written.
type snapshotDoc struct {
	Runs  map[string]*Run
	extra map[string]json.RawMessage
}

func (d snapshotDoc) MarshalJSON() ([]byte, error) {
	runs := d.Runs
	if runs == nil {
		runs = map[string]*Run{}
	}

	known, err := json.Marshal(struct {
		Runs map[string]*Run `json:"runs"`
	}{runs})
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	if len(d.extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(d.extra)+1)
	maps.Copy(merged, d.extra)

	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, fmt.Errorf("merging snapshot fields: %w", err)
	}

	return json.Marshal(merged)
}

func (d *snapshotDoc) UnmarshalJSON(data []byte) error {
	var known struct {
		Runs map[string]*Run `json:"runs"`
	}

	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decoding snapshot fields: %w", err)
	}

	delete(all, "runs")

	if len(all) == 0 {
		all = nil
	}

	d.Runs = known.Runs
	d.extra = all

	return nil
}

// persistLocked writes the whole snapshot through to disk. Failures are
// logged and the in-memory state stays authoritative until the next
// successful write.
func (s *store) persistLocked() {
	data, err := json.MarshalIndent(snapshotDoc{Runs: s.runs, extra: s.extra}, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode snapshot")

		return
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		s.log.WithError(err).Warn("Failed to write snapshot")
	}
}

func (s *store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Warn("Failed to read snapshot, starting empty")
		}

		return
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.WithError(err).Warn("Failed to parse snapshot, starting empty")

		return
	}

	for id, run := range doc.Runs {
		if id == "" || run == nil {
			continue
		}

		// The map key is authoritative for the id.
		run.ID = id

		if run.Status == "" {
			run.Status = StatusOngoing
		}

		s.runs[id] = run
	}

	s.extra = doc.extra

	s.log.WithField("runs", len(s.runs)).Info("Loaded snapshot")
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}

	return t
}
