package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusHanging   Status = "hanging"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

// Categories returns every status in display order.
func Categories() []Status {
	return []Status{StatusOngoing, StatusHanging, StatusFailed, StatusCompleted}
}

// Run is one tracked execution of a wrapped command. The descriptive fields
// and StartTime are fixed at creation; Status only moves toward a terminal
// state; Triggers grows without duplicates.
type Run struct {
	ID               string
	Command          string
	Machine          string
	Tmux             string
	Cwd              string
	StartTime        time.Time
	Status           Status
	Triggers         []string
	ExitCode         *int
	EndTime          *time.Time
	StatusChangeTime *time.Time
	URL              string

	// Snapshot fields this version does not interpret, preserved verbatim
	// across load and save.
	extra map[string]json.RawMessage
}

// runJSON is the snapshot shape of a single run.
type runJSON struct {
	ID               string     `json:"run_id"`
	Command          string     `json:"command"`
	Machine          string     `json:"machine"`
	Tmux             string     `json:"tmux"`
	Cwd              string     `json:"cwd"`
	StartTime        time.Time  `json:"start_time"`
	Status           Status     `json:"status"`
	Triggers         []string   `json:"triggers"`
	ExitCode         *int       `json:"exit_code"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	StatusChangeTime *time.Time `json:"status_change_time,omitempty"`
	URL              string     `json:"url,omitempty"`
}

var knownRunFields = []string{
	"run_id", "command", "machine", "tmux", "cwd", "start_time", "status",
	"triggers", "exit_code", "end_time", "status_change_time", "url",
}

// MarshalJSON emits the run's known fields merged over any preserved
// unknown fields.
func (r Run) MarshalJSON() ([]byte, error) {
	triggers := r.Triggers
	if triggers == nil {
		triggers = []string{}
	}

	known, err := json.Marshal(runJSON{
		ID:               r.ID,
		Command:          r.Command,
		Machine:          r.Machine,
		Tmux:             r.Tmux,
		Cwd:              r.Cwd,
		StartTime:        r.StartTime,
		Status:           r.Status,
		Triggers:         triggers,
		ExitCode:         r.ExitCode,
		EndTime:          r.EndTime,
		StatusChangeTime: r.StatusChangeTime,
		URL:              r.URL,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding run: %w", err)
	}

	if len(r.extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(r.extra)+len(knownRunFields))
	maps.Copy(merged, r.extra)

	// Unmarshaling into a non-nil map keeps existing entries, so the known
	// fields overwrite while the unknown ones survive.
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, fmt.Errorf("merging run fields: %w", err)
	}

	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes everything else.
func (r *Run) UnmarshalJSON(data []byte) error {
	var known runJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decoding run: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decoding run fields: %w", err)
	}

	for _, field := range knownRunFields {
		delete(all, field)
	}

	if len(all) == 0 {
		all = nil
	}

	r.ID = known.ID
	r.Command = known.Command
	r.Machine = known.Machine
	r.Tmux = known.Tmux
	r.Cwd = known.Cwd
	r.StartTime = known.StartTime
	r.Status = known.Status
	r.Triggers = known.Triggers
	r.ExitCode = known.ExitCode
	r.EndTime = known.EndTime
	r.StatusChangeTime = known.StatusChangeTime
	r.URL = known.URL
	r.extra = all

	return nil
}

// Clone returns a deep copy safe to hand to consumers.
func (r *Run) Clone() *Run {
	clone := *r
	clone.Triggers = slices.Clone(r.Triggers)

	if r.ExitCode != nil {
		v := *r.ExitCode
		clone.ExitCode = &v
	}

	if r.EndTime != nil {
		v := *r.EndTime
		clone.EndTime = &v
	}

	if r.StatusChangeTime != nil {
		v := *r.StatusChangeTime
		clone.StatusChangeTime = &v
	}

	if r.extra != nil {
		clone.extra = maps.Clone(r.extra)
	}

	return &clone
}
