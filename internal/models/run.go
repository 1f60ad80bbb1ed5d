package models

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type RunStatus string

// The worker owns these values; the control plane only reads them.
const (
	RunStatusStarting RunStatus = "starting"
	RunStatusRunning  RunStatus = "running"
	RunStatusStopping RunStatus = "stopping"
	RunStatusDone     RunStatus = "done"
	RunStatusFailed   RunStatus = "failed"
	RunStatusStopped  RunStatus = "stopped"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusDone, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// RunState mirrors state/run.json as written by the worker.
type RunState struct {
	RunID     string    `json:"run_id"`
	RepoRoot  string    `json:"repo_root,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Pack      string    `json:"pack,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	Branch    string    `json:"branch,omitempty"`
	HeadSHA   string    `json:"head_sha,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	StartedAt string    `json:"started_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
	EndedAt   string    `json:"ended_at,omitempty"`
}

// UnmarshalJSON reads pid and exit_code leniently: whole-number floats and
// numeric strings are accepted, and any other value leaves the field unset
// instead of rejecting the whole state.
func (s *RunState) UnmarshalJSON(data []byte) error {
	type plain RunState
	aux := struct {
		*plain
		PID      json.RawMessage `json:"pid"`
		ExitCode json.RawMessage `json:"exit_code"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.PID = 0
	if v, ok := lenientInt(aux.PID); ok {
		s.PID = v
	}
	s.ExitCode = nil
	if v, ok := lenientInt(aux.ExitCode); ok {
		s.ExitCode = &v
	}
	return nil
}

func lenientInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch v := v.(type) {
	case float64:
		return floatToInt(v)
	case string:
		v = strings.TrimSpace(v)
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return floatToInt(f)
		}
	}
	return 0, false
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// LastActivity is the later of updated_at and started_at. Unparsable or
// missing timestamps count as the zero time.
func (s *RunState) LastActivity() time.Time {
	if s == nil {
		return time.Time{}
	}
	updated := ParseTimestamp(s.UpdatedAt)
	started := ParseTimestamp(s.StartedAt)
	if started.After(updated) {
		return started
	}
	return updated
}

// ParseTimestamp accepts RFC3339 with or without a zone offset.
func ParseTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Summary is one entry of a run listing. State is nil when the run has no
// readable state file yet.
type Summary struct {
	RunID string    `json:"run_id"`
	State *RunState `json:"state"`
}

// Event is one opaque line of events.jsonl.
type Event = json.RawMessage
