// Package runstate reads worker-written run state and lists runs.
package runstate

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/process"
	"github.com/mpataki/studio/internal/workspace"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Result struct {
	OK       bool             `json:"ok"`
	State    *models.RunState `json:"state"`
	PIDAlive bool             `json:"pid_alive"`
}

type Reader struct {
	cacheDir string
	alive    func(pid int) bool
}

func NewReader(cacheDir string) *Reader {
	return &Reader{cacheDir: cacheDir, alive: process.Alive}
}

// Read loads state/run.json. A missing or unparsable file is reported as
// OK=false rather than an error; only a malformed run id fails.
func (r *Reader) Read(root, runID string) (Result, error) {
	run, err := workspace.New(root, r.cacheDir).OpenRun(runID)
	if err != nil {
		return Result{}, err
	}
	state := readState(run.StatePath())
	if state == nil {
		return Result{}, nil
	}
	return Result{OK: true, State: state, PIDAlive: r.alive(state.PID)}, nil
}

// List returns up to limit runs, most recently active first. Runs whose
// state file is missing are included with a nil state.
func (r *Reader) List(root string, limit int) ([]models.Summary, error) {
	limit = clamp(limit, 1, MaxListLimit)

	ws := workspace.New(root, r.cacheDir)
	ids, err := ws.ListRunIDs()
	if err != nil {
		return nil, err
	}

	summaries := make([]models.Summary, 0, len(ids))
	for _, id := range ids {
		run, err := ws.OpenRun(id)
		if err != nil {
			continue
		}
		summaries = append(summaries, models.Summary{RunID: id, State: readState(run.StatePath())})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		ti, tj := summaries[i].State.LastActivity(), summaries[j].State.LastActivity()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return summaries[i].RunID > summaries[j].RunID
	})

	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func readState(path string) *models.RunState {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	return &state
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
