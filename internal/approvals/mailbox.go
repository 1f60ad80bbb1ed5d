// Package approvals lists approval requests written by workers and records
// decisions next to them.
package approvals

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/workspace"
)

const (
	requestExt  = ".json"
	decisionExt = ".decision"

	DecidedByHuman = "human"
	DecidedByRules = "rules"
)

type DecideResult struct {
	OK           bool   `json:"ok"`
	DecisionPath string `json:"decision_path"`
}

type Mailbox struct {
	now func() time.Time
}

func New() *Mailbox {
	return &Mailbox{now: time.Now}
}

// ListPending returns requests that have no decision file yet, sorted by
// file name.
func (m *Mailbox) ListPending(dir string) []models.Approval {
	var pending []models.Approval
	for _, a := range m.ListWithDecisions(dir) {
		if a.Pending() {
			pending = append(pending, a)
		}
	}
	return pending
}

// ListWithDecisions returns every readable request with its decision, if
// any, sorted by file name. A missing directory yields nothing; unparsable
// requests are skipped.
func (m *Mailbox) ListWithDecisions(dir string) []models.Approval {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []models.Approval
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), requestExt) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		data = bytes.TrimSpace(data)
		if !json.Valid(data) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), requestExt)
		out = append(out, models.Approval{
			ID:       id,
			Path:     p,
			Request:  json.RawMessage(data),
			Decision: m.ReadDecision(dir, id),
		})
	}
	return out
}

// ReadDecision returns the decision for id, or nil when none was written.
// Decision files that are not JSON are read as free text: anything starting
// with "a" (approve, accepted) or a yes/true answer counts as approval.
func (m *Mailbox) ReadDecision(dir, id string) *models.Decision {
	data, err := os.ReadFile(filepath.Join(dir, id+decisionExt))
	if err != nil {
		return nil
	}

	var d models.Decision
	if err := json.Unmarshal(data, &d); err == nil {
		return &d
	}

	raw := strings.ToLower(strings.TrimSpace(string(data)))
	return &models.Decision{
		Approved: strings.HasPrefix(raw, "a") || raw == "true" || raw == "yes" || raw == "y",
		Reason:   raw,
	}
}

// Decide records a human decision for id. The request file does not have to
// exist; the last write wins.
func (m *Mailbox) Decide(dir, id string, approved bool, reason string) (DecideResult, error) {
	return m.DecideAs(dir, id, approved, reason, DecidedByHuman)
}

func (m *Mailbox) DecideAs(dir, id string, approved bool, reason, decidedBy string) (DecideResult, error) {
	if err := workspace.ValidateID(id); err != nil {
		return DecideResult{}, fmt.Errorf("approval id: %w", err)
	}

	path := filepath.Join(dir, id+decisionExt)
	decision := models.Decision{
		Approved:  approved,
		Reason:    reason,
		DecidedAt: m.now().UTC().Format(time.RFC3339),
		DecidedBy: decidedBy,
	}
	if err := workspace.WriteJSONAtomic(path, decision); err != nil {
		return DecideResult{}, fmt.Errorf("failed to write decision %s: %w", id, err)
	}
	return DecideResult{OK: true, DecisionPath: path}, nil
}
