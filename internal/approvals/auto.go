package approvals

import (
	"encoding/json"
	"fmt"
)

// Verdict is a reviewer's answer. Decided=false leaves the request for a
// human.
type Verdict struct {
	Decided  bool
	Approved bool
	Reason   string
}

type Reviewer interface {
	Review(request json.RawMessage) (Verdict, error)
}

type AutoDecision struct {
	ID           string `json:"id"`
	Approved     bool   `json:"approved"`
	Reason       string `json:"reason"`
	DecisionPath string `json:"decision_path"`
}

// AutoDecide runs every pending request in dir through r and records the
// decisions it makes. A reviewer error aborts the pass; decisions already
// written stay.
func (m *Mailbox) AutoDecide(dir string, r Reviewer) ([]AutoDecision, error) {
	var decided []AutoDecision
	for _, a := range m.ListPending(dir) {
		v, err := r.Review(a.Request)
		if err != nil {
			return decided, fmt.Errorf("failed to review approval %s: %w", a.ID, err)
		}
		if !v.Decided {
			continue
		}
		res, err := m.DecideAs(dir, a.ID, v.Approved, v.Reason, DecidedByRules)
		if err != nil {
			return decided, err
		}
		decided = append(decided, AutoDecision{
			ID:           a.ID,
			Approved:     v.Approved,
			Reason:       v.Reason,
			DecisionPath: res.DecisionPath,
		})
	}
	return decided, nil
}
