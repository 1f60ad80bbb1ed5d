package models

import "encoding/json"

// Approval is a request file from state/approvals plus its decision, if any.
type Approval struct {
	ID       string          `json:"id"`
	Path     string          `json:"path"`
	Request  json.RawMessage `json:"request"`
	Decision *Decision       `json:"decision,omitempty"`
}

func (a Approval) Pending() bool {
	return a.Decision == nil
}

type Decision struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason"`
	DecidedAt string `json:"decided_at"`
	DecidedBy string `json:"decided_by"`
}

// AuditApproval is a stored approval row joined with its decision.
type AuditApproval struct {
	RunID     string          `json:"run_id"`
	ID        string          `json:"approval_id"`
	Request   json.RawMessage `json:"request"`
	Decision  *Decision       `json:"decision,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

type AuditRun struct {
	RepoRoot  string          `json:"repo_root"`
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"`
	Stage     string          `json:"stage"`
	PID       int             `json:"pid,omitempty"`
	StartedAt string          `json:"started_at,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
	EndedAt   string          `json:"ended_at,omitempty"`
	State     json.RawMessage `json:"state"`
	Events    int             `json:"events"`
}
