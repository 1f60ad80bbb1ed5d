package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/events"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/workspace"
)

// SyncRun copies a run's files into the audit tables: the state row, every
// parsable event line, and approvals with their decisions. Rows are keyed by
// root and run id, so syncing the same run again only adds what is new and
// equal run ids under different roots stay apart.
func (s *Storage) SyncRun(ws *workspace.Workspace, runID string) error {
	run, err := ws.OpenRun(runID)
	if err != nil {
		return err
	}

	if err := s.syncState(ws.Root, run); err != nil {
		return fmt.Errorf("failed to sync run state: %w", err)
	}
	if err := s.syncEvents(ws.Root, run); err != nil {
		return fmt.Errorf("failed to sync events: %w", err)
	}
	if err := s.syncApprovals(ws.Root, run); err != nil {
		return fmt.Errorf("failed to sync approvals: %w", err)
	}
	return nil
}

func (s *Storage) syncState(root string, run *workspace.Run) error {
	data, err := os.ReadFile(run.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO runs (repo_root, run_id, stage, status, pid, pack, profile, branch, head_sha, error, exit_code, started_at, updated_at, ended_at, state_json, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		root, run.ID, state.Stage, state.Status, state.PID, state.Pack, state.Profile, state.Branch,
		state.HeadSHA, state.Error, state.ExitCode, state.StartedAt, state.UpdatedAt, state.EndedAt,
		string(bytes.TrimSpace(data)), time.Now().UTC(),
	)
	return err
}

func (s *Storage) syncEvents(root string, run *workspace.Run) error {
	path := events.LogPath(run.Path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO events (repo_root, run_id, idx, ts, type, payload_json) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for idx, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		var obj map[string]any
		if len(line) == 0 || json.Unmarshal(line, &obj) != nil {
			continue
		}
		ts := firstString(obj, "ts", "time", "created_at")
		typ := firstString(obj, "type", "event")
		if _, err := stmt.Exec(root, run.ID, idx, ts, typ, string(line)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) syncApprovals(root string, run *workspace.Run) error {
	list := approvals.New().ListWithDecisions(run.ApprovalsDir())
	if len(list) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range list {
		var obj map[string]any
		_ = json.Unmarshal(a.Request, &obj)
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO approvals (repo_root, run_id, approval_id, created_at, payload_json) VALUES (?, ?, ?, ?, ?)`,
			root, run.ID, a.ID, firstString(obj, "created_at"), string(a.Request),
		); err != nil {
			return err
		}
		if a.Decision == nil {
			continue
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO decisions (repo_root, run_id, approval_id, approved, reason, decided_at, decided_by) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			root, run.ID, a.ID, a.Decision.Approved, a.Decision.Reason, a.Decision.DecidedAt, a.Decision.DecidedBy,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRun returns the stored audit row for runID under root, or nil if it was
// never synced.
func (s *Storage) GetRun(root, runID string) (*models.AuditRun, error) {
	row := s.db.QueryRow(
		`SELECT r.repo_root, r.run_id, r.status, r.stage, r.pid, r.started_at, r.updated_at, r.ended_at, r.state_json,
		        (SELECT COUNT(*) FROM events e WHERE e.repo_root = r.repo_root AND e.run_id = r.run_id)
		 FROM runs r WHERE r.repo_root = ? AND r.run_id = ?`, root, runID,
	)

	var run models.AuditRun
	var status, stage, startedAt, updatedAt, endedAt sql.NullString
	var pid sql.NullInt64
	var state string

	err := row.Scan(&run.RepoRoot, &run.RunID, &status, &stage, &pid, &startedAt, &updatedAt, &endedAt, &state, &run.Events)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	run.Status = status.String
	run.Stage = stage.String
	run.PID = int(pid.Int64)
	run.StartedAt = startedAt.String
	run.UpdatedAt = updatedAt.String
	run.EndedAt = endedAt.String
	run.State = json.RawMessage(state)
	return &run, nil
}

// ListAudit returns the stored approvals of runID under root joined with
// their decisions, oldest first.
func (s *Storage) ListAudit(root, runID string) ([]models.AuditApproval, error) {
	rows, err := s.db.Query(
		`SELECT a.approval_id, a.created_at, a.payload_json, d.approved, d.reason, d.decided_at, d.decided_by
		 FROM approvals a
		 LEFT JOIN decisions d ON d.repo_root = a.repo_root AND d.run_id = a.run_id AND d.approval_id = a.approval_id
		 WHERE a.repo_root = ? AND a.run_id = ?
		 ORDER BY a.created_at ASC, a.approval_id ASC`, root, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditApproval
	for rows.Next() {
		var a models.AuditApproval
		var createdAt, reason, decidedAt, decidedBy sql.NullString
		var approved sql.NullBool
		var payload string

		if err := rows.Scan(&a.ID, &createdAt, &payload, &approved, &reason, &decidedAt, &decidedBy); err != nil {
			return nil, err
		}
		a.RunID = runID
		a.CreatedAt = createdAt.String
		a.Request = json.RawMessage(payload)
		if approved.Valid {
			a.Decision = &models.Decision{
				Approved:  approved.Bool,
				Reason:    reason.String,
				DecidedAt: decidedAt.String,
				DecidedBy: decidedBy.String,
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
