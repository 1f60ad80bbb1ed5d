package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mpataki/studio/internal/models"
)

const jobColumns = `id, repo_root, stage, rel_paths, extra_args, status, run_id, pid, error, created_at, started_at, finished_at, claimed_by`

func (s *Storage) EnqueueJob(root, stage string, relPaths, extraArgs []string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO jobs (repo_root, stage, rel_paths, extra_args, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		root, stage, encodeList(relPaths), encodeList(extraArgs), models.JobStatusQueued, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListJobs returns the newest jobs for root first.
func (s *Storage) ListJobs(root string, limit int) ([]*models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE repo_root = ? ORDER BY id DESC LIMIT ?`, root, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Storage) GetJob(id int64) (*models.Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// ActiveJob returns the oldest starting or running job for root, or nil.
func (s *Storage) ActiveJob(root string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(
		`SELECT `+jobColumns+` FROM jobs WHERE repo_root = ? AND status IN (?, ?) ORDER BY id ASC LIMIT 1`,
		root, models.JobStatusStarting, models.JobStatusRunning,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ClaimNextJob moves the oldest queued job for root to starting on behalf of
// owner (a process id) and returns it. It returns nil when the queue is empty
// or another job for root is still starting or running. The check and the
// claim are one statement, so runners in separate processes sharing the
// database never both claim.
func (s *Storage) ClaimNextJob(root string, owner int) (*models.Job, error) {
	var id int64
	err := s.db.QueryRow(
		`UPDATE jobs SET status = ?, started_at = ?, claimed_by = ?
		 WHERE id = (SELECT id FROM jobs WHERE repo_root = ? AND status = ? ORDER BY id ASC LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM jobs WHERE repo_root = ? AND status IN (?, ?))
		 RETURNING id`,
		models.JobStatusStarting, time.Now().UTC(), owner,
		root, models.JobStatusQueued,
		root, models.JobStatusStarting, models.JobStatusRunning,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetJob(id)
}

func (s *Storage) MarkJobRunning(id int64, runID string, pid int) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, run_id = ?, pid = ? WHERE id = ?`,
		models.JobStatusRunning, runID, pid, id,
	)
	return err
}

func (s *Storage) FinishJob(id int64, status models.JobStatus, errMsg string) error {
	var e *string
	if errMsg != "" {
		e = &errMsg
	}
	_, err := s.db.Exec(
		`UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, e, time.Now().UTC(), id,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var relPaths, extraArgs, runID, errMsg sql.NullString
	var pid, claimedBy sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.RepoRoot, &job.Stage, &relPaths, &extraArgs, &job.Status,
		&runID, &pid, &errMsg, &job.CreatedAt, &startedAt, &finishedAt, &claimedBy,
	)
	if err != nil {
		return nil, err
	}

	job.RelPaths = decodeList(relPaths)
	job.ExtraArgs = decodeList(extraArgs)
	if runID.Valid {
		job.RunID = runID.String
	}
	if pid.Valid {
		job.PID = int(pid.Int64)
	}
	if claimedBy.Valid {
		job.ClaimedBy = int(claimedBy.Int64)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func encodeList(v []string) *string {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	str := string(data)
	return &str
}

func decodeList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
