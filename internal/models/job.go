package models

import "time"

type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusStarting JobStatus = "starting"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
)

// Job is a queued request to start a run for a root. Jobs for the same root
// run one at a time in enqueue order. ClaimedBy is the pid of the process
// whose queue runner claimed the job.
type Job struct {
	ID         int64      `json:"job_id"`
	RepoRoot   string     `json:"repo_root"`
	Stage      string     `json:"stage"`
	RelPaths   []string   `json:"rel_paths,omitempty"`
	ExtraArgs  []string   `json:"extra_args,omitempty"`
	Status     JobStatus  `json:"status"`
	RunID      string     `json:"run_id,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ClaimedBy  int        `json:"claimed_by,omitempty"`
}
