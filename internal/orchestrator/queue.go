package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/process"
	"github.com/mpataki/studio/internal/runstate"
	"github.com/mpataki/studio/internal/storage"
	"github.com/mpataki/studio/internal/workspace"
)

// claimGrace is how long a live process may hold a job in starting before
// another runner treats the claim as abandoned.
const claimGrace = time.Minute

// Queue runs the jobs of one root one at a time, oldest first. Runners in
// different processes may share a root; the database claim keeps them from
// starting jobs side by side.
type Queue struct {
	root       string
	ws         *workspace.Workspace
	store      *storage.Storage
	controller *Controller
	reader     *runstate.Reader
	mailbox    *approvals.Mailbox
	interval   time.Duration
	alive      func(pid int) bool
	now        func() time.Time
	owner      int
	logger     *slog.Logger
}

func newQueue(root string, o *Orchestrator) *Queue {
	return &Queue{
		root:       root,
		ws:         workspace.New(root, o.cacheDir),
		store:      o.store,
		controller: o.controller,
		reader:     o.reader,
		mailbox:    o.mailbox,
		interval:   o.pollInterval,
		alive:      process.Alive,
		now:        time.Now,
		owner:      os.Getpid(),
		logger:     o.logger.With("root", root),
	}
}

// Run ticks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		if err := q.Tick(ctx); err != nil {
			q.logger.Error("queue tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick advances the queue by one step: it settles the active job if its
// worker is gone, then starts the next queued job if nothing is running.
func (q *Queue) Tick(ctx context.Context) error {
	active, err := q.store.ActiveJob(q.root)
	if err != nil {
		return fmt.Errorf("failed to load active job: %w", err)
	}

	if active != nil {
		busy, err := q.settle(active)
		if err != nil || busy {
			return err
		}
	}

	job, err := q.store.ClaimNextJob(q.root, q.owner)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil
	}

	res, err := q.controller.Start(ctx, q.root, StartOptions{
		Stage:     job.Stage,
		RelPaths:  job.RelPaths,
		ExtraArgs: job.ExtraArgs,
	})
	if err != nil {
		q.logger.Warn("job failed to start", "job_id", job.ID, "err", err)
		return q.store.FinishJob(job.ID, models.JobStatusFailed, err.Error())
	}

	if err := q.store.MarkJobRunning(job.ID, res.RunID, res.PID); err != nil {
		return fmt.Errorf("failed to mark job %d running: %w", job.ID, err)
	}
	q.sync(res.RunID)
	q.logger.Info("job started", "job_id", job.ID, "run_id", res.RunID, "pid", res.PID)
	return nil
}

// settle reports whether job still occupies the queue. Finished workers get
// their history synced and the job closed out.
func (q *Queue) settle(job *models.Job) (bool, error) {
	if job.Status == models.JobStatusStarting {
		if q.claimHeld(job) {
			return true, nil
		}
		return false, q.store.FinishJob(job.ID, models.JobStatusFailed, "interrupted while starting")
	}

	if q.alive(job.PID) {
		q.review(job.RunID)
		q.sync(job.RunID)
		return true, nil
	}

	q.sync(job.RunID)

	status := models.JobStatusDone
	msg := ""
	if job.RunID != "" {
		res, err := q.reader.Read(q.root, job.RunID)
		if err == nil && res.OK && res.State.Status == models.RunStatusFailed {
			status = models.JobStatusFailed
			msg = res.State.Error
		}
	}

	q.logger.Info("job finished", "job_id", job.ID, "run_id", job.RunID, "status", status)
	return false, q.store.FinishJob(job.ID, status, msg)
}

// claimHeld reports whether a starting job's claim is still in progress: its
// owner is alive and the claim is younger than claimGrace.
func (q *Queue) claimHeld(job *models.Job) bool {
	if job.ClaimedBy <= 0 || !q.alive(job.ClaimedBy) || job.StartedAt == nil {
		return false
	}
	return q.now().Sub(*job.StartedAt) < claimGrace
}

// review applies approval rules, if the root has any, to the running run's
// pending approvals.
func (q *Queue) review(runID string) {
	if runID == "" {
		return
	}
	rules, err := lua.Load(q.ws.RulesPath(), q.logger)
	if err != nil {
		if !errors.Is(err, lua.ErrNoRules) {
			q.logger.Warn("failed to load approval rules", "err", err)
		}
		return
	}
	run, err := q.ws.OpenRun(runID)
	if err != nil {
		return
	}
	decided, err := q.mailbox.AutoDecide(run.ApprovalsDir(), rules)
	if err != nil {
		q.logger.Warn("approval rules failed", "run_id", runID, "err", err)
	}
	for _, d := range decided {
		q.logger.Info("approval decided by rules", "run_id", runID, "approval_id", d.ID, "approved", d.Approved)
	}
}

func (q *Queue) sync(runID string) {
	if runID == "" {
		return
	}
	if err := q.store.SyncRun(q.ws, runID); err != nil {
		q.logger.Debug("audit sync failed", "run_id", runID, "err", err)
	}
}
