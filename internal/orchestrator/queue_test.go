package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/studio/internal/models"
)

func newTestQueue(t *testing.T, env *testEnv, alive map[int]bool) *Queue {
	t.Helper()
	q := newQueue(env.root, env.orch)
	q.alive = func(pid int) bool { return alive[pid] }
	return q
}

func TestQueueRunsJobsInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alive := map[int]bool{}
	q := newTestQueue(t, env, alive)

	first, err := env.store.EnqueueJob(env.root, "plan", nil, nil)
	require.NoError(t, err)
	second, err := env.store.EnqueueJob(env.root, "run", []string{"a.py"}, nil)
	require.NoError(t, err)

	require.NoError(t, q.Tick(ctx))
	job, err := env.store.GetJob(first)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 1001, job.PID)
	assert.NotEmpty(t, job.RunID)

	// Worker still alive: nothing else starts.
	alive[1001] = true
	require.NoError(t, q.Tick(ctx))
	assert.Len(t, env.launcher.specs, 1)

	// Worker exits after reporting failure.
	alive[1001] = false
	statePath := filepath.Join(env.root, ".studio", "runs", job.RunID, "state", "run.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"run_id":"`+job.RunID+`","status":"failed","error":"boom"}`), 0644))

	require.NoError(t, q.Tick(ctx))

	job, err = env.store.GetJob(first)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)

	next, err := env.store.GetJob(second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, next.Status)
	assert.Contains(t, env.launcher.last().Argv, "--file-list")

	require.NoError(t, q.Tick(ctx))
	next, err = env.store.GetJob(second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, next.Status)

	run, err := env.store.GetRun(env.root, job.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "failed", run.Status)
}

func TestQueueStartFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.err = assert.AnError
	q := newTestQueue(t, env, nil)

	id, err := env.store.EnqueueJob(env.root, "run", nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.Tick(context.Background()))

	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, assert.AnError.Error())
}

func TestQueueFailsInterruptedStart(t *testing.T) {
	env := newTestEnv(t)
	q := newTestQueue(t, env, nil)

	id, err := env.store.EnqueueJob(env.root, "run", nil, nil)
	require.NoError(t, err)
	// Claimed by a process that has since exited.
	_, err = env.store.ClaimNextJob(env.root, 7)
	require.NoError(t, err)

	require.NoError(t, q.Tick(context.Background()))

	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "interrupted while starting", job.Error)
}

func TestQueueWaitsForLiveClaim(t *testing.T) {
	env := newTestEnv(t)
	alive := map[int]bool{7: true}
	q := newTestQueue(t, env, alive)

	id, err := env.store.EnqueueJob(env.root, "run", nil, nil)
	require.NoError(t, err)
	_, err = env.store.EnqueueJob(env.root, "run", nil, nil)
	require.NoError(t, err)
	claimed, err := env.store.ClaimNextJob(env.root, 7)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Another process is mid-start: leave its job alone and start nothing.
	require.NoError(t, q.Tick(context.Background()))
	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStarting, job.Status)
	assert.Empty(t, env.launcher.specs)

	// The claim outlives the grace period.
	q.now = func() time.Time { return claimed.StartedAt.Add(claimGrace + time.Second) }
	require.NoError(t, q.Tick(context.Background()))
	job, err = env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Len(t, env.launcher.specs, 1)
}

func TestQueueAppliesRulesWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	alive := map[int]bool{}
	q := newTestQueue(t, env, alive)

	id, err := env.store.EnqueueJob(env.root, "run", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Tick(context.Background()))

	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	alive[job.PID] = true

	dir := filepath.Join(env.root, ".studio", "runs", job.RunID, "state", "approvals")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a1.json"), []byte(`{"approval_id":"a1"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, ".studio", "approval_rules.lua"),
		[]byte(`function review(a) return true, "auto" end`), 0644))

	require.NoError(t, q.Tick(context.Background()))

	assert.FileExists(t, filepath.Join(dir, "a1.decision"))
}

func TestEnqueueOnlyRecordsJob(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.orch.Enqueue(env.root, StartOptions{Stage: "run"})
	require.NoError(t, err)
	env.orch.Close()

	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Empty(t, job.Error)
	assert.Empty(t, env.launcher.specs)
}

func TestEnqueueValidates(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Enqueue(env.root, StartOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	id, err := env.orch.Enqueue(env.root, StartOptions{Stage: "run"})
	require.NoError(t, err)

	jobs, err := env.orch.ListJobs(env.root, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}
