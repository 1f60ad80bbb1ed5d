package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/config"
	"github.com/mpataki/studio/internal/events"
	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/lua"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/permissions"
	"github.com/mpataki/studio/internal/process"
	"github.com/mpataki/studio/internal/runstate"
	"github.com/mpataki/studio/internal/sandbox"
	"github.com/mpataki/studio/internal/storage"
	"github.com/mpataki/studio/internal/workspace"
)

const DefaultJobLimit = 50

// Actor identifies who is asking for a gated action.
type Actor struct {
	OnceToken string
	SessionID string
	BrowserID string
}

// Orchestrator ties the sandbox, ledger, controller, readers and job queues
// together. Every method takes a caller-supplied root and resolves it
// against the allow-list first.
type Orchestrator struct {
	sandbox    *sandbox.Sandbox
	ledger     *permissions.Ledger
	controller *Controller
	reader     *runstate.Reader
	mailbox    *approvals.Mailbox
	store      *storage.Storage
	cacheDir   string

	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	queues map[string]*Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Options struct {
	Launcher process.Launcher
	Logger   *slog.Logger
}

func New(cfg *config.Config, store *storage.Storage, opts Options) *Orchestrator {
	logger := logging.OrDiscard(opts.Logger)
	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.NewExecLauncher(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sandbox: sandbox.New(cfg.ComputedDefaultRoot(), cfg.AllowedRoots...),
		ledger: permissions.NewLedger(permissions.Options{
			CacheDir:   cfg.CacheDir,
			OnceTTL:    cfg.Permissions.OnceTTL,
			SessionTTL: cfg.Permissions.SessionTTL,
			Logger:     logger,
		}),
		controller:   NewController(cfg.CacheDir, cfg.Worker.Command, launcher, logger),
		reader:       runstate.NewReader(cfg.CacheDir),
		mailbox:      approvals.New(),
		store:        store,
		cacheDir:     cfg.CacheDir,
		pollInterval: cfg.Queue.PollInterval,
		logger:       logger,
		queues:       make(map[string]*Queue),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Close stops the queue runners and waits for them to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) Ledger() *permissions.Ledger {
	return o.ledger
}

func (o *Orchestrator) AllowedRoots() []string {
	return o.sandbox.Allowed()
}

func (o *Orchestrator) ResolveRoot(root string) (string, error) {
	return o.sandbox.ResolveRoot(root)
}

// Authorize consumes a once token if one matches and returns
// ErrPermissionDenied when no grant covers the actor.
func (o *Orchestrator) Authorize(root string, actor Actor) (models.Evaluation, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return models.Evaluation{}, err
	}
	ev := o.ledger.Evaluate(resolved, actor.OnceToken, actor.SessionID, actor.BrowserID)
	if !ev.Allowed {
		return ev, ErrPermissionDenied
	}
	o.logger.Debug("action authorized", "root", resolved, "mode", ev.Mode)
	return ev, nil
}

// Permissions reports the grant that would apply without spending a once
// token.
func (o *Orchestrator) Permissions(root string, actor Actor) (models.Evaluation, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return models.Evaluation{}, err
	}
	return o.ledger.Peek(resolved, actor.OnceToken, actor.SessionID, actor.BrowserID), nil
}

func (o *Orchestrator) AllowPersistent(root, browserID string) error {
	if browserID == "" {
		return fmt.Errorf("%w: browser id is required", ErrInvalidRequest)
	}
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return err
	}
	return o.ledger.SetPersistentAllowed(resolved, browserID)
}

// StartRun validates the requested paths against root and starts a worker.
func (o *Orchestrator) StartRun(ctx context.Context, root string, opts StartOptions) (StartResult, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return StartResult{}, err
	}
	opts.RelPaths, err = o.relPaths(resolved, opts.RelPaths)
	if err != nil {
		return StartResult{}, err
	}

	res, err := o.controller.Start(ctx, resolved, opts)
	if err != nil {
		return StartResult{}, err
	}
	o.sync(resolved, res.RunID)
	return res, nil
}

func (o *Orchestrator) StopRun(root, runID string, pid int) (StopResult, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return StopResult{}, err
	}
	return o.controller.Stop(resolved, runID, pid)
}

func (o *Orchestrator) RunStatus(root, runID string) (runstate.Result, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return runstate.Result{}, err
	}
	return o.reader.Read(resolved, runID)
}

func (o *Orchestrator) ListRuns(root string, limit int) ([]models.Summary, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	return o.reader.List(resolved, limit)
}

func (o *Orchestrator) TailEvents(root, runID string, cursor *int, limit int) (events.Page, error) {
	run, err := o.openRun(root, runID)
	if err != nil {
		return events.Page{}, err
	}
	return events.Tail(run.Path, cursor, limit), nil
}

func (o *Orchestrator) FollowEvents(ctx context.Context, root, runID string, opts events.FollowOptions, fn func(events.Page) error) error {
	run, err := o.openRun(root, runID)
	if err != nil {
		return err
	}
	if opts.Logger == nil {
		opts.Logger = o.logger
	}
	return events.Follow(ctx, run.Path, opts, fn)
}

// ListApprovals returns pending approvals, or every approval with its
// decision when all is set.
func (o *Orchestrator) ListApprovals(root, runID string, all bool) ([]models.Approval, error) {
	run, err := o.openRun(root, runID)
	if err != nil {
		return nil, err
	}
	if all {
		return o.mailbox.ListWithDecisions(run.ApprovalsDir()), nil
	}
	return o.mailbox.ListPending(run.ApprovalsDir()), nil
}

func (o *Orchestrator) Decide(root, runID, approvalID string, approved bool, reason string) (approvals.DecideResult, error) {
	run, err := o.openRun(root, runID)
	if err != nil {
		return approvals.DecideResult{}, err
	}
	res, err := o.mailbox.Decide(run.ApprovalsDir(), approvalID, approved, reason)
	if err != nil {
		return res, err
	}
	o.logger.Info("approval decided", "run_id", runID, "approval_id", approvalID, "approved", approved)
	return res, nil
}

// AutoApprove applies the root's approval rules to a run's pending
// approvals. It returns lua.ErrNoRules when the root has no rules file.
func (o *Orchestrator) AutoApprove(root, runID string) ([]approvals.AutoDecision, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	ws := workspace.New(resolved, o.cacheDir)
	run, err := ws.OpenRun(runID)
	if err != nil {
		return nil, err
	}
	rules, err := lua.Load(ws.RulesPath(), o.logger)
	if err != nil {
		return nil, err
	}
	return o.mailbox.AutoDecide(run.ApprovalsDir(), rules)
}

// Enqueue adds a job for root. It only records the job: a long-lived process
// (the server or the console) runs it once it calls EnsureQueue for the root.
func (o *Orchestrator) Enqueue(root string, opts StartOptions) (int64, error) {
	if o.store == nil {
		return 0, errors.New("job queue requires a database")
	}
	if opts.Stage == "" {
		return 0, fmt.Errorf("%w: stage is required", ErrInvalidRequest)
	}
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return 0, err
	}
	relPaths, err := o.relPaths(resolved, opts.RelPaths)
	if err != nil {
		return 0, err
	}

	id, err := o.store.EnqueueJob(resolved, opts.Stage, relPaths, opts.ExtraArgs)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	o.logger.Info("job enqueued", "root", resolved, "job_id", id, "stage", opts.Stage)
	return id, nil
}

// EnsureQueue starts the queue runner for an already resolved root once. The
// runner lives until Close.
func (o *Orchestrator) EnsureQueue(root string) *Queue {
	o.mu.Lock()
	defer o.mu.Unlock()

	if q, ok := o.queues[root]; ok {
		return q
	}
	q := newQueue(root, o)
	o.queues[root] = q

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		q.Run(o.ctx)
	}()
	return q
}

func (o *Orchestrator) ListJobs(root string, limit int) ([]*models.Job, error) {
	if o.store == nil {
		return nil, nil
	}
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	return o.store.ListJobs(resolved, limit)
}

// Audit syncs the run's files into the database and returns the stored
// history. The run row is nil if the run never wrote a state file.
func (o *Orchestrator) Audit(root, runID string) (*models.AuditRun, []models.AuditApproval, error) {
	if o.store == nil {
		return nil, nil, errors.New("audit history requires a database")
	}
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return nil, nil, err
	}
	ws := workspace.New(resolved, o.cacheDir)
	if err := o.store.SyncRun(ws, runID); err != nil {
		return nil, nil, err
	}
	run, err := o.store.GetRun(resolved, runID)
	if err != nil {
		return nil, nil, err
	}
	list, err := o.store.ListAudit(resolved, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, list, nil
}

// Backup snapshots a file under root before it is modified. A missing file
// yields an empty path.
func (o *Orchestrator) Backup(root, path string) (string, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return "", err
	}
	abs, err := o.sandbox.ResolveInRoot(resolved, path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(resolved, abs)
	if err != nil {
		return "", err
	}
	dest, err := workspace.New(resolved, o.cacheDir).Backup(rel)
	if err != nil {
		return "", err
	}
	if dest == "" {
		o.logger.Debug("backup skipped, source missing", "root", resolved, "path", rel)
	}
	return dest, nil
}

func (o *Orchestrator) openRun(root, runID string) (*workspace.Run, error) {
	resolved, err := o.sandbox.ResolveRoot(root)
	if err != nil {
		return nil, err
	}
	return workspace.New(resolved, o.cacheDir).OpenRun(runID)
}

// relPaths checks every path stays inside root and rewrites it relative to
// root for the worker's file list.
func (o *Orchestrator) relPaths(root string, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := o.sandbox.ResolveInRoot(root, p)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (o *Orchestrator) sync(root, runID string) {
	if o.store == nil {
		return
	}
	if err := o.store.SyncRun(workspace.New(root, o.cacheDir), runID); err != nil {
		o.logger.Debug("audit sync failed", "run_id", runID, "err", err)
	}
}
