package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/studio/internal/logging"
	"github.com/mpataki/studio/internal/process"
	"github.com/mpataki/studio/internal/workspace"
)

type StartOptions struct {
	Stage     string
	RelPaths  []string
	ExtraArgs []string
	// RunID is generated when empty.
	RunID string
}

type StartResult struct {
	RunID string `json:"run_id"`
	PID   int    `json:"pid"`
}

type StopResult struct {
	OK           bool   `json:"ok"`
	StopFlagPath string `json:"stop_flag_path"`
}

// Controller starts workers for runs and asks them to stop. It never writes
// run state; the worker owns state/run.json.
type Controller struct {
	cacheDir  string
	command   []string
	launcher  process.Launcher
	terminate func(pid int) error
	now       func() time.Time
	logger    *slog.Logger
}

func NewController(cacheDir string, command []string, launcher process.Launcher, logger *slog.Logger) *Controller {
	return &Controller{
		cacheDir:  cacheDir,
		command:   command,
		launcher:  launcher,
		terminate: process.Terminate,
		now:       time.Now,
		logger:    logging.OrDiscard(logger),
	}
}

// Start prepares the run directory under root and launches the worker
// detached from this process. root must already be resolved.
func (c *Controller) Start(ctx context.Context, root string, opts StartOptions) (StartResult, error) {
	if opts.Stage == "" {
		return StartResult{}, fmt.Errorf("%w: stage is required", ErrInvalidRequest)
	}

	ws := workspace.New(root, c.cacheDir)
	runID := opts.RunID
	if runID == "" {
		runID = workspace.NewRunID(c.now())
	}
	run, err := ws.CreateRun(runID)
	if err != nil {
		return StartResult{}, err
	}

	argv := append([]string{}, c.command...)
	argv = append(argv, opts.Stage, "--root", root, "--run-id", run.ID)

	if len(opts.RelPaths) > 0 {
		listPath, err := run.WriteFileList(opts.RelPaths)
		if err != nil {
			return StartResult{}, err
		}
		argv = append(argv, "--file-list", listPath)
	}
	argv = append(argv, opts.ExtraArgs...)

	pid, err := c.launcher.Launch(ctx, process.Spec{Argv: argv, Dir: root})
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to launch worker for run %s: %w", run.ID, err)
	}

	c.logger.Info("run started", "root", root, "run_id", run.ID, "stage", opts.Stage, "pid", pid)
	return StartResult{RunID: run.ID, PID: pid}, nil
}

// Stop writes the stop sentinel and, when pid is known, sends SIGTERM. The
// signal is a hint; failing to deliver it is not an error.
func (c *Controller) Stop(root, runID string, pid int) (StopResult, error) {
	run, err := workspace.New(root, c.cacheDir).OpenRun(runID)
	if err != nil {
		return StopResult{}, err
	}

	path, err := run.WriteStopFlag()
	if err != nil {
		return StopResult{}, err
	}

	if pid > 0 {
		if err := c.terminate(pid); err != nil {
			c.logger.Debug("failed to signal worker", "run_id", runID, "pid", pid, "err", err)
		}
	}

	c.logger.Info("stop requested", "root", root, "run_id", runID, "pid", pid)
	return StopResult{OK: true, StopFlagPath: path}, nil
}
