// Package process starts detached worker processes and checks or signals
// them by pid.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mpataki/studio/internal/logging"
)

// Alive reports whether pid refers to a live process. Only ESRCH counts as
// dead; EPERM means the process exists but belongs to someone else.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return !errors.Is(err, unix.ESRCH)
}

// Terminate sends SIGTERM to pid.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return unix.Kill(pid, unix.SIGTERM)
}

// Spec describes a worker to launch.
type Spec struct {
	Argv []string
	Dir  string
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (pid int, err error)
}

// ExecLauncher starts workers in their own session with stdio on /dev/null.
// Each started worker is waited on in the background so it is reaped when it
// exits.
type ExecLauncher struct {
	logger *slog.Logger
}

func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logging.OrDiscard(logger)}
}

func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	// Not CommandContext: the worker must outlive the request that started it.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start worker %s: %w", spec.Argv[0], err)
	}

	pid := cmd.Process.Pid
	l.logger.Debug("worker started", "pid", pid, "argv", spec.Argv, "dir", spec.Dir)

	go func() {
		err := cmd.Wait()
		l.logger.Debug("worker exited", "pid", pid, "err", err)
	}()

	return pid, nil
}
