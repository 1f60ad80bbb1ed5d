package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestTerminateRejectsBadPID(t *testing.T) {
	assert.Error(t, Terminate(0))
}

func TestLaunchDetachedWorker(t *testing.T) {
	dir := t.TempDir()
	l := NewExecLauncher(nil)

	pid, err := l.Launch(context.Background(), Spec{
		Argv: []string{"/bin/sh", "-c", "pwd > out.txt; exec sleep 30"},
		Dir:  dir,
	})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	assert.True(t, Alive(pid))

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
		return err == nil && len(data) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, Terminate(pid))
	assert.Eventually(t, func() bool { return !Alive(pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestLaunchEmptyArgv(t *testing.T) {
	_, err := NewExecLauncher(nil).Launch(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestLaunchMissingBinary(t *testing.T) {
	_, err := NewExecLauncher(nil).Launch(context.Background(), Spec{
		Argv: []string{filepath.Join(t.TempDir(), "does-not-exist")},
	})
	assert.Error(t, err)
}

func TestLaunchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecLauncher(nil).Launch(ctx, Spec{Argv: []string{"/bin/true"}})
	assert.ErrorIs(t, err, context.Canceled)
}
