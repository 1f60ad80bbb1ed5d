package runstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeState(t *testing.T, root, runID, content string) {
	t.Helper()
	dir := filepath.Join(root, ".studio", "runs", runID, "state")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.json"), []byte(content), 0644))
}

func newTestReader(alive map[int]bool) *Reader {
	r := NewReader(".studio")
	r.alive = func(pid int) bool { return alive[pid] }
	return r
}

func TestReadMissingState(t *testing.T) {
	res, err := newTestReader(nil).Read(t.TempDir(), "nope")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Nil(t, res.State)
	assert.False(t, res.PIDAlive)
}

func TestReadUnparsableState(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "r1", "{not json")

	res, err := newTestReader(nil).Read(root, "r1")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Nil(t, res.State)
}

func TestReadNonObjectState(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "r1", "null")

	res, err := newTestReader(nil).Read(root, "r1")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestReadState(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "r1", `{"run_id":"r1","stage":"plan","status":"running","pid":4242,"exit_code":null,"extra":"ignored"}`)

	res, err := newTestReader(map[int]bool{4242: true}).Read(root, "r1")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "plan", res.State.Stage)
	assert.EqualValues(t, "running", res.State.Status)
	assert.Equal(t, 4242, res.State.PID)
	assert.Nil(t, res.State.ExitCode)
	assert.True(t, res.PIDAlive)
}

func TestReadOffTypePID(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "r1", `{"run_id":"r1","status":"running","pid":"4242","exit_code":"n/a"}`)

	res, err := newTestReader(map[int]bool{4242: true}).Read(root, "r1")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 4242, res.State.PID)
	assert.Nil(t, res.State.ExitCode)
	assert.True(t, res.PIDAlive)
}

func TestReadDeadPID(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "r1", `{"run_id":"r1","status":"done","pid":4242}`)

	res, err := newTestReader(map[int]bool{}).Read(root, "r1")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.PIDAlive)
}

func TestReadRejectsBadRunID(t *testing.T) {
	_, err := newTestReader(nil).Read(t.TempDir(), "../etc")
	assert.Error(t, err)
}

func TestListOrdering(t *testing.T) {
	root := t.TempDir()
	writeState(t, root, "a", `{"run_id":"a","started_at":"2024-01-01T00:00:00+00:00","updated_at":"2024-01-03T00:00:00+00:00"}`)
	writeState(t, root, "b", `{"run_id":"b","started_at":"2024-01-02T00:00:00+00:00"}`)
	writeState(t, root, "c", `{"run_id":"c","updated_at":"garbage"}`)
	writeState(t, root, "d", `{"run_id":"d","started_at":"2024-01-02T00:00:00Z"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".studio", "runs", "e"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".studio", "runs", "stray.txt"), nil, 0644))

	list, err := newTestReader(nil).List(root, 50)
	require.NoError(t, err)

	var ids []string
	for _, s := range list {
		ids = append(ids, s.RunID)
	}
	// b and d tie on time and fall back to descending id; c and e have no
	// usable timestamp.
	assert.Equal(t, []string{"a", "d", "b", "e", "c"}, ids)
	assert.Nil(t, list[3].State)
	assert.NotNil(t, list[4].State)
}

func TestListLimitClamp(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"r1", "r2", "r3"} {
		writeState(t, root, id, `{"run_id":"`+id+`"}`)
	}
	r := newTestReader(nil)

	list, err := r.List(root, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "r3", list[0].RunID)

	list, err = r.List(root, 1000)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestListNoRuns(t *testing.T) {
	list, err := newTestReader(nil).List(t.TempDir(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}
