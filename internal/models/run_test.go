package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateLenientNumbers(t *testing.T) {
	tests := []struct {
		name     string
		fields   string
		pid      int
		exitCode *int
	}{
		{"integers", `"pid":12,"exit_code":0`, 12, intPtr(0)},
		{"whole floats", `"pid":12.0,"exit_code":1.0`, 12, intPtr(1)},
		{"numeric strings", `"pid":"123","exit_code":" 2 "`, 123, intPtr(2)},
		{"garbage", `"pid":"abc","exit_code":true`, 0, nil},
		{"nulls", `"pid":null,"exit_code":null`, 0, nil},
		{"absent", ``, 0, nil},
		{"out of range", `"pid":1e30`, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := `{"run_id":"r1","status":"running"`
			if tt.fields != "" {
				doc += "," + tt.fields
			}
			var state RunState
			require.NoError(t, json.Unmarshal([]byte(doc+"}"), &state))
			assert.Equal(t, "r1", state.RunID)
			assert.Equal(t, RunStatusRunning, state.Status)
			assert.Equal(t, tt.pid, state.PID)
			assert.Equal(t, tt.exitCode, state.ExitCode)
		})
	}
}

func TestRunStateRejectsNonObject(t *testing.T) {
	var state RunState
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &state))
	assert.Error(t, json.Unmarshal([]byte(`{"run_id":5}`), &state))
}

func TestLastActivity(t *testing.T) {
	state := &RunState{StartedAt: "2024-01-02T00:00:00Z", UpdatedAt: "garbage"}
	assert.Equal(t, 2, state.LastActivity().Day())

	var missing *RunState
	assert.True(t, missing.LastActivity().IsZero())
}

func intPtr(v int) *int { return &v }
