package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScenarioText(t *testing.T) {
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		filepath.Join(scenariosDir, "offline_replay.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "Scenario: offline_replay")
	assert.Contains(t, out, "event:queued")
	assert.Contains(t, out, "m-2")
	assert.Contains(t, out, `{"id":1,"text":"edited"}`)
	assert.Contains(t, out, "PASS")
}

func TestRunScenarioJSON(t *testing.T) {
	out, err := execute(t, NewRunCommand(&RootOptions{Format: "json"}),
		filepath.Join(scenariosDir, "optimistic_create.yaml"))
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Pass)

	golden, err := os.ReadFile(filepath.Join(goldenDir, "optimistic_create.golden"))
	require.NoError(t, err)
	assert.JSONEq(t, string(golden), string(resp.Data.Snapshot))
}

func TestRunFailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: fail
description: "expects a sync that the backend rejects"
steps:
  - mutate: delete
    table: todos
    data: { id: 1 }
    expect: synced
assertions:
  - type: pending_count
    count: 0
`), 0644))

	out, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "expected synced, got rejected")
}

func TestRunMissingScenario(t *testing.T) {
	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text"}),
		filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunWithConfigAndDump(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "backend.db")
	cfgPath := filepath.Join(dir, "livesync.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: warn\nengine:\n  drain_policy: continue\n"), 0644))

	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text", Config: cfgPath}),
		"--db", dbPath, filepath.Join(scenariosDir, "offline_replay.yaml"))
	require.NoError(t, err)

	out, err := execute(t, NewDumpCommand(&RootOptions{Format: "text"}), "--db", dbPath, "todos")
	require.NoError(t, err)
	assert.Contains(t, out, "todos (2)")
	assert.Contains(t, out, `{"id":2,"text":"offline"}`)

	out, err = execute(t, NewDumpCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--log")
	require.NoError(t, err)
	var resp struct {
		Data DumpResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Applied, 3)
	assert.Equal(t, "m-1", resp.Data.Applied[1].ID)
	assert.Equal(t, "m-2", resp.Data.Applied[2].ID)
}

func TestRunBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_levle: debug\n"), 0644))

	_, err := execute(t, NewRunCommand(&RootOptions{Format: "text", Config: cfgPath}),
		filepath.Join(scenariosDir, "offline_replay.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
