package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/catalog"
)

func TestValidateCatalog(t *testing.T) {
	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "text"}), catalogDir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Catalog valid: 3 queries")
	assert.Contains(t, out, "todos.byStatus  table=todos filters=status")
	assert.Contains(t, out, "stats.summary  table=todos optimistic=false")
}

func TestValidateCatalogJSON(t *testing.T) {
	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "json"}), catalogDir)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Len(t, resp.Data.Queries, 3)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "text"}),
		filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, catalog.ErrCodeNotFound)
}

func TestValidateInvalidCatalogJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.cue"), []byte(`
query: "todos.list": {
	table: 42
}
`), 0644))

	out, err := execute(t, NewValidateCommand(&RootOptions{Format: "json"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, catalog.ErrCodeTable, resp.Error.Code)
}
