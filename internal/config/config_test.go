package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
db: app.db
log_level: debug
engine:
  drain_policy: stop
  idle_capacity: 8
  retry:
    attempts: 5
    base_delay: 10ms
    max_delay: 1s
`))
	require.NoError(t, err)

	assert.Equal(t, "app.db", cfg.DB)
	assert.Equal(t, "stop", cfg.Engine.DrainPolicy)
	assert.Equal(t, 8, cfg.Engine.IdleCapacity)
	assert.Equal(t, 5, cfg.Engine.Retry.Attempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Engine.Retry.BaseDelay)
	assert.Equal(t, time.Second, cfg.Engine.Retry.MaxDelay)
	assert.Equal(t, Default().Engine.HistorySize, cfg.Engine.HistorySize, "unset fields keep defaults")

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	assert.NotEmpty(t, cfg.EngineOptions())
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("engine:\n  drain: stop\n"))
	assert.Error(t, err)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad policy", "engine:\n  drain_policy: sometimes\n"},
		{"bad level", "log_level: loud\n"},
		{"negative capacity", "engine:\n  idle_capacity: -1\n"},
		{"base above max", "engine:\n  retry:\n    base_delay: 5s\n    max_delay: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ResolvesCatalogRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog: catalog\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "catalog"), cfg.Catalog)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
