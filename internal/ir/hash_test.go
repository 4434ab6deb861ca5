package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryKeyParamOrderIndependence(t *testing.T) {
	k1, err := QueryKeyFor("todos.list", map[string]any{"status": "open", "limit": 10})
	require.NoError(t, err)

	k2, err := QueryKeyFor("todos.list", map[string]any{"limit": 10, "status": "open"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "param order must not affect the key")
	assert.Len(t, string(k1), 64, "SHA-256 hex is 64 characters")
}

func TestQueryKeyNumericForms(t *testing.T) {
	k1 := MustQueryKey("todos.list", map[string]any{"limit": 10})
	k2 := MustQueryKey("todos.list", map[string]any{"limit": int64(10)})
	k3 := MustQueryKey("todos.list", map[string]any{"limit": 10.0})

	assert.Equal(t, k1, k2)
	assert.Equal(t, k1, k3)
}

func TestQueryKeyNilParamsEqualsEmpty(t *testing.T) {
	assert.Equal(t, MustQueryKey("notes.list", nil), MustQueryKey("notes.list", map[string]any{}))
}

func TestQueryKeyDiffers(t *testing.T) {
	base := MustQueryKey("todos.list", map[string]any{"status": "open"})

	assert.NotEqual(t, base, MustQueryKey("todos.list", map[string]any{"status": "closed"}))
	assert.NotEqual(t, base, MustQueryKey("todos.count", map[string]any{"status": "open"}))
	assert.NotEqual(t, base, MustQueryKey("todos.list", nil))
}

func TestQueryKeyRequiresName(t *testing.T) {
	_, err := QueryKeyFor("", nil)
	assert.Error(t, err)
}

func TestQueryKeyRejectsBadParams(t *testing.T) {
	_, err := QueryKeyFor("todos.list", map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestValueHashDeterministic(t *testing.T) {
	h1, err := ValueHash([]Record{{"id": 1, "text": "a"}})
	require.NoError(t, err)
	h2, err := ValueHash([]any{map[string]any{"text": "a", "id": int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
