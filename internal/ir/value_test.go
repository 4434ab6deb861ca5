package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedKeysRFC8785Order(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 1, "a": 2, "aa": 3, "A": 4})
	assert.Equal(t, []string{"A", "a", "aa", "b"}, keys)
}

func TestCompareKeysRFC8785(t *testing.T) {
	assert.Equal(t, 0, compareKeysRFC8785("x", "x"))
	assert.Equal(t, -1, compareKeysRFC8785("a", "ab"))
	assert.Equal(t, 1, compareKeysRFC8785("b", "a"))
	assert.Equal(t, -1, compareKeysRFC8785("𐀀", "\uE000"))
}

func TestCloneRecordIsDeep(t *testing.T) {
	orig := Record{
		"id":   1,
		"tags": []any{"a"},
		"meta": map[string]any{"n": 1},
	}
	clone := CloneRecord(orig)

	clone["tags"].([]any)[0] = "changed"
	clone["meta"].(map[string]any)["n"] = 2

	assert.Equal(t, "a", orig["tags"].([]any)[0])
	assert.Equal(t, 1, orig["meta"].(map[string]any)["n"])
	assert.Nil(t, CloneRecord(nil))
}

func TestMergeRecord(t *testing.T) {
	base := Record{"id": 1, "text": "a", "done": false}
	merged := MergeRecord(base, Record{"done": true})

	assert.Equal(t, Record{"id": 1, "text": "a", "done": true}, merged)
	assert.Equal(t, false, base["done"], "base must not be modified")
}

func TestSameID(t *testing.T) {
	assert.True(t, SameID(1, int64(1)))
	assert.True(t, SameID(1, 1.0))
	assert.True(t, SameID("a", "a"))
	assert.False(t, SameID("1", 1))
	assert.False(t, SameID(nil, nil))
}

func TestSameValue(t *testing.T) {
	assert.True(t, SameValue(nil, nil))
	assert.True(t, SameValue(true, true))
	assert.True(t, SameValue(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2.0, "a": 1}))
	assert.False(t, SameValue("open", "closed"))
	assert.False(t, SameValue(func() {}, func() {}))
}

func TestIDOf(t *testing.T) {
	id, ok := IDOf(Record{"id": "x"})
	assert.True(t, ok)
	assert.Equal(t, "x", id)

	_, ok = IDOf(Record{"text": "no id"})
	assert.False(t, ok)

	_, ok = IDOf(Record{"id": nil})
	assert.False(t, ok)
}

func TestIDString(t *testing.T) {
	s, err := IDString("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	s, err = IDString(int64(42))
	require.NoError(t, err)
	assert.Equal(t, "42", s)
}

func TestDecodeRecordNormalizesNumbers(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id":1,"ratio":0.5,"tags":[2],"nested":{"n":3}}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec["id"])
	assert.Equal(t, 0.5, rec["ratio"])
	assert.Equal(t, []any{int64(2)}, rec["tags"])
	assert.Equal(t, map[string]any{"n": int64(3)}, rec["nested"])
}

func TestDecodeRecordRejectsNonObject(t *testing.T) {
	_, err := DecodeRecord([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusApplied.Terminal())
	assert.True(t, StatusSynced.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestMutationCloneIsIndependent(t *testing.T) {
	m := Mutation{ID: "m1", Payload: Record{"id": 1}, OptimisticRef: []QueryKey{"k"}}
	c := m.Clone()
	c.Payload["id"] = 2
	c.OptimisticRef[0] = "other"

	assert.Equal(t, 1, m.Payload["id"])
	assert.Equal(t, QueryKey("k"), m.OptimisticRef[0])
}
