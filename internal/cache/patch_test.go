package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/livesync/internal/ir"
)

func TestCreatePatch_AppendsToRecordList(t *testing.T) {
	in := []ir.Record{todo(1, "a")}
	out := CreatePatch(todo(2, "b"), nil)(in)

	assert.Equal(t, []ir.Record{todo(1, "a"), todo(2, "b")}, out)
	assert.Len(t, in, 1, "input must not be modified")
}

func TestCreatePatch_AppendsToAnyList(t *testing.T) {
	in := []any{map[string]any{"id": 1}}
	out := CreatePatch(ir.Record{"id": 2}, nil)(in)

	assert.Equal(t, []any{map[string]any{"id": 1}, map[string]any{"id": 2}}, out)
}

func TestCreatePatch_ReplacesExistingID(t *testing.T) {
	in := []ir.Record{todo(1, "a"), todo(2, "b")}
	out := CreatePatch(ir.Record{"id": int64(2), "text": "server"}, nil)(in)

	assert.Equal(t, []ir.Record{todo(1, "a"), {"id": int64(2), "text": "server"}}, out)
}

func TestCreatePatch_RespectsMatch(t *testing.T) {
	in := []ir.Record{}
	open := func(r ir.Record) bool { return r["status"] == "open" }

	out := CreatePatch(ir.Record{"id": 1, "status": "closed"}, open)(in)
	assert.Equal(t, []ir.Record{}, out)

	out = CreatePatch(ir.Record{"id": 1, "status": "open"}, open)(in)
	assert.Len(t, out, 1)
}

func TestCreatePatch_LeavesNonListValues(t *testing.T) {
	p := CreatePatch(todo(1, "a"), nil)
	assert.Nil(t, p(nil))
	assert.Equal(t, 42, p(42))
	assert.Equal(t, ir.Record{"id": 7}, p(ir.Record{"id": 7}))
}

func TestCreatePatch_DoesNotAliasRecord(t *testing.T) {
	rec := todo(1, "a")
	p := CreatePatch(rec, nil)
	rec["text"] = "mutated by caller"

	out := p([]ir.Record{}).([]ir.Record)
	assert.Equal(t, "a", out[0]["text"])
}

func TestUpdatePatch_MergesByID(t *testing.T) {
	in := []ir.Record{todo(1, "a"), todo(2, "b")}
	out := UpdatePatch(ir.Record{"id": 2, "done": true}, nil)(in)

	assert.Equal(t, []ir.Record{todo(1, "a"), {"id": 2, "text": "b", "done": true}}, out)
	assert.Equal(t, todo(2, "b"), in[1], "input row must not be modified")
}

func TestUpdatePatch_RemovesRowThatNoLongerMatches(t *testing.T) {
	open := func(r ir.Record) bool { return r["status"] == "open" }
	in := []any{
		map[string]any{"id": 1, "status": "open"},
		map[string]any{"id": 2, "status": "open"},
	}
	out := UpdatePatch(ir.Record{"id": 1, "status": "closed"}, open)(in)

	assert.Equal(t, []any{map[string]any{"id": 2, "status": "open"}}, out)
}

func TestUpdatePatch_SingleRecord(t *testing.T) {
	p := UpdatePatch(ir.Record{"id": 1, "text": "new"}, nil)

	assert.Equal(t, ir.Record{"id": 1, "text": "new"}, p(ir.Record{"id": 1, "text": "old"}))
	assert.Equal(t, ir.Record{"id": 2, "text": "old"}, p(ir.Record{"id": 2, "text": "old"}))
}

func TestUpdatePatch_WithoutIDIsNoop(t *testing.T) {
	in := []ir.Record{todo(1, "a")}
	out := UpdatePatch(ir.Record{"text": "x"}, nil)(in)
	assert.Equal(t, in, out)
}

func TestUpdatePatch_UnknownRow(t *testing.T) {
	in := []ir.Record{todo(1, "a")}
	out := UpdatePatch(ir.Record{"id": 5, "text": "x"}, nil)(in)
	assert.Equal(t, in, out)
}

func TestDeletePatch(t *testing.T) {
	records := []ir.Record{todo(1, "a"), todo(2, "b")}
	assert.Equal(t, []ir.Record{todo(2, "b")}, DeletePatch(1.0)(records))
	assert.Equal(t, records, DeletePatch(9)(records))

	list := []any{map[string]any{"id": "x"}, "not a record"}
	assert.Equal(t, []any{"not a record"}, DeletePatch("x")(list))
	assert.Equal(t, "scalar", DeletePatch(1)("scalar"))
}
