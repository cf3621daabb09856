package coedit

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTransformEmptyContext(t *testing.T) {
	engine := NewPositionTransformer()

	original := &Operation{
		FileId:     "doc",
		Version:    1,
		Operations: insertOp(0, "a"),
	}
	transformed, err := engine.Transform(original, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, transformed.IsTransformed, true)

	// the input is never mutated, so a retry can re-transform it
	assert.Equal(t, original.IsTransformed, false)
}

func TestTransformShiftsForEarlierInsert(t *testing.T) {
	engine := NewPositionTransformer()

	earlier := &Operation{Version: 1, Operations: insertOp(0, "aaa")}
	op := &Operation{Version: 2, Operations: insertOp(0, "b")}

	transformed, err := engine.Transform(op, []*Operation{earlier})
	assert.Equal(t, err, nil)

	textOps, err := decodeTextOps(transformed.Operations)
	assert.Equal(t, err, nil)
	assert.Equal(t, textOps[0].Offset, 3)
}

func TestTransformShiftsForEarlierDelete(t *testing.T) {
	engine := NewPositionTransformer()

	deleteOps, err := json.Marshal([]TextOp{{Action: ActionDelete, Offset: 0, Length: 2}})
	assert.Equal(t, err, nil)
	earlier := &Operation{Version: 1, Operations: deleteOps}
	op := &Operation{Version: 2, Operations: insertOp(5, "x")}

	transformed, err := engine.Transform(op, []*Operation{earlier})
	assert.Equal(t, err, nil)

	textOps, err := decodeTextOps(transformed.Operations)
	assert.Equal(t, err, nil)
	assert.Equal(t, textOps[0].Offset, 3)

	// a delete entirely after the op does not move it
	laterDelete, err := json.Marshal([]TextOp{{Action: ActionDelete, Offset: 9, Length: 2}})
	assert.Equal(t, err, nil)
	transformed, err = engine.Transform(op, []*Operation{{Version: 1, Operations: laterDelete}})
	assert.Equal(t, err, nil)
	textOps, err = decodeTextOps(transformed.Operations)
	assert.Equal(t, err, nil)
	assert.Equal(t, textOps[0].Offset, 5)
}

func TestApplyOperations(t *testing.T) {
	engine := NewPositionTransformer()

	sfdt := json.RawMessage(`{"text":"hello"}`)
	ops := []*Operation{
		{Version: 1, Operations: insertOp(5, " world")},
	}
	applied, err := engine.Apply(sfdt, ops)
	assert.Equal(t, err, nil)

	doc := &textDocument{}
	err = json.Unmarshal(applied, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Text, "hello world")

	deleteOps, err := json.Marshal([]TextOp{{Action: ActionDelete, Offset: 0, Length: 6}})
	assert.Equal(t, err, nil)
	applied, err = engine.Apply(applied, []*Operation{{Version: 2, Operations: deleteOps}})
	assert.Equal(t, err, nil)
	err = json.Unmarshal(applied, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Text, "world")
}

func TestApplyClampsOutOfRange(t *testing.T) {
	engine := NewPositionTransformer()

	applied, err := engine.Apply(json.RawMessage(`{"text":"ab"}`), []*Operation{
		{Version: 1, Operations: insertOp(10, "c")},
	})
	assert.Equal(t, err, nil)

	doc := &textDocument{}
	err = json.Unmarshal(applied, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, doc.Text, "abc")
}
