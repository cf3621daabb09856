package coedit

import (
	"encoding/json"
	"fmt"
)

/*
The OT engine is an external collaborator. The pipeline treats operation
payloads as opaque and only requires:
- Transform returns a NEW operation whose effect accounts for every
  operation in context having been applied first. The input operation is
  never mutated, so a commit retry can re-transform the original against a
  fresh context.
- Apply folds committed operations into a loaded document during import.

PositionTransformer below is a reference engine over plain-text
retain/insert/delete payloads. It is used by the tests and by development
wiring; production deployments inject the editor's real engine.
*/

type Transformer interface {
	Transform(op *Operation, context []*Operation) (*Operation, error)
}

type Applier interface {
	Apply(sfdt json.RawMessage, ops []*Operation) (json.RawMessage, error)
}

const (
	ActionInsert = "insert"
	ActionDelete = "delete"
	ActionFormat = "format"
)

type TextOp struct {
	Action string `json:"action"`
	Offset int    `json:"offset"`
	Text   string `json:"text,omitempty"`
	Length int    `json:"length,omitempty"`
}

type textDocument struct {
	Text string `json:"text"`
}

type PositionTransformer struct {
}

func NewPositionTransformer() *PositionTransformer {
	return &PositionTransformer{}
}

func (self *PositionTransformer) Transform(op *Operation, context []*Operation) (*Operation, error) {
	out := op.Clone()
	if len(context) == 0 {
		out.IsTransformed = true
		return out, nil
	}

	textOps, err := decodeTextOps(out.Operations)
	if err != nil {
		return nil, err
	}
	for _, prior := range context {
		priorOps, err := decodeTextOps(prior.Operations)
		if err != nil {
			return nil, err
		}
		for _, priorOp := range priorOps {
			for i := range textOps {
				textOps[i] = shift(textOps[i], priorOp)
			}
		}
	}

	encoded, err := json.Marshal(textOps)
	if err != nil {
		return nil, err
	}
	out.Operations = encoded
	out.IsTransformed = true
	return out, nil
}

// adjusts the position of op for an earlier op having been applied first
func shift(op TextOp, earlier TextOp) TextOp {
	switch earlier.Action {
	case ActionInsert:
		if earlier.Offset <= op.Offset {
			op.Offset += len(earlier.Text)
		}
	case ActionDelete:
		if earlier.Offset < op.Offset {
			removed := min(earlier.Length, op.Offset-earlier.Offset)
			op.Offset -= removed
		}
	}
	return op
}

func (self *PositionTransformer) Apply(sfdt json.RawMessage, ops []*Operation) (json.RawMessage, error) {
	doc := &textDocument{}
	if len(sfdt) > 0 {
		if err := json.Unmarshal(sfdt, doc); err != nil {
			return nil, err
		}
	}

	for _, op := range ops {
		textOps, err := decodeTextOps(op.Operations)
		if err != nil {
			return nil, err
		}
		for _, textOp := range textOps {
			doc.Text = applyTextOp(doc.Text, textOp)
		}
	}

	return json.Marshal(doc)
}

func applyTextOp(text string, op TextOp) string {
	offset := op.Offset
	if offset < 0 {
		offset = 0
	}
	if len(text) < offset {
		offset = len(text)
	}
	switch op.Action {
	case ActionInsert:
		return text[:offset] + op.Text + text[offset:]
	case ActionDelete:
		end := offset + op.Length
		if len(text) < end {
			end = len(text)
		}
		return text[:offset] + text[end:]
	}
	return text
}

func decodeTextOps(payload json.RawMessage) ([]TextOp, error) {
	if len(payload) == 0 {
		return []TextOp{}, nil
	}
	textOps := []TextOp{}
	if err := json.Unmarshal(payload, &textOps); err != nil {
		return nil, fmt.Errorf("cannot decode text ops: %w", err)
	}
	return textOps, nil
}
