package document

import (
	"encoding/json"
	"fmt"

	"github.com/splitsync/splitsync/internal/model"
)

// Wire envelope kinds. A payload is either a complete replica state
// (sent once per session at handshake, and persisted by the durability
// layer) or a batch of incremental ops. Both merge through the same
// stamp rules, so a receiver needs no session context to apply either.
const (
	kindState = "state"
	kindOps   = "ops"
)

const (
	opPut = "put"
	opDel = "del"
)

type envelopeProbe struct {
	Kind string `json:"kind"`
}

type opsEnvelope struct {
	Kind string   `json:"kind"`
	Ops  []wireOp `json:"ops"`
}

type wireOp struct {
	Op         string           `json:"op"`
	Collection model.Collection `json:"collection"`
	ID         string           `json:"id"`
	Index      *int             `json:"index,omitempty"`
	Record     json.RawMessage  `json:"record,omitempty"`
	Stamp      Stamp            `json:"stamp"`
}

type stateEnvelope struct {
	Kind        string                               `json:"kind"`
	Counter     uint64                               `json:"counter"`
	Collections map[model.Collection]*wireCollection `json:"collections"`
}

type wireCollection struct {
	Order []string             `json:"order"`
	Live  map[string]wireEntry `json:"live"`
	Dead  map[string]Stamp     `json:"dead,omitempty"`
}

type wireEntry struct {
	Record json.RawMessage `json:"record"`
	Stamp  Stamp           `json:"stamp"`
}

// decodedOp is a fully validated op ready to apply.
type decodedOp struct {
	op         string
	collection model.Collection
	id         string
	index      int // -1 means append
	record     model.Record
	stamp      Stamp
}

// decodeOps validates an ops envelope completely before anything is
// applied, so a malformed batch is rejected as a unit.
func decodeOps(env opsEnvelope) ([]decodedOp, error) {
	out := make([]decodedOp, 0, len(env.Ops))
	for i, op := range env.Ops {
		if !model.Valid(op.Collection) {
			return nil, newMergeError(ErrCodeUnknownCollection, string(op.Collection),
				fmt.Sprintf("op %d references unknown collection", i), nil)
		}
		if op.ID == "" {
			return nil, newMergeError(ErrCodeBadOp, string(op.Collection),
				fmt.Sprintf("op %d has empty id", i), nil)
		}
		d := decodedOp{
			op:         op.Op,
			collection: op.Collection,
			id:         op.ID,
			index:      -1,
			stamp:      op.Stamp,
		}
		if op.Index != nil {
			d.index = *op.Index
		}
		switch op.Op {
		case opPut:
			rec, err := model.DecodeRecord(op.Collection, op.Record)
			if err != nil {
				return nil, newMergeError(ErrCodeBadOp, string(op.Collection),
					fmt.Sprintf("op %d record undecodable", i), err)
			}
			if rec.Key() != op.ID {
				return nil, newMergeError(ErrCodeBadOp, string(op.Collection),
					fmt.Sprintf("op %d record id %q does not match op id %q", i, rec.Key(), op.ID), nil)
			}
			d.record = rec
		case opDel:
			// No record payload.
		default:
			return nil, newMergeError(ErrCodeBadOp, string(op.Collection),
				fmt.Sprintf("op %d has unknown op %q", i, op.Op), nil)
		}
		out = append(out, d)
	}
	return out, nil
}

// decodeState converts a state envelope into the op stream that would
// reproduce it: puts for every live entry in the sender's display order,
// deletes for every tombstone. Validation is complete before any op is
// returned.
func decodeState(env stateEnvelope) ([]decodedOp, error) {
	var out []decodedOp
	for _, c := range model.Collections() {
		wc := env.Collections[c]
		if wc == nil {
			continue
		}
		seen := make(map[string]bool, len(wc.Order))
		for _, id := range wc.Order {
			entry, ok := wc.Live[id]
			if !ok {
				return nil, newMergeError(ErrCodeMalformed, string(c),
					fmt.Sprintf("order references id %q with no live entry", id), nil)
			}
			seen[id] = true
			rec, err := model.DecodeRecord(c, entry.Record)
			if err != nil {
				return nil, newMergeError(ErrCodeBadOp, string(c), "state record undecodable", err)
			}
			if rec.Key() != id {
				return nil, newMergeError(ErrCodeBadOp, string(c),
					fmt.Sprintf("state record id %q filed under %q", rec.Key(), id), nil)
			}
			out = append(out, decodedOp{
				op:         opPut,
				collection: c,
				id:         id,
				index:      -1,
				record:     rec,
				stamp:      entry.Stamp,
			})
		}
		for id := range wc.Live {
			if !seen[id] {
				return nil, newMergeError(ErrCodeMalformed, string(c),
					fmt.Sprintf("live id %q missing from order", id), nil)
			}
		}
		for id, stamp := range wc.Dead {
			out = append(out, decodedOp{
				op:         opDel,
				collection: c,
				id:         id,
				index:      -1,
				stamp:      stamp,
			})
		}
	}
	return out, nil
}

// encodeOps builds the canonical ops payload for a batch of applied ops.
func encodeOps(ops []decodedOp) ([]byte, error) {
	env := opsEnvelope{Kind: kindOps, Ops: make([]wireOp, 0, len(ops))}
	for _, d := range ops {
		w := wireOp{
			Op:         d.op,
			Collection: d.collection,
			ID:         d.id,
			Stamp:      d.stamp,
		}
		if d.index >= 0 {
			idx := d.index
			w.Index = &idx
		}
		if d.record != nil {
			raw, err := marshalCanonical(d.record)
			if err != nil {
				return nil, err
			}
			w.Record = raw
		}
		env.Ops = append(env.Ops, w)
	}
	return marshalCanonical(env)
}
