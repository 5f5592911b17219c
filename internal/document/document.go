package document

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/splitsync/splitsync/internal/model"
)

// Origin tags the producer of a change: LocalOrigin for mutations made
// on this device, or an opaque per-session tag for merged remote
// updates. Tag equality is the whole contract; see the package comment.
type Origin string

// LocalOrigin marks changes produced by this device's own mutations.
const LocalOrigin Origin = "local"

// Change describes one applied mutation batch. Payload is the canonical
// ops envelope that reproduces the batch on another replica; sessions
// forward it verbatim.
type Change struct {
	Collections []model.Collection
	Origin      Origin
	Payload     []byte
}

// Document is the in-memory replicated state of one account. All methods
// are safe for concurrent use; change subscribers run synchronously
// after the mutation, outside the state lock.
type Document struct {
	mu    sync.Mutex
	actor string
	clock *Clock
	cols  map[model.Collection]*collectionState

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

type collectionState struct {
	order []string
	live  map[string]entry
	dead  map[string]Stamp
	// syncKeys indexes live records by SyncKey for duplicate detection.
	syncKeys map[string]string
}

type entry struct {
	rec   model.Record
	stamp Stamp
}

func newCollectionState() *collectionState {
	return &collectionState{
		live:     make(map[string]entry),
		dead:     make(map[string]Stamp),
		syncKeys: make(map[string]string),
	}
}

// New creates an empty document for the given actor (device) id.
func New(actor string) *Document {
	d := &Document{
		actor: actor,
		clock: NewClock(),
		cols:  make(map[model.Collection]*collectionState),
		subs:  make(map[int]func(Change)),
	}
	for _, c := range model.Collections() {
		d.cols[c] = newCollectionState()
	}
	return d
}

// Actor returns the device id this document stamps local writes with.
func (d *Document) Actor() string { return d.actor }

// Subscribe registers fn for change events and returns a cancel func.
func (d *Document) Subscribe(fn func(Change)) (cancel func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Document) emit(ch Change) {
	d.subMu.Lock()
	fns := make([]func(Change), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// Append adds a record to the end of a collection.
func (d *Document) Append(c model.Collection, rec model.Record) error {
	return d.mutate(c, func(cs *collectionState) ([]decodedOp, error) {
		if rec.Key() == "" {
			return nil, fmt.Errorf("append to %q: record has empty id", c)
		}
		op := decodedOp{
			op:         opPut,
			collection: c,
			id:         rec.Key(),
			index:      -1,
			record:     rec,
			stamp:      Stamp{Counter: d.clock.Tick(), Actor: d.actor},
		}
		return []decodedOp{op}, nil
	})
}

// RemoveByID deletes a record from a collection. Removing an id that is
// not present is an error; the UI only deletes what it can see.
func (d *Document) RemoveByID(c model.Collection, id string) error {
	return d.mutate(c, func(cs *collectionState) ([]decodedOp, error) {
		if _, ok := cs.live[id]; !ok {
			return nil, fmt.Errorf("remove from %q: no record with id %q", c, id)
		}
		op := decodedOp{
			op:         opDel,
			collection: c,
			id:         id,
			index:      -1,
			stamp:      Stamp{Counter: d.clock.Tick(), Actor: d.actor},
		}
		return []decodedOp{op}, nil
	})
}

// ReplaceByID updates a record by removing it and reinserting the
// updater's result at the same display index.
//
// Known limitation: because the update replaces the whole record,
// concurrent edits to different fields of the same record on two devices
// resolve as last-full-record-write-wins. The losing device's edit is
// discarded entirely, including fields the winning write never touched.
func (d *Document) ReplaceByID(c model.Collection, id string, updater func(model.Record) model.Record) error {
	return d.mutate(c, func(cs *collectionState) ([]decodedOp, error) {
		old, ok := cs.live[id]
		if !ok {
			return nil, fmt.Errorf("replace in %q: no record with id %q", c, id)
		}
		updated := updater(old.rec)
		if updated.Key() != id {
			return nil, fmt.Errorf("replace in %q: updater changed id %q to %q", c, id, updated.Key())
		}
		idx := cs.indexOf(id)
		op := decodedOp{
			op:         opPut,
			collection: c,
			id:         id,
			index:      idx,
			record:     updated,
			stamp:      Stamp{Counter: d.clock.Tick(), Actor: d.actor},
		}
		return []decodedOp{op}, nil
	})
}

// mutate runs a single-collection local mutation: build ops under the
// lock, apply them, then emit one change event.
func (d *Document) mutate(c model.Collection, build func(*collectionState) ([]decodedOp, error)) error {
	if !model.Valid(c) {
		return fmt.Errorf("unknown collection %q", c)
	}
	d.mu.Lock()
	ops, err := build(d.cols[c])
	if err != nil {
		d.mu.Unlock()
		return err
	}
	applied := d.applyLocked(ops)
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	payload, err := encodeOps(applied)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	d.emit(Change{Collections: changedCollections(applied), Origin: LocalOrigin, Payload: payload})
	return nil
}

// ImportBatch appends records across collections as one atomic batch:
// a single change event fires and either the whole batch is visible or
// none of it. Used by legacy migration.
func (d *Document) ImportBatch(batch map[model.Collection][]model.Record) error {
	var ops []decodedOp
	d.mu.Lock()
	for _, c := range model.Collections() {
		for _, rec := range batch[c] {
			if rec.Key() == "" {
				d.mu.Unlock()
				return fmt.Errorf("import into %q: record has empty id", c)
			}
			ops = append(ops, decodedOp{
				op:         opPut,
				collection: c,
				id:         rec.Key(),
				index:      -1,
				record:     rec,
				stamp:      Stamp{Counter: d.clock.Tick(), Actor: d.actor},
			})
		}
	}
	applied := d.applyLocked(ops)
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	payload, err := encodeOps(applied)
	if err != nil {
		return fmt.Errorf("encode import: %w", err)
	}
	d.emit(Change{Collections: changedCollections(applied), Origin: LocalOrigin, Payload: payload})
	return nil
}

// Snapshot returns the collection's live records in display order.
func (d *Document) Snapshot(c model.Collection) []model.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.cols[c]
	if !ok {
		return nil
	}
	out := make([]model.Record, 0, len(cs.order))
	for _, id := range cs.order {
		out = append(out, cs.live[id].rec)
	}
	return out
}

// SyncKeys returns the live sync ids in a collection. Migration uses
// this to compute its import set difference.
func (d *Document) SyncKeys(c model.Collection) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.cols[c]
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(cs.syncKeys))
	for k := range cs.syncKeys {
		out[k] = true
	}
	return out
}

// EncodeFullState serializes the complete replica state, tombstones
// included, as a context-free payload any peer can merge regardless of
// how long it has been offline.
func (d *Document) EncodeFullState() ([]byte, error) {
	d.mu.Lock()
	env := d.stateEnvelopeLocked(model.Collections())
	d.mu.Unlock()
	return marshalCanonical(env)
}

// EncodeCollection serializes a single collection as a state payload.
// The durability layer persists one of these per collection; restoring
// is an ordinary ApplyRemote merge.
func (d *Document) EncodeCollection(c model.Collection) ([]byte, error) {
	if !model.Valid(c) {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	d.mu.Lock()
	env := d.stateEnvelopeLocked([]model.Collection{c})
	d.mu.Unlock()
	return marshalCanonical(env)
}

func (d *Document) stateEnvelopeLocked(cols []model.Collection) stateEnvelope {
	env := stateEnvelope{
		Kind:        kindState,
		Counter:     d.clock.Current(),
		Collections: make(map[model.Collection]*wireCollection, len(cols)),
	}
	for _, c := range cols {
		cs := d.cols[c]
		wc := &wireCollection{
			Order: append(make([]string, 0, len(cs.order)), cs.order...),
			Live:  make(map[string]wireEntry, len(cs.live)),
		}
		for id, e := range cs.live {
			raw, err := json.Marshal(e.rec)
			if err != nil {
				// Records are plain value structs; marshal cannot fail
				// for them, but keep the entry out rather than panic.
				continue
			}
			wc.Live[id] = wireEntry{Record: raw, Stamp: e.stamp}
		}
		if len(cs.dead) > 0 {
			wc.Dead = make(map[string]Stamp, len(cs.dead))
			for id, s := range cs.dead {
				wc.Dead[id] = s
			}
		}
		env.Collections[c] = wc
	}
	return env
}

// ApplyRemote merges a payload produced by a peer's EncodeFullState or
// change events. The merge is context-free, commutative, and idempotent;
// a payload that fails validation is rejected atomically with a
// MergeError and the document is left untouched. The resulting change
// event (if anything applied) carries origin so the sync layer can
// suppress echo back to the producing session.
func (d *Document) ApplyRemote(payload []byte, origin Origin) error {
	var probe envelopeProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return newMergeError(ErrCodeMalformed, "", "payload is not a JSON envelope", err)
	}

	var (
		ops     []decodedOp
		counter uint64
		err     error
	)
	switch probe.Kind {
	case kindOps:
		var env opsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return newMergeError(ErrCodeMalformed, "", "ops envelope undecodable", err)
		}
		ops, err = decodeOps(env)
	case kindState:
		var env stateEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return newMergeError(ErrCodeMalformed, "", "state envelope undecodable", err)
		}
		for c := range env.Collections {
			if !model.Valid(c) {
				return newMergeError(ErrCodeUnknownCollection, string(c), "state names unknown collection", nil)
			}
		}
		counter = env.Counter
		ops, err = decodeState(env)
	default:
		return newMergeError(ErrCodeUnknownKind, "", fmt.Sprintf("unknown envelope kind %q", probe.Kind), nil)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	applied := d.applyLocked(ops)
	d.clock.Observe(counter)
	d.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	outPayload, err := encodeOps(applied)
	if err != nil {
		return fmt.Errorf("encode applied ops: %w", err)
	}
	d.emit(Change{Collections: changedCollections(applied), Origin: origin, Payload: outPayload})
	return nil
}

// applyLocked applies validated ops under the stamp rules and returns
// the subset that actually changed state. Ops that lose LWW or repeat
// something already seen are skipped, which is what makes reapplying a
// batch a no-op and keeps relay loops from amplifying.
func (d *Document) applyLocked(ops []decodedOp) []decodedOp {
	applied := make([]decodedOp, 0, len(ops))
	for _, op := range ops {
		cs := d.cols[op.collection]
		var changed bool
		switch op.op {
		case opPut:
			changed = cs.applyPut(op.id, op.index, op.record, op.stamp)
		case opDel:
			changed = cs.applyDel(op.id, op.stamp)
		}
		if changed {
			d.clock.Observe(op.stamp.Counter)
			applied = append(applied, op)
		}
	}
	return applied
}

func (cs *collectionState) knownStamp(id string) (Stamp, bool) {
	if e, ok := cs.live[id]; ok {
		return e.stamp, true
	}
	if s, ok := cs.dead[id]; ok {
		return s, true
	}
	return Stamp{}, false
}

// applyPut inserts or replaces a record if the stamp wins. A put whose
// syncId duplicates a live record under a different id resolves
// deterministically: the smaller id survives so every replica converges
// on the same copy without coordination.
func (cs *collectionState) applyPut(id string, index int, rec model.Record, stamp Stamp) bool {
	if known, ok := cs.knownStamp(id); ok && !stamp.Newer(known) {
		return false
	}

	if key := rec.SyncKey(); key != "" {
		if otherID, ok := cs.syncKeys[key]; ok && otherID != id {
			if id < otherID {
				cs.forceRemove(otherID, stamp)
			} else {
				// The other copy wins; tombstone this id so replays of
				// the same put stay no-ops.
				cs.dead[id] = stamp
				return true
			}
		}
	}

	_, wasLive := cs.live[id]
	delete(cs.dead, id)
	cs.live[id] = entry{rec: rec, stamp: stamp}
	if key := rec.SyncKey(); key != "" {
		cs.syncKeys[key] = id
	}
	if !wasLive {
		if index >= 0 && index < len(cs.order) {
			cs.order = append(cs.order, "")
			copy(cs.order[index+1:], cs.order[index:])
			cs.order[index] = id
		} else {
			cs.order = append(cs.order, id)
		}
	}
	return true
}

func (cs *collectionState) applyDel(id string, stamp Stamp) bool {
	if known, ok := cs.knownStamp(id); ok && !stamp.Newer(known) {
		return false
	}
	if e, ok := cs.live[id]; ok {
		if key := e.rec.SyncKey(); key != "" && cs.syncKeys[key] == id {
			delete(cs.syncKeys, key)
		}
		delete(cs.live, id)
		cs.order = removeID(cs.order, id)
	}
	cs.dead[id] = stamp
	return true
}

// forceRemove evicts a live record regardless of stamps. It exists for
// syncId collisions, where the losing copy is chosen by id comparison
// rather than LWW so every replica evicts the same one. The tombstone
// keeps the newer of the two stamps so the eviction cannot be undone by
// a replay of either write.
func (cs *collectionState) forceRemove(id string, stamp Stamp) {
	if e, ok := cs.live[id]; ok {
		if e.stamp.Newer(stamp) {
			stamp = e.stamp
		}
		if key := e.rec.SyncKey(); key != "" && cs.syncKeys[key] == id {
			delete(cs.syncKeys, key)
		}
		delete(cs.live, id)
		cs.order = removeID(cs.order, id)
	}
	if known, ok := cs.dead[id]; !ok || stamp.Newer(known) {
		cs.dead[id] = stamp
	}
}

func (cs *collectionState) indexOf(id string) int {
	for i, v := range cs.order {
		if v == id {
			return i
		}
	}
	return -1
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func changedCollections(ops []decodedOp) []model.Collection {
	seen := make(map[model.Collection]bool, 3)
	var out []model.Collection
	for _, op := range ops {
		if !seen[op.collection] {
			seen[op.collection] = true
			out = append(out, op.collection)
		}
	}
	return out
}
