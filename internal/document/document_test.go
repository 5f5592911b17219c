package document

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitsync/splitsync/internal/model"
)

func expense(id, syncID, desc string, amount string) model.Expense {
	return model.Expense{
		ID:          id,
		Description: desc,
		Amount:      decimal.RequireFromString(amount),
		Date:        "2024-01-01",
		SplitType:   model.SplitEqual,
		SyncID:      syncID,
		YearMonth:   "2024-01",
		CreatedAt:   1704067200000,
	}
}

// capture subscribes to a document and records every change payload.
type capture struct {
	payloads [][]byte
	origins  []Origin
}

func (c *capture) attach(t *testing.T, d *Document) {
	t.Helper()
	cancel := d.Subscribe(func(ch Change) {
		c.payloads = append(c.payloads, ch.Payload)
		c.origins = append(c.origins, ch.Origin)
	})
	t.Cleanup(cancel)
}

func expenseIDs(d *Document) []string {
	var ids []string
	for _, r := range d.Snapshot(model.Expenses) {
		ids = append(ids, r.Key())
	}
	return ids
}

func TestAppendAndSnapshot(t *testing.T) {
	d := New("devA")

	require.NoError(t, d.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	require.NoError(t, d.Append(model.Expenses, expense("e2", "s2", "Lunch", "30")))

	snap := d.Snapshot(model.Expenses)
	require.Len(t, snap, 2)
	assert.Equal(t, "e1", snap[0].Key())
	assert.Equal(t, "e2", snap[1].Key())
	got := snap[0].(model.Expense)
	assert.Equal(t, "Coffee", got.Description)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12.50")))
}

func TestMergeCommutativity_DisjointBatches(t *testing.T) {
	var capA, capB capture
	a := New("devA")
	b := New("devB")
	capA.attach(t, a)
	capB.attach(t, b)

	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	require.NoError(t, b.Append(model.Expenses, expense("e2", "s2", "Lunch", "30")))
	require.Len(t, capA.payloads, 1)
	require.Len(t, capB.payloads, 1)

	ab := New("devC")
	require.NoError(t, ab.ApplyRemote(capA.payloads[0], "r1"))
	require.NoError(t, ab.ApplyRemote(capB.payloads[0], "r1"))

	ba := New("devD")
	require.NoError(t, ba.ApplyRemote(capB.payloads[0], "r1"))
	require.NoError(t, ba.ApplyRemote(capA.payloads[0], "r1"))

	assert.ElementsMatch(t, expenseIDs(ab), expenseIDs(ba))
	assert.Len(t, ab.Snapshot(model.Expenses), 2)
}

func TestMergeIdempotence(t *testing.T) {
	var events capture
	a := New("devA")
	events.attach(t, a)
	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))

	b := New("devB")
	require.NoError(t, b.ApplyRemote(events.payloads[0], "r1"))
	first, err := b.EncodeFullState()
	require.NoError(t, err)

	// Second application must change nothing and emit nothing.
	var capB capture
	capB.attach(t, b)
	require.NoError(t, b.ApplyRemote(events.payloads[0], "r1"))
	second, err := b.EncodeFullState()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, capB.payloads, "reapplied batch should not emit a change")
}

func TestFullStateMerge_ContextFree(t *testing.T) {
	a := New("devA")
	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	require.NoError(t, a.Append(model.People, model.Person{ID: "p1", Name: "Ana", SyncID: "ps1", CreatedAt: 1}))

	state, err := a.EncodeFullState()
	require.NoError(t, err)

	// A peer that has never spoken to devA merges the state as-is.
	b := New("devB")
	require.NoError(t, b.ApplyRemote(state, "r1"))
	assert.Len(t, b.Snapshot(model.Expenses), 1)
	assert.Len(t, b.Snapshot(model.People), 1)
}

func TestReplace_LastWriteWins(t *testing.T) {
	var capA, capB capture
	a := New("devA")
	b := New("devB")

	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	state, err := a.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemote(state, "r1"))

	capA.attach(t, a)
	capB.attach(t, b)

	// Concurrent full-record replaces: same counter, actor breaks the tie,
	// so devB's write wins everywhere.
	require.NoError(t, a.ReplaceByID(model.Expenses, "e1", func(old model.Record) model.Record {
		e := old.(model.Expense)
		e.Description = "Espresso"
		return e
	}))
	require.NoError(t, b.ReplaceByID(model.Expenses, "e1", func(old model.Record) model.Record {
		e := old.(model.Expense)
		e.Notes = "with oat milk"
		return e
	}))

	require.NoError(t, a.ApplyRemote(capB.payloads[0], "r1"))
	require.NoError(t, b.ApplyRemote(capA.payloads[0], "r2"))

	wantA := a.Snapshot(model.Expenses)[0].(model.Expense)
	wantB := b.Snapshot(model.Expenses)[0].(model.Expense)
	assert.Equal(t, wantA, wantB, "replicas must converge")
	// The losing replace is discarded wholesale, untouched fields included.
	assert.Equal(t, "Coffee", wantA.Description)
	assert.Equal(t, "with oat milk", wantA.Notes)
}

func TestDelete_WinsOverStaleState(t *testing.T) {
	a := New("devA")
	b := New("devB")

	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	state, err := a.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemote(state, "r1"))

	// B deletes while disconnected; the full-state exchange afterwards
	// must propagate the deletion, not resurrect the record.
	require.NoError(t, b.RemoveByID(model.Expenses, "e1"))
	bState, err := b.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, a.ApplyRemote(bState, "r1"))

	assert.Empty(t, a.Snapshot(model.Expenses))

	// And the stale copy on A cannot come back either.
	aState, err := a.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemote(aState, "r1"))
	assert.Empty(t, b.Snapshot(model.Expenses))
}

func TestSyncIDDedup_Converges(t *testing.T) {
	// The same logical expense was introduced independently on both
	// devices (e.g. by migration), under different record ids.
	a := New("devA")
	b := New("devB")
	require.NoError(t, a.Append(model.Expenses, expense("aaa", "shared", "Rent", "800")))
	require.NoError(t, b.Append(model.Expenses, expense("bbb", "shared", "Rent", "800")))

	aState, err := a.EncodeFullState()
	require.NoError(t, err)
	bState, err := b.EncodeFullState()
	require.NoError(t, err)

	require.NoError(t, a.ApplyRemote(bState, "r1"))
	require.NoError(t, b.ApplyRemote(aState, "r1"))

	assert.Equal(t, []string{"aaa"}, expenseIDs(a))
	assert.Equal(t, []string{"aaa"}, expenseIDs(b))
}

func TestApplyRemote_MalformedRejectedAtomically(t *testing.T) {
	d := New("devA")
	require.NoError(t, d.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	before, err := d.EncodeFullState()
	require.NoError(t, err)

	// One good op followed by one referencing an unknown collection:
	// the whole batch must be rejected.
	batch := map[string]any{
		"kind": "ops",
		"ops": []any{
			map[string]any{
				"op": "del", "collection": "expenses", "id": "e1",
				"stamp": map[string]any{"counter": 99, "actor": "devZ"},
			},
			map[string]any{
				"op": "del", "collection": "receipts", "id": "x",
				"stamp": map[string]any{"counter": 100, "actor": "devZ"},
			},
		},
	}
	payload, err := json.Marshal(batch)
	require.NoError(t, err)

	err = d.ApplyRemote(payload, "r1")
	require.Error(t, err)
	assert.True(t, IsMergeError(err))

	after, err := d.EncodeFullState()
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected batch must leave no trace")
	assert.Len(t, d.Snapshot(model.Expenses), 1)
}

func TestApplyRemote_NotJSON(t *testing.T) {
	d := New("devA")
	err := d.ApplyRemote([]byte("not json"), "r1")
	require.Error(t, err)

	var me *MergeError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeMalformed, me.Code)
}

func TestApplyRemote_UnknownKind(t *testing.T) {
	d := New("devA")
	err := d.ApplyRemote([]byte(`{"kind":"gossip"}`), "r1")
	require.Error(t, err)

	var me *MergeError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrCodeUnknownKind, me.Code)
}

func TestImportBatch_AtomicSingleEvent(t *testing.T) {
	var events capture
	d := New("devA")
	events.attach(t, d)

	batch := map[model.Collection][]model.Record{
		model.Expenses: {
			expense("e1", "s1", "Coffee", "12.50"),
			expense("e2", "s2", "Lunch", "30"),
		},
		model.People: {
			model.Person{ID: "p1", Name: "Ana", SyncID: "ps1", CreatedAt: 1},
		},
	}
	require.NoError(t, d.ImportBatch(batch))

	require.Len(t, events.payloads, 1, "one batch, one event")
	assert.Equal(t, LocalOrigin, events.origins[0])
	assert.Len(t, d.Snapshot(model.Expenses), 2)
	assert.Len(t, d.Snapshot(model.People), 1)

	// The single payload reproduces the whole batch elsewhere.
	other := New("devB")
	require.NoError(t, other.ApplyRemote(events.payloads[0], "r1"))
	assert.Len(t, other.Snapshot(model.Expenses), 2)
	assert.Len(t, other.Snapshot(model.People), 1)
}

func TestReplace_KeepsIndex(t *testing.T) {
	d := New("devA")
	require.NoError(t, d.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	require.NoError(t, d.Append(model.Expenses, expense("e2", "s2", "Lunch", "30")))
	require.NoError(t, d.Append(model.Expenses, expense("e3", "s3", "Taxi", "18")))

	require.NoError(t, d.ReplaceByID(model.Expenses, "e2", func(old model.Record) model.Record {
		e := old.(model.Expense)
		e.Description = "Dinner"
		return e
	}))

	assert.Equal(t, []string{"e1", "e2", "e3"}, expenseIDs(d))
	assert.Equal(t, "Dinner", d.Snapshot(model.Expenses)[1].(model.Expense).Description)
}

func TestRemoveByID_Missing(t *testing.T) {
	d := New("devA")
	assert.Error(t, d.RemoveByID(model.Expenses, "nope"))
}

func TestSubscribe_Cancel(t *testing.T) {
	d := New("devA")
	calls := 0
	cancel := d.Subscribe(func(Change) { calls++ })

	require.NoError(t, d.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	cancel()
	require.NoError(t, d.Append(model.Expenses, expense("e2", "s2", "Lunch", "30")))

	assert.Equal(t, 1, calls)
}

func TestOriginTag_CarriedOnChange(t *testing.T) {
	var capA capture
	a := New("devA")
	capA.attach(t, a)
	require.NoError(t, a.Append(model.Expenses, expense("e1", "s1", "Coffee", "12.50")))
	require.Equal(t, []Origin{LocalOrigin}, capA.origins)

	var capB capture
	b := New("devB")
	capB.attach(t, b)
	require.NoError(t, b.ApplyRemote(capA.payloads[0], Origin("session-x")))
	require.Equal(t, []Origin{Origin("session-x")}, capB.origins)
}
