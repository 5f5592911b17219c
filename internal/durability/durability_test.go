package durability

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/model"
	"github.com/splitsync/splitsync/internal/store"
)

func expense(id string) model.Expense {
	return model.Expense{
		ID:        id,
		Amount:    decimal.RequireFromString("4.20"),
		Date:      "2024-01-01",
		SplitType: model.SplitEqual,
		SyncID:    "sync-" + id,
		YearMonth: "2024-01",
		CreatedAt: 1,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAdapter_CaughtUpOnAttach(t *testing.T) {
	doc := document.New("A")
	a := NewAdapter(doc, store.NewMemory(), zap.NewNop())
	require.NoError(t, a.Attach(context.Background()))
	defer a.Detach()

	select {
	case <-a.CaughtUp():
	default:
		t.Fatal("CaughtUp must be closed once Attach returns")
	}
}

func TestAdapter_AttachTwiceFails(t *testing.T) {
	doc := document.New("A")
	a := NewAdapter(doc, store.NewMemory(), zap.NewNop())
	require.NoError(t, a.Attach(context.Background()))
	defer a.Detach()
	assert.Error(t, a.Attach(context.Background()))
}

func TestAdapter_PersistsChanges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	doc := document.New("A")

	a := NewAdapter(doc, st, zap.NewNop())
	require.NoError(t, a.Attach(ctx))

	require.NoError(t, doc.Append(model.Expenses, expense("e1")))
	waitFor(t, func() bool {
		payload, err := st.Records(ctx, string(model.Expenses))
		return err == nil && payload != nil
	}, "change never persisted")
	a.Detach()
}

func TestAdapter_RestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// First life writes two collections and detaches.
	doc1 := document.New("A")
	a1 := NewAdapter(doc1, st, zap.NewNop())
	require.NoError(t, a1.Attach(ctx))
	require.NoError(t, doc1.Append(model.Expenses, expense("e1")))
	require.NoError(t, doc1.Append(model.People, model.Person{ID: "p1", Name: "Ana", SyncID: "sync-p1", CreatedAt: 1}))
	require.NoError(t, doc1.RemoveByID(model.Expenses, "e1"))
	a1.Detach()

	// Second life restores into a fresh document.
	doc2 := document.New("A")
	a2 := NewAdapter(doc2, st, zap.NewNop())
	require.NoError(t, a2.Attach(ctx))
	defer a2.Detach()

	assert.Empty(t, doc2.Snapshot(model.Expenses), "deletion must survive restart")
	people := doc2.Snapshot(model.People)
	require.Len(t, people, 1)
	assert.Equal(t, "Ana", people[0].(model.Person).Name)
}

func TestAdapter_RestorePreservesDeletionAcrossMerge(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Device A appends then deletes; the tombstone is persisted.
	doc1 := document.New("A")
	a1 := NewAdapter(doc1, st, zap.NewNop())
	require.NoError(t, a1.Attach(ctx))
	require.NoError(t, doc1.Append(model.Expenses, expense("e1")))
	state, err := doc1.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, doc1.RemoveByID(model.Expenses, "e1"))
	a1.Detach()

	// After restart, a peer replays the pre-deletion state. The restored
	// tombstone must still win.
	doc2 := document.New("A")
	a2 := NewAdapter(doc2, st, zap.NewNop())
	require.NoError(t, a2.Attach(ctx))
	defer a2.Detach()

	require.NoError(t, doc2.ApplyRemote(state, document.Origin("peer")))
	assert.Empty(t, doc2.Snapshot(model.Expenses))
}

func TestAdapter_SkipsCorruptPayload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.PutRecords(ctx, string(model.Expenses), []byte("corrupt")))

	doc := document.New("A")
	a := NewAdapter(doc, st, zap.NewNop())
	require.NoError(t, a.Attach(ctx), "corrupt payload must not block attach")
	defer a.Detach()
	assert.Empty(t, doc.Snapshot(model.Expenses))
}

func TestAdapter_DetachFlushes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	doc := document.New("A")

	a := NewAdapter(doc, st, zap.NewNop())
	require.NoError(t, a.Attach(ctx))
	require.NoError(t, doc.Append(model.Payments, model.Payment{
		ID: "pay1", FromID: "p1", ToID: "p2",
		Amount: decimal.RequireFromString("3.00"), Date: "2024-01-02",
		SyncID: "sync-pay1", CreatedAt: 1,
	}))
	a.Detach()

	payload, err := st.Records(ctx, string(model.Payments))
	require.NoError(t, err)
	assert.NotNil(t, payload, "detach must flush pending writes")

	// Detach twice is safe.
	a.Detach()
}

func TestAdapter_RestoreDoesNotRePersist(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	doc1 := document.New("A")
	a1 := NewAdapter(doc1, st, zap.NewNop())
	require.NoError(t, a1.Attach(ctx))
	require.NoError(t, doc1.Append(model.Expenses, expense("e1")))
	a1.Detach()
	before, err := st.Records(ctx, string(model.Expenses))
	require.NoError(t, err)

	// A restore-only life must not rewrite identical state.
	countingStore := &countingMemory{Memory: st}
	doc2 := document.New("A")
	a2 := NewAdapter(doc2, countingStore, zap.NewNop())
	require.NoError(t, a2.Attach(ctx))
	a2.Detach()

	assert.Equal(t, 0, countingStore.puts, "restore alone should trigger no writes")
	after, err := st.Records(ctx, string(model.Expenses))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

type countingMemory struct {
	*store.Memory
	puts int
}

func (c *countingMemory) PutRecords(ctx context.Context, collection string, payload []byte) error {
	c.puts++
	return c.Memory.PutRecords(ctx, collection, payload)
}
