// Package durability binds a replicated document to the on-device store:
// restoring persisted state on attach and persisting every subsequent
// change in the background.
package durability

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/model"
	"github.com/splitsync/splitsync/internal/store"
)

// restoreOrigin tags changes produced by the restore merge so the
// adapter does not immediately re-persist what it just read.
const restoreOrigin document.Origin = "durability"

// Adapter persists one document into one store. Writes happen on a
// background worker that coalesces dirty collections, so document
// mutations never wait on disk. A failed write is logged and the
// collection stays dirty for the next pass; the in-memory document
// remains the authoritative replica either way.
type Adapter struct {
	doc *document.Document
	st  store.Store
	log *zap.Logger

	mu    sync.Mutex
	dirty map[model.Collection]bool

	notify   chan struct{}
	stop     chan struct{}
	caughtUp chan struct{}
	unsub    func()
	wg       sync.WaitGroup
	attached bool
}

// NewAdapter creates an adapter for doc backed by st.
func NewAdapter(doc *document.Document, st store.Store, log *zap.Logger) *Adapter {
	return &Adapter{
		doc:      doc,
		st:       st,
		log:      log,
		dirty:    make(map[model.Collection]bool),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		caughtUp: make(chan struct{}),
	}
}

// Attach restores persisted collections into the document, signals
// caught-up, then starts persisting changes. A corrupt persisted payload
// is logged and skipped rather than blocking startup; the collection
// will be rewritten from memory on its next change or refilled by a
// peer's full-state exchange.
func (a *Adapter) Attach(ctx context.Context) error {
	if a.attached {
		return fmt.Errorf("durability: already attached")
	}
	a.attached = true

	for _, c := range model.Collections() {
		payload, err := a.st.Records(ctx, string(c))
		if err != nil {
			return fmt.Errorf("restore %q: %w", c, err)
		}
		if payload == nil {
			continue
		}
		if err := a.doc.ApplyRemote(payload, restoreOrigin); err != nil {
			a.log.Warn("skipping corrupt persisted collection",
				zap.String("collection", string(c)),
				zap.Error(err))
		}
	}
	close(a.caughtUp)

	a.unsub = a.doc.Subscribe(a.onChange)
	a.wg.Add(1)
	go a.run()
	return nil
}

// CaughtUp is closed once the restore pass has completed.
func (a *Adapter) CaughtUp() <-chan struct{} {
	return a.caughtUp
}

// Detach stops observing the document, flushes pending writes, and
// returns. The adapter cannot be reattached; build a new one.
func (a *Adapter) Detach() {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	a.wg.Wait()
}

func (a *Adapter) onChange(ch document.Change) {
	if ch.Origin == restoreOrigin {
		return
	}
	a.mu.Lock()
	for _, c := range ch.Collections {
		a.dirty[c] = true
	}
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// run drains the dirty set until stopped, then flushes once more so
// Detach leaves the store current.
func (a *Adapter) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			a.flush()
			return
		case <-a.notify:
			a.flush()
		}
	}
}

func (a *Adapter) flush() {
	for {
		a.mu.Lock()
		var cols []model.Collection
		for c := range a.dirty {
			cols = append(cols, c)
		}
		a.dirty = make(map[model.Collection]bool)
		a.mu.Unlock()

		if len(cols) == 0 {
			return
		}
		var failed []model.Collection
		for _, c := range cols {
			if err := a.persist(c); err != nil {
				a.log.Warn("persist failed; will retry on next change",
					zap.String("collection", string(c)),
					zap.Error(err))
				failed = append(failed, c)
			}
		}
		if len(failed) > 0 {
			// Re-mark without looping so a dead store cannot hot-spin;
			// the next change event triggers the retry.
			a.mu.Lock()
			for _, c := range failed {
				a.dirty[c] = true
			}
			a.mu.Unlock()
			return
		}
	}
}

func (a *Adapter) persist(c model.Collection) error {
	payload, err := a.doc.EncodeCollection(c)
	if err != nil {
		return fmt.Errorf("encode %q: %w", c, err)
	}
	if err := a.st.PutRecords(context.Background(), string(c), payload); err != nil {
		return fmt.Errorf("put %q: %w", c, err)
	}
	return nil
}
