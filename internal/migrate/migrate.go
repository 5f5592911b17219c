// Package migrate copies records from the legacy pre-replication store
// into a replicated document, exactly once per device.
//
// The legacy store kept plain JSON arrays per collection, with deleted
// records retained as tombstones (a "deleted" marker). Migration skips
// those tombstones, imports everything the document does not already
// hold (by syncId), and records completion in a persisted flag. The
// flag is the only once-guard; re-running after a Reset is safe because
// the syncId set difference makes the import idempotent.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/model"
	"github.com/splitsync/splitsync/internal/store"
)

// CompletionFlag is the persisted flag name guarding the one-shot run.
const CompletionFlag = "legacy_migration_complete"

// Result reports what a migration run imported per collection.
type Result struct {
	Imported map[model.Collection]int
	Skipped  int // records already present (by syncId) or tombstoned
}

// Migrator performs the one-time legacy import.
type Migrator struct {
	legacy store.Store
	doc    *document.Document
	log    *zap.Logger
}

// New creates a migrator reading from legacy into doc. The completion
// flag is kept in the legacy store itself: it is per-device state, not
// per-account replicated state.
func New(legacy store.Store, doc *document.Document, log *zap.Logger) *Migrator {
	return &Migrator{legacy: legacy, doc: doc, log: log}
}

// legacyProbe reads just enough of a legacy record to filter it.
type legacyProbe struct {
	Deleted bool   `json:"deleted"`
	SyncID  string `json:"syncId"`
}

// Run migrates once. A completed previous run makes it a no-op. On
// failure the completion flag stays unset so the next start retries from
// scratch; the error carries the partial progress counts.
func (m *Migrator) Run(ctx context.Context) (*Result, error) {
	done, err := m.legacy.Flag(ctx, CompletionFlag)
	if err != nil {
		return nil, fmt.Errorf("read migration flag: %w", err)
	}
	if done {
		m.log.Debug("legacy migration already complete; skipping")
		return &Result{Imported: map[model.Collection]int{}}, nil
	}

	res := &Result{Imported: make(map[model.Collection]int)}
	batch := make(map[model.Collection][]model.Record)
	for _, c := range model.Collections() {
		records, skipped, err := m.candidates(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("migration failed at %q after importing %v: %w", c, res.Imported, err)
		}
		batch[c] = records
		res.Imported[c] = len(records)
		res.Skipped += skipped
	}

	// One atomic batch: peers never observe a partially migrated
	// document.
	if err := m.doc.ImportBatch(batch); err != nil {
		return nil, fmt.Errorf("migration import (counts %v): %w", res.Imported, err)
	}

	if err := m.legacy.SetFlag(ctx, CompletionFlag, true); err != nil {
		return nil, fmt.Errorf("persist migration flag (counts %v): %w", res.Imported, err)
	}

	m.log.Info("legacy migration complete",
		zap.Int("expenses", res.Imported[model.Expenses]),
		zap.Int("people", res.Imported[model.People]),
		zap.Int("payments", res.Imported[model.Payments]),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// candidates reads one legacy collection and returns the records not
// already present in the document by syncId.
func (m *Migrator) candidates(ctx context.Context, c model.Collection) ([]model.Record, int, error) {
	payload, err := m.legacy.Records(ctx, string(c))
	if err != nil {
		return nil, 0, fmt.Errorf("read legacy %q: %w", c, err)
	}
	if payload == nil {
		return nil, 0, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, 0, fmt.Errorf("decode legacy %q: %w", c, err)
	}

	existing := m.doc.SyncKeys(c)
	var (
		out     []model.Record
		skipped int
	)
	for i, raw := range raws {
		var probe legacyProbe
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, 0, fmt.Errorf("decode legacy %q record %d: %w", c, i, err)
		}
		if probe.Deleted {
			skipped++
			continue
		}
		if probe.SyncID != "" && existing[probe.SyncID] {
			skipped++
			continue
		}
		rec, err := model.DecodeRecord(c, raw)
		if err != nil {
			return nil, 0, fmt.Errorf("decode legacy %q record %d: %w", c, i, err)
		}
		// Guard against duplicate syncIds inside the legacy data too.
		if probe.SyncID != "" {
			existing[probe.SyncID] = true
		}
		out = append(out, rec)
	}
	return out, skipped, nil
}

// Reset clears the completion flag so the next Run migrates again. Meant
// for recovery and tests; a re-run cannot duplicate records thanks to
// the syncId set difference.
func (m *Migrator) Reset(ctx context.Context) error {
	if err := m.legacy.SetFlag(ctx, CompletionFlag, false); err != nil {
		return fmt.Errorf("clear migration flag: %w", err)
	}
	return nil
}
