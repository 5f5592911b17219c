package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Open multiple times
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	// Final open should work
	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	// Verify schema is intact
	tables := []string{"collections", "attachments", "flags"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Errorf("journal_mode: %v", err)
	}
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Errorf("synchronous: %v", err)
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &SQLite{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestRecords_AbsentCollection(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	payload, err := s.Records(context.Background(), "expenses")
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if payload != nil {
		t.Errorf("expected nil payload for absent collection, got %q", payload)
	}
}

func TestPutRecords_RoundTrip(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.PutRecords(ctx, "expenses", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutRecords() failed: %v", err)
	}
	// Second write replaces, not appends
	if err := s.PutRecords(ctx, "expenses", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second PutRecords() failed: %v", err)
	}

	payload, err := s.Records(ctx, "expenses")
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if string(payload) != `{"v":2}` {
		t.Errorf("payload = %q, want %q", payload, `{"v":2}`)
	}
}

func TestPutRecords_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s1.PutRecords(ctx, "people", []byte(`["ana"]`)); err != nil {
		t.Fatalf("PutRecords() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	payload, err := s2.Records(ctx, "people")
	if err != nil {
		t.Fatalf("Records() after reopen failed: %v", err)
	}
	if string(payload) != `["ana"]` {
		t.Errorf("payload = %q, want %q", payload, `["ana"]`)
	}
}

func TestAttachment_NotFound(t *testing.T) {
	s := openTemp(t)
	defer s.Close()

	_, err := s.Attachment(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutAttachment_RoundTrip(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	data := []byte{0x89, 0x50, 0x4e, 0x47}
	if err := s.PutAttachment(ctx, "img-1", data); err != nil {
		t.Fatalf("PutAttachment() failed: %v", err)
	}
	// Duplicate write is idempotent
	if err := s.PutAttachment(ctx, "img-1", data); err != nil {
		t.Fatalf("duplicate PutAttachment() failed: %v", err)
	}

	got, err := s.Attachment(ctx, "img-1")
	if err != nil {
		t.Fatalf("Attachment() failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("attachment bytes = %v, want %v", got, data)
	}
}

func TestFlags(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	v, err := s.Flag(ctx, "legacy_migration_complete")
	if err != nil {
		t.Fatalf("Flag() failed: %v", err)
	}
	if v {
		t.Error("absent flag should read false")
	}

	if err := s.SetFlag(ctx, "legacy_migration_complete", true); err != nil {
		t.Fatalf("SetFlag() failed: %v", err)
	}
	v, err = s.Flag(ctx, "legacy_migration_complete")
	if err != nil {
		t.Fatalf("Flag() after set failed: %v", err)
	}
	if !v {
		t.Error("flag should read true after SetFlag")
	}

	if err := s.SetFlag(ctx, "legacy_migration_complete", false); err != nil {
		t.Fatalf("SetFlag(false) failed: %v", err)
	}
	v, _ = s.Flag(ctx, "legacy_migration_complete")
	if v {
		t.Error("flag should read false after clearing")
	}
}

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s
}
