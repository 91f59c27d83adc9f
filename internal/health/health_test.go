package health_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quietbay/ledgerd/internal/health"
	"github.com/quietbay/ledgerd/internal/ledger"
	"github.com/quietbay/ledgerd/internal/storage"
)

func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	store := ledger.New(engine, slog.Default())
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return store
}

func TestRun_FreshStoreIsValid(t *testing.T) {
	store := openTestStore(t)
	report := health.New(store, slog.Default()).Run(context.Background())

	if !report.IsValid {
		t.Fatalf("fresh store should be valid, errors: %v", report.Errors)
	}
	if len(report.Errors) != 0 {
		t.Errorf("errors = %v, want none", report.Errors)
	}
	if len(report.Checks) == 0 {
		t.Error("report has no checks")
	}
}

func TestRun_ForeignKeysOffFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Engine().SetPragma(ctx, "foreign_keys", "OFF"); err != nil {
		t.Fatalf("disable foreign_keys: %v", err)
	}

	report := health.New(store, slog.Default()).Run(ctx)
	if report.IsValid {
		t.Fatal("report should be invalid with foreign_keys off")
	}
	found := false
	for _, msg := range report.Errors {
		if strings.Contains(msg, "foreign_keys") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors %v should mention foreign_keys", report.Errors)
	}
}

func TestRun_MissingIndexFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dropped := ledger.ExpectedIndexes[0]
	if _, err := store.Engine().DB().ExecContext(ctx, "DROP INDEX "+dropped+";"); err != nil {
		t.Fatalf("drop index: %v", err)
	}

	report := health.New(store, slog.Default()).Run(ctx)
	if report.IsValid {
		t.Fatal("report should be invalid with an index missing")
	}
	found := false
	for _, check := range report.Checks {
		if check.Name == "Indexes" && check.Status == health.StatusFail &&
			strings.Contains(check.Detail, dropped) {
			found = true
		}
	}
	if !found {
		t.Errorf("index check should fail naming %s, checks: %+v", dropped, report.Checks)
	}
}

func TestRun_ExtraIndexWarns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Engine().DB().ExecContext(ctx,
		`CREATE INDEX idx_clients_extra ON clients(notes);`); err != nil {
		t.Fatalf("create extra index: %v", err)
	}

	report := health.New(store, slog.Default()).Run(ctx)
	if !report.IsValid {
		t.Fatalf("extra index should not invalidate, errors: %v", report.Errors)
	}
	found := false
	for _, msg := range report.Warnings {
		if strings.Contains(msg, "unexpected indexes") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings %v should mention unexpected indexes", report.Warnings)
	}
}

func TestRun_OldSchemaVersionWarns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Engine().DB().ExecContext(ctx,
		`UPDATE schema_migrations SET version = version - 1;`); err != nil {
		t.Fatalf("age schema version: %v", err)
	}

	report := health.New(store, slog.Default()).Run(ctx)
	if !report.IsValid {
		t.Fatalf("old schema should only warn, errors: %v", report.Errors)
	}
	found := false
	for _, msg := range report.Warnings {
		if strings.Contains(msg, "schema version") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings %v should mention schema version", report.Warnings)
	}
}

// Index/table mismatches are exactly what quick_check skips, so a pass
// there must still escalate to the full integrity_check.
func TestRun_DetectsIndexTableMismatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	engine, err := storage.Open(path, slog.Default())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	store := ledger.New(engine, slog.Default())
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	// A side table whose index carries a second copy of a sentinel
	// value nothing else in the file contains.
	const sentinel = "zq-telltale-zq"
	for _, stmt := range []string{
		`CREATE TABLE ghost_rows (a TEXT);`,
		`CREATE INDEX ghost_rows_a ON ghost_rows(a);`,
	} {
		if err := engine.ExecuteWrite(ctx, stmt); err != nil {
			t.Fatalf("setup %q: %v", stmt, err)
		}
	}
	if err := engine.ExecuteWrite(ctx, `INSERT INTO ghost_rows (a) VALUES (?);`, sentinel); err != nil {
		t.Fatalf("insert sentinel: %v", err)
	}
	if err := engine.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	// The table page is allocated before the index page, so the second
	// occurrence of the sentinel is the index copy. Overwrite it with a
	// same-length value to desync index from table.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db file: %v", err)
	}
	first := bytes.Index(raw, []byte(sentinel))
	if first < 0 {
		t.Fatal("sentinel not found in db file")
	}
	rest := bytes.Index(raw[first+1:], []byte(sentinel))
	if rest < 0 {
		t.Fatal("index copy of sentinel not found in db file")
	}
	copy(raw[first+1+rest:], []byte("zq-tampered-zq"))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write patched db file: %v", err)
	}

	reopened, err := storage.Open(path, slog.Default())
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	report := health.New(ledger.New(reopened, slog.Default()), slog.Default()).Run(ctx)
	if report.IsValid {
		t.Fatal("report should be invalid when an index disagrees with its table")
	}
	for _, c := range report.Checks {
		if c.Name == "Integrity" && c.Status != health.StatusFail {
			t.Fatalf("Integrity check status = %s, want %s (detail: %s)", c.Status, health.StatusFail, c.Detail)
		}
	}
}
