package backup_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quietbay/ledgerd/internal/backup"
	"github.com/quietbay/ledgerd/internal/bus"
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

func newTestEngine(t *testing.T, store *ledger.Store, events *bus.Bus) *backup.Engine {
	t.Helper()
	eng, err := backup.New(store, events, t.TempDir(), 100, slog.Default())
	if err != nil {
		t.Fatalf("backup.New: %v", err)
	}
	return eng
}

func seedClients(t *testing.T, store *ledger.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		c := &ledger.Client{
			ID:           fmt.Sprintf("c%04d", i),
			Name:         fmt.Sprintf("Client %d", i),
			BalanceCents: int64(i * 100),
		}
		if err := store.UpsertClient(ctx, c); err != nil {
			t.Fatalf("seed client %d: %v", i, err)
		}
	}
}

func TestBackupRestoreRoundTripEmpty(t *testing.T) {
	src := openTestStore(t)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if !strings.HasSuffix(path, ".jsonl.gz") {
		t.Errorf("path = %q, want .jsonl.gz suffix", path)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	result, err := dstEng.Restore(ctx, path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if total := totalRecords(result.Counts); total != 0 {
		t.Errorf("restored records = %d, want 0", total)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	seedClients(t, src, 250)
	if err := src.RecordPayment(ctx, &ledger.Payment{ID: "p1", ClientID: "c0001", AmountCents: 500}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	eng := newTestEngine(t, src, nil)
	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	result, err := dstEng.Restore(ctx, path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Counts[ledger.CollectionClients] != 250 {
		t.Errorf("restored clients = %d, want 250", result.Counts[ledger.CollectionClients])
	}
	if result.Checksum == "" {
		t.Error("result has no checksum")
	}

	counts, err := dst.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[ledger.CollectionClients] != 250 {
		t.Errorf("clients in restored store = %d, want 250", counts[ledger.CollectionClients])
	}
	if counts[ledger.CollectionPayments] != 1 {
		t.Errorf("payments in restored store = %d, want 1", counts[ledger.CollectionPayments])
	}

	got, err := dst.GetClient(ctx, "c0042")
	if err != nil {
		t.Fatalf("GetClient in restored store: %v", err)
	}
	if got.BalanceCents != 4200 {
		t.Errorf("restored balance = %d, want 4200", got.BalanceCents)
	}
}

func TestLargeCollectionIsChunked(t *testing.T) {
	src := openTestStore(t)
	seedClients(t, src, 250)

	events := bus.New()
	sub := events.Subscribe(bus.TopicBackupProgress)
	defer events.Unsubscribe(sub)

	eng := newTestEngine(t, src, events)
	if _, err := eng.CreateBackup(context.Background()); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	clientChunks := 0
	for {
		select {
		case ev := <-sub.Ch():
			p, ok := ev.Payload.(bus.BackupProgressEvent)
			if !ok {
				t.Fatalf("payload type %T", ev.Payload)
			}
			if p.Collection == string(ledger.CollectionClients) {
				clientChunks++
				if p.TotalChunks != 3 {
					t.Errorf("total chunks = %d, want 3", p.TotalChunks)
				}
			}
		default:
			if clientChunks != 3 {
				t.Errorf("client chunk events = %d, want 3", clientChunks)
			}
			return
		}
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	src := openTestStore(t)
	seedClients(t, src, 10)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	if _, err := dstEng.Restore(ctx, path); err != nil {
		t.Fatalf("first restore: %v", err)
	}
	if _, err := dstEng.Restore(ctx, path); err != nil {
		t.Fatalf("second restore: %v", err)
	}
	counts, _ := dst.Counts(ctx)
	if counts[ledger.CollectionClients] != 10 {
		t.Errorf("clients after double restore = %d, want 10", counts[ledger.CollectionClients])
	}
}

// decompress returns the raw jsonl stream of a backup file.
func decompress(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	return raw
}

func TestRestoreRefusesTruncatedFile(t *testing.T) {
	src := openTestStore(t)
	seedClients(t, src, 50)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	raw := decompress(t, path)

	// Cut the stream mid-line, as a crash during write would.
	cut := filepath.Join(t.TempDir(), "truncated.jsonl")
	if err := os.WriteFile(cut, raw[:len(raw)-40], 0o644); err != nil {
		t.Fatalf("write truncated file: %v", err)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	_, err = dstEng.Restore(ctx, cut)
	if !errors.Is(err, backup.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	counts, _ := dst.Counts(ctx)
	if counts[ledger.CollectionClients] != 0 {
		t.Errorf("clients after refused restore = %d, want 0 (rollback)", counts[ledger.CollectionClients])
	}
}

func TestRestoreRefusesMissingTrailer(t *testing.T) {
	src := openTestStore(t)
	seedClients(t, src, 5)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	raw := decompress(t, path)

	// Drop the whole summary line but keep the file newline-terminated.
	lines := bytes.Split(bytes.TrimSuffix(raw, []byte("\n")), []byte("\n"))
	withoutTrailer := append(bytes.Join(lines[:len(lines)-1], []byte("\n")), '\n')
	cut := filepath.Join(t.TempDir(), "no-trailer.jsonl")
	if err := os.WriteFile(cut, withoutTrailer, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	_, err = dstEng.Restore(ctx, cut)
	if !errors.Is(err, backup.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestRestoreRefusesTamperedData(t *testing.T) {
	src := openTestStore(t)
	seedClients(t, src, 5)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	raw := decompress(t, path)

	tampered := bytes.Replace(raw, []byte("Client 3"), []byte("Client X"), 1)
	if bytes.Equal(tampered, raw) {
		t.Fatal("tamper target not found in stream")
	}
	out := filepath.Join(t.TempDir(), "tampered.jsonl")
	if err := os.WriteFile(out, tampered, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	dst := openTestStore(t)
	dstEng := newTestEngine(t, dst, nil)
	_, err = dstEng.Restore(ctx, out)
	if !errors.Is(err, backup.ErrCorrupt) || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestRestoreRejectsUnknownCollection(t *testing.T) {
	dst := openTestStore(t)
	eng := newTestEngine(t, dst, nil)

	stream := `{"format":"ledgerd-backup","version":1,"created_at":"2026-01-02T03:04:05Z"}
{"type":"accounts","chunk_index":0,"total_chunks":1,"data":[{"id":"x"}]}
`
	path := filepath.Join(t.TempDir(), "unknown.jsonl")
	if err := os.WriteFile(path, []byte(stream), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := eng.Restore(context.Background(), path)
	if !errors.Is(err, backup.ErrCorrupt) || !strings.Contains(err.Error(), "accounts") {
		t.Fatalf("err = %v, want unknown collection error", err)
	}
}

func totalRecords(counts map[ledger.Collection]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func TestPruneKeepsNewestBackups(t *testing.T) {
	store := openTestStore(t)
	dir := t.TempDir()
	eng, err := backup.New(store, nil, dir, 100, slog.Default())
	if err != nil {
		t.Fatalf("backup.New: %v", err)
	}

	names := []string{
		"ledger-20260101-030000.jsonl.gz",
		"ledger-20260102-030000.jsonl.gz",
		"ledger-20260103-030000.jsonl.gz",
		"ledger-20260104-030000.jsonl.gz",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	removed, err := eng.Prune(2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	for _, name := range names[:2] {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been pruned", name)
		}
	}
	for _, name := range names[2:] {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should remain: %v", name, err)
		}
	}

	// Under the cap nothing is touched.
	if removed, err := eng.Prune(5); err != nil || removed != 0 {
		t.Fatalf("Prune under cap = (%d, %v), want (0, nil)", removed, err)
	}
}

func TestBackupRestoreRoundTripSingleRow(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	seedClients(t, src, 1)

	eng := newTestEngine(t, src, nil)
	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	dst := openTestStore(t)
	result, err := newTestEngine(t, dst, nil).Restore(ctx, path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Counts[ledger.CollectionClients] != 1 {
		t.Errorf("restored clients = %d, want 1", result.Counts[ledger.CollectionClients])
	}
	got, err := dst.GetClient(ctx, "c0000")
	if err != nil {
		t.Fatalf("GetClient in restored store: %v", err)
	}
	if got.Name != "Client 0" {
		t.Errorf("restored name = %q, want %q", got.Name, "Client 0")
	}
}

// seedClientsBulk inserts rows in one transaction so the big round-trip
// case seeds in reasonable time.
func seedClientsBulk(t *testing.T, store *ledger.Store, n int) {
	t.Helper()
	ctx := context.Background()
	err := store.Engine().WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO clients (id, name, balance_cents) VALUES (?, ?, ?);`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := 0; i < n; i++ {
			if _, err := stmt.ExecContext(ctx,
				fmt.Sprintf("c%05d", i), fmt.Sprintf("Client %d", i), int64(i*100)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bulk seed %d clients: %v", n, err)
	}
}

func TestBackupRestoreRoundTripTenThousandRows(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()
	seedClientsBulk(t, src, 10000)

	eng := newTestEngine(t, src, nil)
	path, err := eng.CreateBackup(ctx)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	dst := openTestStore(t)
	result, err := newTestEngine(t, dst, nil).Restore(ctx, path)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Counts[ledger.CollectionClients] != 10000 {
		t.Errorf("restored clients = %d, want 10000", result.Counts[ledger.CollectionClients])
	}
	if result.Checksum == "" {
		t.Error("result has no checksum")
	}

	counts, err := dst.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[ledger.CollectionClients] != 10000 {
		t.Errorf("clients in restored store = %d, want 10000", counts[ledger.CollectionClients])
	}
	got, err := dst.GetClient(ctx, "c09999")
	if err != nil {
		t.Fatalf("GetClient in restored store: %v", err)
	}
	if got.BalanceCents != 999900 {
		t.Errorf("restored balance = %d, want 999900", got.BalanceCents)
	}
}

func TestCreateBackupAbortsWhenCheckpointFails(t *testing.T) {
	src := openTestStore(t)
	eng := newTestEngine(t, src, nil)
	ctx := context.Background()

	// Closing the engine makes the checkpoint fail before any stream
	// is written.
	if err := src.Engine().Close(); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	if _, err := eng.CreateBackup(ctx); err == nil {
		t.Fatal("CreateBackup should fail when the checkpoint fails")
	} else if !strings.Contains(err.Error(), "checkpoint") {
		t.Errorf("err = %v, want checkpoint failure", err)
	}
}
