// Package backup streams the ledger's collections to a gzip-compressed
// line-delimited JSON file and restores them back. Backups are chunked
// so the writer never holds a whole collection's JSON in one allocation,
// and the stream carries a trailing summary record whose checksum lets
// restore detect truncation and corruption before committing anything.
package backup

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/ledger"
)

const (
	// FormatName tags the stream header.
	FormatName = "ledgerd-backup"
	// FormatVersion is bumped when the stream layout changes.
	FormatVersion = 1
	// DefaultChunkSize is the number of records per chunk line.
	DefaultChunkSize = 100
)

// ErrCorrupt marks a backup file restore refuses to apply: truncated,
// checksum mismatch, or malformed lines.
var ErrCorrupt = errors.New("backup: file is corrupt")

type header struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

type chunk struct {
	Type        string            `json:"type"`
	ChunkIndex  int               `json:"chunk_index"`
	TotalChunks int               `json:"total_chunks"`
	Data        []json.RawMessage `json:"data"`
}

type trailer struct {
	Type     string         `json:"type"`
	Counts   map[string]int `json:"counts"`
	Checksum string         `json:"checksum"`
}

// RestoreResult summarizes an applied restore.
type RestoreResult struct {
	Counts   map[ledger.Collection]int
	Checksum string
}

// Engine creates and restores backups for one ledger store.
type Engine struct {
	store      *ledger.Store
	events     *bus.Bus
	logger     *slog.Logger
	dir        string
	chunkSize  int
	validators *lineValidators
}

// New builds a backup engine writing into dir. events may be nil.
func New(store *ledger.Store, events *bus.Bus, dir string, chunkSize int, logger *slog.Logger) (*Engine, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	validators, err := compileLineValidators()
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:      store,
		events:     events,
		logger:     logger,
		dir:        dir,
		chunkSize:  chunkSize,
		validators: validators,
	}, nil
}

func (e *Engine) publish(topic string, payload any) {
	if e.events != nil {
		e.events.Publish(topic, payload)
	}
}

// CreateBackup writes a full backup and returns the path of the
// compressed file. The raw stream is written first, then compressed
// and removed, so a crash mid-write never leaves a plausible-looking
// .gz behind.
func (e *Engine) CreateBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	// Flush the WAL so the export sees every committed write. A backup
	// is only worth keeping when every step of it succeeded.
	if err := e.store.Engine().Checkpoint(ctx); err != nil {
		return "", fmt.Errorf("checkpoint before backup: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	rawPath := filepath.Join(e.dir, fmt.Sprintf("ledger-%s.jsonl", stamp))

	counts, err := e.writeStream(ctx, rawPath)
	if err != nil {
		_ = os.Remove(rawPath)
		return "", err
	}

	gzPath, size, err := compressAndRemove(rawPath)
	if err != nil {
		return "", err
	}

	e.logger.Info("backup created", "path", gzPath, "bytes", size, "records", totalOf(counts))
	e.publish(bus.TopicBackupDone, bus.BackupDoneEvent{Path: gzPath, CompressedSize: size})
	return gzPath, nil
}

// Prune removes the oldest backup files beyond keepLast. The timestamp
// in the filename sorts lexicographically, so name order is age order.
func (e *Engine) Prune(keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(e.dir, "ledger-*.jsonl.gz"))
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}
	if len(matches) <= keepLast {
		return 0, nil
	}
	sort.Strings(matches)
	removed := 0
	for _, path := range matches[:len(matches)-keepLast] {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("prune backup: %w", err)
		}
		e.logger.Info("old backup pruned", "path", path)
		removed++
	}
	return removed, nil
}

func (e *Engine) writeStream(ctx context.Context, path string) (map[ledger.Collection]int, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create backup file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	out := io.MultiWriter(f, hasher)

	if err := writeLine(out, header{Format: FormatName, Version: FormatVersion, CreatedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}

	counts := make(map[ledger.Collection]int, len(ledger.ExportOrder))
	for _, col := range ledger.ExportOrder {
		records, err := e.store.ExportCollection(ctx, col)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", col, err)
		}
		counts[col] = len(records)
		if err := e.writeChunks(ctx, out, col, records); err != nil {
			return nil, err
		}
	}

	// The trailer is excluded from its own checksum: everything before
	// it is hashed, so restore can verify as it reads.
	sum := hex.EncodeToString(hasher.Sum(nil))
	t := trailer{Type: "summary", Counts: map[string]int{}, Checksum: sum}
	for col, n := range counts {
		t.Counts[string(col)] = n
	}
	if err := writeLine(f, t); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync backup file: %w", err)
	}
	return counts, nil
}

func (e *Engine) writeChunks(ctx context.Context, w io.Writer, col ledger.Collection, records []json.RawMessage) error {
	total := (len(records) + e.chunkSize - 1) / e.chunkSize
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backup canceled: %w", err)
		}
		end := (i + 1) * e.chunkSize
		if end > len(records) {
			end = len(records)
		}
		c := chunk{
			Type:        string(col),
			ChunkIndex:  i,
			TotalChunks: total,
			Data:        records[i*e.chunkSize : end],
		}
		if err := writeLine(w, c); err != nil {
			return err
		}
		e.publish(bus.TopicBackupProgress, bus.BackupProgressEvent{
			Collection:  string(col),
			ChunkIndex:  i,
			TotalChunks: total,
		})
		// Yield between chunks so a foreground write waiting on the
		// single connection is not starved by a large export.
		runtime.Gosched()
	}
	return nil
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal backup line: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write backup line: %w", err)
	}
	return nil
}

func compressAndRemove(rawPath string) (string, int64, error) {
	in, err := os.Open(rawPath)
	if err != nil {
		return "", 0, fmt.Errorf("reopen backup file: %w", err)
	}
	defer in.Close()

	gzPath := rawPath + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", 0, fmt.Errorf("create compressed backup: %w", err)
	}

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		_ = os.Remove(gzPath)
		return "", 0, fmt.Errorf("compress backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		_ = os.Remove(gzPath)
		return "", 0, fmt.Errorf("finish compressed backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("close compressed backup: %w", err)
	}
	info, err := os.Stat(gzPath)
	if err != nil {
		return "", 0, fmt.Errorf("stat compressed backup: %w", err)
	}
	_ = os.Remove(rawPath)
	return gzPath, info.Size(), nil
}

// Restore applies a backup file into the store. Records are upserted
// inside one transaction, so re-running a restore converges instead of
// duplicating, and a corrupt file changes nothing. Restored writes do
// not flow through the sync mirror.
func (e *Engine) Restore(ctx context.Context, path string) (*RestoreResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup file: %w", err)
	}
	defer f.Close()

	var stream io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%w: not a gzip stream: %v", ErrCorrupt, err)
		}
		defer zr.Close()
		stream = zr
	}

	result := &RestoreResult{Counts: map[ledger.Collection]int{}}
	err = e.store.Engine().WithTx(ctx, func(tx *sql.Tx) error {
		return e.applyStream(ctx, tx, stream, result)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("backup restored", "path", path, "records", totalOf(result.Counts))
	return result, nil
}

func (e *Engine) applyStream(ctx context.Context, tx *sql.Tx, stream io.Reader, result *RestoreResult) error {
	r := newLineReader(stream)
	hasher := sha256.New()

	line, err := r.next()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := validateLine(e.validators.header, line); err != nil {
		return fmt.Errorf("%w: bad header: %v", ErrCorrupt, err)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return fmt.Errorf("%w: bad header: %v", ErrCorrupt, err)
	}
	if h.Version > FormatVersion {
		return fmt.Errorf("backup format version %d is newer than supported %d", h.Version, FormatVersion)
	}
	hashLine(hasher, line)

	known := make(map[string]ledger.Collection, len(ledger.ExportOrder))
	for _, col := range ledger.ExportOrder {
		known[string(col)] = col
	}

	for {
		line, err := r.next()
		if errors.Is(err, errStreamEnd) {
			return fmt.Errorf("%w: summary record missing", ErrCorrupt)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return fmt.Errorf("%w: malformed line: %v", ErrCorrupt, err)
		}

		if probe.Type == "summary" {
			return e.finishRestore(r, line, hasher, result)
		}

		if err := validateLine(e.validators.chunk, line); err != nil {
			return fmt.Errorf("%w: bad chunk: %v", ErrCorrupt, err)
		}
		var c chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: bad chunk: %v", ErrCorrupt, err)
		}
		col, ok := known[c.Type]
		if !ok {
			return fmt.Errorf("%w: unknown collection %q", ErrCorrupt, c.Type)
		}
		for _, raw := range c.Data {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("restore canceled: %w", err)
			}
			if err := e.store.RestoreRecord(ctx, tx, col, raw); err != nil {
				return fmt.Errorf("restore %s record: %w", col, err)
			}
			result.Counts[col]++
		}
		hashLine(hasher, line)
	}
}

func (e *Engine) finishRestore(r *lineReader, line []byte, hasher hash.Hash, result *RestoreResult) error {
	if err := validateLine(e.validators.trailer, line); err != nil {
		return fmt.Errorf("%w: bad summary: %v", ErrCorrupt, err)
	}
	var t trailer
	if err := json.Unmarshal(line, &t); err != nil {
		return fmt.Errorf("%w: bad summary: %v", ErrCorrupt, err)
	}

	if _, err := r.next(); !errors.Is(err, errStreamEnd) {
		return fmt.Errorf("%w: content after summary record", ErrCorrupt)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != t.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	for name, want := range t.Counts {
		if got := result.Counts[ledger.Collection(name)]; got != want {
			return fmt.Errorf("%w: %s has %d records, summary says %d", ErrCorrupt, name, got, want)
		}
	}
	result.Checksum = sum
	return nil
}

func hashLine(h hash.Hash, line []byte) {
	h.Write(line)
	h.Write([]byte{'\n'})
}

func totalOf(counts map[ledger.Collection]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
