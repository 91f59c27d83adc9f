// Package storage wraps the embedded SQLite engine behind a small
// adapter: parameterized query execution, write execution, scoped
// transactions, and PRAGMA access. All local durability in the core
// funnels through this package; it configures write-ahead-log
// journaling once at open and the health monitor verifies it stays
// that way.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Startup PRAGMA policy. The health monitor audits these same values;
// keep the two in sync.
const (
	BusyTimeoutMillis = 30000
	CacheSizeKB       = 8000 // stored as -8000 (KB mode)
	MmapSizeBytes     = 268435456
	PageSizeBytes     = 4096
)

// ErrorCode classifies engine-level failures.
type ErrorCode string

const (
	CodeBusy       ErrorCode = "busy"
	CodeConstraint ErrorCode = "constraint"
	CodeCorrupt    ErrorCode = "corrupt"
	CodeIO         ErrorCode = "io"
	CodeUnknown    ErrorCode = "unknown"
)

// StorageError is the typed error every engine failure surfaces as.
// The adapter never swallows errors; it wraps them.
type StorageError struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s (%s)", e.Message, e.Code)
}

func (e *StorageError) Unwrap() error {
	return e.cause
}

// wrapEngineErr converts a raw driver error into a StorageError.
// mattn/go-sqlite3 wraps errors as sqlite3.Error; we classify by the
// error string to avoid importing the cgo package outside the driver
// registration.
func wrapEngineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	code := CodeUnknown
	msg := err.Error()
	switch {
	case isBusy(err):
		code = CodeBusy
	case strings.Contains(msg, "constraint"):
		code = CodeConstraint
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		code = CodeCorrupt
	case strings.Contains(msg, "disk I/O") || strings.Contains(msg, "unable to open"):
		code = CodeIO
	}
	return &StorageError{Code: code, Message: op + ": " + msg, cause: err}
}

// isBusy reports whether an error is a SQLite BUSY (5) or LOCKED (6) error.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Engine is the single door to the embedded database. One logical
// writer: MaxOpenConns is pinned to 1 so all mutations serialize on
// this connection and contention resolves via busy_timeout.
type Engine struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// startup PRAGMA set. The caller must Close when done.
func Open(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, BusyTimeoutMillis)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapEngineErr("open sqlite3", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	e := &Engine{db: db, path: path, logger: logger}
	if err := e.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// configurePragmas applies the startup policy. page_size only takes
// effect on a fresh database; auto_vacuum likewise must be set before
// the first table is created.
func (e *Engine) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA page_size=%d;", PageSizeBytes),
		"PRAGMA auto_vacuum=INCREMENTAL;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA cache_size=%d;", -CacheSizeKB),
		fmt.Sprintf("PRAGMA mmap_size=%d;", MmapSizeBytes),
	}
	for _, q := range pragmas {
		if _, err := e.db.ExecContext(ctx, q); err != nil {
			return wrapEngineErr(fmt.Sprintf("set pragma %q", q), err)
		}
	}
	return nil
}

// DB exposes the underlying connection for packages that own their own
// schema (ledger, outbox).
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

// Close checkpoints the WAL and closes the connection.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	if _, err := e.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		e.logger.Warn("wal checkpoint on close failed", "error", err)
	}
	if err := e.db.Close(); err != nil {
		return wrapEngineErr("close", err)
	}
	e.db = nil
	return nil
}

// Execute runs a read query and returns the rows. The caller must close
// the result.
func (e *Engine) Execute(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapEngineErr("query", err)
	}
	return rows, nil
}

// ExecuteWrite runs a mutation outside any explicit transaction,
// retrying transient lock errors.
func (e *Engine) ExecuteWrite(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
			return wrapEngineErr("exec", err)
		}
		return nil
	})
}

// WithTx runs fn inside a transaction: begin, fn, commit on success,
// rollback and return the error otherwise. Transient lock errors retry
// the whole scope.
func (e *Engine) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapEngineErr("begin tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return wrapEngineErr("commit tx", err)
		}
		return nil
	})
}

// Pragma reads a single PRAGMA value as text.
func (e *Engine) Pragma(ctx context.Context, name string) (string, error) {
	var value string
	err := e.db.QueryRowContext(ctx, "PRAGMA "+name+";").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapEngineErr("pragma "+name, err)
	}
	return value, nil
}

// SetPragma writes a single PRAGMA value.
func (e *Engine) SetPragma(ctx context.Context, name, value string) error {
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s=%s;", name, value)); err != nil {
		return wrapEngineErr("set pragma "+name, err)
	}
	return nil
}

// Checkpoint forces a full WAL checkpoint so the main file holds one
// consistent, fully-merged image. The backup engine calls this before
// streaming.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return wrapEngineErr("wal checkpoint", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
