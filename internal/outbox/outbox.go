// Package outbox is the durable sync queue between local writes and the
// remote document store. Writes go through SafeWrite: delivered inline
// when the network is up, parked in a SQLite outbox table when it is
// not or when transient failures exhaust the inline retry ceiling. A
// drain pass replays parked entries oldest-first once connectivity
// returns.
//
// The outbox table is owned exclusively by this package.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietbay/ledgerd/internal/bus"
	"github.com/quietbay/ledgerd/internal/remote"
	"github.com/quietbay/ledgerd/internal/storage"
)

// Limits bound the queue. Zero values take the defaults.
type Limits struct {
	// MaxEntries caps the table; the oldest entries are dropped to
	// make room.
	MaxEntries int
	// MaxAge is the staleness window: entries older than this are
	// discarded during drain instead of delivered.
	MaxAge time.Duration
	// InlineAttempts is the retry ceiling for a single SafeWrite
	// before the write is parked.
	InlineAttempts int
}

const (
	DefaultMaxEntries     = 1000
	DefaultMaxAge         = 7 * 24 * time.Hour
	DefaultInlineAttempts = 3
)

func (l *Limits) applyDefaults() {
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.MaxAge <= 0 {
		l.MaxAge = DefaultMaxAge
	}
	if l.InlineAttempts <= 0 {
		l.InlineAttempts = DefaultInlineAttempts
	}
}

// Queue is the durable outbox. Safe for concurrent use.
type Queue struct {
	engine *storage.Engine
	events *bus.Bus
	logger *slog.Logger
	limits Limits

	// online reports current network state; nil means assume online.
	online func() bool

	mu         sync.Mutex
	store      remote.Store
	draining   bool
	drainAgain bool

	lifecycle sync.Mutex
	stop      context.CancelFunc
	done      chan struct{}
}

// New creates the queue and its backing table.
func New(ctx context.Context, engine *storage.Engine, store remote.Store, events *bus.Bus, online func() bool, limits Limits, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	limits.applyDefaults()
	q := &Queue{
		engine: engine,
		events: events,
		logger: logger,
		limits: limits,
		online: online,
		store:  store,
	}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema(ctx context.Context) error {
	return q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS sync_outbox (
				id TEXT PRIMARY KEY,
				action TEXT NOT NULL,
				path TEXT NOT NULL,
				payload TEXT,
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				UNIQUE(action, path)
			);`,
			// Not idx_-prefixed: the health monitor audits only the
			// ledger schema's index set.
			`CREATE INDEX IF NOT EXISTS sync_outbox_created_at ON sync_outbox(created_at);`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create outbox schema: %w", err)
			}
		}
		return nil
	})
}

func (q *Queue) publish(topic string, payload any) {
	if q.events != nil {
		q.events.Publish(topic, payload)
	}
}

func (q *Queue) isOnline() bool {
	return q.online == nil || q.online()
}

func (q *Queue) remoteStore() remote.Store {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store
}

// SafeWrite delivers a mutation to the remote store, parking it in the
// outbox when delivery cannot complete. Only permanent remote errors
// come back to the caller; everything transient is absorbed by the
// queue. Implements ledger.Mirror.
func (q *Queue) SafeWrite(ctx context.Context, action remote.Action, path string, payload json.RawMessage) error {
	store := q.remoteStore()
	if store == nil || !q.isOnline() {
		return q.enqueue(ctx, action, path, payload, "offline")
	}

	err := q.deliverWithRetry(ctx, store, action, path, payload)
	if err == nil {
		q.publish(bus.TopicSyncDelivered, bus.SyncEntryEvent{Action: string(action), Path: path})
		return nil
	}
	if remote.IsTransient(err) {
		q.logger.Warn("write parked after transient failures", "path", path, "error", err)
		return q.enqueue(ctx, action, path, payload, "transient")
	}
	return fmt.Errorf("sync write %s %s: %w", action, path, err)
}

// deliverWithRetry attempts delivery with exponential backoff, giving
// up once the inline attempt ceiling is hit or the error is permanent.
func (q *Queue) deliverWithRetry(ctx context.Context, store remote.Store, action remote.Action, path string, payload json.RawMessage) error {
	var err error
	for attempt := 0; attempt < q.limits.InlineAttempts; attempt++ {
		if attempt > 0 {
			if werr := sleepBackoff(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = q.deliver(ctx, store, action, path, payload)
		if err == nil || !remote.IsTransient(err) {
			return err
		}
	}
	return err
}

func (q *Queue) deliver(ctx context.Context, store remote.Store, action remote.Action, path string, payload json.RawMessage) error {
	switch action {
	case remote.ActionSet:
		return store.Set(ctx, path, payload)
	case remote.ActionDelete:
		return store.Delete(ctx, path)
	default:
		return fmt.Errorf("unknown sync action %q", action)
	}
}

// enqueue parks a write. A newer write to the same (action, path)
// supersedes the parked one: the remote store is last-writer-wins, so
// only the latest payload matters.
func (q *Queue) enqueue(ctx context.Context, action remote.Action, path string, payload json.RawMessage, reason string) error {
	now := time.Now().UTC()
	superseded := false
	err := q.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var existing int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sync_outbox WHERE action = ? AND path = ?;
		`, string(action), path).Scan(&existing); err != nil {
			return fmt.Errorf("check parked sync entry: %w", err)
		}
		superseded = existing > 0
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_outbox (id, action, path, payload, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(action, path) DO UPDATE SET
				payload = excluded.payload,
				attempts = 0,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at;
		`, uuid.NewString(), string(action), path, nullablePayload(payload), now, now); err != nil {
			return fmt.Errorf("enqueue sync entry: %w", err)
		}
		return q.evictOverflowTx(ctx, tx)
	})
	if err != nil {
		return err
	}
	q.publish(bus.TopicSyncQueued, bus.SyncEntryEvent{Action: string(action), Path: path, Reason: reason, Superseded: superseded})
	return nil
}

// evictOverflowTx drops the oldest entries beyond the cap.
func (q *Queue) evictOverflowTx(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT action, path FROM sync_outbox
		ORDER BY created_at DESC, id DESC
		LIMIT -1 OFFSET ?;
	`, q.limits.MaxEntries)
	if err != nil {
		return fmt.Errorf("find overflow entries: %w", err)
	}
	type key struct{ action, path string }
	var evicted []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.action, &k.path); err != nil {
			rows.Close()
			return fmt.Errorf("scan overflow entry: %w", err)
		}
		evicted = append(evicted, k)
	}
	rows.Close()
	if len(evicted) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_outbox WHERE id NOT IN (
			SELECT id FROM sync_outbox ORDER BY created_at DESC, id DESC LIMIT ?
		);
	`, q.limits.MaxEntries); err != nil {
		return fmt.Errorf("evict overflow entries: %w", err)
	}
	for _, k := range evicted {
		q.logger.Warn("sync entry evicted, queue full", "action", k.action, "path", k.path)
		q.publish(bus.TopicSyncDiscarded, bus.SyncEntryEvent{Action: k.action, Path: k.path, Reason: "overflow"})
	}
	return nil
}

// Pending returns the number of parked entries.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.engine.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}

// Clear drops every parked entry. This is an operator action for a
// local wipe; lifecycle transitions never call it, since parked writes
// stay durable across sign-out.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.engine.ExecuteWrite(ctx, `DELETE FROM sync_outbox;`); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	return nil
}

type entry struct {
	id       string
	action   string
	path     string
	payload  []byte
	attempts int
	created  time.Time
}

// Drain replays parked entries oldest-first. Only one drain runs at a
// time; a drain requested while one is running is coalesced into a
// single follow-up pass. Stale entries are discarded without a remote
// call; a transient failure stops the pass and leaves the remainder
// parked for the next one.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.drainAgain = true
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		q.drainOnce(ctx)

		q.mu.Lock()
		if !q.drainAgain {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.drainAgain = false
		q.mu.Unlock()
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	store := q.remoteStore()
	if store == nil || !q.isOnline() {
		return
	}

	delivered, discarded := 0, 0
	cutoff := time.Now().UTC().Add(-q.limits.MaxAge)

	for {
		if ctx.Err() != nil || !q.isOnline() {
			break
		}
		e, err := q.nextEntry(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			q.logger.Error("read outbox entry", "error", err)
			break
		}

		if e.created.Before(cutoff) {
			if err := q.delete(ctx, e.id); err != nil {
				q.logger.Error("drop stale entry", "error", err)
				break
			}
			discarded++
			q.publish(bus.TopicSyncDiscarded, bus.SyncEntryEvent{Action: e.action, Path: e.path, Reason: "stale"})
			continue
		}

		err = q.deliver(ctx, store, remote.Action(e.action), e.path, e.payload)
		switch {
		case err == nil:
			if err := q.delete(ctx, e.id); err != nil {
				q.logger.Error("remove delivered entry", "error", err)
				break
			}
			delivered++
			q.publish(bus.TopicSyncDelivered, bus.SyncEntryEvent{Action: e.action, Path: e.path})
			continue
		case remote.IsTransient(err):
			// Still unreachable; keep the remainder for the next pass.
			if berr := q.bumpAttempts(ctx, e.id); berr != nil {
				q.logger.Error("record delivery attempt", "error", berr)
			}
			q.logger.Warn("drain stopped on transient failure", "path", e.path, "error", err)
		default:
			// The remote refuses this write outright. Retrying cannot
			// help, so drop it rather than wedge the queue head.
			if derr := q.delete(ctx, e.id); derr != nil {
				q.logger.Error("drop rejected entry", "error", derr)
			} else {
				discarded++
				q.publish(bus.TopicSyncDiscarded, bus.SyncEntryEvent{Action: e.action, Path: e.path, Reason: "rejected"})
				q.logger.Error("sync entry rejected by remote", "path", e.path, "error", err)
				continue
			}
		}
		break
	}

	remaining, err := q.Pending(ctx)
	if err != nil {
		remaining = -1
	}
	q.logger.Info("sync drain finished", "delivered", delivered, "discarded", discarded, "remaining", remaining)
	q.publish(bus.TopicSyncDrained, bus.SyncDrainedEvent{Delivered: delivered, Discarded: discarded, Remaining: remaining})
}

func (q *Queue) nextEntry(ctx context.Context) (*entry, error) {
	row := q.engine.DB().QueryRowContext(ctx, `
		SELECT id, action, path, COALESCE(payload, ''), attempts, created_at
		FROM sync_outbox
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`)
	var e entry
	var payload string
	if err := row.Scan(&e.id, &e.action, &e.path, &payload, &e.attempts, &e.created); err != nil {
		return nil, err
	}
	if payload != "" {
		e.payload = []byte(payload)
	}
	return &e, nil
}

func (q *Queue) delete(ctx context.Context, id string) error {
	return q.engine.ExecuteWrite(ctx, `DELETE FROM sync_outbox WHERE id = ?;`, id)
}

func (q *Queue) bumpAttempts(ctx context.Context, id string) error {
	return q.engine.ExecuteWrite(ctx, `
		UPDATE sync_outbox SET attempts = attempts + 1, updated_at = ? WHERE id = ?;
	`, time.Now().UTC(), id)
}

// PurgeStale drops entries older than the staleness window without
// attempting delivery. The maintenance scheduler calls this so a queue
// that never drains still cannot grow unbounded in age.
func (q *Queue) PurgeStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-q.limits.MaxAge)
	rows, err := q.engine.DB().QueryContext(ctx,
		`SELECT action, path FROM sync_outbox WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale entries: %w", err)
	}
	var stale []bus.SyncEntryEvent
	for rows.Next() {
		var ev bus.SyncEntryEvent
		if err := rows.Scan(&ev.Action, &ev.Path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale entry: %w", err)
		}
		ev.Reason = "stale"
		stale = append(stale, ev)
	}
	rows.Close()
	if len(stale) == 0 {
		return 0, nil
	}
	if err := q.engine.ExecuteWrite(ctx, `DELETE FROM sync_outbox WHERE created_at < ?;`, cutoff); err != nil {
		return 0, fmt.Errorf("purge stale entries: %w", err)
	}
	for _, ev := range stale {
		q.publish(bus.TopicSyncDiscarded, ev)
	}
	return len(stale), nil
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// sleepBackoff waits 250ms * 2^(attempt-1) with ±25% jitter, capped at
// 5s. Mirrors the storage adapter's busy-retry curve at network scale.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := 250 * time.Millisecond
	backoff := base << (attempt - 1)
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	delay := backoff - backoff/4 + jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
