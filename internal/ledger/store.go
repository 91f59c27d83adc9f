// Package ledger owns the record collections of the client-ledger: the
// schema, the data-access surface the app reads and writes through, and
// the export/restore hooks the backup engine streams with. Every write
// runs inside the storage adapter's transaction scope, and every write
// is mirrored to the remote store through the sync queue when one is
// attached.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietbay/ledgerd/internal/remote"
	"github.com/quietbay/ledgerd/internal/storage"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("ledger: record not found")

// Mirror receives every local mutation for replication to the remote
// store. The sync queue implements it; transient failures are queued
// silently, permanent failures come back as errors.
type Mirror interface {
	SafeWrite(ctx context.Context, action remote.Action, path string, payload json.RawMessage) error
}

// Store is the data-access interface over the record collections.
type Store struct {
	engine *storage.Engine
	logger *slog.Logger

	mu      sync.RWMutex
	mirror  Mirror
	ownerID string
}

// New creates a Store over an open engine. Call InitSchema before use.
func New(engine *storage.Engine, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{engine: engine, logger: logger}
}

// Engine exposes the underlying adapter for the health monitor and
// backup engine.
func (s *Store) Engine() *storage.Engine {
	return s.engine
}

// SetMirror attaches (or with nil detaches) the sync mirror and the
// owner id used to build remote paths. The session tracker calls this
// on identity changes.
func (s *Store) SetMirror(m Mirror, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
	s.ownerID = ownerID
}

// BindOwner updates the owner id used in remote paths, keeping the
// attached mirror. An empty owner suspends mirroring.
func (s *Store) BindOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerID = ownerID
}

// mirrorWrite forwards a mutation to the sync queue when one is
// attached. Restore bypasses this path on purpose.
func (s *Store) mirrorWrite(ctx context.Context, action remote.Action, col Collection, id string, doc any) error {
	s.mu.RLock()
	m, owner := s.mirror, s.ownerID
	s.mu.RUnlock()
	if m == nil || owner == "" {
		return nil
	}
	var payload json.RawMessage
	if doc != nil {
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s document: %w", col, err)
		}
		payload = b
	}
	return m.SafeWrite(ctx, action, fmt.Sprintf("%s/%s/%s", col, owner, id), payload)
}

// UpsertNeighborhood inserts or overwrites a neighborhood.
func (s *Store) UpsertNeighborhood(ctx context.Context, n *Neighborhood) error {
	if err := normalizeTimes(&n.CreatedAt, &n.UpdatedAt); err != nil {
		return err
	}
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO neighborhoods (id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				updated_at = excluded.updated_at;
		`, n.ID, n.Name, n.CreatedAt, n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert neighborhood: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionSet, CollectionNeighborhoods, n.ID, n)
}

// UpsertStreet inserts or overwrites a street.
func (s *Store) UpsertStreet(ctx context.Context, st *Street) error {
	if err := normalizeTimes(&st.CreatedAt, &st.UpdatedAt); err != nil {
		return err
	}
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO streets (id, neighborhood_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				neighborhood_id = excluded.neighborhood_id,
				name = excluded.name,
				updated_at = excluded.updated_at;
		`, st.ID, st.NeighborhoodID, st.Name, st.CreatedAt, st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert street: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionSet, CollectionStreets, st.ID, st)
}

// UpsertClient inserts or overwrites a client and records the action in
// the activity log.
func (s *Store) UpsertClient(ctx context.Context, c *Client) error {
	if err := normalizeTimes(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return err
	}
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clients (id, street_id, name, phone, address, balance_cents, notes, archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				street_id = excluded.street_id,
				name = excluded.name,
				phone = excluded.phone,
				address = excluded.address,
				balance_cents = excluded.balance_cents,
				notes = excluded.notes,
				archived = excluded.archived,
				updated_at = excluded.updated_at;
		`, c.ID, nullIfEmpty(c.StreetID), c.Name, c.Phone, c.Address, c.BalanceCents, c.Notes, boolToInt(c.Archived), c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert client: %w", err)
		}
		return appendActivityTx(ctx, tx, "client", c.ID, "upsert", c.Name)
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionSet, CollectionClients, c.ID, c)
}

// DeleteClient removes a client; payments cascade. Idempotent locally,
// and the DELETE is mirrored regardless so remote converges.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete client: %w", err)
		}
		return appendActivityTx(ctx, tx, "client", id, "delete", "")
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionDelete, CollectionClients, id, nil)
}

// RecordPayment inserts or overwrites a payment and adjusts the
// client's running balance in the same transaction.
func (s *Store) RecordPayment(ctx context.Context, p *Payment) error {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var prior int64
		err := tx.QueryRowContext(ctx, `SELECT amount_cents FROM payments WHERE id = ?;`, p.ID).Scan(&prior)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read prior payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, client_id, amount_cents, method, note, paid_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				amount_cents = excluded.amount_cents,
				method = excluded.method,
				note = excluded.note,
				paid_at = excluded.paid_at;
		`, p.ID, p.ClientID, p.AmountCents, p.Method, p.Note, p.PaidAt, p.CreatedAt); err != nil {
			return fmt.Errorf("upsert payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE clients SET balance_cents = balance_cents - ? + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, prior, p.AmountCents, p.ClientID); err != nil {
			return fmt.Errorf("adjust client balance: %w", err)
		}
		return appendActivityTx(ctx, tx, "payment", p.ID, "record", fmt.Sprintf("client=%s amount=%d", p.ClientID, p.AmountCents))
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionSet, CollectionPayments, p.ID, p)
}

// DeletePayment removes a payment and restores the client balance.
func (s *Store) DeletePayment(ctx context.Context, id string) error {
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var clientID string
		var amount int64
		err := tx.QueryRowContext(ctx, `SELECT client_id, amount_cents FROM payments WHERE id = ?;`, id).Scan(&clientID, &amount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE clients SET balance_cents = balance_cents - ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, amount, clientID); err != nil {
			return fmt.Errorf("restore client balance: %w", err)
		}
		return appendActivityTx(ctx, tx, "payment", id, "delete", "")
	})
	if err != nil {
		return err
	}
	return s.mirrorWrite(ctx, remote.ActionDelete, CollectionPayments, id, nil)
}

// appendActivityTx writes an activity_log row inside the caller's
// transaction. Activity entries are local-only; they are not mirrored.
func appendActivityTx(ctx context.Context, tx *sql.Tx, entityType, entityID, action, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity_log (id, entity_type, entity_id, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, uuid.NewString(), entityType, entityID, action, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// GetClient retrieves a single client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.engine.DB().QueryRowContext(ctx, `
		SELECT id, COALESCE(street_id, ''), name, phone, address, balance_cents, notes, archived, created_at, updated_at
		FROM clients WHERE id = ?;
	`, id)
	c, err := scanClient(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// ClientFilter narrows ListClients.
type ClientFilter struct {
	StreetID        string
	IncludeArchived bool
	Limit           int
}

// ListClients returns clients ordered by name.
func (s *Store) ListClients(ctx context.Context, filter ClientFilter) ([]*Client, error) {
	var conditions []string
	var args []any
	if filter.StreetID != "" {
		conditions = append(conditions, "street_id = ?")
		args = append(args, filter.StreetID)
	}
	if !filter.IncludeArchived {
		conditions = append(conditions, "archived = 0")
	}
	query := `
		SELECT id, COALESCE(street_id, ''), name, phone, address, balance_cents, notes, archived, created_at, updated_at
		FROM clients`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.engine.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("client rows: %w", err)
	}
	return out, nil
}

// SearchClients matches clients by name, phone, or address. Uses the
// FTS index when present, LIKE scans otherwise.
func (s *Store) SearchClients(ctx context.Context, term string, limit int) ([]*Client, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	var query string
	var args []any
	if s.searchIndexPresent(ctx) {
		query = `
			SELECT c.id, COALESCE(c.street_id, ''), c.name, c.phone, c.address, c.balance_cents, c.notes, c.archived, c.created_at, c.updated_at
			FROM clients_fts f
			JOIN clients c ON c.rowid = f.rowid
			WHERE clients_fts MATCH ?
			ORDER BY rank
			LIMIT ?;`
		args = []any{quoteFTSQuery(term), limit}
	} else {
		like := "%" + term + "%"
		query = `
			SELECT id, COALESCE(street_id, ''), name, phone, address, balance_cents, notes, archived, created_at, updated_at
			FROM clients
			WHERE name LIKE ? OR phone LIKE ? OR address LIKE ?
			ORDER BY name ASC
			LIMIT ?;`
		args = []any{like, like, like, limit}
	}

	rows, err := s.engine.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return out, nil
}

func (s *Store) searchIndexPresent(ctx context.Context) bool {
	var name string
	err := s.engine.DB().QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name = ?;`, SearchTableName).Scan(&name)
	return err == nil
}

// quoteFTSQuery wraps each term in double quotes so user input cannot
// inject FTS5 query syntax.
func quoteFTSQuery(term string) string {
	fields := strings.Fields(term)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

// ListPayments returns a client's payments, newest first.
func (s *Store) ListPayments(ctx context.Context, clientID string, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.engine.Execute(ctx, `
		SELECT id, client_id, amount_cents, method, note, paid_at, created_at
		FROM payments
		WHERE client_id = ?
		ORDER BY paid_at DESC
		LIMIT ?;
	`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.ClientID, &p.AmountCents, &p.Method, &p.Note, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment rows: %w", err)
	}
	return out, nil
}

// PruneActivityLog deletes activity entries older than the retention
// window. Idempotent; the maintenance scheduler calls it.
func (s *Store) PruneActivityLog(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	var purged int64
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge activity_log: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

func scanClient(scan func(dest ...any) error) (*Client, error) {
	var c Client
	var archived int
	if err := scan(&c.ID, &c.StreetID, &c.Name, &c.Phone, &c.Address, &c.BalanceCents, &c.Notes, &archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Archived = archived != 0
	return &c, nil
}

func normalizeTimes(created, updated *time.Time) error {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
