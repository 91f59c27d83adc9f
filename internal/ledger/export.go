package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Counts maps collection name to row count, as reported in the backup
// trailer and the health status output.
type Counts map[Collection]int

// Counts returns the current row count of every collection.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	out := make(Counts, len(ExportOrder))
	for _, col := range ExportOrder {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, col)
		if err := s.engine.DB().QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", col, err)
		}
		out[col] = n
	}
	return out, nil
}

// SearchIndexPresent reports whether the FTS table is materialized.
func (s *Store) SearchIndexPresent(ctx context.Context) bool {
	return s.searchIndexPresent(ctx)
}

// ExportCollection fetches every row of a collection as marshaled
// records, in primary-key order so chunking is deterministic.
func (s *Store) ExportCollection(ctx context.Context, col Collection) ([]json.RawMessage, error) {
	switch col {
	case CollectionNeighborhoods:
		return exportRows(ctx, s, `SELECT id, name, created_at, updated_at FROM neighborhoods ORDER BY id;`,
			func(scan func(...any) error) (any, error) {
				var n Neighborhood
				err := scan(&n.ID, &n.Name, &n.CreatedAt, &n.UpdatedAt)
				return &n, err
			})
	case CollectionStreets:
		return exportRows(ctx, s, `SELECT id, neighborhood_id, name, created_at, updated_at FROM streets ORDER BY id;`,
			func(scan func(...any) error) (any, error) {
				var st Street
				err := scan(&st.ID, &st.NeighborhoodID, &st.Name, &st.CreatedAt, &st.UpdatedAt)
				return &st, err
			})
	case CollectionClients:
		return exportRows(ctx, s, `SELECT id, COALESCE(street_id, ''), name, phone, address, balance_cents, notes, archived, created_at, updated_at FROM clients ORDER BY id;`,
			func(scan func(...any) error) (any, error) {
				return scanClient(scan)
			})
	case CollectionPayments:
		return exportRows(ctx, s, `SELECT id, client_id, amount_cents, method, note, paid_at, created_at FROM payments ORDER BY id;`,
			func(scan func(...any) error) (any, error) {
				var p Payment
				err := scan(&p.ID, &p.ClientID, &p.AmountCents, &p.Method, &p.Note, &p.PaidAt, &p.CreatedAt)
				return &p, err
			})
	case CollectionActivityLog:
		return exportRows(ctx, s, `SELECT id, entity_type, entity_id, action, detail, created_at FROM activity_log ORDER BY id;`,
			func(scan func(...any) error) (any, error) {
				var a ActivityEntry
				err := scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.Detail, &a.CreatedAt)
				return &a, err
			})
	default:
		return nil, fmt.Errorf("unknown collection %q", col)
	}
}

func exportRows(ctx context.Context, s *Store, query string, scanRow func(func(...any) error) (any, error)) ([]json.RawMessage, error) {
	rows, err := s.engine.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		rec, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal export row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export rows: %w", err)
	}
	return out, nil
}

// RestoreRecord upserts a single backup record inside the caller's
// transaction. Re-running a restore over already-present rows converges
// instead of duplicating; the mirror is never involved.
func (s *Store) RestoreRecord(ctx context.Context, tx *sql.Tx, col Collection, raw json.RawMessage) error {
	switch col {
	case CollectionNeighborhoods:
		var n Neighborhood
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("decode neighborhood: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO neighborhoods (id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at;
		`, n.ID, n.Name, n.CreatedAt, n.UpdatedAt)
		return err
	case CollectionStreets:
		var st Street
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode street: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO streets (id, neighborhood_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				neighborhood_id = excluded.neighborhood_id,
				name = excluded.name,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at;
		`, st.ID, st.NeighborhoodID, st.Name, st.CreatedAt, st.UpdatedAt)
		return err
	case CollectionClients:
		var c Client
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode client: %w", err)
		}
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
				created_at = excluded.created_at,
				updated_at = excluded.updated_at;
		`, c.ID, nullIfEmpty(c.StreetID), c.Name, c.Phone, c.Address, c.BalanceCents, c.Notes, boolToInt(c.Archived), c.CreatedAt, c.UpdatedAt)
		return err
	case CollectionPayments:
		var p Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode payment: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, client_id, amount_cents, method, note, paid_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				client_id = excluded.client_id,
				amount_cents = excluded.amount_cents,
				method = excluded.method,
				note = excluded.note,
				paid_at = excluded.paid_at,
				created_at = excluded.created_at;
		`, p.ID, p.ClientID, p.AmountCents, p.Method, p.Note, p.PaidAt, p.CreatedAt)
		return err
	case CollectionActivityLog:
		var a ActivityEntry
		if err := json.Unmarshal(raw, &a); err != nil {
			return fmt.Errorf("decode activity entry: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO activity_log (id, entity_type, entity_id, action, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				entity_type = excluded.entity_type,
				entity_id = excluded.entity_id,
				action = excluded.action,
				detail = excluded.detail,
				created_at = excluded.created_at;
		`, a.ID, a.EntityType, a.EntityID, a.Action, a.Detail, a.CreatedAt)
		return err
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
}
