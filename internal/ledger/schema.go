package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema ledger constants used to gate startup safety. The health
// monitor reads the version for its pending-migration warning.
const (
	SchemaVersionLatest  = 3
	SchemaChecksumLatest = "ld-v3-2026-05-clients-fts"
)

// ExpectedIndexes is the fixed index set the schema creates. The health
// monitor diffs the catalog against this list: missing entries
// invalidate the store, extras only warn.
var ExpectedIndexes = []string{
	"idx_neighborhoods_name",
	"idx_streets_neighborhood",
	"idx_streets_name",
	"idx_clients_street",
	"idx_clients_name",
	"idx_clients_phone",
	"idx_clients_archived",
	"idx_clients_balance",
	"idx_clients_updated",
	"idx_clients_street_archived",
	"idx_payments_client",
	"idx_payments_paid_at",
	"idx_payments_client_paid",
	"idx_payments_method",
	"idx_payments_created",
	"idx_activity_entity",
	"idx_activity_created",
	"idx_activity_action",
	"idx_activity_entity_created",
}

// SearchTableName is the FTS5 table backing client search. Its absence
// is tolerated (slower LIKE scans) and reported by the health monitor.
const SearchTableName = "clients_fts"

// InitSchema creates the ledger schema if missing and records the
// schema version in the migrations ledger. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	err := s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
			return fmt.Errorf("read migration max version: %w", err)
		}
		if maxVersion > SchemaVersionLatest {
			return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, SchemaVersionLatest)
		}

		tableStatements := []string{
			`CREATE TABLE IF NOT EXISTS neighborhoods (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS streets (
				id TEXT PRIMARY KEY,
				neighborhood_id TEXT NOT NULL REFERENCES neighborhoods(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS clients (
				id TEXT PRIMARY KEY,
				street_id TEXT REFERENCES streets(id) ON DELETE SET NULL,
				name TEXT NOT NULL,
				phone TEXT NOT NULL DEFAULT '',
				address TEXT NOT NULL DEFAULT '',
				balance_cents INTEGER NOT NULL DEFAULT 0,
				notes TEXT NOT NULL DEFAULT '',
				archived INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS payments (
				id TEXT PRIMARY KEY,
				client_id TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
				amount_cents INTEGER NOT NULL,
				method TEXT NOT NULL DEFAULT 'cash',
				note TEXT NOT NULL DEFAULT '',
				paid_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS activity_log (
				id TEXT PRIMARY KEY,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				action TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		}
		for _, stmt := range tableStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration: %w", err)
			}
		}

		indexStatements := []string{
			`CREATE INDEX IF NOT EXISTS idx_neighborhoods_name ON neighborhoods(name);`,
			`CREATE INDEX IF NOT EXISTS idx_streets_neighborhood ON streets(neighborhood_id);`,
			`CREATE INDEX IF NOT EXISTS idx_streets_name ON streets(name);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_street ON clients(street_id);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_name ON clients(name);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_phone ON clients(phone);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_archived ON clients(archived);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_balance ON clients(balance_cents);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_updated ON clients(updated_at);`,
			`CREATE INDEX IF NOT EXISTS idx_clients_street_archived ON clients(street_id, archived);`,
			`CREATE INDEX IF NOT EXISTS idx_payments_client ON payments(client_id);`,
			`CREATE INDEX IF NOT EXISTS idx_payments_paid_at ON payments(paid_at);`,
			`CREATE INDEX IF NOT EXISTS idx_payments_client_paid ON payments(client_id, paid_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_payments_method ON payments(method);`,
			`CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_entity ON activity_log(entity_type, entity_id);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_action ON activity_log(action);`,
			`CREATE INDEX IF NOT EXISTS idx_activity_entity_created ON activity_log(entity_type, entity_id, created_at DESC);`,
		}
		for _, stmt := range indexStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration index: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, SchemaVersionLatest, SchemaChecksumLatest); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// FTS5 is optional: some builds ship without the extension. A
	// failure here degrades search to LIKE scans; the health monitor
	// surfaces the gap as a warning.
	if err := s.initSearchIndex(ctx); err != nil {
		s.logger.Warn("client search index unavailable", "error", err)
	}
	return nil
}

func (s *Store) initSearchIndex(ctx context.Context) error {
	return s.engine.WithTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS clients_fts USING fts5(
				name, phone, address,
				content='clients', content_rowid='rowid'
			);`,
			`CREATE TRIGGER IF NOT EXISTS clients_fts_ai AFTER INSERT ON clients BEGIN
				INSERT INTO clients_fts(rowid, name, phone, address)
				VALUES (new.rowid, new.name, new.phone, new.address);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS clients_fts_ad AFTER DELETE ON clients BEGIN
				INSERT INTO clients_fts(clients_fts, rowid, name, phone, address)
				VALUES ('delete', old.rowid, old.name, old.phone, old.address);
			END;`,
			`CREATE TRIGGER IF NOT EXISTS clients_fts_au AFTER UPDATE ON clients BEGIN
				INSERT INTO clients_fts(clients_fts, rowid, name, phone, address)
				VALUES ('delete', old.rowid, old.name, old.phone, old.address);
				INSERT INTO clients_fts(rowid, name, phone, address)
				VALUES (new.rowid, new.name, new.phone, new.address);
			END;`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create search index: %w", err)
			}
		}
		return nil
	})
}

// SchemaVersion reads the highest applied migration version, 0 when the
// ledger is absent.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.engine.DB().QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
