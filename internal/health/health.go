// Package health inspects a live database and reports on its
// integrity and configuration. Run never fails hard: anything that
// cannot be checked becomes a finding in the report, so a corrupted
// database still produces a diagnosis instead of an error.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/quietbay/ledgerd/internal/ledger"
	"github.com/quietbay/ledgerd/internal/storage"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Report is a full health diagnosis. IsValid is false when any check
// failed; warnings alone leave the database valid.
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Path      string        `json:"path"`
	IsValid   bool          `json:"is_valid"`
	Errors    []string      `json:"errors,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Checks    []CheckResult `json:"checks"`
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusFail:
		r.IsValid = false
		r.Errors = append(r.Errors, c.Message)
	case StatusWarn:
		r.Warnings = append(r.Warnings, c.Message)
	}
}

// Monitor runs health checks against a ledger store.
type Monitor struct {
	store  *ledger.Store
	logger *slog.Logger
}

func New(store *ledger.Store, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{store: store, logger: logger}
}

// Run executes every check and returns the report. A failed integrity
// scan short-circuits the remaining checks since their results would
// be meaningless against a corrupt file.
func (m *Monitor) Run(ctx context.Context) *Report {
	report := &Report{
		Timestamp: time.Now().UTC(),
		Path:      m.store.Engine().Path(),
		IsValid:   true,
	}

	if ok := m.checkIntegrity(ctx, report); !ok {
		report.add(CheckResult{Name: "Pragmas", Status: StatusSkip, Message: "Skipped: integrity check failed"})
		report.add(CheckResult{Name: "Indexes", Status: StatusSkip, Message: "Skipped: integrity check failed"})
		m.logReport(report)
		return report
	}

	m.checkPragmas(ctx, report)
	m.checkIndexes(ctx, report)
	m.checkSearchIndex(ctx, report)
	m.checkSchemaVersion(ctx, report)

	m.logReport(report)
	return report
}

func (m *Monitor) logReport(r *Report) {
	if r.IsValid {
		m.logger.Info("health check passed", "warnings", len(r.Warnings))
		return
	}
	m.logger.Error("health check failed", "errors", r.Errors)
}

// checkIntegrity runs the cheap quick_check as a gate: a quick failure
// short-circuits, and a quick pass still runs the full integrity_check,
// since quick_check skips index-to-table consistency. Returns false
// when the file is corrupt.
func (m *Monitor) checkIntegrity(ctx context.Context, report *Report) bool {
	engine := m.store.Engine()

	quick, err := engine.Pragma(ctx, "quick_check")
	if err != nil {
		report.add(CheckResult{Name: "Integrity", Status: StatusFail,
			Message: "quick_check could not run", Detail: err.Error()})
		return false
	}
	if quick != "ok" {
		report.add(CheckResult{Name: "Integrity", Status: StatusFail,
			Message: "database file is corrupt", Detail: quick})
		return false
	}

	full, err := engine.Pragma(ctx, "integrity_check")
	if err != nil {
		report.add(CheckResult{Name: "Integrity", Status: StatusFail,
			Message: "integrity_check could not run", Detail: err.Error()})
		return false
	}
	if full != "ok" {
		report.add(CheckResult{Name: "Integrity", Status: StatusFail,
			Message: "database file is corrupt", Detail: full})
		return false
	}

	report.add(CheckResult{Name: "Integrity", Status: StatusPass, Message: "integrity ok"})
	return true
}

// pragmaPolicy is one expected PRAGMA setting. Critical settings fail
// the report; the rest only warn since they degrade performance, not
// correctness.
type pragmaPolicy struct {
	name     string
	critical bool
	ok       func(value string) bool
	want     string
}

var pragmaPolicies = []pragmaPolicy{
	{name: "journal_mode", critical: true, want: "wal",
		ok: func(v string) bool { return strings.EqualFold(v, "wal") }},
	{name: "foreign_keys", critical: true, want: "1",
		ok: func(v string) bool { return v == "1" }},
	{name: "auto_vacuum", critical: true, want: "2 (incremental)",
		ok: func(v string) bool { return v == "2" }},
	{name: "synchronous", want: "1 (normal) or 2 (full)",
		ok: func(v string) bool { return v == "1" || v == "2" }},
	{name: "busy_timeout", want: fmt.Sprintf(">= %d", storage.BusyTimeoutMillis),
		ok: func(v string) bool { n, err := strconv.Atoi(v); return err == nil && n >= storage.BusyTimeoutMillis }},
	{name: "mmap_size", want: "> 0",
		ok: func(v string) bool { n, err := strconv.ParseInt(v, 10, 64); return err == nil && n > 0 }},
	{name: "cache_size", want: "negative (KB-sized)",
		ok: func(v string) bool { n, err := strconv.ParseInt(v, 10, 64); return err == nil && n < 0 }},
	{name: "page_size", want: fmt.Sprintf(">= %d", storage.PageSizeBytes),
		ok: func(v string) bool { n, err := strconv.Atoi(v); return err == nil && n >= storage.PageSizeBytes }},
}

func (m *Monitor) checkPragmas(ctx context.Context, report *Report) {
	engine := m.store.Engine()
	for _, policy := range pragmaPolicies {
		value, err := engine.Pragma(ctx, policy.name)
		if err != nil {
			report.add(CheckResult{Name: "Pragma " + policy.name, Status: StatusFail,
				Message: fmt.Sprintf("pragma %s unreadable", policy.name), Detail: err.Error()})
			continue
		}
		if policy.ok(value) {
			report.add(CheckResult{Name: "Pragma " + policy.name, Status: StatusPass,
				Message: fmt.Sprintf("%s = %s", policy.name, value)})
			continue
		}
		status := StatusWarn
		if policy.critical {
			status = StatusFail
		}
		report.add(CheckResult{Name: "Pragma " + policy.name, Status: status,
			Message: fmt.Sprintf("pragma %s = %s, want %s", policy.name, value, policy.want)})
	}
}

// checkIndexes diffs the live index set against the expected schema
// indexes. A missing index means queries silently degrade to scans, so
// it fails; an extra one is only surprising.
func (m *Monitor) checkIndexes(ctx context.Context, report *Report) {
	rows, err := m.store.Engine().DB().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%';`)
	if err != nil {
		report.add(CheckResult{Name: "Indexes", Status: StatusFail,
			Message: "could not list indexes", Detail: err.Error()})
		return
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			report.add(CheckResult{Name: "Indexes", Status: StatusFail,
				Message: "could not scan index row", Detail: err.Error()})
			return
		}
		present[name] = true
	}

	var missing, extra []string
	for _, name := range ledger.ExpectedIndexes {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	expected := map[string]bool{}
	for _, name := range ledger.ExpectedIndexes {
		expected[name] = true
	}
	for name := range present {
		if !expected[name] {
			extra = append(extra, name)
		}
	}

	switch {
	case len(missing) > 0:
		report.add(CheckResult{Name: "Indexes", Status: StatusFail,
			Message: fmt.Sprintf("%d expected indexes missing", len(missing)),
			Detail:  strings.Join(missing, ", ")})
	case len(extra) > 0:
		report.add(CheckResult{Name: "Indexes", Status: StatusWarn,
			Message: fmt.Sprintf("%d unexpected indexes present", len(extra)),
			Detail:  strings.Join(extra, ", ")})
	default:
		report.add(CheckResult{Name: "Indexes", Status: StatusPass,
			Message: fmt.Sprintf("all %d indexes present", len(ledger.ExpectedIndexes))})
	}
}

// checkSearchIndex warns when the build supports FTS5 but the search
// table was never created, which means search is running on LIKE scans.
func (m *Monitor) checkSearchIndex(ctx context.Context, report *Report) {
	if m.store.SearchIndexPresent(ctx) {
		report.add(CheckResult{Name: "Search index", Status: StatusPass,
			Message: ledger.SearchTableName + " present"})
		return
	}
	if !fts5Available(ctx, m.store) {
		report.add(CheckResult{Name: "Search index", Status: StatusSkip,
			Message: "FTS5 not compiled into this build"})
		return
	}
	report.add(CheckResult{Name: "Search index", Status: StatusWarn,
		Message: ledger.SearchTableName + " missing; search falls back to LIKE scans"})
}

func fts5Available(ctx context.Context, store *ledger.Store) bool {
	var enabled int
	err := store.Engine().DB().QueryRowContext(ctx,
		`SELECT count(*) FROM pragma_compile_options WHERE compile_options LIKE 'ENABLE_FTS5%';`).Scan(&enabled)
	return err == nil && enabled > 0
}

func (m *Monitor) checkSchemaVersion(ctx context.Context, report *Report) {
	version, err := m.store.SchemaVersion(ctx)
	if err != nil {
		report.add(CheckResult{Name: "Schema version", Status: StatusFail,
			Message: "could not read schema version", Detail: err.Error()})
		return
	}
	if version < ledger.SchemaVersionLatest {
		report.add(CheckResult{Name: "Schema version", Status: StatusWarn,
			Message: fmt.Sprintf("schema version %d behind latest %d", version, ledger.SchemaVersionLatest)})
		return
	}
	report.add(CheckResult{Name: "Schema version", Status: StatusPass,
		Message: fmt.Sprintf("schema version %d", version)})
}
