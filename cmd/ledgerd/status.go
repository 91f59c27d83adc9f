package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quietbay/ledgerd/internal/ledger"
	"github.com/quietbay/ledgerd/internal/outbox"
)

func runStatusCommand(ctx context.Context, args []string, quietLogs bool) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ledgerd status")
		return 2
	}

	core, err := openCore(ctx, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer core.Close()

	version, err := core.store.SchemaVersion(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	counts, err := core.store.Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	queue, err := outbox.New(ctx, core.engine, nil, nil, nil, outbox.Limits{
		MaxEntries:     core.cfg.Outbox.MaxEntries,
		MaxAge:         core.cfg.Outbox.MaxAge(),
		InlineAttempts: core.cfg.Outbox.InlineAttempts,
	}, core.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	pending, err := queue.Pending(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}

	fmt.Printf("database:       %s (schema v%d)\n", core.cfg.DBPath, version)

	cols := make([]string, 0, len(counts))
	for col := range counts {
		cols = append(cols, string(col))
	}
	sort.Strings(cols)
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("%s=%d", col, counts[ledger.Collection(col)]))
	}
	fmt.Printf("collections:    %s\n", strings.Join(parts, " "))

	fmt.Printf("sync pending:   %d\n", pending)
	if strings.TrimSpace(core.cfg.Remote.BaseURL) == "" {
		fmt.Printf("remote:         not configured\n")
	} else {
		fmt.Printf("remote:         %s\n", core.cfg.Remote.BaseURL)
	}

	if latest := latestBackup(core.cfg.Backup.Dir); latest != "" {
		fmt.Printf("latest backup:  %s\n", latest)
	} else {
		fmt.Printf("latest backup:  none\n")
	}
	if core.store.SearchIndexPresent(ctx) {
		fmt.Printf("search index:   present\n")
	} else {
		fmt.Printf("search index:   absent (LIKE fallback)\n")
	}
	return 0
}

func latestBackup(dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "ledger-*.jsonl.gz"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
