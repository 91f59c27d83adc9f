package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/quietbay/ledgerd/internal/backup"
	"github.com/quietbay/ledgerd/internal/ledger"
)

func runRestoreCommand(ctx context.Context, args []string, quietLogs bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ledgerd restore <file>")
		return 2
	}
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}

	core, err := openCore(ctx, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}
	defer core.Close()

	engine, err := backup.New(core.store, nil, core.cfg.Backup.Dir, core.cfg.Backup.ChunkSize, core.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}

	result, err := engine.Restore(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore: %v\n", err)
		return 1
	}

	cols := make([]string, 0, len(result.Counts))
	for col := range result.Counts {
		cols = append(cols, string(col))
	}
	sort.Strings(cols)

	fmt.Printf("restored from %s\n", path)
	total := 0
	for _, col := range cols {
		n := result.Counts[ledger.Collection(col)]
		fmt.Printf("  %-15s %d\n", col, n)
		total += n
	}
	fmt.Printf("  %-15s %d\n", "total", total)
	return 0
}
