package main

import (
	"context"
	"fmt"
	"os"

	"github.com/quietbay/ledgerd/internal/backup"
)

func runBackupCommand(ctx context.Context, args []string, quietLogs bool) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ledgerd backup")
		return 2
	}

	core, err := openCore(ctx, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	defer core.Close()

	engine, err := backup.New(core.store, nil, core.cfg.Backup.Dir, core.cfg.Backup.ChunkSize, core.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}

	path, err := engine.CreateBackup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Println(path)

	if removed, err := engine.Prune(core.cfg.Backup.KeepLast); err != nil {
		fmt.Fprintf(os.Stderr, "backup: prune old backups: %v\n", err)
		return 1
	} else if removed > 0 {
		fmt.Fprintf(os.Stderr, "pruned %d old backup(s)\n", removed)
	}
	return 0
}
