package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quietbay/ledgerd/internal/health"
)

func runDoctorCommand(ctx context.Context, args []string, quietLogs bool) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	core, err := openCore(ctx, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return 1
	}
	defer core.Close()

	report := health.New(core.store, core.logger).Run(ctx)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		if !report.IsValid {
			return 1
		}
		return 0
	}

	fmt.Printf("Ledgerd Health Report (%s)\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("Database: %s\n", report.Path)
	fmt.Println("---")

	for _, res := range report.Checks {
		icon := "✅"
		switch res.Status {
		case health.StatusFail:
			icon = "❌"
		case health.StatusWarn:
			icon = "⚠️ "
		case health.StatusSkip:
			icon = "⏩"
		}
		fmt.Printf("%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if !report.IsValid {
		return 1
	}
	return 0
}
