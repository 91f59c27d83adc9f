package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the sync daemon in the foreground
  %s -daemon                  Same, with logs to stdout even on a TTY

SUBCOMMANDS:
  %s doctor [-json]           Run database health and integrity checks
                              Flags: -json for JSON output
  %s backup                   Create a compressed backup now
  %s restore <file>           Restore the database from a backup file
  %s status                   Show database, queue and backup status

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LEDGERD_HOME            Data directory (default: ~/.ledgerd)
  LEDGERD_DB_PATH         Override the database path
  LEDGERD_REMOTE_URL      Override the remote sync endpoint
  LEDGERD_REMOTE_TOKEN    Auth token for the remote sync endpoint
  LEDGERD_OWNER_ID        Identity to bind at startup (daemon mode)

EXAMPLES:
  Run diagnostics:        %s doctor
  Nightly backup now:     %s backup
  Restore a backup:       %s restore ~/.ledgerd/backups/ledger-20260830-030000.jsonl.gz
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("LEDGERD_NO_TTY") == ""
	daemon := flag.Bool("daemon", false, "run the daemon with logs on stdout (default when not a TTY)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	// Quiet logs (file-only) on a terminal so subcommand output stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], quietLogs))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:], quietLogs))
		case "restore":
			os.Exit(runRestoreCommand(ctx, args[1:], quietLogs))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], quietLogs))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, quietLogs))
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"core","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
