package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Build-time variables (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `coordq %s - task queue and coordination for multi-agent workers

USAGE:
  %s <command> [flags]

COMMANDS:
  worker       run a worker that claims and executes tasks
  enqueue      submit a task
  pending      list queued and running tasks in a room
  get          show one task
  cancel       cancel a task by id or by room + request id
  supersede    cancel queued tasks in a room overlapping resource keys
  trace        list trace ledger events for a task, trace or request
  heartbeats   list recent worker heartbeats
  sweep        recover tasks whose leases expired
  scope        normalize runtime scopes and compare worker hosts
  doctor       check config, store, handlers and peers
  version      print version information

Run "%s <command> -h" for command flags.
`, Version, os.Args[0], os.Args[0])
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "coordq %s (built %s)\n", Version, BuildTime)
		return 0
	case "worker":
		return runWorkerCommand(ctx, rest)
	case "enqueue":
		return runEnqueueCommand(ctx, rest)
	case "pending":
		return runPendingCommand(ctx, rest)
	case "get":
		return runGetCommand(ctx, rest)
	case "cancel":
		return runCancelCommand(ctx, rest)
	case "supersede":
		return runSupersedeCommand(ctx, rest)
	case "trace":
		return runTraceCommand(ctx, rest)
	case "heartbeats":
		return runHeartbeatsCommand(ctx, rest)
	case "sweep":
		return runSweepCommand(ctx, rest)
	case "scope":
		return runScopeCommand(rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("coordq "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// writeJSON prints v indented on a terminal and as one compact line otherwise.
func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	if f, ok := stdout.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func fail(format string, args ...any) int {
	fmt.Fprintf(stderr, format+"\n", args...)
	return 1
}

// stringList is a repeatable flag; comma-separated values are split.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*s = append(*s, p)
		}
	}
	return nil
}
