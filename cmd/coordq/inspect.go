package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/coordq/internal/heartbeat"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/maintenance"
	"github.com/basket/coordq/internal/scope"
)

func runTraceCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("trace")
	taskID := fs.String("task", "", "task id")
	traceID := fs.String("trace", "", "trace id")
	requestID := fs.String("request", "", "request id")
	limit := fs.Int("limit", 0, "max events (0 = store default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*taskID == "" && *traceID == "" && *requestID == "") || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq trace -task <id> | -trace <id> | -request <id> [-limit n]")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		events, err := a.store.ListTraceEvents(ctx, ledger.Query{
			TaskID:    *taskID,
			TraceID:   *traceID,
			RequestID: *requestID,
			Limit:     *limit,
		})
		if err != nil {
			return fail("list trace events: %v", err)
		}
		if events == nil {
			events = []ledger.Record{}
		}
		if err := writeJSON(events); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runHeartbeatsCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("heartbeats")
	since := fs.Duration("since", 10*time.Minute, "lookback window")
	limit := fs.Int("limit", 0, "max rows (0 = store default)")
	hostsOnly := fs.Bool("hosts", false, "print distinct hosts only")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq heartbeats [-since 10m] [-limit n] [-hosts]")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		from := time.Now().Add(-*since)
		var out any
		if *hostsOnly {
			hosts, err := a.heartbeats.RecentHosts(ctx, from, *limit)
			if err != nil {
				return fail("recent hosts: %v", err)
			}
			if hosts == nil {
				hosts = []string{}
			}
			out = hosts
		} else {
			beats, err := a.heartbeats.Recent(ctx, from, *limit)
			if err != nil {
				return fail("recent heartbeats: %v", err)
			}
			if beats == nil {
				beats = []heartbeat.Heartbeat{}
			}
			out = beats
		}
		if err := writeJSON(out); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runSweepCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("sweep")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq sweep")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		sweeper := &countingSweeper{next: a.client}
		sched := maintenance.NewScheduler(a.logger)
		if err := sched.Add(maintenance.JobSweepLeases, a.cfg.Maintenance.SweepSpec, maintenance.SweepJob(sweeper, a.logger)); err != nil {
			return fail("schedule sweeper: %v", err)
		}
		if err := sched.RunNow(ctx, maintenance.JobSweepLeases); err != nil {
			return fail("sweep: %v", err)
		}
		out := sweepReport{Recovered: sweeper.total, Jobs: sched.Status()}
		if err := writeJSON(out); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

type sweepReport struct {
	Recovered int64                   `json:"recovered"`
	Jobs      []maintenance.JobStatus `json:"jobs"`
}

// countingSweeper totals the tasks recovered across sweeps.
type countingSweeper struct {
	next  maintenance.LeaseSweeper
	total int64
}

func (c *countingSweeper) SweepExpiredLeases(ctx context.Context) (int64, error) {
	n, err := c.next.SweepExpiredLeases(ctx)
	c.total += n
	return n, err
}

type scopeReport struct {
	Input    string   `json:"input"`
	Scope    string   `json:"scope,omitempty"`
	Valid    bool     `json:"valid"`
	Local    bool     `json:"local"`
	Key      string   `json:"resource_key,omitempty"`
	Host     string   `json:"worker_host,omitempty"`
	SkipKeys []string `json:"skip_host_keys,omitempty"`
}

type hostComparison struct {
	A          string `json:"a"`
	B          string `json:"b"`
	Equivalent bool   `json:"equivalent"`
}

// runScopeCommand reports how runtime scopes and hosts normalize. It needs
// no store.
func runScopeCommand(args []string) int {
	fs := newFlagSet("scope")
	compare := fs.Bool("compare", false, "compare two worker hosts for equivalence")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *compare {
		if fs.NArg() != 2 {
			fmt.Fprintln(stderr, "usage: coordq scope -compare <host-a> <host-b>")
			return 2
		}
		a, b := fs.Arg(0), fs.Arg(1)
		if err := writeJSON(hostComparison{A: a, B: b, Equivalent: scope.AreWorkerHostsEquivalent(a, b)}); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: coordq scope <scope-or-url>... | -compare <host-a> <host-b>")
		return 2
	}
	reports := make([]scopeReport, 0, fs.NArg())
	for _, in := range fs.Args() {
		r := scopeReport{Input: in, Host: scope.NormalizeWorkerHost(in)}
		if s, ok := scope.NormalizeRuntimeScope(in); ok {
			r.Scope = s
			r.Valid = true
			r.Local = scope.IsLocalRuntimeScope(s)
			r.Key = scope.RuntimeScopeKey(s)
		}
		if r.Host != "" {
			r.SkipKeys = scope.SkipHostKeysFor(r.Host)
		}
		reports = append(reports, r)
	}
	if err := writeJSON(reports); err != nil {
		return fail("write output: %v", err)
	}
	return 0
}
