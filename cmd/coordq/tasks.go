package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/coordq/internal/queue"
)

const exitBackpressure = 3

func runEnqueueCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("enqueue")
	room := fs.String("room", "", "room the task belongs to (required)")
	task := fs.String("task", "", "task name (required)")
	params := fs.String("params", "", "task params as a JSON object")
	requestID := fs.String("request-id", "", "producer request id used for dedupe")
	dedupeKey := fs.String("dedupe-key", "", "explicit dedupe key")
	idempotencyKey := fs.String("idempotency-key", "", "idempotency key folded into request id")
	lockKey := fs.String("lock", "", "lock name added as a lock: resource key")
	priority := fs.Int("priority", 0, "higher runs first")
	runAt := fs.String("run-at", "", "earliest start: RFC3339 time or +duration")
	runtimeScope := fs.String("scope", "", "runtime scope override")
	coalesce := fs.Bool("coalesce", false, "supersede overlapping queued work regardless of task name")
	var resources stringList
	fs.Var(&resources, "resource", "extra resource key (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *room == "" || *task == "" || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq enqueue -room <room> -task <name> [flags]")
		return 2
	}

	var paramMap map[string]any
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &paramMap); err != nil {
			return fail("params must be a JSON object: %v", err)
		}
	}
	at, err := parseRunAt(*runAt, time.Now())
	if err != nil {
		return fail("run-at: %v", err)
	}

	return withApp(ctx, func(a *app) int {
		created, err := a.client.Enqueue(ctx, queue.EnqueueRequest{
			Room:               *room,
			Task:               *task,
			Params:             paramMap,
			RequestID:          *requestID,
			DedupeKey:          *dedupeKey,
			IdempotencyKey:     *idempotencyKey,
			LockKey:            *lockKey,
			ResourceKeys:       resources,
			Priority:           *priority,
			RunAt:              at,
			CoalesceByResource: *coalesce,
			RuntimeScope:       *runtimeScope,
		})
		if err != nil {
			var bp *queue.BackpressureError
			if errors.As(err, &bp) {
				fmt.Fprintln(stderr, bp.Error())
				return exitBackpressure
			}
			if errors.Is(err, queue.ErrInvalidRequest) {
				fmt.Fprintf(stderr, "enqueue: %v\n", err)
				return 2
			}
			return fail("enqueue: %v", err)
		}
		if err := writeJSON(created); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runPendingCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("pending")
	room := fs.String("room", "", "room to list (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *room == "" || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq pending -room <room>")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		tasks, err := a.client.ListPending(ctx, *room)
		if err != nil {
			return fail("list pending: %v", err)
		}
		if tasks == nil {
			tasks = []queue.Task{}
		}
		if err := writeJSON(tasks); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runGetCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("get")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: coordq get <task-id>")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		task, err := a.client.GetTask(ctx, fs.Arg(0))
		if err != nil {
			if errors.Is(err, queue.ErrTaskNotFound) {
				return fail("task %s not found", fs.Arg(0))
			}
			return fail("get task: %v", err)
		}
		if err := writeJSON(task); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runCancelCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("cancel")
	id := fs.String("id", "", "task id")
	room := fs.String("room", "", "room, with -request-id")
	requestID := fs.String("request-id", "", "cancel every active task for this request")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	byID := *id != ""
	byRequest := *room != "" && *requestID != ""
	if byID == byRequest || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq cancel -id <task-id> | -room <room> -request-id <id>")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		var (
			n   int
			err error
		)
		if byID {
			var ok bool
			ok, err = a.client.Cancel(ctx, *id)
			if ok {
				n = 1
			}
		} else {
			n, err = a.client.CancelByRequestID(ctx, *room, *requestID)
		}
		if err != nil {
			return fail("cancel: %v", err)
		}
		if err := writeJSON(map[string]int{"canceled": n}); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

func runSupersedeCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("supersede")
	room := fs.String("room", "", "room (required)")
	var keys stringList
	fs.Var(&keys, "key", "resource key to match (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *room == "" || len(keys) == 0 || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq supersede -room <room> -key <resource-key> [-key ...]")
		return 2
	}
	return withApp(ctx, func(a *app) int {
		n, err := a.client.Supersede(ctx, *room, keys)
		if err != nil {
			return fail("supersede: %v", err)
		}
		if err := writeJSON(map[string]int{"superseded": n}); err != nil {
			return fail("write output: %v", err)
		}
		return 0
	})
}

// withApp loads config, opens the app, runs fn, and closes the app.
func withApp(ctx context.Context, fn func(a *app) int) int {
	cfg, err := loadConfig()
	if err != nil {
		return fail("%v", err)
	}
	a, err := openApp(ctx, cfg, nil)
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()
	return fn(a)
}

// parseRunAt accepts an RFC3339 timestamp or a "+duration" offset from now.
func parseRunAt(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "+") {
		d, err := time.ParseDuration(raw[1:])
		if err != nil {
			return nil, err
		}
		at := now.Add(d).UTC()
		return &at, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	at = at.UTC()
	return &at, nil
}
