// lease_recovery_crash drives a crash drill against a SQLite queue: prepare
// enqueues one task, claim-sleep claims it with a short lease and blocks
// until killed, and recover sweeps expired leases and checks the task is
// claimable again.
//
// Usage:
//
//	go run ./tools/verify/lease_recovery_crash -mode prepare -db /tmp/drill.db
//	go run ./tools/verify/lease_recovery_crash -mode claim-sleep -db /tmp/drill.db &
//	kill -9 $!
//	go run ./tools/verify/lease_recovery_crash -mode recover -db /tmp/drill.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/coordq/internal/persistence"
	"github.com/basket/coordq/internal/queue"
)

const room = "lease-crash-drill"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	lease := flag.Duration("lease", 2*time.Second, "lease ttl used by claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	client := queue.New(store, queue.Config{DefaultLeaseTTL: *lease})

	switch *mode {
	case "prepare":
		task, err := client.Enqueue(ctx, queue.EnqueueRequest{
			Room:      room,
			Task:      "drill",
			Params:    map[string]any{"content": "lease-crash"},
			RequestID: "lease-crash-drill",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		res, err := client.Claim(ctx, queue.ClaimRequest{Limit: 1, LeaseTTL: *lease})
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if len(res.Tasks) == 0 {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", res.Tasks[0].ID)
		fmt.Printf("LEASE_TOKEN=%s\n", res.LeaseToken)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		pending, err := client.ListPending(ctx, room)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list pending: %v\n", err)
			os.Exit(1)
		}
		// Wait out the longest remaining lease so the sweep sees it expired.
		for _, t := range pending {
			if t.LeaseExpiresAt != nil {
				if wait := time.Until(*t.LeaseExpiresAt); wait > 0 {
					time.Sleep(wait + 100*time.Millisecond)
				}
			}
		}
		recovered, err := client.SweepExpiredLeases(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep expired leases: %v\n", err)
			os.Exit(1)
		}
		tasks, err := client.ListPending(ctx, room)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list pending: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := len(tasks) > 0
		for _, t := range tasks {
			fmt.Printf("TASK_STATUS id=%s status=%s lease_token=%q\n", t.ID, t.Status, t.LeaseToken)
			if t.Status != queue.StatusQueued || t.LeaseToken != "" {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks still leased after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
