package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/scope"
	"github.com/basket/coordq/internal/storeerr"
)

// Claim leases up to req.Limit eligible queued-lane tasks under one fresh
// lease token. Eligible tasks are queued, or running without a live lease,
// with run_at due. Concurrent claimers never receive the same task. A limit
// below one claims nothing.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if req.Limit <= 0 {
		return ClaimResult{}, nil
	}
	ctx, span := otel.StartSpan(ctx, c.tracer, "queue.claim")
	defer span.End()
	start := time.Now()

	limit := req.Limit
	ttl := c.leaseTTL(req.LeaseTTL)
	now := c.now().UTC()
	token := uuid.NewString()

	query := ClaimQuery{
		Limit:          limit,
		ResourceLocks:  uniqueStrings(req.ResourceLocks),
		ExcludeKeys:    c.excludeKeys(req.Host),
		Now:            now,
		LeaseToken:     token,
		LeaseExpiresAt: now.Add(ttl),
	}
	storeCtx, storeSpan := otel.StartClientSpan(ctx, c.tracer, "store.claim_queued")
	tasks, err := c.store.ClaimQueued(storeCtx, query)
	storeSpan.End()
	c.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrLane.String(string(LaneQueued))))
	if err != nil {
		span.RecordError(err)
		return ClaimResult{}, c.storeFailure("claim tasks", err)
	}
	return c.claimed(ctx, token, LaneQueued, tasks), nil
}

// ClaimLocalScope leases direct-lane tasks tagged with req.RuntimeScope. Each
// candidate is acquired with its own compare-and-swap, retried up to
// LocalClaimMaxAttempts with linear backoff while it stays eligible.
func (c *Client) ClaimLocalScope(ctx context.Context, req LocalClaimRequest) (ClaimResult, error) {
	runtimeScope, ok := scope.NormalizeRuntimeScope(req.RuntimeScope)
	if !ok {
		return ClaimResult{}, &ValidationError{Field: "runtime_scope", Reason: fmt.Sprintf("cannot normalize %q", req.RuntimeScope)}
	}
	if req.Limit <= 0 {
		return ClaimResult{}, nil
	}
	ctx, span := otel.StartSpan(ctx, c.tracer, "queue.claim_local_scope", otel.AttrScope.String(runtimeScope))
	defer span.End()
	start := time.Now()

	cfg := c.config()
	limit := req.Limit
	ttl := c.leaseTTL(req.LeaseTTL)
	token := uuid.NewString()

	storeCtx, storeSpan := otel.StartClientSpan(ctx, c.tracer, "store.list_direct_candidates")
	candidates, err := c.store.ListDirectCandidates(storeCtx, DirectQuery{
		ScopeKey:    scope.RuntimeScopeKey(runtimeScope),
		ExcludeKeys: c.excludeKeys(req.Host),
		Now:         c.now().UTC(),
		Limit:       limit * directScanFactor,
	})
	storeSpan.End()
	if err != nil {
		span.RecordError(err)
		return ClaimResult{}, c.storeFailure("list direct candidates", err)
	}

	var claimed []Task
	var claimErr error
	for _, cand := range candidates {
		if len(claimed) >= limit {
			break
		}
		expiresAt, ok, err := c.acquireDirect(ctx, cand.ID, token, ttl, cfg)
		if err != nil {
			claimErr = fmt.Errorf("acquire direct task %s: %w", cand.ID, err)
			break
		}
		if !ok {
			continue
		}
		cand.LeaseToken = token
		cand.LeaseExpiresAt = &expiresAt
		claimed = append(claimed, cand)
	}
	c.metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrLane.String(string(LaneDirect))))
	if claimErr != nil {
		span.RecordError(claimErr)
	}
	return c.claimed(ctx, token, LaneDirect, claimed), claimErr
}

// acquireDirect is the bounded compare-and-swap for one direct-lane task.
func (c *Client) acquireDirect(ctx context.Context, id, token string, ttl time.Duration, cfg Config) (time.Time, bool, error) {
	for attempt := 1; ; attempt++ {
		now := c.now().UTC()
		expiresAt := now.Add(ttl)
		ok, err := c.store.AcquireDirect(ctx, id, token, expiresAt, now)
		if err == nil && ok {
			return expiresAt, true, nil
		}
		if err != nil && c.store.Classify(err).Kind != storeerr.KindUnavailable {
			return time.Time{}, false, err
		}
		if attempt >= cfg.LocalClaimMaxAttempts {
			return time.Time{}, false, err
		}
		if err == nil {
			cur, gerr := c.store.Get(ctx, id)
			if gerr != nil {
				if errors.Is(gerr, ErrTaskNotFound) {
					return time.Time{}, false, nil
				}
				return time.Time{}, false, gerr
			}
			if !directEligible(cur, now) {
				return time.Time{}, false, nil
			}
		}
		if err := sleepContext(ctx, time.Duration(attempt)*cfg.LocalClaimBackoff); err != nil {
			return time.Time{}, false, err
		}
	}
}

func directEligible(t *Task, now time.Time) bool {
	if t.Lane != LaneDirect || t.Status != StatusRunning || t.LeaseLive(now) {
		return false
	}
	return t.RunAt == nil || !t.RunAt.After(now)
}

func (c *Client) claimed(ctx context.Context, token string, lane Lane, tasks []Task) ClaimResult {
	if len(tasks) == 0 {
		return ClaimResult{Tasks: []Task{}}
	}
	c.metrics.TasksClaimed.Add(ctx, int64(len(tasks)), metric.WithAttributes(otel.AttrLane.String(string(lane))))
	for i := range tasks {
		payload := map[string]any{"lane": string(lane)}
		if tasks[i].LeaseExpiresAt != nil {
			payload["lease_expires_at"] = tasks[i].LeaseExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		var latency *int64
		if !tasks[i].CreatedAt.IsZero() {
			ms := c.now().Sub(tasks[i].CreatedAt).Milliseconds()
			latency = &ms
		}
		c.emit(ctx, ledger.StageClaimed, bus.TopicTaskClaimed, &tasks[i], ledger.Event{
			LatencyMs: latency,
			Payload:   payload,
		})
	}
	return ClaimResult{LeaseToken: token, Tasks: tasks}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
