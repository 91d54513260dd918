package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
)

// Complete marks a leased task succeeded. A stale lease makes it a no-op
// returning false.
func (c *Client) Complete(ctx context.Context, taskID, leaseToken string, result any) (bool, error) {
	raw, err := marshalResult(result)
	if err != nil {
		return false, &ValidationError{Field: "result", Reason: err.Error()}
	}
	ok, err := c.store.Complete(ctx, taskID, leaseToken, raw, c.now().UTC())
	if err != nil {
		return false, c.storeFailure("complete task", err)
	}
	if !c.guarded(ctx, "complete", taskID, ok) {
		return false, nil
	}
	c.emitByID(ctx, ledger.StageCompleted, bus.TopicTaskCompleted, taskID, ledger.Event{})
	return true, nil
}

// Fail records a failure for a leased task and increments attempt. With
// RetryAt set the task is re-armed at that time: running on its current lane
// when KeepInRunningLane, queued otherwise. Without RetryAt it fails terminally.
func (c *Client) Fail(ctx context.Context, req FailRequest) (bool, error) {
	ok, err := c.store.Fail(ctx, FailUpdate{
		ID:         req.TaskID,
		LeaseToken: req.LeaseToken,
		Error:      req.Error,
		RetryAt:    req.RetryAt,
		KeepStatus: req.KeepInRunningLane,
		Now:        c.now().UTC(),
	})
	if err != nil {
		return false, c.storeFailure("fail task", err)
	}
	if !c.guarded(ctx, "fail", req.TaskID, ok) {
		return false, nil
	}
	stage, topic := ledger.StageFailed, bus.TopicTaskFailed
	payload := map[string]any{"error": req.Error}
	if req.RetryAt != nil {
		stage, topic = ledger.StageRetryScheduled, bus.TopicTaskRetrying
		payload["retry_at"] = req.RetryAt.UTC().Format(time.RFC3339Nano)
		payload["keep_in_running_lane"] = req.KeepInRunningLane
	}
	c.emitByID(ctx, stage, topic, req.TaskID, ledger.Event{Payload: payload})
	return true, nil
}

// Requeue returns a leased task to queued on the queued lane, optionally
// replacing its params, resource keys, run_at and error.
func (c *Client) Requeue(ctx context.Context, req RequeueRequest) (bool, error) {
	var keys []string
	if req.ResourceKeys != nil {
		keys = uniqueStrings(req.ResourceKeys)
	}
	ok, err := c.store.Requeue(ctx, RequeueUpdate{
		ID:           req.TaskID,
		LeaseToken:   req.LeaseToken,
		RunAt:        req.RunAt,
		Error:        req.Error,
		Params:       req.Params,
		ResourceKeys: keys,
		Now:          c.now().UTC(),
	})
	if err != nil {
		return false, c.storeFailure("requeue task", err)
	}
	if !c.guarded(ctx, "requeue", req.TaskID, ok) {
		return false, nil
	}
	c.emitByID(ctx, ledger.StageRequeued, bus.TopicTaskRequeued, req.TaskID, ledger.Event{
		Payload: map[string]any{"params_replaced": req.Params != nil, "resource_keys_replaced": keys != nil},
	})
	return true, nil
}

// ExtendLease pushes the lease expiry to now+ttl without changing status.
func (c *Client) ExtendLease(ctx context.Context, taskID, leaseToken string, ttl time.Duration) (bool, error) {
	now := c.now().UTC()
	ok, err := c.store.ExtendLease(ctx, taskID, leaseToken, now.Add(c.leaseTTL(ttl)), now)
	if err != nil {
		return false, c.storeFailure("extend lease", err)
	}
	return c.guarded(ctx, "extend_lease", taskID, ok), nil
}

// ReleaseLease drops the lease without changing status. The task becomes
// claimable again on its lane.
func (c *Client) ReleaseLease(ctx context.Context, taskID, leaseToken string) (bool, error) {
	ok, err := c.store.ReleaseLease(ctx, taskID, leaseToken, c.now().UTC())
	if err != nil {
		return false, c.storeFailure("release lease", err)
	}
	if !c.guarded(ctx, "release_lease", taskID, ok) {
		return false, nil
	}
	c.emitByID(ctx, ledger.StageLeaseReleased, bus.TopicTaskReleased, taskID, ledger.Event{})
	return true, nil
}

// guarded counts and logs lease mismatches; it returns ok unchanged.
func (c *Client) guarded(ctx context.Context, op, taskID string, ok bool) bool {
	if !ok {
		c.metrics.LeaseMismatches.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(op)))
		c.logger.Debug("lease mismatch; mutation skipped", "op", op, "task_id", taskID)
	}
	return ok
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("result is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("result is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
