package queue

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/scope"
	"github.com/basket/coordq/internal/shared"
	"github.com/basket/coordq/internal/storeerr"
)

// traceNamespace seeds deterministic trace ids for requests that carry a
// request id, so retries of one request share a trace.
var traceNamespace = uuid.MustParse("6f0c6a5e-3b1d-4c52-9a55-0f3e8d1c2b7a")

var (
	lockKeyParams        = []string{"lockKey", "lock_key"}
	idempotencyKeyParams = []string{"idempotencyKey", "idempotency_key"}
	traceIDParams        = []string{"trace_id", "traceId"}
)

// Enqueue persists a task, or returns the existing active task for the same
// (room, task, request id). It fails with a BackpressureError when the room is
// at its depth limit and never surfaces a uniqueness conflict.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "queue.enqueue",
		otel.AttrRoom.String(req.Room),
		otel.AttrTaskName.String(req.Task),
	)
	defer span.End()

	task, err := c.enqueue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return task, err
}

func (c *Client) enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	req.Room = strings.TrimSpace(req.Room)
	req.Task = strings.TrimSpace(req.Task)
	if req.Room == "" {
		return nil, &ValidationError{Field: "room", Reason: "required"}
	}
	if req.Task == "" {
		return nil, &ValidationError{Field: "task", Reason: "required"}
	}
	if err := c.schemas.Validate(req.Task, req.Params); err != nil {
		return nil, err
	}

	cfg := c.config()
	params := maps.Clone(req.Params)
	if params == nil {
		params = map[string]any{}
	}
	attrs := metric.WithAttributes(otel.AttrRoom.String(req.Room), otel.AttrTaskName.String(req.Task))

	lockKey := firstNonEmpty(req.LockKey, ledger.ParamString(params, lockKeyParams...))
	idempotencyKey := firstNonEmpty(req.IdempotencyKey, ledger.ParamString(params, idempotencyKeyParams...))
	requestID := firstNonEmpty(req.RequestID, idempotencyKey)
	dedupeKey := firstNonEmpty(req.DedupeKey, idempotencyKey)

	runtimeScope, ok := scope.NormalizeRuntimeScope(req.RuntimeScope)
	if !ok {
		runtimeScope = scope.ScopeFromParams(params)
	}
	local := runtimeScope != "" && scope.IsLocalRuntimeScope(runtimeScope)
	direct := local && cfg.LocalTaskIsolation

	keys := c.resourceKeys(ctx, req, lockKey, runtimeScope, local, direct)

	if requestID != "" || dedupeKey != "" {
		existing, err := c.store.FindActive(ctx, ActiveLookup{
			Room:      req.Room,
			Task:      req.Task,
			RequestID: requestID,
			DedupeKey: dedupeKey,
		})
		if err != nil {
			return nil, c.storeFailure("dedupe lookup", err)
		}
		if existing != nil {
			c.deduped(ctx, existing, requestID, dedupeKey, attrs)
			return existing, nil
		}
	}

	if limit := cfg.MaxActivePerRoom; limit > 0 {
		active, err := c.store.CountActive(ctx, req.Room)
		if err != nil {
			return nil, c.storeFailure("count active tasks", err)
		}
		if active >= limit {
			c.metrics.BackpressureReject.Add(ctx, 1, attrs)
			c.logger.Warn("queue depth limit reached", "room", req.Room, "task", req.Task, "active", active, "limit", limit)
			return nil, &BackpressureError{Room: req.Room, Active: active, Limit: limit}
		}
	}

	now := c.now().UTC()
	if family := coalesceFamily(cfg.CoalesceTasks, req.Task, req.CoalesceByResource); len(family) > 0 {
		superseded, err := c.store.CancelTasks(ctx, CancelFilter{
			Room:        req.Room,
			Statuses:    []Status{StatusQueued},
			OverlapKeys: keys,
			TaskNames:   family,
		}, now)
		if err != nil {
			return nil, c.storeFailure("coalesce queued tasks", err)
		}
		for i := range superseded {
			c.metrics.TasksCoalesced.Add(ctx, 1, attrs)
			c.emit(ctx, ledger.StageSuperseded, bus.TopicTaskSuperseded, &superseded[i], ledger.Event{
				Payload: map[string]any{"reason": "coalesced", "superseded_by_task": req.Task},
			})
		}
	}

	task := &Task{
		ID:           uuid.NewString(),
		Room:         req.Room,
		Task:         req.Task,
		Params:       params,
		Status:       StatusQueued,
		Lane:         LaneQueued,
		Priority:     req.Priority,
		RunAt:        req.RunAt,
		RequestID:    requestID,
		DedupeKey:    dedupeKey,
		ResourceKeys: keys,
		TraceID:      deriveTraceID(req.Task, requestID, params),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if direct {
		task.Status = StatusRunning
		task.Lane = LaneDirect
	}

	insertCtx, insertSpan := otel.StartClientSpan(ctx, c.tracer, "store.insert_task", otel.AttrTaskID.String(task.ID))
	err := c.store.Insert(insertCtx, task)
	insertSpan.End()
	if err != nil {
		if c.store.Classify(err).Kind != storeerr.KindConflict || requestID == "" {
			return nil, c.storeFailure("insert task", err)
		}
		existing, qerr := c.store.FindLatestByRequest(ctx, req.Room, req.Task, requestID)
		if qerr != nil {
			return nil, c.storeFailure("resolve enqueue conflict", qerr)
		}
		if existing == nil {
			return nil, c.storeFailure("insert task", err)
		}
		c.deduped(ctx, existing, requestID, dedupeKey, attrs)
		return existing, nil
	}

	c.metrics.TasksEnqueued.Add(ctx, 1, attrs)
	stage := ledger.StageQueued
	if task.Lane == LaneDirect {
		stage = ledger.StageDirectRunning
	}
	payload := map[string]any{"priority": task.Priority, "lane": string(task.Lane)}
	if runtimeScope != "" {
		payload["runtime_scope"] = runtimeScope
	}
	c.emit(ctx, stage, bus.TopicTaskEnqueued, task, ledger.Event{Payload: payload})
	c.logger.Debug("task enqueued", "task_id", task.ID, "room", task.Room, "task", task.Task, "lane", string(task.Lane))
	return task, nil
}

func (c *Client) deduped(ctx context.Context, existing *Task, requestID, dedupeKey string, attrs metric.MeasurementOption) {
	c.metrics.TasksDeduped.Add(ctx, 1, attrs)
	c.emit(ctx, ledger.StageDeduped, bus.TopicTaskDeduped, existing, ledger.Event{
		RequestID: requestID,
		Payload:   map[string]any{"dedupe_key": dedupeKey},
	})
}

// resourceKeys computes the effective key set in a stable order.
func (c *Client) resourceKeys(ctx context.Context, req EnqueueRequest, lockKey, runtimeScope string, local, direct bool) []string {
	keys := uniqueStrings(req.ResourceKeys)
	if len(keys) == 0 {
		keys = []string{scope.RoomKey(req.Room)}
	}
	add := func(k string) {
		if k != "" && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	if lockKey != "" {
		add(scope.LockKey(lockKey))
	}
	if runtimeScope != "" {
		add(scope.RuntimeScopeKey(runtimeScope))
	}
	if local {
		for _, k := range c.fence.SkipHostKeys(ctx) {
			add(k)
		}
	}
	if direct {
		add(scope.DirectClaimKey)
	}
	return keys
}

// coalesceFamily returns the task names a new enqueue may supersede.
func coalesceFamily(configured []string, task string, byResource bool) []string {
	if slices.Contains(configured, task) {
		return configured
	}
	if byResource {
		return []string{task}
	}
	return nil
}

// deriveTraceID prefers a trace id carried in params, then a stable id from
// (task, request id), then a fresh one.
func deriveTraceID(task, requestID string, params map[string]any) string {
	if id := ledger.ParamString(params, traceIDParams...); id != "" {
		return id
	}
	if requestID != "" {
		return uuid.NewSHA1(traceNamespace, []byte(task+":"+requestID)).String()
	}
	return shared.NewTraceID()
}
