package queue

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
)

// Cancel marks a task canceled unless it already succeeded or was canceled.
// Cancellation is advisory: a running worker only sees it by polling.
func (c *Client) Cancel(ctx context.Context, taskID string) (bool, error) {
	if strings.TrimSpace(taskID) == "" {
		return false, &ValidationError{Field: "task_id", Reason: "required"}
	}
	canceled, err := c.store.CancelTasks(ctx, CancelFilter{
		ID:       taskID,
		Statuses: cancelableStatuses,
	}, c.now().UTC())
	if err != nil {
		return false, c.storeFailure("cancel task", err)
	}
	c.emitCanceled(ctx, ledger.StageCanceled, bus.TopicTaskCanceled, canceled, "cancel")
	return len(canceled) > 0, nil
}

// CancelByRequestID cancels every non-succeeded task in room carrying
// requestID and returns how many changed.
func (c *Client) CancelByRequestID(ctx context.Context, room, requestID string) (int, error) {
	if strings.TrimSpace(room) == "" || strings.TrimSpace(requestID) == "" {
		return 0, &ValidationError{Field: "request_id", Reason: "room and request id required"}
	}
	canceled, err := c.store.CancelTasks(ctx, CancelFilter{
		Room:      room,
		RequestID: requestID,
		Statuses:  cancelableStatuses,
	}, c.now().UTC())
	if err != nil {
		return 0, c.storeFailure("cancel by request id", err)
	}
	c.emitCanceled(ctx, ledger.StageCanceled, bus.TopicTaskCanceled, canceled, "cancel_by_request_id")
	return len(canceled), nil
}

// Supersede cancels every active task in room whose resource keys overlap
// keys and returns how many changed.
func (c *Client) Supersede(ctx context.Context, room string, keys []string) (int, error) {
	keys = uniqueStrings(keys)
	if strings.TrimSpace(room) == "" || len(keys) == 0 {
		return 0, &ValidationError{Field: "resource_keys", Reason: "room and at least one key required"}
	}
	canceled, err := c.store.CancelTasks(ctx, CancelFilter{
		Room:        room,
		Statuses:    ActiveStatuses,
		OverlapKeys: keys,
	}, c.now().UTC())
	if err != nil {
		return 0, c.storeFailure("supersede tasks", err)
	}
	if len(canceled) > 0 {
		c.metrics.TasksCoalesced.Add(ctx, int64(len(canceled)), metric.WithAttributes(otel.AttrRoom.String(room)))
	}
	c.emitCanceled(ctx, ledger.StageSuperseded, bus.TopicTaskSuperseded, canceled, "supersede")
	return len(canceled), nil
}

func (c *Client) emitCanceled(ctx context.Context, stage ledger.Stage, topic string, tasks []Task, reason string) {
	for i := range tasks {
		c.emit(ctx, stage, topic, &tasks[i], ledger.Event{Payload: map[string]any{"reason": reason}})
	}
}
