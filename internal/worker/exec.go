package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/basket/coordq/internal/queue"
	"github.com/basket/coordq/internal/shared"
)

const (
	maxExecOutput = 64 * 1024
	// Exit codes with special meaning, borrowed from sysexits.h.
	exitDataErr  = 65
	exitTempFail = 75
)

// ExecHandler runs an external command per task. The task params are written
// to stdin as JSON and task metadata is exported as COORDQ_* variables.
// Stdout becomes the result: parsed as JSON when valid, otherwise stored as a
// string. Exit 65 fails the task without retry, exit 75 requeues it, and any
// other nonzero exit is a retryable failure.
type ExecHandler struct {
	Command []string
	Dir     string
	Env     []string
}

func (h ExecHandler) Process(ctx context.Context, task queue.Task) (any, error) {
	if len(h.Command) == 0 {
		return nil, Permanent(errors.New("exec handler has no command"))
	}
	input, err := json.Marshal(task.Params)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode params: %w", err))
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Dir = h.Dir
	cmd.Env = append(append(os.Environ(), h.Env...),
		"COORDQ_TASK_ID="+firstSet(shared.TaskID(ctx), task.ID),
		"COORDQ_TASK="+task.Task,
		"COORDQ_ROOM="+task.Room,
		"COORDQ_ATTEMPT="+strconv.Itoa(task.Attempt),
		"COORDQ_TRACE_ID="+firstSet(contextTraceID(ctx), task.TraceID),
		"COORDQ_REQUEST_ID="+firstSet(shared.RequestID(ctx), task.RequestID),
		"COORDQ_WORKER_ID="+shared.WorkerID(ctx),
	)
	cmd.Stdin = bytes.NewReader(input)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout := truncate(outBuf.String())
	stderr := strings.TrimSpace(truncate(errBuf.String()))
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, Permanent(fmt.Errorf("start %s: %w", h.Command[0], runErr))
		}
		msg := fmt.Sprintf("%s exited %d", h.Command[0], exitErr.ExitCode())
		if stderr != "" {
			msg += ": " + stderr
		}
		switch exitErr.ExitCode() {
		case exitDataErr:
			return nil, Permanent(errors.New(msg))
		case exitTempFail:
			return nil, &RequeueError{Reason: msg}
		}
		return nil, errors.New(msg)
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return trimmed, nil
}

// contextTraceID is the trace id on ctx, or "" when none is set.
func contextTraceID(ctx context.Context) string {
	if id := shared.TraceID(ctx); id != "-" {
		return id
	}
	return ""
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	return s[:maxExecOutput]
}
