package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/basket/coordq/internal/storeerr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   storeerr.Kind
		column string
		code   string
	}{
		{name: "nil", err: nil, kind: storeerr.KindNone},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), kind: storeerr.KindUnavailable},
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: "23505", Message: `duplicate key value violates unique constraint "idx_tasks_active_request"`},
			kind: storeerr.KindConflict,
			code: "23505",
		},
		{
			name:   "undefined column",
			err:    fmt.Errorf("insert: %w", &pgconn.PgError{Code: "42703", Message: `column "provider_source" of relation "task_trace_events" does not exist`}),
			kind:   storeerr.KindMissingColumn,
			column: "provider_source",
			code:   "42703",
		},
		{
			name:   "postgrest schema cache",
			err:    errors.New(`PGRST204: Could not find the 'model' column of 'task_trace_events' in the schema cache`),
			kind:   storeerr.KindMissingColumn,
			column: "model",
			code:   "PGRST204",
		},
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: "40001", Message: "could not serialize access"},
			kind: storeerr.KindUnavailable,
			code: "40001",
		},
		{
			name: "connection exception",
			err:  &pgconn.PgError{Code: "08006", Message: "connection failure"},
			kind: storeerr.KindUnavailable,
			code: "08006",
		},
		{name: "refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), kind: storeerr.KindUnavailable},
		{
			name: "check violation",
			err:  &pgconn.PgError{Code: "23514", Message: "new row violates check constraint"},
			kind: storeerr.KindOther,
			code: "23514",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Fatalf("kind: got %s want %s", got.Kind, tt.kind)
			}
			if got.Column != tt.column {
				t.Fatalf("column: got %q want %q", got.Column, tt.column)
			}
			if got.Code != tt.code {
				t.Fatalf("code: got %q want %q", got.Code, tt.code)
			}
		})
	}
}

func TestClassify_CarriesDetailAndHint(t *testing.T) {
	got := Classify(&pgconn.PgError{Code: "23514", Message: "violates check", Detail: "Failing row", Hint: "fix the status"})
	if got.Detail != "Failing row" || got.Hint != "fix the status" {
		t.Fatalf("expected detail and hint, got %+v", got)
	}
	other := Classify(&pgconn.PgError{Code: "XX000", Message: "internal"})
	if other.Detail != "internal" {
		t.Fatalf("expected message as detail fallback, got %+v", other)
	}
}

func TestArgListNumbersPlaceholders(t *testing.T) {
	var args argList
	if got := args.add("a"); got != "$1" {
		t.Fatalf("first placeholder %q", got)
	}
	if got := args.add(2); got != "$2" {
		t.Fatalf("second placeholder %q", got)
	}
	if len(args.vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(args.vals))
	}
	if got := qualified("t"); got[:5] != "t.id," {
		t.Fatalf("unexpected qualified columns %q", got)
	}
}
