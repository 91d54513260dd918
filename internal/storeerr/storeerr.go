// Package storeerr classifies backing-store errors into the small set of
// variants the queue and ledger branch on. Each store implementation owns the
// mapping from its driver errors to a Classification.
package storeerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classified variant of a store error.
type Kind string

const (
	// KindNone is returned for a nil error.
	KindNone Kind = "NONE"
	// KindMissingColumn means a statement referenced a column the schema lacks.
	KindMissingColumn Kind = "MISSING_COLUMN"
	// KindConflict means a uniqueness constraint rejected the write.
	KindConflict Kind = "CONFLICT"
	// KindUnavailable covers connectivity, timeouts and busy/locked stores.
	KindUnavailable Kind = "UNAVAILABLE"
	// KindOther is everything else.
	KindOther Kind = "OTHER"
)

// Classification is the result of classifying one error.
type Classification struct {
	Kind Kind
	// Column is set for KindMissingColumn when the store names the column.
	Column string
	// Code, Detail and Hint carry driver context for structured logging.
	Code   string
	Detail string
	Hint   string
}

// Classifier maps driver errors to a Classification.
type Classifier interface {
	Classify(err error) Classification
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) Classification

func (f ClassifierFunc) Classify(err error) Classification { return f(err) }

// MissingColumn builds a KindMissingColumn classification.
func MissingColumn(name string) Classification {
	return Classification{Kind: KindMissingColumn, Column: name}
}

// Conflict builds a KindConflict classification.
func Conflict() Classification { return Classification{Kind: KindConflict} }

// Unavailable builds a KindUnavailable classification.
func Unavailable() Classification { return Classification{Kind: KindUnavailable} }

// Other builds a KindOther classification.
func Other() Classification { return Classification{Kind: KindOther} }

// ContextKind reports KindUnavailable for context cancellation and deadline
// errors, which every store surfaces the same way.
func ContextKind(err error) (Classification, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(), true
	}
	return Classification{}, false
}

// UnavailableError marks a store failure that should be propagated to callers
// unchanged. It wraps the driver error.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is or wraps an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
