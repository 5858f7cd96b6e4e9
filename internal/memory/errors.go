package memory

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind uint8

const (
	// KindUnknown is any error that carries no classification.
	KindUnknown Kind = iota
	// KindTransient errors (backend timeouts, momentary exhaustion) may be retried.
	KindTransient
	// KindCapacity errors are immediate "busy" rejections; never queue them.
	KindCapacity
	// KindData errors concern a single record; skip it and continue.
	KindData
	// KindFatal errors stop startup and keep health unhealthy.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCapacity:
		return "capacity"
	case KindData:
		return "data"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrBusy              = errors.New("memory: busy")
	ErrOverBudget        = errors.New("memory: over cache budget")
	ErrDegraded          = errors.New("memory: dependency degraded (circuit open)")
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")
	ErrCorrupt           = errors.New("memory: corrupt record")
	ErrNotFound          = errors.New("memory: record not found")
	ErrInvalidConfig     = errors.New("memory: invalid configuration")
	ErrClosed            = errors.New("memory: engine closed")
	ErrEmptyText         = errors.New("memory: empty text")
)

// Error wraps an error with the operation and its classification.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory.%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with op and kind. A nil err stays nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrOverBudget):
		return KindCapacity
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrCorrupt), errors.Is(err, ErrEmptyText):
		return KindData
	case errors.Is(err, ErrInvalidConfig):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindUnknown
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsCapacity reports whether err is a "busy" rejection.
func IsCapacity(err error) bool {
	return KindOf(err) == KindCapacity
}
