package flake

import (
	"context"
	"errors"
)

// Error classes returned by the engine. Callers match them with errors.Is;
// the message carries the specific rule that was violated.
var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Kind names an error class for presentation layers.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindConflict            Kind = "conflict"
	KindInvalidInput        Kind = "invalid_input"
	KindUnauthorized        Kind = "unauthorized"
	KindInvalidOperation    Kind = "invalid_operation"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrConflict, KindConflict},
	{ErrInvalidInput, KindInvalidInput},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidOperation, KindInvalidOperation},
	{ErrUpstreamUnavailable, KindUpstreamUnavailable},
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamUnavailable
	}
	return KindInternal
}
