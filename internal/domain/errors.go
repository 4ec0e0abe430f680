// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed field validation.
var ErrValidation = errors.New("validation failed")

// ErrSequenceGap indicates a per-entity sequence jump was observed and the
// local view can no longer be trusted; the observer must resynchronize from
// the bulk summary endpoint.
var ErrSequenceGap = errors.New("sequence gap detected")

// ErrQueueFull indicates a connection's bounded outbound queue overflowed.
// The connection is dropped rather than allowed to accumulate backlog.
var ErrQueueFull = errors.New("outbound queue full")
