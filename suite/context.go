// Package suite carries the identity of the running test suite on a context.
package suite

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxKeyRunID ctxKey = iota
	ctxKeySuite
)

// NewRunID returns a fresh identifier for a suite run.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID saves the current run ID to the context.
func WithRunID(ctx context.Context, rID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, rID)
}

// GetRunID returns the current run ID from the context.
func GetRunID(ctx context.Context) string {
	rID, _ := ctx.Value(ctxKeyRunID).(string)
	return rID
}

// WithName saves the name of the running suite to the context.
func WithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKeySuite, name)
}

// GetName returns the name of the running suite from the context.
func GetName(ctx context.Context) string {
	name, _ := ctx.Value(ctxKeySuite).(string)
	return name
}
