// Package rlog provides the structured, context-aware logging helpers used
// throughout the relay runtime. It wraps github.com/btcsuite/btclog/v2 the
// way the rest of the lnd/btcsuite ecosystem does: a package-level Logger
// variable that call sites format through small *S ("structured") helpers
// taking a context plus alternating key/value pairs.
package rlog

import (
	"context"

	"github.com/btcsuite/btclog/v2"
	"github.com/google/uuid"
)

// Logger is the package-wide logger backend. Subsystems obtain their own
// tagged sub-logger via SubSystem and reassign it at init time, mirroring the
// btcsuite convention of a disabled logger until the caller wires one in.
var Logger btclog.Logger = btclog.Disabled

// UseLogger configures the package-wide logger backend.
func UseLogger(l btclog.Logger) {
	Logger = l
}

// traceIDKey is the context key under which a request-correlation id
// (minted with google/uuid) is threaded through log calls.
type traceIDKey struct{}

// WithTraceID returns a context carrying a fresh trace id, or the one
// already present if ctx already carries one.
func WithTraceID(ctx context.Context) context.Context {
	if _, ok := ctx.Value(traceIDKey{}).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, uuid.NewString())
}

func traceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(traceIDKey{}).(string)
	return id, ok
}

func withTrace(ctx context.Context, kv []any) []any {
	if id, ok := traceID(ctx); ok {
		return append(kv, "trace_id", id)
	}
	return kv
}

// TraceS logs msg at trace level with structured key/value pairs, annotated
// with the context's trace id if present.
func TraceS(ctx context.Context, msg string, kv ...any) {
	Logger.TraceS(ctx, msg, withTrace(ctx, kv)...)
}

// DebugS logs msg at debug level with structured key/value pairs.
func DebugS(ctx context.Context, msg string, kv ...any) {
	Logger.DebugS(ctx, msg, withTrace(ctx, kv)...)
}

// InfoS logs msg at info level with structured key/value pairs.
func InfoS(ctx context.Context, msg string, kv ...any) {
	Logger.InfoS(ctx, msg, withTrace(ctx, kv)...)
}

// WarnS logs msg at warn level, optionally attaching an error, with
// structured key/value pairs.
func WarnS(ctx context.Context, msg string, err error, kv ...any) {
	Logger.WarnS(ctx, msg, err, withTrace(ctx, kv)...)
}

// ErrorS logs msg at error level, optionally attaching an error, with
// structured key/value pairs.
func ErrorS(ctx context.Context, msg string, err error, kv ...any) {
	Logger.ErrorS(ctx, msg, err, withTrace(ctx, kv)...)
}
