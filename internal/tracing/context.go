// Package tracing wires OpenTelemetry into the coordinator daemon: a
// provider with file/stdout/OTLP exporters, span helpers for control-loop
// commands, and lightweight trace-id propagation for log correlation.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey struct{}

// TraceIDFromContext returns the propagated trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// ContextWithTraceID attaches a trace id for downstream log correlation.
// An empty id leaves ctx untouched.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, traceID)
}

// GenerateTraceID returns a W3C trace-id: 16 random bytes, hex encoded.
func GenerateTraceID() string {
	return randomHex(16)
}

// GenerateSpanID returns a W3C span-id: 8 random bytes, hex encoded.
func GenerateSpanID() string {
	return randomHex(8)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never fails on supported platforms
	return hex.EncodeToString(b)
}
