// Package tracing is the tracing bridge used by upstream calls, breaker
// transitions, and bidding decisions: a thin Tracer/Span interface with a
// no-op default, backed by OpenTelemetry when an OTLP endpoint is
// configured.
package tracing

import "context"

// Span represents an in-flight tracing span. Implementations must be
// lightweight and safe to call from hot paths.
type Span interface {
	End()
	SetAttr(key, val string)
}

// Tracer starts spans, optionally attaching them to the returned context.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span)
}

type noopSpan struct{}

func (noopSpan) End()                    {}
func (noopSpan) SetAttr(key, val string) {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	return ctx, noopSpan{}
}

var globalTracer Tracer = noopTracer{}

// SetTracer installs a custom tracer implementation. Passing nil leaves
// the current tracer untouched.
func SetTracer(t Tracer) {
	if t != nil {
		globalTracer = t
	}
}

// StartSpan starts a span using the installed global tracer.
func StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	return globalTracer.StartSpan(ctx, name, attrs)
}
