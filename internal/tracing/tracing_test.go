package tracing

import (
	"context"
	"testing"
)

type testSpan struct {
	attrs map[string]string
	ended bool
}

func (s *testSpan) End() { s.ended = true }
func (s *testSpan) SetAttr(k, v string) {
	if s.attrs == nil {
		s.attrs = map[string]string{}
	}
	s.attrs[k] = v
}

type testTracer struct {
	started   bool
	lastName  string
	lastAttrs map[string]string
}

func (t *testTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, Span) {
	t.started = true
	t.lastName = name
	t.lastAttrs = attrs
	return ctx, &testSpan{}
}

func TestStartSpanDelegatesToInstalledTracer(t *testing.T) {
	tr := &testTracer{}
	SetTracer(tr)
	defer SetTracer(noopTracer{})

	ctx := context.Background()
	_, sp := StartSpan(ctx, "upstream.placeBid", map[string]string{"auction_id": "57947099"})

	if !tr.started || tr.lastName != "upstream.placeBid" {
		t.Fatal("expected tracer to start the named span")
	}
	if tr.lastAttrs["auction_id"] != "57947099" {
		t.Fatal("expected attrs to be passed through")
	}

	sp.SetAttr("outcome", "success")
	sp.End()

	ts := sp.(*testSpan)
	if !ts.ended {
		t.Fatal("expected span ended")
	}
	if ts.attrs["outcome"] != "success" {
		t.Fatal("expected SetAttr recorded")
	}
}

func TestNoopTracerIsSafeDefault(t *testing.T) {
	SetTracer(noopTracer{})
	ctx, sp := StartSpan(context.Background(), "noop.span", nil)
	if ctx == nil {
		t.Fatal("expected context returned")
	}
	sp.SetAttr("k", "v")
	sp.End() // must not panic
}

func TestSetTracerIgnoresNil(t *testing.T) {
	tr := &testTracer{}
	SetTracer(tr)
	SetTracer(nil)
	_, _ = StartSpan(context.Background(), "still.custom", nil)
	if !tr.started {
		t.Fatal("expected SetTracer(nil) to leave the existing tracer installed")
	}
}
