package httpcontext

import (
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	appLogger "github.com/fastygo/orgcore/pkg/logger"
)

func TestAttachCarriesRequestMetadata(t *testing.T) {
	var rc fasthttp.RequestCtx
	rc.Request.Header.Set("X-Request-ID", "req-1")
	rc.Request.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rc.SetUserValue(UserValuePrincipal, "u1")

	ctx, cancel := NewAdapter(time.Second).Attach(&rc)
	defer cancel()

	if appLogger.RequestID(ctx) != "req-1" || string(rc.Response.Header.Peek("X-Request-ID")) != "req-1" {
		t.Fatalf("request id not propagated")
	}
	if appLogger.Principal(ctx) != "u1" {
		t.Fatalf("expected principal u1, got %q", appLogger.Principal(ctx))
	}
	if TraceID(ctx) != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if _, ok := ctx.Deadline(); !ok {
		t.Fatal("expected a deadline")
	}
}

func TestAttachGeneratesRequestID(t *testing.T) {
	var rc fasthttp.RequestCtx
	ctx, cancel := NewAdapter(0).Attach(&rc)
	defer cancel()

	id := appLogger.RequestID(ctx)
	if id == "" || string(rc.Response.Header.Peek("X-Request-ID")) != id {
		t.Fatalf("expected generated request id, got %q", id)
	}
	if TraceID(ctx) != "" || appLogger.Principal(ctx) != "" {
		t.Fatal("expected no trace id or principal")
	}
}
