package httpcontext

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	appLogger "github.com/fastygo/orgcore/pkg/logger"
)

// Key represents a context value key exported for reuse.
type Key string

const (
	KeyRemoteAddr Key = "remote_addr"
	KeyUserAgent  Key = "user_agent"
	KeyTraceID    Key = "trace_id"
)

// UserValuePrincipal is the fasthttp user value under which the auth
// middleware stores the authenticated principal.
const UserValuePrincipal = "principal"

// Adapter turns a fasthttp request into a request-scoped context.Context:
// bounded by a timeout, tagged with request id, principal and trace id.
type Adapter struct {
	timeout time.Duration
}

func NewAdapter(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{timeout: timeout}
}

// Attach derives a context bounded by the adapter timeout. It does not
// follow server shutdown; in-flight requests finish within their timeout.
func (a *Adapter) Attach(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	stdCtx, cancel := context.WithTimeout(context.Background(), a.timeout)

	reqID := headerOr(ctx, "X-Request-ID", uuid.NewString)
	ctx.Response.Header.Set("X-Request-ID", reqID)
	stdCtx = appLogger.ContextWithRequestID(stdCtx, reqID)

	if principal, ok := ctx.UserValue(UserValuePrincipal).(string); ok && principal != "" {
		stdCtx = appLogger.ContextWithPrincipal(stdCtx, principal)
	}
	if trace := traceID(ctx); trace != "" {
		stdCtx = context.WithValue(stdCtx, KeyTraceID, trace)
	}
	if remoteAddr := ctx.RemoteAddr(); remoteAddr != nil {
		stdCtx = context.WithValue(stdCtx, KeyRemoteAddr, remoteAddr.String())
	}
	if ua := string(ctx.Request.Header.UserAgent()); ua != "" {
		stdCtx = context.WithValue(stdCtx, KeyUserAgent, ua)
	}
	return stdCtx, cancel
}

// TraceID returns the caller's trace id, if the request carried one.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(KeyTraceID).(string)
	return id
}

// traceID reads X-Trace-ID, or the trace-id field of a W3C traceparent
// ("00-<trace-id>-<parent-id>-<flags>").
func traceID(ctx *fasthttp.RequestCtx) string {
	if id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Trace-ID"))); id != "" {
		return id
	}
	parts := strings.Split(string(ctx.Request.Header.Peek("traceparent")), "-")
	if len(parts) == 4 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

func headerOr(ctx *fasthttp.RequestCtx, name string, fallback func() string) string {
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek(name))); v != "" {
		return v
	}
	return fallback()
}
