package router

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/orgcore/api/handler"
	"github.com/fastygo/orgcore/internal/infrastructure/monitor"
	"github.com/fastygo/orgcore/internal/middleware"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/repository/memory"
	"github.com/fastygo/orgcore/usecase"
	"github.com/fastygo/orgcore/usecase/authz"
	"github.com/fastygo/orgcore/usecase/bootstrap"
	"github.com/fastygo/orgcore/usecase/events"
	"github.com/fastygo/orgcore/usecase/projection"
)

const secret = "test-secret"

type staticStatus struct{ online bool }

func (s staticStatus) GetStatus() monitor.Status { return monitor.Status{Storage: "memory", Journal: true} }
func (s staticStatus) IsOnline() bool            { return s.online }

type envelope struct {
	Status string          `json:"status"`
	Code   string          `json:"code"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

type app struct {
	handler fasthttp.RequestHandler
	tokens  *authz.TokenIssuer
}

func newApp(t *testing.T, auth func(fasthttp.RequestHandler) fasthttp.RequestHandler, online bool) *app {
	t.Helper()
	store := memory.NewStore()
	rt, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	log := events.NewService(store, rt, zap.NewNop(), events.Config{})
	perms := authz.NewService(store, nil, zap.NewNop())
	log.Subscribe(perms)
	engine, err := bootstrap.NewEngine(bootstrap.Deps{Store: store, Events: log}, bootstrap.Config{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	tokens := authz.NewTokenIssuer(perms, secret, time.Hour)

	d := usecase.NewDispatcher()
	usecase.Register(d, usecase.Services{Events: log, Workflows: engine, Authz: perms, Tokens: tokens})

	adapter := httpcontext.NewAdapter(5 * time.Second)
	r := New(Handlers{
		Events:    apiHandler.NewEventHandler(d, adapter, nil),
		Workflows: apiHandler.NewWorkflowHandler(d, adapter, nil),
		Authz:     apiHandler.NewAuthzHandler(d, adapter, nil),
		Health:    apiHandler.NewHealthHandler(staticStatus{online: online}, adapter, nil),
	}, auth)
	return &app{handler: r.Handler, tokens: tokens}
}

func (a *app) do(t *testing.T, method, uri, token, body string) (int, envelope) {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	a.handler(&ctx)

	var env envelope
	if len(ctx.Response.Body()) > 0 {
		if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, uri, err, ctx.Response.Body())
		}
	}
	return ctx.Response.StatusCode(), env
}

func TestEventRoutes(t *testing.T) {
	a := newApp(t, middleware.Anonymous("tester"), true)

	code, env := a.do(t, "POST", "/api/v1/events", "", `{
		"stream_id": "perm-1",
		"stream_type": "permission",
		"event_type": "permission.defined",
		"event_data": {"name": "org.view", "applet": "org", "action": "view"}
	}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %+v", code, env)
	}
	var ev struct {
		StreamVersion int64 `json:"stream_version"`
		Metadata      struct {
			ActorID string `json:"actor_id"`
		} `json:"event_metadata"`
	}
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.StreamVersion != 1 || ev.Metadata.ActorID != "tester" {
		t.Fatalf("unexpected event %s", env.Data)
	}

	code, env = a.do(t, "POST", "/api/v1/events", "", `{"stream_id":"x","stream_type":"spaceship","event_type":"permission.defined","event_data":{}}`)
	if code != http.StatusBadRequest || env.Code != "INVALID" {
		t.Fatalf("expected 400 INVALID, got %d %+v", code, env)
	}

	code, env = a.do(t, "POST", "/api/v1/events", "", `{"stream_id":"perm-1","stream_type":"permission","event_type":"permission.defined","event_data":{"name":"org.edit","applet":"org","action":"edit"},"expected_version":0}`)
	if code != http.StatusConflict || env.Code != "ORDERING" {
		t.Fatalf("expected 409 ORDERING, got %d %+v", code, env)
	}

	code, env = a.do(t, "GET", "/api/v1/streams/perm-1/events", "", "")
	var history []json.RawMessage
	if err := json.Unmarshal(env.Data, &history); err != nil || code != http.StatusOK || len(history) != 1 {
		t.Fatalf("expected one event in history, got %d %s", code, env.Data)
	}

	if code, _ := a.do(t, "GET", "/api/v1/events/failed?limit=5", "", ""); code != http.StatusOK {
		t.Fatalf("expected 200 for failed events, got %d", code)
	}
	if code, env := a.do(t, "POST", "/api/v1/events/missing/retry", "", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown event, got %d %+v", code, env)
	}
}

func TestWorkflowRoutes(t *testing.T) {
	a := newApp(t, middleware.Anonymous("tester"), true)

	code, env := a.do(t, "POST", "/api/v1/organizations/bootstrap?wait=true", "", `{"name":"Acme","slug":"acme"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %+v", code, env)
	}
	var started usecase.WorkflowStarted
	if err := json.Unmarshal(env.Data, &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.WorkflowID != "organization-bootstrap-acme" || started.State == nil || started.State.Status != bootstrap.RunCompleted {
		t.Fatalf("unexpected workflow %+v", started)
	}

	code, env = a.do(t, "GET", "/api/v1/workflows/organization-bootstrap-acme", "", "")
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d %+v", code, env)
	}
	if code, _ := a.do(t, "GET", "/api/v1/workflows/unknown", "", ""); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	code, env = a.do(t, "POST", "/api/v1/organizations/"+started.State.OrganizationID+"/resume", "", "")
	if code != http.StatusBadRequest {
		t.Fatalf("expected resume of an active organization to be rejected, got %d %+v", code, env)
	}

	if code, env := a.do(t, "POST", "/api/v1/organizations/bootstrap", "", `{"name":"Bad","slug":"Not Valid"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %+v", code, env)
	}
	if code, _ := a.do(t, "POST", "/api/v1/organizations/bootstrap", "", `{`); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", code)
	}
}

func TestAuthRoutes(t *testing.T) {
	a := newApp(t, middleware.JWTAuth(secret, nil), true)

	if code, env := a.do(t, "GET", "/api/v1/principals/u1/permissions", "", ""); code != http.StatusUnauthorized || env.Code != "UNAUTHORIZED" {
		t.Fatalf("expected 401 without token, got %d %+v", code, env)
	}
	if code, _ := a.do(t, "GET", "/api/v1/principals/u1/permissions", "garbage", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", code)
	}

	token, err := a.tokens.SignToken(context.Background(), "u1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if code, env := a.do(t, "GET", "/api/v1/principals/u1/permissions", token, ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d %+v", code, env)
	}

	code, env := a.do(t, "POST", "/api/v1/authz/check", token, `{"permission":"org.view","scope":"root.acme"}`)
	if code != http.StatusOK || string(env.Data) != `{"allowed":false}` {
		t.Fatalf("expected denied check, got %d %s", code, env.Data)
	}

	code, env = a.do(t, "POST", "/api/v1/auth/token", token, "")
	var issued usecase.TokenResult
	if err := json.Unmarshal(env.Data, &issued); err != nil || code != http.StatusOK || issued.Token == "" {
		t.Fatalf("expected reissued token, got %d %s", code, env.Data)
	}
	claims, err := authz.ParseToken(issued.Token, secret)
	if err != nil || claims.UserID != "u1" {
		t.Fatalf("unexpected claims %+v err=%v", claims, err)
	}
}

func TestHealthRoute(t *testing.T) {
	if code, _ := newApp(t, middleware.Anonymous("x"), true).do(t, "GET", "/health", "", ""); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	code, env := newApp(t, middleware.Anonymous("x"), false).do(t, "GET", "/health", "", "")
	if code != http.StatusServiceUnavailable || env.Code != "DEGRADED" {
		t.Fatalf("expected 503 DEGRADED, got %d %+v", code, env)
	}
}
