package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/api/transport"
	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/pkg/logger"
	"github.com/fastygo/orgcore/usecase"
)

type baseHandler struct {
	dispatcher *usecase.Dispatcher
	adapter    *httpcontext.Adapter
	logger     *zap.Logger
}

func newBaseHandler(dispatcher *usecase.Dispatcher, adapter *httpcontext.Adapter, logger *zap.Logger) baseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return baseHandler{dispatcher: dispatcher, adapter: adapter, logger: logger}
}

func (h baseHandler) requestContext(ctx *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	if h.adapter != nil {
		return h.adapter.Attach(ctx)
	}
	return context.WithCancel(context.Background())
}

func (h baseHandler) command(ctx *fasthttp.RequestCtx, status int, name string, payload interface{}) {
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	out, err := h.dispatcher.ExecuteCommand(stdCtx, name, payload)
	if err != nil {
		h.respondError(ctx, stdCtx, err)
		return
	}
	h.respondSuccess(ctx, status, out)
}

func (h baseHandler) query(ctx *fasthttp.RequestCtx, name string, params interface{}) {
	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()

	out, err := h.dispatcher.ExecuteQuery(stdCtx, name, params)
	if err != nil {
		h.respondError(ctx, stdCtx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusOK, out)
}

func (h baseHandler) decode(ctx *fasthttp.RequestCtx, dst interface{}) bool {
	if err := json.Unmarshal(ctx.PostBody(), dst); err != nil {
		h.respondJSON(ctx, http.StatusBadRequest, transport.NewError(string(domain.ErrCodeInvalid), "invalid payload", nil))
		return false
	}
	return true
}

func (h baseHandler) respondJSON(ctx *fasthttp.RequestCtx, status int, payload transport.Envelope) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(status)
	body, _ := json.Marshal(payload.WithRequestID(string(ctx.Response.Header.Peek("X-Request-ID"))))
	ctx.SetBody(body)
}

func (h baseHandler) respondSuccess(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	var meta interface{}
	switch items := data.(type) {
	case []domain.Event:
		meta = transport.ListMeta{Count: len(items)}
	case []domain.EffectivePermission:
		meta = transport.ListMeta{Count: len(items)}
	}
	h.respondJSON(ctx, status, transport.NewSuccess(data, meta))
}

func (h baseHandler) respondError(ctx *fasthttp.RequestCtx, stdCtx context.Context, err error) {
	status, code := mapError(err)
	log := logger.WithRequestID(stdCtx, h.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", string(ctx.Path())), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", string(ctx.Path())), zap.String("code", code), zap.Error(err))
	}
	h.respondJSON(ctx, status, transport.NewError(code, err.Error(), nil))
}

func principal(ctx *fasthttp.RequestCtx) string {
	p, _ := ctx.UserValue(httpcontext.UserValuePrincipal).(string)
	return p
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func queryInt(ctx *fasthttp.RequestCtx, key string, fallback int) int {
	if v, err := strconv.Atoi(string(ctx.QueryArgs().Peek(key))); err == nil {
		return v
	}
	return fallback
}

func mapError(err error) (int, string) {
	switch {
	case domain.IsDomainError(err, domain.ErrCodeUnauthorized):
		return http.StatusUnauthorized, string(domain.ErrCodeUnauthorized)
	case domain.IsDomainError(err, domain.ErrCodeForbidden):
		return http.StatusForbidden, string(domain.ErrCodeForbidden)
	case domain.IsDomainError(err, domain.ErrCodeInvalid):
		return http.StatusBadRequest, string(domain.ErrCodeInvalid)
	case domain.IsDomainError(err, domain.ErrCodeNotFound):
		return http.StatusNotFound, string(domain.ErrCodeNotFound)
	case domain.IsDomainError(err, domain.ErrCodeOrdering):
		return http.StatusConflict, string(domain.ErrCodeOrdering)
	case domain.IsDomainError(err, domain.ErrCodeConflict):
		return http.StatusConflict, string(domain.ErrCodeConflict)
	case domain.IsDomainError(err, domain.ErrCodeProcessing):
		return http.StatusUnprocessableEntity, string(domain.ErrCodeProcessing)
	case domain.IsDomainError(err, domain.ErrCodeExternal):
		return http.StatusBadGateway, string(domain.ErrCodeExternal)
	default:
		return http.StatusInternalServerError, string(domain.ErrCodeInternal)
	}
}
