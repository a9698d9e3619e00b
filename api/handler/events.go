package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/pkg/logger"
	"github.com/fastygo/orgcore/usecase"
	"github.com/fastygo/orgcore/usecase/events"
)

type EventHandler struct {
	baseHandler
}

func NewEventHandler(dispatcher *usecase.Dispatcher, adapter *httpcontext.Adapter, log *zap.Logger) *EventHandler {
	return &EventHandler{baseHandler: newBaseHandler(dispatcher, adapter, log)}
}

// @Summary Append event
// @Tags events
// @Router /api/v1/events [post]
func (h *EventHandler) Append(ctx *fasthttp.RequestCtx) {
	var cmd events.AppendCommand
	if !h.decode(ctx, &cmd) {
		return
	}
	if cmd.Metadata.ActorID == "" {
		cmd.Metadata.ActorID = principal(ctx)
	}

	stdCtx, cancel := h.requestContext(ctx)
	defer cancel()
	if cmd.Metadata.CorrelationID == "" {
		cmd.Metadata.CorrelationID = logger.RequestID(stdCtx)
	}
	if cmd.Metadata.TraceID == "" {
		cmd.Metadata.TraceID = httpcontext.TraceID(stdCtx)
	}

	out, err := h.dispatcher.ExecuteCommand(stdCtx, usecase.CmdAppendEvent, cmd)
	if err != nil {
		h.respondError(ctx, stdCtx, err)
		return
	}
	h.respondSuccess(ctx, http.StatusCreated, out)
}

// @Summary Retry a failed event
// @Tags events
// @Router /api/v1/events/{id}/retry [post]
func (h *EventHandler) Retry(ctx *fasthttp.RequestCtx) {
	h.command(ctx, http.StatusOK, usecase.CmdRetryEvent, usecase.RetryEvent{EventID: pathParam(ctx, "id")})
}

// @Summary List events with a processing error
// @Tags events
// @Router /api/v1/events/failed [get]
func (h *EventHandler) Failed(ctx *fasthttp.RequestCtx) {
	h.query(ctx, usecase.QryFailedEvents, usecase.FailedEvents{Limit: queryInt(ctx, "limit", 0)})
}

// @Summary Stream history
// @Tags events
// @Router /api/v1/streams/{id}/events [get]
func (h *EventHandler) History(ctx *fasthttp.RequestCtx) {
	h.query(ctx, usecase.QryStreamHistory, usecase.StreamHistory{StreamID: pathParam(ctx, "id")})
}
