package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/api/transport"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/usecase"
	"github.com/fastygo/orgcore/usecase/bootstrap"
)

type WorkflowHandler struct {
	baseHandler
}

func NewWorkflowHandler(dispatcher *usecase.Dispatcher, adapter *httpcontext.Adapter, log *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{baseHandler: newBaseHandler(dispatcher, adapter, log)}
}

// @Summary Bootstrap an organization
// @Tags organizations
// @Router /api/v1/organizations/bootstrap [post]
func (h *WorkflowHandler) Bootstrap(ctx *fasthttp.RequestCtx) {
	var params bootstrap.Params
	if !h.decode(ctx, &params) {
		return
	}
	if params.ActorID == "" {
		params.ActorID = principal(ctx)
	}
	h.command(ctx, acceptedStatus(ctx), usecase.CmdBootstrap, usecase.BootstrapOrganization{Params: params, Wait: wait(ctx)})
}

// @Summary Resume a failed or deleted organization
// @Tags organizations
// @Router /api/v1/organizations/{id}/resume [post]
func (h *WorkflowHandler) Resume(ctx *fasthttp.RequestCtx) {
	var req transport.ResumeRequest
	if len(ctx.PostBody()) > 0 && !h.decode(ctx, &req) {
		return
	}
	h.command(ctx, acceptedStatus(ctx), usecase.CmdResume, usecase.ResumeOrganization{
		OrganizationID: pathParam(ctx, "id"),
		Options:        bootstrap.ResumeOptions{FromStep: req.FromStep, SkipSubdomain: req.SkipSubdomain},
		Wait:           wait(ctx),
	})
}

// @Summary Workflow status
// @Tags workflows
// @Router /api/v1/workflows/{id} [get]
func (h *WorkflowHandler) Status(ctx *fasthttp.RequestCtx) {
	h.query(ctx, usecase.QryWorkflowStatus, usecase.WorkflowStatus{WorkflowID: pathParam(ctx, "id")})
}

func wait(ctx *fasthttp.RequestCtx) bool {
	return ctx.QueryArgs().GetBool("wait")
}

func acceptedStatus(ctx *fasthttp.RequestCtx) int {
	if wait(ctx) {
		return http.StatusOK
	}
	return http.StatusAccepted
}
