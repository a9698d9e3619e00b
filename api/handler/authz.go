package handler

import (
	"net/http"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/api/transport"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/usecase"
)

type AuthzHandler struct {
	baseHandler
}

func NewAuthzHandler(dispatcher *usecase.Dispatcher, adapter *httpcontext.Adapter, log *zap.Logger) *AuthzHandler {
	return &AuthzHandler{baseHandler: newBaseHandler(dispatcher, adapter, log)}
}

// @Summary Effective permissions of a principal
// @Tags authz
// @Router /api/v1/principals/{id}/permissions [get]
func (h *AuthzHandler) Permissions(ctx *fasthttp.RequestCtx) {
	h.query(ctx, usecase.QryPermissions, usecase.PrincipalPermissions{Principal: pathParam(ctx, "id")})
}

// @Summary Check a permission at a scope
// @Tags authz
// @Router /api/v1/authz/check [post]
func (h *AuthzHandler) Check(ctx *fasthttp.RequestCtx) {
	var req transport.CheckRequest
	if !h.decode(ctx, &req) {
		return
	}
	if req.Principal == "" {
		req.Principal = principal(ctx)
	}
	h.query(ctx, usecase.QryCheckPermission, usecase.CheckPermission{
		Principal:  req.Principal,
		Permission: req.Permission,
		Scope:      req.Scope,
	})
}

// @Summary Reissue the caller's token with fresh permissions
// @Tags auth
// @Router /api/v1/auth/token [post]
func (h *AuthzHandler) Token(ctx *fasthttp.RequestCtx) {
	h.command(ctx, http.StatusOK, usecase.CmdIssueToken, usecase.IssueToken{Principal: principal(ctx)})
}
