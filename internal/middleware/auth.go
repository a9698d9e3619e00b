package middleware

import (
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fastygo/orgcore/api/transport"
	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/usecase/authz"
)

const userValueClaims = "claims"

// JWTAuth rejects requests without a valid permission-bearing token and
// stores the parsed claims on the request for handlers.
func JWTAuth(secret string, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			tokenString := extractToken(ctx)
			if tokenString == "" {
				unauthorized(ctx, "missing bearer token")
				return
			}

			claims, err := authz.ParseToken(tokenString, secret)
			if err != nil {
				logger.Warn("invalid jwt token", zap.Error(err))
				unauthorized(ctx, "invalid token")
				return
			}
			if claims.UserID == "" {
				unauthorized(ctx, "token has no subject")
				return
			}

			ctx.SetUserValue(userValueClaims, claims)
			ctx.SetUserValue(httpcontext.UserValuePrincipal, claims.UserID)
			next(ctx)
		}
	}
}

// Anonymous lets every request through as the given principal. It backs
// JWT_DISABLED in local setups.
func Anonymous(principal string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetUserValue(httpcontext.UserValuePrincipal, principal)
			next(ctx)
		}
	}
}

// ClaimsFrom returns the claims stored by JWTAuth, or nil.
func ClaimsFrom(ctx *fasthttp.RequestCtx) *authz.Claims {
	claims, _ := ctx.UserValue(userValueClaims).(*authz.Claims)
	return claims
}

// PrincipalFrom returns the authenticated principal, or "".
func PrincipalFrom(ctx *fasthttp.RequestCtx) string {
	principal, _ := ctx.UserValue(httpcontext.UserValuePrincipal).(string)
	return principal
}

func unauthorized(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString(transport.NewError(string(domain.ErrCodeUnauthorized), msg, nil).String())
}

func extractToken(ctx *fasthttp.RequestCtx) string {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}
