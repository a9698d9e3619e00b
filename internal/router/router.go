package router

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	apiHandler "github.com/fastygo/orgcore/api/handler"
)

type Handlers struct {
	Events    *apiHandler.EventHandler
	Workflows *apiHandler.WorkflowHandler
	Authz     *apiHandler.AuthzHandler
	Health    *apiHandler.HealthHandler
}

func New(handlers Handlers, authMiddleware func(fasthttp.RequestHandler) fasthttp.RequestHandler) *router.Router {
	r := router.New()

	r.GET("/health", handlers.Health.Check)

	api := r.Group("/api/v1")

	// Event store
	api.POST("/events", authMiddleware(handlers.Events.Append))
	api.GET("/events/failed", authMiddleware(handlers.Events.Failed))
	api.POST("/events/{id}/retry", authMiddleware(handlers.Events.Retry))
	api.GET("/streams/{id}/events", authMiddleware(handlers.Events.History))

	// Workflows
	api.POST("/organizations/bootstrap", authMiddleware(handlers.Workflows.Bootstrap))
	api.POST("/organizations/{id}/resume", authMiddleware(handlers.Workflows.Resume))
	api.GET("/workflows/{id}", authMiddleware(handlers.Workflows.Status))

	// Permissions
	api.GET("/principals/{id}/permissions", authMiddleware(handlers.Authz.Permissions))
	api.POST("/authz/check", authMiddleware(handlers.Authz.Check))
	api.POST("/auth/token", authMiddleware(handlers.Authz.Token))

	return r
}
