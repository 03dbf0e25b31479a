// Package routers wires route handlers onto the echo groups.
package routers

import (
	"loom-api/internal/routes/health"
	"loom-api/internal/routes/inference"

	"github.com/labstack/echo/v4"
)

// RegisterInferenceRoutes mounts the OpenAI-compatible surface under /v1.
func RegisterInferenceRoutes(e *echo.Group, m *inference.Manager, auth echo.MiddlewareFunc) {
	v1 := e.Group("/v1", auth)
	v1.POST("/embeddings", m.HandleEmbeddings)
	v1.POST("/rerank", m.HandleRerank)
}

func RegisterHealthRoutes(e *echo.Group, h *health.Manager) {
	e.GET("/health", h.Handle)
}
