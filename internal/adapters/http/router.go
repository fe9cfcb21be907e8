package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/inga-supervisor/internal/metrics"
)

// NewApp builds the fiber app serving the control API, the metrics endpoint
// and the report proxy.
func NewApp(h *ControlHandler, proxy *ReportProxy) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	api := app.Group("/api")
	v1 := api.Group("/v1")

	containers := v1.Group("/containers")
	containers.Get("/", h.ListContainers)
	containers.Get("/:id/logs", h.GetContainerLogs)

	v1.Post("/install", h.Install)
	v1.Post("/start", h.Start)
	v1.Post("/stop", h.Stop)
	v1.Post("/restart", h.Restart)
	v1.Get("/server", h.ServerStatus)
	v1.Get("/parameters", h.GetParameters)
	v1.Put("/parameters", h.PutParameters)

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if proxy != nil {
		app.All(ReportPrefix, proxy.ProxyRequest)
		app.All(ReportPrefix+"/*", proxy.ProxyRequest)
	}
	return app
}
