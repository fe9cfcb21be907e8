package http

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
	"github.com/melih/inga-supervisor/internal/core/services/orchestrator"
	"github.com/melih/inga-supervisor/internal/core/services/restart"
)

// Containers is the read side of the daemon the API exposes.
type Containers interface {
	ListContainers(ctx context.Context, all bool) ([]domain.Container, error)
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)
}

// Installer provisions the services.
type Installer interface {
	Install(ctx context.Context, progress domain.ProgressFunc) (orchestrator.Result, error)
}

// Restarter runs clear-and-restart cycles.
type Restarter interface {
	ClearCachesAndRestart(ctx context.Context) *restart.Cycle
}

// ControlHandler serves the control API of a single workspace.
type ControlHandler struct {
	containers Containers
	installer  Installer
	server     ports.AnalysisServer
	restarter  Restarter
	store      ports.SettingsStore
	workspace  string
	progress   domain.ProgressFunc
}

func NewControlHandler(containers Containers, installer Installer, server ports.AnalysisServer,
	restarter Restarter, store ports.SettingsStore, workspace string, progress domain.ProgressFunc) *ControlHandler {
	return &ControlHandler{
		containers: containers,
		installer:  installer,
		server:     server,
		restarter:  restarter,
		store:      store,
		workspace:  workspace,
		progress:   progress,
	}
}

func (h *ControlHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.containers.ListContainers(c.Context(), true)
	if err != nil {
		return errorJSON(c, err)
	}
	if c.QueryBool("all") {
		return c.JSON(containers)
	}
	supervised := make([]domain.Container, 0, len(containers))
	for _, ct := range containers {
		if ct.Key.Workspace == h.workspace {
			supervised = append(supervised, ct)
		}
	}
	return c.JSON(supervised)
}

func (h *ControlHandler) GetContainerLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	logs, err := h.containers.Logs(c.Context(), id, false)
	if err != nil {
		return errorJSON(c, err)
	}
	c.Set("Content-Type", "text/plain")
	return c.SendStream(logs)
}

type installResponse struct {
	EngineID string `json:"engine_id"`
	UIID     string `json:"ui_id"`
	UIPort   int    `json:"ui_port"`
}

func (h *ControlHandler) Install(c *fiber.Ctx) error {
	res, err := h.installer.Install(c.Context(), h.progress)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(installResponse{EngineID: res.EngineID, UIID: res.UIID, UIPort: res.UIPort})
}

func (h *ControlHandler) Start(c *fiber.Ctx) error {
	if err := h.server.Start(c.Context()); err != nil {
		return errorJSON(c, err)
	}
	return h.ServerStatus(c)
}

func (h *ControlHandler) Stop(c *fiber.Ctx) error {
	if err := h.server.Stop(c.Context()); err != nil {
		return errorJSON(c, err)
	}
	return h.ServerStatus(c)
}

type restartResponse struct {
	Cycle    string `json:"cycle"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Restart begins a clear-and-restart cycle. With ?wait=true the response is
// sent once the cycle finished. The cycle outlives the request, so it must not
// hold on to the recycled request context.
func (h *ControlHandler) Restart(c *fiber.Ctx) error {
	cycle := h.restarter.ClearCachesAndRestart(context.WithoutCancel(c.UserContext()))
	status := fiber.StatusAccepted
	if c.QueryBool("wait") {
		select {
		case <-cycle.Done():
			status = fiber.StatusOK
		case <-c.Context().Done():
		}
	}
	resp := restartResponse{Cycle: cycle.ID, State: string(cycle.State()), Attempts: cycle.Attempts()}
	if err := cycle.Err(); err != nil {
		resp.Error = err.Error()
	}
	return c.Status(status).JSON(resp)
}

func (h *ControlHandler) ServerStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": h.server.Status()})
}

type parametersResponse struct {
	domain.Settings
	EngineCurrent bool `json:"engine_current"`
	UICurrent     bool `json:"ui_current"`
}

func (h *ControlHandler) GetParameters(c *fiber.Ctx) error {
	st, err := h.store.Load(c.Context(), h.workspace)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(parametersResponse{Settings: st, EngineCurrent: st.EngineCurrent(), UICurrent: st.UICurrent()})
}

type parametersRequest struct {
	Engine *domain.EngineParameters `json:"engine"`
	UI     *domain.UIParameters     `json:"ui"`
}

// PutParameters stores new user parameters. They take effect on the next
// install, which recreates the affected container.
func (h *ControlHandler) PutParameters(c *fiber.Ctx) error {
	var req parametersRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Engine == nil && req.UI == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "engine or ui parameters are required",
		})
	}
	if req.UI != nil && (req.UI.Port < 0 || req.UI.Port > 65535) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ui.port out of range",
		})
	}
	if req.Engine != nil {
		if err := h.store.SaveUserParameters(c.Context(), h.workspace, *req.Engine); err != nil {
			return errorJSON(c, err)
		}
	}
	if req.UI != nil {
		if err := h.store.SaveUIUserParameters(c.Context(), h.workspace, *req.UI); err != nil {
			return errorJSON(c, err)
		}
	}
	return h.GetParameters(c)
}

// errorJSON maps domain errors to HTTP status codes.
func errorJSON(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrDaemonUnavailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrPullFailed):
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}
