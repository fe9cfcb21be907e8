package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/services/reconciler"
)

// ReportPrefix is the path the report UI is served under.
const ReportPrefix = "/report"

// Lister lists containers.
type Lister interface {
	ListContainers(ctx context.Context, all bool) ([]domain.Container, error)
}

// ReportProxy forwards /report/* to the port the UI container publishes on
// the loopback interface.
type ReportProxy struct {
	containers Lister
	key        domain.ServiceKey
}

// NewReportProxy creates a new proxy handler.
func NewReportProxy(containers Lister, workspace string) *ReportProxy {
	return &ReportProxy{containers: containers, key: domain.NewServiceKey(domain.ServiceUI, workspace)}
}

func (h *ReportProxy) target(ctx context.Context) (int, error) {
	containers, err := h.containers.ListContainers(ctx, false)
	if err != nil {
		return 0, err
	}
	for _, c := range containers {
		if c.Matches(h.key) && c.Running() {
			if port := c.PublicPort(reconciler.UIContainerPort); port != 0 {
				return port, nil
			}
		}
	}
	return 0, fmt.Errorf("report ui %s: %w", h.key, domain.ErrNotFound)
}

// ProxyRequest routes the request to the report UI container.
func (h *ReportProxy) ProxyRequest(c *fiber.Ctx) error {
	port, err := h.target(c.Context())
	if err != nil {
		return errorJSON(c, err)
	}
	remote, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Invalid target URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
		req.URL.Path = strings.TrimPrefix(req.URL.Path, ReportPrefix)
		if req.URL.Path == "" {
			req.URL.Path = "/"
		}
		req.URL.RawPath = ""
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(fmt.Sprintf("report ui unreachable on port %d: %v", port, err)))
	}

	return adaptor.HTTPHandler(proxy)(c)
}
