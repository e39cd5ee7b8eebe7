package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/pagination"
)

// Handler exposes webhook management to tenant administrators.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/webhooks", auth.RequireRole(auth.RoleAdmin))
	g.POST("", h.CreateEndpoint)
	g.GET("", h.ListEndpoints)
	g.GET("/:id", h.GetEndpoint)
	g.DELETE("/:id", h.DeleteEndpoint)
	g.PUT("/:id/pause", h.PauseEndpoint)
	g.PUT("/:id/resume", h.ResumeEndpoint)
	g.POST("/:id/ping", h.PingEndpoint)
	g.GET("/:id/deliveries", h.ListDeliveries)
	g.POST("/deliveries/:id/redeliver", h.Redeliver)
}

type createRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func tenantFrom(c echo.Context) (string, error) {
	tenant, ok := db.TenantFromContext(c.Request().Context())
	if !ok {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing tenant context")
	}
	return tenant.String(), nil
}

func notFoundOr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func (h *Handler) CreateEndpoint(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), tenant, req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"webhook": ep})
}

// redact hides the signing secret outside of the creation response.
func redact(ep *Endpoint) *Endpoint {
	ep.Secret = ""
	return ep
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	eps, err := h.manager.ListEndpoints(c.Request().Context(), tenant)
	if err != nil {
		return notFoundOr(err)
	}
	for _, ep := range eps {
		redact(ep)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"webhooks": eps})
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	ep, err := h.manager.GetEndpoint(c.Request().Context(), tenant, c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"webhook": redact(ep)})
}

func (h *Handler) DeleteEndpoint(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	if err := h.manager.DeleteEndpoint(c.Request().Context(), tenant, c.Param("id")); err != nil {
		return notFoundOr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PauseEndpoint(c echo.Context) error {
	return h.setStatus(c, StatusPaused)
}

func (h *Handler) ResumeEndpoint(c echo.Context) error {
	return h.setStatus(c, StatusActive)
}

func (h *Handler) setStatus(c echo.Context, status string) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	ep, err := h.manager.SetStatus(c.Request().Context(), tenant, c.Param("id"), status)
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"webhook": redact(ep)})
}

func (h *Handler) PingEndpoint(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	d, err := h.manager.Ping(c.Request().Context(), tenant, c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"delivery": d})
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.manager.Deliveries(c.Request().Context(), tenant, c.Param("id"), pg.Limit, pg.Offset())
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deliveries": items,
		"pagination": pagination.NewMeta(pg, total),
	})
}

func (h *Handler) Redeliver(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	d, err := h.manager.Redeliver(c.Request().Context(), tenant, c.Param("id"))
	if err != nil {
		return notFoundOr(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"delivery": d})
}
