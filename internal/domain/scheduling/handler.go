package scheduling

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments")

	// Reads and booking: front desk and clinical staff
	staff := auth.RequireRole(readRoles...)
	g.GET("", h.ListAppointments, staff)
	g.GET("/:id", h.GetAppointment, staff)
	g.GET("/doctor/:doctorId", h.ListByDoctor, staff)
	g.GET("/patient/:patientId", h.ListByPatient, staff)

	g.POST("", h.CreateAppointment, staff)

	clinical := auth.RequireRole(clinicalRoles...)
	g.PUT("/:id", h.UpdateAppointment, clinical)
	g.PUT("/:id/confirm", h.ConfirmAppointment, clinical)
	g.PUT("/:id/cancel", h.CancelAppointment, clinical)
	g.PUT("/:id/start", h.StartAppointment, clinical)
	g.PUT("/:id/no-show", h.NoShowAppointment, clinical)

	doctorOnly := auth.RequireRole(doctorRoles...)
	g.PUT("/:id/complete", h.CompleteAppointment, doctorOnly)
	g.DELETE("/:id", h.DeleteAppointment, doctorOnly)
}

func tenantFrom(c echo.Context) (db.TenantID, error) {
	tenant, ok := db.TenantFromContext(c.Request().Context())
	if !ok {
		return db.TenantID{}, echo.NewHTTPError(http.StatusBadRequest, "missing tenant context")
	}
	return tenant, nil
}

// httpError translates service errors to HTTP responses.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, ErrConflict.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrDuplicateID):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Create(c.Request().Context(), in, tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"appointment": a})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var f Filter
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	pg := pagination.FromContext(c)

	items, total, err := h.svc.List(c.Request().Context(), tenant, f, pg.Page, pg.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"appointments": items,
		"pagination":   pagination.NewMeta(pg, total),
	})
}

func (h *Handler) GetAppointment(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), c.Param("id"), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointment": a})
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	a, err := h.svc.Update(c.Request().Context(), c.Param("id"), in, tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointment": a})
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Delete(c.Request().Context(), c.Param("id"), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":     "appointment deleted",
		"appointment": a,
	})
}

func (h *Handler) ListByDoctor(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListByDoctor(c.Request().Context(), tenant, c.Param("doctorId"), c.QueryParam("date"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointments": orEmpty(items)})
}

func (h *Handler) ListByPatient(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListByPatient(c.Request().Context(), tenant, c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointments": orEmpty(items)})
}

// -- Status transitions --

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	return h.transition(c, h.svc.Confirm)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	return h.transition(c, h.svc.Cancel)
}

func (h *Handler) StartAppointment(c echo.Context) error {
	return h.transition(c, h.svc.Start)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	return h.transition(c, h.svc.Complete)
}

func (h *Handler) NoShowAppointment(c echo.Context) error {
	return h.transition(c, h.svc.MarkNoShow)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, id string, tenant db.TenantID) (*Appointment, error)) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	a, err := fn(c.Request().Context(), c.Param("id"), tenant)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"appointment": a})
}

func orEmpty(items []*Appointment) []*Appointment {
	if items == nil {
		return []*Appointment{}
	}
	return items
}
