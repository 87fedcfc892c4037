package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxcore/rxcore/internal/platform/auth"
	"github.com/rxcore/rxcore/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "pharmacist", "billing"))
	read.GET("/billing/lines/:id", h.Get)
	read.GET("/billing/patients/:patientId/lines", h.ListByPatient)
	read.GET("/billing/visits/:visitId/lines", h.VisitCharges)

	write := api.Group("", auth.RequireRole("admin", "billing"))
	write.POST("/billing/lines", h.AddBillLine)
	write.POST("/billing/lines/:id/billed", h.MarkBilled)
	write.POST("/billing/lines/:id/void", h.Void)
}

func (h *Handler) AddBillLine(c echo.Context) error {
	var in AddBillLineInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AddBillLine(c.Request().Context(), in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "bill line not found")
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	lines, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(lines, total, pg.Limit, pg.Offset))
}

func (h *Handler) VisitCharges(c echo.Context) error {
	visitID, err := uuid.Parse(c.Param("visitId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid visit id")
	}
	vc, err := h.svc.VisitCharges(c.Request().Context(), visitID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, vc)
}

func (h *Handler) MarkBilled(c echo.Context) error {
	return h.transition(c, h.svc.MarkBilled)
}

func (h *Handler) Void(c echo.Context) error {
	return h.transition(c, h.svc.Void)
}

func (h *Handler) transition(c echo.Context, fn func(context.Context, uuid.UUID) (*BillLine, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := fn(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bill line not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}
