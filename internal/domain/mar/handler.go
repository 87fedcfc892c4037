package mar

import (
	"context"
	"errors"
	"net/http"
	"time"

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
	read := api.Group("", auth.RequireRole("admin", "pharmacist", "physician", "nurse"))
	read.GET("/mar", h.List)
	read.GET("/mar/due", h.ListDue)
	read.GET("/mar/:id", h.Get)

	api.POST("/mar/schedules", h.CreateSchedule, auth.RequireRole("admin", "pharmacist", "nurse"))

	bedside := api.Group("", auth.RequireRole("admin", "nurse", "physician"))
	bedside.POST("/mar/:id/check", h.Check)
	bedside.POST("/mar/:id/administer", h.Administer)
	bedside.POST("/mar/:id/hold", h.Hold)
	bedside.POST("/mar/:id/refuse", h.Refuse)
	bedside.POST("/mar/:id/skip", h.Skip)
}

type createScheduleRequest struct {
	DispenseID  uuid.UUID `json:"dispense_id"`
	AdmissionID uuid.UUID `json:"admission_id"`
}

func (h *Handler) CreateSchedule(c echo.Context) error {
	var req createScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	count, err := h.svc.CreateSchedule(c.Request().Context(), req.DispenseID, req.AdmissionID)
	if err != nil {
		if errors.Is(err, ErrScheduleExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"dispense_id":     req.DispenseID,
		"entries_created": count,
	})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "mar entry not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()

	if raw := c.QueryParam("dispense_id"); raw != "" {
		dispenseID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid dispense_id")
		}
		entries, err := h.svc.ListByDispense(ctx, dispenseID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, entries)
	}

	raw := c.QueryParam("admission_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "admission_id or dispense_id is required")
	}
	admissionID, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid admission_id")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListByAdmission(ctx, admissionID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

// ListDue defaults to the next four hours, the usual round-preparation
// window.
func (h *Handler) ListDue(c echo.Context) error {
	from := time.Now()
	to := from.Add(4 * time.Hour)
	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from timestamp")
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to timestamp")
		}
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListDue(c.Request().Context(), from, to, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) Check(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	assessment, err := h.svc.PreAdministrationCheck(c.Request().Context(), id)
	if err != nil {
		return bedsideError(err)
	}
	return c.JSON(http.StatusOK, assessment)
}

type administerRequest struct {
	Witness *string `json:"witness,omitempty"`
}

func (h *Handler) Administer(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req administerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	e, err := h.svc.Administer(c.Request().Context(), id, actor, req.Witness)
	if err != nil {
		return bedsideError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type outcomeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Hold(c echo.Context) error {
	return h.outcome(c, h.svc.Hold)
}

func (h *Handler) Refuse(c echo.Context) error {
	return h.outcome(c, h.svc.Refuse)
}

func (h *Handler) Skip(c echo.Context) error {
	return h.outcome(c, h.svc.Skip)
}

func (h *Handler) outcome(c echo.Context, fn func(ctx context.Context, id uuid.UUID, reason, actor string) (*Entry, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	e, err := fn(c.Request().Context(), id, req.Reason, actor)
	if err != nil {
		return bedsideError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func bedsideError(err error) error {
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "mar entry not found")
	case errors.Is(err, ErrAlreadyProcessed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCheckRequired), errors.Is(err, ErrUnsafeToAdminister):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
