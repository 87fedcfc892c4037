package dispense

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/prescription"
	"github.com/rxcore/rxcore/internal/domain/safety"
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
	read.GET("/dispenses", h.List)
	read.GET("/dispenses/:id", h.Get)
	read.GET("/dispenses/by-batch/:batch", h.ListItemsByBatch)

	api.POST("/dispenses", h.Dispense, auth.RequireRole("admin", "pharmacist"))
}

// Dispense maps the service's error taxonomy onto HTTP statuses:
// safety blocks and lot gates are 422 with the structured blockers in
// the body, the already-dispensed and insufficient-stock races are 409,
// and request-shape problems are 400.
func (h *Handler) Dispense(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.UserIDFromContext(c.Request().Context())

	rec, err := h.svc.Dispense(c.Request().Context(), in, actor)
	if err != nil {
		var blocked *safety.SafetyBlockedError
		var short *inventory.InsufficientStockError
		switch {
		case errors.As(err, &blocked):
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"error":    "safety blocked",
				"blockers": blocked.Blockers,
			})
		case errors.As(err, &short):
			return c.JSON(http.StatusConflict, map[string]any{
				"error":     err.Error(),
				"drug_id":   short.DrugID,
				"requested": short.Requested,
				"available": short.Available,
				"short_by":  short.ShortBy(),
			})
		case errors.Is(err, prescription.ErrAlreadyDispensed):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, prescription.ErrNotFound), errors.Is(err, inventory.ErrLotNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, inventory.ErrLotRecalled), errors.Is(err, inventory.ErrLotExpired):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "dispense record not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	if raw := c.QueryParam("prescription_id"); raw != "" {
		prescriptionID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid prescription_id")
		}
		records, err := h.svc.ListByPrescription(ctx, prescriptionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, records)
	}

	raw := c.QueryParam("patient_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id or prescription_id is required")
	}
	patientID, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	records, total, err := h.svc.ListByPatient(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListItemsByBatch(c echo.Context) error {
	batch := c.Param("batch")
	if batch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch number is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListItemsByBatch(c.Request().Context(), batch, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
