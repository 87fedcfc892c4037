package inventory

import (
	"errors"
	"net/http"
	"strconv"

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
	read.GET("/inventory/lots", h.ListLots)
	read.GET("/inventory/lots/:id", h.GetLot)
	read.GET("/inventory/lots/:id/movements", h.ListMovements)
	read.GET("/inventory/expiring", h.ListExpiring)
	read.GET("/inventory/recalled", h.ListRecalled)
	read.GET("/inventory/allocation", h.PreviewAllocation)
	read.GET("/inventory/drugs/:drugId/lots", h.ListLotsByDrug)

	write := api.Group("", auth.RequireRole("admin", "pharmacist"))
	write.POST("/inventory/lots", h.ReceiveLot)
	write.POST("/inventory/lots/:id/adjust", h.AdjustLot)
	write.POST("/inventory/lots/:id/return", h.ReturnToLot)
	write.POST("/inventory/lots/:id/release", h.ReleaseFromRecall)
}

func (h *Handler) ReceiveLot(c echo.Context) error {
	var in ReceiveLotInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot, err := h.svc.ReceiveLot(c.Request().Context(), in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, lot)
}

func (h *Handler) GetLot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	lot, err := h.svc.GetLot(c.Request().Context(), id)
	if err != nil {
		return lotError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

func (h *Handler) ListLots(c echo.Context) error {
	pg := pagination.FromContext(c)
	lots, total, err := h.svc.ListLots(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(lots, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListLotsByDrug(c echo.Context) error {
	drugID, err := uuid.Parse(c.Param("drugId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug id")
	}
	lots, err := h.svc.ListByDrug(c.Request().Context(), drugID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, lots)
}

func (h *Handler) ListMovements(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	moves, err := h.svc.Movements(c.Request().Context(), id)
	if err != nil {
		return lotError(err)
	}
	return c.JSON(http.StatusOK, moves)
}

type adjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (h *Handler) AdjustLot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req adjustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot, err := h.svc.Adjust(c.Request().Context(), id, req.Delta, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return lotError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

type returnRequest struct {
	Quantity   int        `json:"quantity"`
	DispenseID *uuid.UUID `json:"dispense_id"`
}

func (h *Handler) ReturnToLot(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req returnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot, err := h.svc.ReturnToLot(c.Request().Context(), id, req.Quantity, req.DispenseID, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return lotError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

type releaseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) ReleaseFromRecall(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot, err := h.svc.ReleaseFromRecall(c.Request().Context(), id, req.Reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return lotError(err)
	}
	return c.JSON(http.StatusOK, lot)
}

func (h *Handler) ListExpiring(c echo.Context) error {
	days := 0
	if v := c.QueryParam("days"); v != "" {
		var err error
		days, err = strconv.Atoi(v)
		if err != nil || days < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid days")
		}
	}
	lots, err := h.svc.ListExpiring(c.Request().Context(), days)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, lots)
}

func (h *Handler) ListRecalled(c echo.Context) error {
	lots, err := h.svc.ListRecalled(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, lots)
}

func (h *Handler) PreviewAllocation(c echo.Context) error {
	drugID, err := uuid.Parse(c.QueryParam("drug_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug_id")
	}
	qty, err := strconv.Atoi(c.QueryParam("quantity"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid quantity")
	}
	result, err := h.svc.Allocate(c.Request().Context(), drugID, qty)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// lotError maps ledger errors onto HTTP status codes.
func lotError(err error) error {
	var insufficient *InsufficientStockError
	switch {
	case errors.Is(err, ErrLotNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "lot not found")
	case errors.As(err, &insufficient):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
