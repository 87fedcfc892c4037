package safety

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxcore/rxcore/internal/platform/auth"
	"github.com/rxcore/rxcore/pkg/pagination"
)

type Handler struct {
	svc       *Service
	evaluator *Evaluator
}

func NewHandler(svc *Service, evaluator *Evaluator) *Handler {
	return &Handler{svc: svc, evaluator: evaluator}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "pharmacist", "physician", "nurse"))
	read.GET("/safety/interaction-rules", h.ListRules)
	read.GET("/safety/interaction-rules/:id", h.GetRule)
	read.POST("/safety/evaluate", h.Evaluate)
	read.GET("/safety/lot-check", h.CheckLot)

	write := api.Group("", auth.RequireRole("admin", "pharmacist"))
	write.POST("/safety/interaction-rules", h.CreateRule)
	write.PUT("/safety/interaction-rules/:id", h.UpdateRule)
	write.DELETE("/safety/interaction-rules/:id", h.DeactivateRule)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var in CreateRuleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule, err := h.svc.CreateRule(c.Request().Context(), in)
	if err != nil {
		if errors.Is(err, ErrDuplicateRule) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, rule)
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rule, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "interaction rule not found")
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	rules, total, err := h.svc.ListRules(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(rules, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in UpdateRuleInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule, err := h.svc.UpdateRule(c.Request().Context(), id, in)
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "interaction rule not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) DeactivateRule(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateRule(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "interaction rule not found")
	}
	return c.NoContent(http.StatusNoContent)
}

type evaluateRequest struct {
	DrugIDs   []uuid.UUID `json:"drug_ids"`
	PatientID uuid.UUID   `json:"patient_id"`
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	eval, err := h.evaluator.Evaluate(c.Request().Context(), req.DrugIDs, req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, eval)
}

func (h *Handler) CheckLot(c echo.Context) error {
	drugID, err := uuid.Parse(c.QueryParam("drug_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid drug_id")
	}
	batch := c.QueryParam("batch_number")
	if batch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "batch_number is required")
	}
	check, err := h.evaluator.CheckLot(c.Request().Context(), drugID, batch)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, check)
}
