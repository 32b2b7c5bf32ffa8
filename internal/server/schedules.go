package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/taskpilot/taskpilot/internal/helpers"
	"github.com/taskpilot/taskpilot/internal/runtime"
	"github.com/taskpilot/taskpilot/internal/store"
)

// SchedulesHandler owns recurring task definitions.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.remove)
}

func (h *SchedulesHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query must not be empty")
	}
	if raw := strings.TrimSpace(req.SourceURL); raw != "" {
		canonical, err := helpers.CanonicalURL(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid source_url")
		}
		req.SourceURL = canonical
	} else {
		req.SourceURL = ""
	}
	if req.CronSpec == "" {
		req.CronSpec = "@daily"
	}
	rec, err := h.Store.CreateSchedule(c.Request().Context(), store.ScheduleRecord{
		UserID:    userID,
		Query:     req.Query,
		SourceURL: req.SourceURL,
		CronSpec:  req.CronSpec,
		Style:     req.DesiredStyle,
		Length:    req.DesiredLength,
		Enabled:   true,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	items, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []store.ScheduleRecord{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *SchedulesHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
