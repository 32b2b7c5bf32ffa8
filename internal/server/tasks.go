package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/taskpilot/taskpilot/internal/runtime"
	"github.com/taskpilot/taskpilot/internal/store"
)

// TasksHandler serves stored pipeline results.
type TasksHandler struct {
	Store *store.Store
	Cache *store.TaskCache
	Index *store.SearchIndex
}

func (h *TasksHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.list)
	g.GET("/search", h.search)
	g.GET("/:id", h.get)
}

func (h *TasksHandler) list(c echo.Context) error {
	ctx := c.Request().Context()
	limit := queryLimit(c, 20)
	if recs, err := h.recentFromCache(ctx, limit); err == nil {
		return c.JSON(http.StatusOK, recs)
	}
	recs, err := h.Store.ListRecentTasks(ctx, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if recs == nil {
		recs = []store.TaskRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

// recentFromCache serves the list entirely from Redis. Any miss falls back
// to Postgres, which stays the source of truth.
func (h *TasksHandler) recentFromCache(ctx context.Context, limit int) ([]store.TaskRecord, error) {
	ids, err := h.Cache.RecentTaskIDs(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	recs := make([]store.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := h.Cache.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (h *TasksHandler) get(c echo.Context) error {
	rec, steps, err := h.Store.GetTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if steps == nil {
		steps = []store.StepRecord{}
	}
	return c.JSON(http.StatusOK, TaskDetailResponse{Task: rec, Steps: steps})
}

func (h *TasksHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := h.Index.Search(q, queryLimit(c, 10))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, hits)
}

// queryLimit parses the optional ?limit= parameter.
func queryLimit(c echo.Context, def int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
