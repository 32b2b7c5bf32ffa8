package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/taskpilot/taskpilot/internal/agent/core"
	"github.com/taskpilot/taskpilot/internal/helpers"
	"github.com/taskpilot/taskpilot/internal/store"
)

// PipelineRunner is the slice of the orchestrator the HTTP layer and the
// scheduler consume.
type PipelineRunner interface {
	Run(ctx context.Context, req core.TaskRequest) (core.Trace, error)
}

// GenerateHandler runs the pipeline synchronously for ad-hoc requests.
type GenerateHandler struct {
	Runner PipelineRunner
	Store  *store.Store
	Cache  *store.TaskCache
	Index  *store.SearchIndex
	Logger *log.Logger
}

func (h *GenerateHandler) Register(g *echo.Group) {
	g.POST("/generate", h.generate)
}

func (h *GenerateHandler) generate(c echo.Context) error {
	var req GenerateRequest
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

	treq := core.TaskRequest{
		Query:         req.Query,
		SourceURL:     req.SourceURL,
		DesiredStyle:  req.DesiredStyle,
		DesiredLength: req.DesiredLength,
	}
	result, err := h.Runner.Run(c.Request().Context(), treq)
	if err != nil {
		if errors.Is(err, core.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	persistTrace(c.Request().Context(), h.Logger, h.Store, h.Cache, h.Index, "", treq, result)
	return c.JSON(http.StatusOK, result)
}
