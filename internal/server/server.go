package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpilot/taskpilot/config"
	"github.com/taskpilot/taskpilot/internal/agent/core"
	"github.com/taskpilot/taskpilot/internal/agent/telemetry"
	"github.com/taskpilot/taskpilot/internal/runtime"
	"github.com/taskpilot/taskpilot/internal/store"
)

// Run wires the full service from configuration and blocks serving HTTP.
// Postgres and Redis are required; missing migrations only log.
func Run(cfg *config.Config) error {
	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	registerDocs(e)

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()

	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		httpLogger.Printf("migrations not applied: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	cache, err := store.NewTaskCache(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}

	idx, err := store.NewSearchIndex()
	if err != nil {
		return err
	}
	if docs, err := st.SearchSeed(ctx, 0); err != nil {
		httpLogger.Printf("loading search seed: %v", err)
	} else if err := idx.Seed(docs); err != nil {
		httpLogger.Printf("seeding search index: %v", err)
	}

	tracing, err := runtime.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()
	orch, err := core.NewOrchestrator(cfg, log.New(log.Writer(), "[ORCH] ", log.LstdFlags), tele)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	(&AuthHandler{Store: st, Secret: secret}).Register(api.Group("/auth"))
	(&GenerateHandler{Runner: orch, Store: st, Cache: cache, Index: idx, Logger: httpLogger}).Register(api)
	(&TasksHandler{Store: st, Cache: cache, Index: idx}).Register(api.Group("/tasks"), secret)
	(&SchedulesHandler{Store: st}).Register(api.Group("/schedules"), secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:   st,
			Cache:   cache,
			Index:   idx,
			Orch:    orch,
			Logger:  log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Tick:    cfg.Scheduler.Tick,
			LockTTL: cfg.Scheduler.LockTTL,
			Stop:    make(chan struct{}),
		}
		sched.Start()
		defer close(sched.Stop)
	}

	addr := cfg.General.Listen
	if addr == "" {
		addr = ":8080"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	httpLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
