// Package http is the fiber transport: job control, site config CRUD,
// listings queries, previews, exports, enrichment, and the SSE
// progress stream.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"morada/internal/config"
	"morada/internal/extract"
	"morada/internal/mappings"
	"morada/internal/metrics"
	"morada/internal/normalize"
	"morada/internal/store"
)

type Server struct {
	app    *fiber.App
	config *config.Config
	store  *store.Store
	logger *slog.Logger
}

// Deps carries everything the handlers pull out of request locals.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Cache     *mappings.Cache
	Extractor *extract.Extractor
	Registry  *normalize.Registry
	Logger    *slog.Logger
	Redis     *redis.Client
}

func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		ErrorHandler: fiberErrorHandler,
	})

	// Inject dependencies into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", deps.Config)
		c.Locals("store", deps.Store)
		c.Locals("cache", deps.Cache)
		c.Locals("extractor", deps.Extractor)
		c.Locals("registry", deps.Registry)
		return c.Next()
	})

	// Request logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		traceID := c.Get("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Locals("trace_id", traceID)
		c.Set("X-Trace-Id", traceID)
		if deps.Logger != nil {
			c.Locals("logger", deps.Logger)
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if deps.Logger != nil {
			deps.Logger.Info("request",
				"trace_id", traceID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}

		return err
	})

	if deps.Config.CORS.AllowOrigins != "" {
		app.Use(cors.New(cors.Config{AllowOrigins: deps.Config.CORS.AllowOrigins}))
	}

	// Health endpoints
	app.Get("/healthz", func(c *fiber.Ctx) error {
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := deps.Store.DB().PingContext(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
		}
		return c.JSON(fiber.Map{"status": status, "db": dbStatus, "redis": redisStatus})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	authMw := apiKeyMiddleware(deps.Config)
	var enrichRateMw fiber.Handler
	if deps.Redis != nil {
		enrichRateMw = rateLimitMiddleware(deps.Config, deps.Redis)
	} else {
		enrichRateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/v1", authMw)
	registerV1Routes(v1, enrichRateMw)

	return &Server{
		app:    app,
		config: deps.Config,
		store:  deps.Store,
		logger: deps.Logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

func registerV1Routes(group fiber.Router, enrichRateMw fiber.Handler) {
	group.Post("/sites", createSiteHandler)
	group.Get("/sites", listSitesHandler)
	group.Get("/sites/:id", getSiteHandler)
	group.Put("/sites/:id", updateSiteHandler)
	group.Post("/sites/:id/deactivate", deactivateSiteHandler)
	group.Post("/sites/:id/reactivate", reactivateSiteHandler)
	group.Delete("/sites/:id", deleteSiteHandler)

	group.Post("/jobs", createJobHandler)
	group.Get("/jobs", listJobsHandler)
	group.Get("/jobs/:id", getJobHandler)
	group.Get("/jobs/:id/stream", streamJobHandler)
	group.Post("/jobs/:id/cancel", cancelJobHandler)
	group.Delete("/jobs/:id", deleteJobHandler)

	group.Post("/preview/links", previewLinksHandler)
	group.Post("/preview/listing", previewListingHandler)

	group.Get("/listings", listListingsHandler)
	group.Post("/listings", createListingHandler)
	group.Get("/listings/search", searchListingsHandler)
	group.Get("/listings/stats", listingStatsHandler)
	group.Get("/listings/duplicates", listingDuplicatesHandler)
	group.Get("/listings/export", exportListingsHandler)
	group.Get("/listings/:id", getListingHandler)
	group.Patch("/listings/:id", patchListingHandler)
	group.Get("/listings/:id/history", listingHistoryHandler)
	group.Delete("/listings/:id", deleteListingHandler)
	group.Post("/listings/:id/enrich", enrichRateMw, enrichListingHandler)
}
