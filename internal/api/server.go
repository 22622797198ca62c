// Package api provides the HTTP edge of the RouteCodex gateway. It exposes
// the OpenAI- and Anthropic-compatible endpoints, authenticates clients,
// classifies each request onto a route, schedules a pipeline and either
// returns JSON or hands the response off to the SSE bridge.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/logging"
	"github.com/Jasonzhangf/routecodex-sub002/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub002/internal/router"
)

// Server represents the gateway's HTTP server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// cfg holds the current server configuration.
	cfg *config.Config

	// classifier maps request bodies to route names.
	classifier *router.Classifier

	// pool schedules pipelines within the selected route.
	pool *router.Pool

	// manager owns the pipelines the pool picks from.
	manager *pipeline.Manager
}

// NewServer creates and initializes a new API server instance.
// It sets up the Gin engine, middleware, routes, and handlers.
//
// Parameters:
//   - cfg: The server configuration
//   - manager: The pipeline manager
//   - pool: The route pool scheduler
//
// Returns:
//   - *Server: A new server instance
func NewServer(cfg *config.Config, manager *pipeline.Manager, pool *router.Pool) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(RequestIDMiddleware())

	s := &Server{
		engine:     engine,
		cfg:        cfg,
		classifier: router.NewClassifier(cfg.Classification),
		pool:       pool,
		manager:    manager,
	}
	s.setupRoutes()

	host := cfg.Host
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes configures the API routes for the server.
func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.cfg.APIKeys, s.cfg.AllowLocalhostUnauthenticated))
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.POST("/completions", s.Completions)
		v1.POST("/messages", s.Messages)
		v1.GET("/models", s.Models)
		v1.GET("/models/:model", s.Model)

		// Remaining OpenAI surfaces are declared but not implemented.
		for _, path := range []string{
			"/embeddings",
			"/moderations",
			"/images/generations",
			"/audio/speech",
			"/audio/transcriptions",
			"/audio/translations",
			"/files",
			"/fine_tuning/jobs",
			"/batches",
			"/assistants",
		} {
			v1.POST(path, s.NotImplemented)
			v1.GET(path, s.NotImplemented)
		}
	}
}

// NotImplemented answers the declared-but-unsupported OpenAI surfaces.
func (s *Server) NotImplemented(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": gin.H{
			"message": "this endpoint is not implemented by the gateway",
			"type":    "not_implemented",
			"code":    "not_implemented",
			"param":   nil,
		},
	})
}

// UpdateConfig swaps the classification rules and provider inventory after
// a configuration reload. In-flight requests keep the handlers they started
// with.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg = cfg
	s.classifier = router.NewClassifier(cfg.Classification)
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
