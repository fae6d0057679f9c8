// Package server assembles the gin engine and runs the HTTP front end.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	"catiecli-go/internal/handlers/gemini"
	"catiecli-go/internal/handlers/openai"
	"catiecli-go/internal/handlers/ops"
	"catiecli-go/internal/middleware"
	"catiecli-go/internal/monitoring"
)

const shutdownTimeout = 10 * time.Second

// Deps are the wired components the router exposes.
type Deps struct {
	Users   middleware.UserSource
	OpenAI  *openai.Handler
	Gemini  *gemini.Handler
	Ops     *ops.Handler
	Metrics *monitoring.Metrics
}

// Server owns the engine and its listener lifecycle.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
}

// New builds the router. The OpenAI and Gemini API groups sit behind API-key
// auth; health, public stats and metrics are open.
func New(cfg *config.Config, deps Deps) *Server {
	if cfg.Security.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.CORS(),
		middleware.RequestLogger(),
		middleware.RateLimit(cfg.Security),
	)

	r.GET("/api/health", deps.Ops.Health)
	r.GET("/api/public/stats", deps.Ops.PublicStats)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	r.Static("/images", cfg.Images.Dir)

	auth := middleware.Auth(deps.Users)

	v1 := r.Group("/v1", auth)
	v1.POST("/chat/completions", deps.OpenAI.ChatCompletions)
	v1.GET("/models", deps.OpenAI.Models)

	v1beta := r.Group("/v1beta", auth)
	v1beta.POST("/models/:modelAction", deps.Gemini.Generate)
	v1beta.GET("/models", deps.Gemini.ListModels)

	// websocket clients pass the key via ?key= since browsers cannot set
	// Authorization on the upgrade request
	r.GET("/ws/logs", auth, deps.Ops.LogsFeed)

	return &Server{cfg: cfg, engine: r}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
