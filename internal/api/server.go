// Package api exposes the scanner over HTTP: scan submission, history,
// live status polling, and report downloads.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/logger"
)

// scanSubmissionRate bounds how fast one client may start scans.
const (
	scanSubmissionRate  = 10.0
	scanSubmissionBurst = 10
)

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	log    *logger.Logger
}

func NewServer(cfg config.ServerConfig, handlers *Handlers, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware(log.WithComponent("http")))
	engine.Use(CORSMiddleware())

	handlers.Register(engine, ScanRateLimitMiddleware(scanSubmissionRate, scanSubmissionBurst))

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      engine,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: log.WithComponent("server"),
	}
}

// Engine exposes the router, mainly for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Infow("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Infow("Shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}
