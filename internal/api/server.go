package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pflynn02/streamlabsdesktop/internal/detect"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/export"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/upload"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port         int
	Ledger       *highlighter.Ledger
	Loader       *highlighter.Loader
	Repository   highlighter.Repository
	Orchestrator *detect.Orchestrator
	Exporter     *export.Pipeline
	Uploads      *upload.Manager
	Bus          *events.Bus
	Logger       *slog.Logger
	StartTime    time.Time
	DeviceID     string
	Version      string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
