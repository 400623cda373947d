// Package status serves read-only progress for a running encode over HTTP.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/Gertie01/dalle-mini/internal/logger"
	"github.com/Gertie01/dalle-mini/internal/pipeline"
)

type Server struct {
	progress     *pipeline.Progress
	stallTimeout time.Duration
	clock        func() time.Time
}

// NewServer reports on progress. A run counts as stalled once it has gone
// stallTimeout without completing a batch; zero disables the check.
func NewServer(progress *pipeline.Progress, stallTimeout time.Duration) *Server {
	return &Server{
		progress:     progress,
		stallTimeout: stallTimeout,
		clock:        time.Now,
	}
}

type progressResponse struct {
	pipeline.Snapshot
	Stalled bool `json:"stalled"`
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/progress", s.handleProgress)
}

func (s *Server) handleHealth(c *echo.Context) error {
	if s.progress.Stalled(s.clock(), s.stallTimeout) {
		return c.String(http.StatusServiceUnavailable, "stalled")
	}
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleProgress(c *echo.Context) error {
	now := s.clock()
	return c.JSON(http.StatusOK, progressResponse{
		Snapshot: s.progress.Snapshot(now),
		Stalled:  s.progress.Stalled(now, s.stallTimeout),
	})
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, srv *Server, log logger.Logger) error {
	e := echo.New()
	e.Use(middleware.Recover())
	srv.Register(e)
	log.Info("starting status server", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(s *http.Server) error {
			s.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, e)
}
