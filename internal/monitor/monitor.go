// Package monitor exposes an optional, read-only HTTP status endpoint:
// current peer count, datagram/byte counters, and per-member state. It
// has no control-plane effect.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"lanvoice/internal/session"
)

// Source supplies the data the monitor's routes render.
type Source interface {
	FanoutStats() (in, out, bytesIn, dropped uint64)
	Snapshot() []session.Member
}

// Server is the read-only monitor HTTP server.
type Server struct {
	echo   *echo.Echo
	source Source
}

// New constructs a Server backed by source and registers its routes.
func New(source Source) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, source: source}
	e.GET("/health", s.handleHealth)
	e.GET("/api/session", s.handleSession)
	e.GET("/api/metrics", s.handleMetrics)
	return s
}

// healthResponse is the payload for GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Members int    `json:"members"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Members: len(s.source.Snapshot()),
	})
}

// memberView is the JSON shape for one member in GET /api/session.
type memberView struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Talking     bool   `json:"talking"`
	Muted       bool   `json:"muted"`
	AudioActive bool   `json:"audio_active"`
}

// sessionResponse is the payload for GET /api/session.
type sessionResponse struct {
	Members []memberView `json:"members"`
}

func (s *Server) handleSession(c echo.Context) error {
	members := s.source.Snapshot()
	out := make([]memberView, 0, len(members))
	for _, m := range members {
		out = append(out, memberView{
			ID: m.ID, Name: m.Name, State: m.State.String(),
			Talking: m.Talking, Muted: m.Muted, AudioActive: m.AudioActive,
		})
	}
	return c.JSON(http.StatusOK, sessionResponse{Members: out})
}

// metricsResponse is the payload for GET /api/metrics.
type metricsResponse struct {
	DatagramsIn  uint64 `json:"datagrams_in"`
	DatagramsOut uint64 `json:"datagrams_out"`
	BytesIn      uint64 `json:"bytes_in"`
	Dropped      uint64 `json:"dropped"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	in, out, bytesIn, dropped := s.source.FanoutStats()
	return c.JSON(http.StatusOK, metricsResponse{
		DatagramsIn: in, DatagramsOut: out, BytesIn: bytesIn, Dropped: dropped,
	})
}

// Run starts the monitor HTTP server on addr and blocks until ctx is
// canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
