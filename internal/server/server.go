// Package server is the thin HTTP adapter: webhook intake from the
// media server and a task status surface. All real work happens in the
// task runner and the domain services.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tasks"
)

// WatchlistService is the slice of the watchlist engine webhooks use.
type WatchlistService interface {
	AutoAdd(ctx context.Context, itemID, tmdbID, name string) error
}

// LibrarySyncer is the slice of the media sync service webhooks use.
type LibrarySyncer interface {
	SyncEpisodes(ctx context.Context, seriesEmbyID string, episodeIDs []string) error
}

// Server handles HTTP requests.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger

	runner    *tasks.Runner
	cron      *tasks.Cron
	markers   *emby.SelfUpdateMarkers
	watchlist WatchlistService
	syncer    LibrarySyncer

	chainKeys   []string
	chainBudget time.Duration
}

// NewServer creates the HTTP adapter.
func NewServer(runner *tasks.Runner, cron *tasks.Cron, markers *emby.SelfUpdateMarkers,
	watchlist WatchlistService, syncer LibrarySyncer,
	chainKeys []string, chainBudget time.Duration, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		logger:      logger.With().Str("component", "server").Logger(),
		runner:      runner,
		cron:        cron,
		markers:     markers,
		watchlist:   watchlist,
		syncer:      syncer,
		chainKeys:   chainKeys,
		chainBudget: chainBudget,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.BodyLimit("2M"))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Err(v.Error).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("request")
			}
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.POST("/webhook", s.handleWebhook)

	s.echo.GET("/api/status", s.handleStatus)
	s.echo.POST("/api/tasks/:key/run", s.handleRunTask)
	s.echo.POST("/api/tasks/stop", s.handleStopTask)
	s.echo.POST("/api/tasks/chain", s.handleRunChain)
}

// Start begins serving on addr and blocks.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
