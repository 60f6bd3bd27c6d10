package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hbq0405/emby-toolkit-sub001/internal/tasks"
)

// WebhookPayload is the generic media-server webhook envelope.
type WebhookPayload struct {
	Event string       `json:"Event"`
	Item  *WebhookItem `json:"Item,omitempty"`
	User  *WebhookUser `json:"User,omitempty"`
}

// WebhookItem is the item slice of a webhook event.
type WebhookItem struct {
	ID          string            `json:"Id"`
	Type        string            `json:"Type"`
	Name        string            `json:"Name"`
	SeriesID    string            `json:"SeriesId,omitempty"`
	SeriesName  string            `json:"SeriesName,omitempty"`
	ProviderIDs map[string]string `json:"ProviderIds,omitempty"`
}

// WebhookUser is the user slice of a webhook event.
type WebhookUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	var payload WebhookPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
	}

	event := strings.ToLower(payload.Event)
	switch {
	case event == "library.new" || event == "item.add":
		s.handleNewItem(payload.Item)
	case strings.HasPrefix(event, "user."):
		return s.handleUserEvent(c, payload.User)
	default:
		s.logger.Debug().Str("event", payload.Event).Msg("ignoring webhook event")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleNewItem dispatches a new-item event. The work runs off the
// request goroutine so the media server never waits on us.
func (s *Server) handleNewItem(item *WebhookItem) {
	if item == nil {
		return
	}

	switch item.Type {
	case "Episode":
		if item.SeriesID == "" {
			return
		}
		seriesID, episodeIDs := item.SeriesID, []string{item.ID}
		go func() {
			if err := s.syncer.SyncEpisodes(context.Background(), seriesID, episodeIDs); err != nil {
				s.logger.Warn().Err(err).Str("series", seriesID).Msg("episode top-up failed")
			}
		}()
	case "Series":
		tmdbID := item.ProviderIDs["Tmdb"]
		if tmdbID == "" {
			return
		}
		itemID, name := item.ID, item.Name
		go func() {
			if err := s.watchlist.AutoAdd(context.Background(), itemID, tmdbID, name); err != nil {
				s.logger.Warn().Err(err).Str("series", name).Msg("watchlist auto-add failed")
			}
		}()
	}
}

// handleUserEvent drops user-updated events this process caused itself.
func (s *Server) handleUserEvent(c echo.Context, user *WebhookUser) error {
	if user == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if s.markers.ShouldIgnore(user.ID) {
		s.logger.Debug().Str("user", user.ID).Msg("suppressing self-triggered user event")
		return c.NoContent(http.StatusNoContent)
	}
	s.logger.Info().Str("user", user.Name).Msg("user updated externally")
	return c.NoContent(http.StatusNoContent)
}

// StatusResponse is the task status surface.
type StatusResponse struct {
	Task tasks.Status    `json:"task"`
	Jobs []tasks.JobInfo `json:"jobs,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{Task: s.runner.Status()}
	if s.cron != nil {
		resp.Jobs = s.cron.ListJobs()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRunTask(c echo.Context) error {
	key := c.Param("key")
	inv := tasks.Invocation{
		ForceFullUpdate: c.QueryParam("force_full_update") == "true",
		TargetID:        c.QueryParam("target_id"),
	}

	// The task outlives this request; the request context is cancelled as
	// soon as the 202 is written. Stop() is the cancellation path.
	runID, err := s.runner.Submit(context.Background(), key, inv)
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, tasks.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleStopTask(c echo.Context) error {
	s.runner.Stop()
	return c.NoContent(http.StatusNoContent)
}

// ChainRequest overrides the configured chain for one run.
type ChainRequest struct {
	Keys []string `json:"keys,omitempty"`
}

func (s *Server) handleRunChain(c echo.Context) error {
	var req ChainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chain request")
	}
	keys := req.Keys
	if len(keys) == 0 {
		keys = s.chainKeys
	}

	if s.runner.Status().RunningTaskKey != nil {
		return echo.NewHTTPError(http.StatusConflict, tasks.ErrBusy.Error())
	}
	go func() {
		result, err := s.runner.RunChain(context.Background(), keys, s.chainBudget)
		if err != nil {
			s.logger.Warn().Err(err).Msg("task chain rejected")
			return
		}
		s.logger.Info().
			Strs("completed", result.Completed).
			Strs("failed", result.Failed).
			Bool("timedOut", result.TimedOut).
			Bool("cancelled", result.Cancelled).
			Msg("task chain finished")
	}()
	return c.NoContent(http.StatusAccepted)
}
