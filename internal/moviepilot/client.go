// Package moviepilot is the downloader client.
package moviepilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/config"
)

var (
	ErrNotConfigured = errors.New("moviepilot is not configured")
	ErrLoginFailed   = errors.New("moviepilot login failed")
	ErrAPIError      = errors.New("moviepilot API error")
)

// Media types on the MoviePilot subscribe API.
const (
	MediaTypeMovie  = "电影"
	MediaTypeSeries = "电视剧"
)

// SubscribeRequest is the subscribe payload.
type SubscribeRequest struct {
	Name        string `json:"name"`
	TmdbID      int    `json:"tmdbid"`
	Type        string `json:"type"`
	Season      int    `json:"season,omitempty"`
	BestVersion int    `json:"best_version,omitempty"`
}

// Client is a MoviePilot API client with bearer-token login.
type Client struct {
	cfg        config.MoviePilotConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a new MoviePilot client.
func NewClient(cfg config.MoviePilotConfig, logger zerolog.Logger) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "moviepilot").Logger(),
	}
}

// IsConfigured reports whether connection settings are present.
func (c *Client) IsConfigured() bool {
	return c.cfg.BaseURL != "" && c.cfg.Username != ""
}

// Subscribe submits one subscription. Success is any 2xx status. A 401
// refreshes the token once and retries.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	status, err := c.postSubscribe(ctx, req)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.invalidateToken()
		status, err = c.postSubscribe(ctx, req)
		if err != nil {
			return err
		}
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		c.logger.Info().Str("name", req.Name).Int("tmdbid", req.TmdbID).
			Int("season", req.Season).Int("bestVersion", req.BestVersion).
			Msg("subscription submitted")
		return nil
	default:
		return fmt.Errorf("%w: subscribe returned status %d", ErrAPIError, status)
	}
}

func (c *Client) postSubscribe(ctx context.Context, sub SubscribeRequest) (int, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(sub)
	if err != nil {
		return 0, fmt.Errorf("failed to encode subscribe payload: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/subscribe/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("moviepilot request failed: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// getToken returns the cached bearer token, logging in when absent.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/login/access-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("moviepilot login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if body.AccessToken == "" {
		return "", ErrLoginFailed
	}

	c.token = body.AccessToken
	c.logger.Debug().Msg("logged in to moviepilot")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
