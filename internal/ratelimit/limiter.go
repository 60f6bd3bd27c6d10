// Package ratelimit paces outbound calls to external providers.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
)

// ErrDailyCapExceeded is returned when an endpoint's daily call cap is spent.
var ErrDailyCapExceeded = errors.New("daily request cap exceeded")

// EndpointConfig defines pacing rules for one provider endpoint.
type EndpointConfig struct {
	// MinInterval is the minimum spacing between consecutive requests.
	MinInterval time.Duration
	// DailyCap is the maximum number of requests per UTC day. 0 means uncapped.
	DailyCap int
}

type endpointState struct {
	lastRequest time.Time
	count       int
	date        string
}

type persistedCount struct {
	Count int    `json:"count"`
	Date  string `json:"date"`
}

// Limiter enforces per-endpoint request spacing and daily caps. Daily
// counters are persisted so restarts do not reset them.
type Limiter struct {
	store   *settings.Store
	configs map[string]EndpointConfig
	logger  zerolog.Logger

	mu    sync.Mutex
	state map[string]*endpointState
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter with per-endpoint configuration.
func NewLimiter(store *settings.Store, configs map[string]EndpointConfig, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:   store,
		configs: configs,
		logger:  logger.With().Str("component", "rate-limiter").Logger(),
		state:   make(map[string]*endpointState),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Wait blocks until the endpoint may be called again, then records the
// call. Returns ErrDailyCapExceeded without sleeping when the cap is spent.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	l.mu.Lock()

	cfg, ok := l.configs[endpoint]
	if !ok {
		l.mu.Unlock()
		return nil
	}

	st := l.getState(ctx, endpoint)

	today := l.now().UTC().Format("2006-01-02")
	if st.date != today {
		st.count = 0
		st.date = today
	}

	if cfg.DailyCap > 0 && st.count >= cfg.DailyCap {
		l.mu.Unlock()
		l.logger.Warn().Str("endpoint", endpoint).Int("cap", cfg.DailyCap).Msg("daily cap reached")
		return fmt.Errorf("endpoint %s: %w", endpoint, ErrDailyCapExceeded)
	}

	var wait time.Duration
	if !st.lastRequest.IsZero() {
		elapsed := l.now().Sub(st.lastRequest)
		if elapsed < cfg.MinInterval {
			wait = cfg.MinInterval - elapsed
		}
	}

	st.lastRequest = l.now().Add(wait)
	st.count++
	l.persist(ctx, endpoint, st)
	l.mu.Unlock()

	if wait > 0 {
		l.logger.Debug().Str("endpoint", endpoint).Dur("wait", wait).Msg("pacing request")
		return l.sleep(ctx, wait)
	}
	return nil
}

// getState loads the endpoint state, restoring a persisted daily counter
// on first use. Caller must hold l.mu.
func (l *Limiter) getState(ctx context.Context, endpoint string) *endpointState {
	if st, ok := l.state[endpoint]; ok {
		return st
	}

	st := &endpointState{}
	var pc persistedCount
	if err := l.store.Get(ctx, countKey(endpoint), &pc); err == nil {
		st.count = pc.Count
		st.date = pc.Date
	}
	l.state[endpoint] = st
	return st
}

// persist stores the daily counter. Failures are logged only; pacing is
// best-effort across restarts.
func (l *Limiter) persist(ctx context.Context, endpoint string, st *endpointState) {
	err := l.store.Set(ctx, countKey(endpoint), persistedCount{Count: st.count, Date: st.date})
	if err != nil {
		l.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("failed to persist request count")
	}
}

func countKey(endpoint string) string {
	return "ratelimit_" + endpoint
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
