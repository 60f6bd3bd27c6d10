// Package quota manages the shared daily subscription quota.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
)

const settingKey = "subscription_daily_quota"

// ErrExhausted is returned when the daily quota has reached zero.
var ErrExhausted = errors.New("daily subscription quota exhausted")

type state struct {
	Remaining int    `json:"remaining"`
	Date      string `json:"date"` // YYYY-MM-DD, UTC
}

// Service tracks one shared daily counter persisted in app_settings.
// The counter resets to the configured daily limit on date rollover.
type Service struct {
	store      *settings.Store
	dailyLimit int
	logger     zerolog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewService creates a quota service with the configured daily limit.
func NewService(store *settings.Store, dailyLimit int, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		dailyLimit: dailyLimit,
		logger:     logger.With().Str("component", "quota").Logger(),
		now:        time.Now,
	}
}

// Remaining returns the current remaining quota, resetting on date change.
func (s *Service) Remaining(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	return st.Remaining, nil
}

// Consume decrements the quota by one. Returns ErrExhausted when the
// counter is already zero; callers must check Remaining before batching.
func (s *Service) Consume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load(ctx)
	if err != nil {
		return err
	}
	if st.Remaining <= 0 {
		return ErrExhausted
	}

	st.Remaining--
	if err := s.store.Set(ctx, settingKey, st); err != nil {
		return err
	}

	s.logger.Debug().Int("remaining", st.Remaining).Msg("quota consumed")
	return nil
}

// load reads the persisted counter and applies the daily reset.
// Caller must hold s.mu.
func (s *Service) load(ctx context.Context) (*state, error) {
	today := s.now().UTC().Format("2006-01-02")

	st := &state{}
	err := s.store.Get(ctx, settingKey, st)
	if err != nil && !errors.Is(err, settings.ErrNotFound) {
		return nil, err
	}

	if errors.Is(err, settings.ErrNotFound) || st.Date != today {
		st.Remaining = s.dailyLimit
		st.Date = today
		if err := s.store.Set(ctx, settingKey, st); err != nil {
			return nil, err
		}
		s.logger.Info().Str("date", today).Int("quota", st.Remaining).Msg("daily quota reset")
	}

	return st, nil
}
