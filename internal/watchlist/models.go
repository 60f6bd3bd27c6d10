// Package watchlist tracks airing series against the local inventory.
package watchlist

import (
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

// Status is the per-series tracking state.
type Status string

const (
	StatusWatching  Status = "Watching"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
)

// MissingSeason is a season entirely absent from the library.
type MissingSeason struct {
	SeasonNumber int    `json:"season_number"`
	EpisodeCount int    `json:"episode_count"`
	AirDate      string `json:"air_date,omitempty"`
}

// MissingEpisode is a single absent episode of a partially-present season.
type MissingEpisode struct {
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
	Name          string `json:"name,omitempty"`
	AirDate       string `json:"air_date,omitempty"`
}

// MissingInfo is what the library lacks relative to the upstream catalog.
type MissingInfo struct {
	MissingSeasons  []MissingSeason  `json:"missing_seasons"`
	MissingEpisodes []MissingEpisode `json:"missing_episodes"`
}

// IsEmpty reports whether nothing is missing.
func (m *MissingInfo) IsEmpty() bool {
	return m == nil || (len(m.MissingSeasons) == 0 && len(m.MissingEpisodes) == 0)
}

// Entry is one watchlist row. ItemID is the series' media server id.
type Entry struct {
	ItemID           string
	TmdbID           string
	ItemName         string
	ItemType         string
	Status           Status
	PausedUntil      *time.Time
	TmdbStatus       string
	NextEpisodeToAir *tmdb.EpisodeStub
	LastEpisodeToAir *tmdb.EpisodeStub
	MissingInfo      *MissingInfo
	IsAiring         bool
	ForceEnded       bool
	// ResubscribeInfo maps season number to the last resubscribe attempt,
	// stored as RFC3339 UTC.
	ResubscribeInfo map[int]time.Time
	LastCheckedAt   *time.Time
}
