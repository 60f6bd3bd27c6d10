// Package collection builds list-driven and filter-driven collections and
// keeps them reconciled with the media server.
package collection

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection types.
const (
	TypeList   = "list"
	TypeFilter = "filter"
)

// Health statuses.
const (
	HealthOK         = "ok"
	HealthHasMissing = "has_missing"
)

// Item statuses inside generated_media_info_json.
const (
	ItemInLibrary         = "in_library"
	ItemMissingReleased   = "missing_released"
	ItemMissingUnreleased = "missing_unreleased"
)

// Collection is one custom_collections row.
type Collection struct {
	ID                 int64
	Name               string
	Type               string
	Definition         json.RawMessage
	Enabled            bool
	EmbyCollectionID   *string
	ItemType           string
	LastSyncedAt       *time.Time
	InLibraryCount     int
	MissingCount       int
	HealthStatus       string
	GeneratedMediaInfo []GeneratedItem
}

// GeneratedItem is one entry of the persisted build result.
type GeneratedItem struct {
	TmdbID      string `json:"tmdb_id"`
	ItemType    string `json:"item_type"`
	Season      *int   `json:"season,omitempty"`
	Title       string `json:"title"`
	EmbyID      string `json:"emby_item_id,omitempty"`
	Status      string `json:"status"`
	ReleaseDate string `json:"release_date,omitempty"`
	PosterPath  string `json:"poster_path,omitempty"`
}

// CorrectionTarget is one corrections entry: either a bare replacement
// tmdb id or an id plus season.
type CorrectionTarget struct {
	TmdbID string `json:"tmdb_id"`
	Season *int   `json:"season,omitempty"`
}

// UnmarshalJSON accepts both the string and the object form.
func (c *CorrectionTarget) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		c.TmdbID = id
		c.Season = nil
		return nil
	}
	type plain CorrectionTarget
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid correction target: %w", err)
	}
	*c = CorrectionTarget(obj)
	return nil
}

// ListDefinition is the definition_json of a list-type collection.
type ListDefinition struct {
	URL         string                      `json:"url"`
	Limit       int                         `json:"limit,omitempty"`
	Corrections map[string]CorrectionTarget `json:"corrections,omitempty"`
	// Items is set for manual lists instead of a URL.
	Items []ImportedItem `json:"items,omitempty"`
}

// FilterDefinition is the definition_json of a filter-type collection.
type FilterDefinition struct {
	Rules FilterNode `json:"rules"`
}

// ImportedItem is one entry returned by a list importer, in source order.
type ImportedItem struct {
	TmdbID      string `json:"tmdb_id"`
	MediaType   string `json:"media_type"` // Movie or Series
	Season      *int   `json:"season,omitempty"`
	Title       string `json:"title"`
	ReleaseDate string `json:"release_date,omitempty"`
	PosterPath  string `json:"poster_path,omitempty"`
}

// UserCache is one user_collection_cache row.
type UserCache struct {
	UserID         string
	CollectionID   int64
	VisibleEmbyIDs []string
	TotalCount     int
	LastUpdatedAt  time.Time
}
