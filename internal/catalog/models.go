// Package catalog is the local relational mirror of the media library.
package catalog

import "time"

// ItemType discriminates the media_metadata variants.
type ItemType string

const (
	ItemTypeMovie   ItemType = "Movie"
	ItemTypeSeries  ItemType = "Series"
	ItemTypeSeason  ItemType = "Season"
	ItemTypeEpisode ItemType = "Episode"
)

// SubscriptionStatus is the denormalized subscription state of an item.
type SubscriptionStatus string

const (
	SubscriptionNone           SubscriptionStatus = "NONE"
	SubscriptionWanted         SubscriptionStatus = "WANTED"
	SubscriptionPendingRelease SubscriptionStatus = "PENDING_RELEASE"
	SubscriptionSubscribed     SubscriptionStatus = "SUBSCRIBED"
	SubscriptionIgnored        SubscriptionStatus = "IGNORED"
)

// Key identifies one catalog row.
type Key struct {
	TmdbID   string
	ItemType ItemType
}

// MediaItem is one media_metadata row.
type MediaItem struct {
	ID                  int64
	TmdbID              string
	ItemType            ItemType
	Title               string
	OriginalTitle       string
	ReleaseYear         *int
	ReleaseDate         *string // YYYY-MM-DD
	Rating              *float64
	OfficialRating      *string
	UnifiedRating       *string
	Overview            string
	PosterPath          *string
	OriginalLanguage    *string
	Genres              []string
	Directors           []string
	Studios             []string
	Countries           []string
	Keywords            []string
	InLibrary           bool
	EmbyItemIDs         []string
	EmbyChildren        []ChildDetail
	AssetDetails        []AssetDetail
	SubscriptionStatus  SubscriptionStatus
	SubscriptionSources []string
	ParentSeriesTmdbID  *string
	SeasonNumber        *int
	EpisodeNumber       *int
	IgnoreReason        *string
	LastSyncedAt        *time.Time
}

// ChildDetail is one entry of a series' flattened children list.
type ChildDetail struct {
	ID            string `json:"Id"`
	Type          string `json:"Type"`
	Name          string `json:"Name"`
	SeasonNumber  int    `json:"SeasonNumber"`
	EpisodeNumber *int   `json:"EpisodeNumber,omitempty"`
	Overview      string `json:"Overview,omitempty"`
}

// AssetDetail describes one physical file version of an item.
type AssetDetail struct {
	EmbyItemID        string   `json:"emby_item_id"`
	Path              string   `json:"path"`
	Container         string   `json:"container"`
	SizeBytes         int64    `json:"size_bytes"`
	VideoCodec        string   `json:"video_codec"`
	BitDepth          int      `json:"bit_depth"`
	FrameRate         float64  `json:"frame_rate"`
	Resolution        string   `json:"resolution"`  // 4k, 1080p, 720p, 480p
	QualityTag        string   `json:"quality_tag"` // Remux, BluRay, WEB-DL, WEBrip, HDTV, DVDrip
	HDRTag            string   `json:"hdr_tag"`     // dovi_p5, dovi_p7, dovi_p8, dovi_other, hdr10+, hdr, sdr
	AudioLanguages    []string `json:"audio_languages"`
	SubtitleLanguages []string `json:"subtitle_languages"`
	ReleaseGroup      string   `json:"release_group,omitempty"`
}
