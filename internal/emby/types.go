package emby

// Item is an Emby BaseItemDto reduced to the fields this system reads.
type Item struct {
	ID                string            `json:"Id"`
	Name              string            `json:"Name"`
	OriginalTitle     string            `json:"OriginalTitle,omitempty"`
	Type              string            `json:"Type"` // Movie, Series, Season, Episode
	ParentID          string            `json:"ParentId,omitempty"`
	SeriesID          string            `json:"SeriesId,omitempty"`
	SeasonID          string            `json:"SeasonId,omitempty"`
	ParentIndexNumber *int              `json:"ParentIndexNumber,omitempty"` // season number for episodes
	IndexNumber       *int              `json:"IndexNumber,omitempty"`       // episode number / season number
	ProviderIDs       map[string]string `json:"ProviderIds,omitempty"`
	ProductionYear    int               `json:"ProductionYear,omitempty"`
	PremiereDate      string            `json:"PremiereDate,omitempty"`
	CommunityRating   float64           `json:"CommunityRating,omitempty"`
	OfficialRating    string            `json:"OfficialRating,omitempty"`
	Overview          string            `json:"Overview,omitempty"`
	Genres            []string          `json:"Genres,omitempty"`
	Path              string            `json:"Path,omitempty"`
	Container         string            `json:"Container,omitempty"`
	Size              int64             `json:"Size,omitempty"`
	MediaStreams      []MediaStream     `json:"MediaStreams,omitempty"`
	Studios           []NamedRef        `json:"Studios,omitempty"`
	People            []Person          `json:"People,omitempty"`
}

// NamedRef is a name/id pair used by Studios and similar lists.
type NamedRef struct {
	Name string `json:"Name"`
	ID   string `json:"Id,omitempty"`
}

// Person is a cast or crew entry.
type Person struct {
	Name string `json:"Name"`
	Role string `json:"Role,omitempty"`
	Type string `json:"Type"` // Actor, Director, ...
}

// MediaStream describes one stream of a media source.
type MediaStream struct {
	Type             string  `json:"Type"` // Video, Audio, Subtitle
	Codec            string  `json:"Codec,omitempty"`
	Language         string  `json:"Language,omitempty"`
	DisplayTitle     string  `json:"DisplayTitle,omitempty"`
	BitDepth         int     `json:"BitDepth,omitempty"`
	Width            int     `json:"Width,omitempty"`
	Height           int     `json:"Height,omitempty"`
	RealFrameRate    float64 `json:"RealFrameRate,omitempty"`
	VideoRange       string  `json:"VideoRange,omitempty"`     // SDR, HDR
	VideoRangeType   string  `json:"VideoRangeType,omitempty"` // HDR10, HDR10Plus, DOVI, ...
	DvProfile        int     `json:"DvProfile,omitempty"`
	ColorTransfer    string  `json:"ColorTransfer,omitempty"`
	ColorPrimaries   string  `json:"ColorPrimaries,omitempty"`
	ChannelLayout    string  `json:"ChannelLayout,omitempty"`
	IsDefault        bool    `json:"IsDefault,omitempty"`
	IsForced         bool    `json:"IsForced,omitempty"`
	IsExternal       bool    `json:"IsExternal,omitempty"`
	Index            int     `json:"Index"`
}

// User is an Emby user with the policy bits this system reads.
type User struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Policy Policy `json:"Policy"`
}

// Policy is the subset of a user policy this system inspects or writes.
type Policy struct {
	IsAdministrator               bool     `json:"IsAdministrator"`
	IsDisabled                    bool     `json:"IsDisabled"`
	EnableAllFolders              bool     `json:"EnableAllFolders"`
	EnabledFolders                []string `json:"EnabledFolders,omitempty"`
	AllowUnrestrictedSubscription bool     `json:"AllowUnrestrictedSubscription,omitempty"`
}

// ItemUpdate carries the writable fields of an item details update.
type ItemUpdate struct {
	Name     string `json:"Name,omitempty"`
	Overview string `json:"Overview,omitempty"`
}

type itemsResponse struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}
