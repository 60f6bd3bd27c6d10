package tmdb

// Genre is a TMDB genre entry.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ProductionCompany is a studio entry.
type ProductionCompany struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	OriginCountry string `json:"origin_country"`
}

// Keyword is a keyword entry.
type Keyword struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CrewMember is a crew credit.
type CrewMember struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Job  string `json:"job"`
}

// Creator is a TV created_by entry.
type Creator struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// MovieDetails is the detailed movie payload.
type MovieDetails struct {
	ID                  int                 `json:"id"`
	Title               string              `json:"title"`
	OriginalTitle       string              `json:"original_title"`
	Overview            string              `json:"overview"`
	ReleaseDate         string              `json:"release_date"`
	PosterPath          *string             `json:"poster_path"`
	VoteAverage         float64             `json:"vote_average"`
	Status              string              `json:"status"`
	OriginalLanguage    string              `json:"original_language"`
	Genres              []Genre             `json:"genres"`
	ProductionCompanies []ProductionCompany `json:"production_companies,omitempty"`
	ProductionCountries []struct {
		ISO31661 string `json:"iso_3166_1"`
		Name     string `json:"name"`
	} `json:"production_countries,omitempty"`
	Credits *struct {
		Crew []CrewMember `json:"crew"`
	} `json:"credits,omitempty"`
	Keywords *struct {
		Keywords []Keyword `json:"keywords"`
	} `json:"keywords,omitempty"`
}

// EpisodeStub is the compact episode payload used in next/last episode
// fields and season details.
type EpisodeStub struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Overview      string `json:"overview"`
	AirDate       string `json:"air_date"`
	SeasonNumber  int    `json:"season_number"`
	EpisodeNumber int    `json:"episode_number"`
}

// SeasonStub is the compact season payload on TV details.
type SeasonStub struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	SeasonNumber int    `json:"season_number"`
	EpisodeCount int    `json:"episode_count"`
	AirDate      string `json:"air_date"`
	PosterPath   string `json:"poster_path"`
	Overview     string `json:"overview"`
}

// TVDetails is the detailed series payload.
type TVDetails struct {
	ID               int          `json:"id"`
	Name             string       `json:"name"`
	OriginalName     string       `json:"original_name"`
	Overview         string       `json:"overview"`
	FirstAirDate     string       `json:"first_air_date"`
	PosterPath       *string      `json:"poster_path"`
	VoteAverage      float64      `json:"vote_average"`
	Status           string       `json:"status"` // Returning Series, Ended, Canceled, ...
	OriginalLanguage string       `json:"original_language"`
	OriginCountry    []string     `json:"origin_country"`
	NumberOfSeasons  int          `json:"number_of_seasons"`
	NumberOfEpisodes int          `json:"number_of_episodes"`
	Genres           []Genre      `json:"genres"`
	CreatedBy        []Creator    `json:"created_by,omitempty"`
	Networks         []ProductionCompany `json:"networks,omitempty"`
	Seasons          []SeasonStub `json:"seasons"`
	NextEpisodeToAir *EpisodeStub `json:"next_episode_to_air"`
	LastEpisodeToAir *EpisodeStub `json:"last_episode_to_air"`
	Keywords         *struct {
		Results []Keyword `json:"results"`
	} `json:"keywords,omitempty"`
}

// SeasonDetails is the per-season payload with its episode list.
type SeasonDetails struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Overview     string        `json:"overview"`
	AirDate      string        `json:"air_date"`
	SeasonNumber int           `json:"season_number"`
	PosterPath   string        `json:"poster_path"`
	Episodes     []EpisodeStub `json:"episodes"`
}

// SearchResult is one entry of a multi/typed search.
type SearchResult struct {
	ID           int     `json:"id"`
	MediaType    string  `json:"media_type,omitempty"`
	Title        string  `json:"title,omitempty"` // movies
	Name         string  `json:"name,omitempty"`  // tv
	ReleaseDate  string  `json:"release_date,omitempty"`
	FirstAirDate string  `json:"first_air_date,omitempty"`
	PosterPath   *string `json:"poster_path"`
	Popularity   float64 `json:"popularity"`
	VoteCount    int     `json:"vote_count"`
}

type searchResponse struct {
	Page         int            `json:"page"`
	Results      []SearchResult `json:"results"`
	TotalPages   int            `json:"total_pages"`
	TotalResults int            `json:"total_results"`
}

// DiscoverResponse is a page of discover/popular results.
type DiscoverResponse struct {
	Page         int            `json:"page"`
	Results      []SearchResult `json:"results"`
	TotalPages   int            `json:"total_pages"`
	TotalResults int            `json:"total_results"`
}
