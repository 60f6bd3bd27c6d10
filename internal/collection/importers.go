package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

// ErrUnknownSource is returned for a list URL no importer claims.
var ErrUnknownSource = errors.New("unknown list source")

const defaultListLimit = 50

// TMDBLister is the slice of the metadata client the importers use.
type TMDBLister interface {
	Discover(ctx context.Context, kind string, filters url.Values, page int) (*tmdb.DiscoverResponse, error)
	GetPopularMovies(ctx context.Context, page int) (*tmdb.DiscoverResponse, error)
	Search(ctx context.Context, name, kind string) ([]tmdb.SearchResult, error)
}

// Importer resolves a list definition to an ordered item list.
type Importer struct {
	tmdb       TMDBLister
	settings   *settings.Store
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewImporter creates a list importer.
func NewImporter(tmdbClient TMDBLister, settingsStore *settings.Store, httpClient *http.Client, logger zerolog.Logger) *Importer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Importer{
		tmdb:       tmdbClient,
		settings:   settingsStore,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "list-importer").Logger(),
	}
}

// Import routes the definition to the matching source importer.
func (i *Importer) Import(ctx context.Context, def ListDefinition) ([]ImportedItem, error) {
	limit := def.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	switch {
	case len(def.Items) > 0:
		return capItems(def.Items, limit), nil
	case strings.HasPrefix(def.URL, "maoyan://"):
		return i.importMaoyan(ctx, def.URL, limit)
	case strings.Contains(def.URL, "douban.com/doulist"):
		return i.importDoulist(ctx, def.URL, limit)
	case strings.Contains(def.URL, "themoviedb.org/discover/"):
		return i.importDiscover(ctx, def.URL, limit)
	case strings.Contains(def.URL, "themoviedb.org/movie"):
		return i.importPopular(ctx, limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, def.URL)
	}
}

// importDiscover maps a themoviedb.org discover URL's query onto the
// discover API and pages until the limit is reached.
func (i *Importer) importDiscover(ctx context.Context, rawURL string, limit int) ([]ImportedItem, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid discover url: %w", err)
	}
	kind := "movie"
	if strings.Contains(parsed.Path, "/tv") {
		kind = "tv"
	}

	var items []ImportedItem
	for page := 1; len(items) < limit && page <= 10; page++ {
		resp, err := i.tmdb.Discover(ctx, kind, parsed.Query(), page)
		if err != nil {
			return nil, fmt.Errorf("discover fetch failed: %w", err)
		}
		items = append(items, resultsToItems(resp.Results, kind)...)
		if page >= resp.TotalPages {
			break
		}
	}
	return capItems(items, limit), nil
}

func (i *Importer) importPopular(ctx context.Context, limit int) ([]ImportedItem, error) {
	var items []ImportedItem
	for page := 1; len(items) < limit && page <= 10; page++ {
		resp, err := i.tmdb.GetPopularMovies(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("popular fetch failed: %w", err)
		}
		items = append(items, resultsToItems(resp.Results, "movie")...)
		if page >= resp.TotalPages {
			break
		}
	}
	return capItems(items, limit), nil
}

var doulistTitlePattern = regexp.MustCompile(`^(.*?)[\s]*[\(（](\d{4})[\)）]?`)

// importDoulist scrapes one douban doulist page and resolves each title
// against the metadata provider.
func (i *Importer) importDoulist(ctx context.Context, rawURL string, limit int) ([]ImportedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create doulist request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doulist fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doulist returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse doulist page: %w", err)
	}

	var titles []string
	doc.Find(".doulist-item .title a").Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Text())
		if title != "" {
			titles = append(titles, title)
		}
	})

	return i.resolveTitles(ctx, titles, limit), nil
}

// importMaoyan reads a board snapshot the external scraper CLI has placed
// in app_settings under maoyan_board_<n>, then resolves titles.
func (i *Importer) importMaoyan(ctx context.Context, rawURL string, limit int) ([]ImportedItem, error) {
	board := strings.TrimPrefix(rawURL, "maoyan://")
	board = strings.Trim(board, "/")
	if board == "" {
		board = "hot"
	}

	var titles []string
	if err := i.settings.Get(ctx, "maoyan_board_"+board, &titles); err != nil {
		return nil, fmt.Errorf("maoyan board %q has no snapshot: %w", board, err)
	}
	return i.resolveTitles(ctx, titles, limit), nil
}

// resolveTitles maps scraped display titles to tmdb entries, preserving
// source order and dropping titles with no match.
func (i *Importer) resolveTitles(ctx context.Context, titles []string, limit int) []ImportedItem {
	var items []ImportedItem
	for _, raw := range titles {
		if len(items) >= limit {
			break
		}

		name, year := splitTitleYear(raw)
		kind := "movie"
		results, err := i.tmdb.Search(ctx, name, kind)
		if err != nil || len(results) == 0 {
			results, err = i.tmdb.Search(ctx, name, "tv")
			kind = "tv"
		}
		if err != nil || len(results) == 0 {
			i.logger.Debug().Str("title", raw).Msg("no metadata match for list entry")
			continue
		}

		best := pickByYear(results, year)
		items = append(items, resultToItem(best, kind))
	}
	return items
}

func splitTitleYear(raw string) (string, int) {
	if m := doulistTitlePattern.FindStringSubmatch(raw); m != nil {
		year, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), year
	}
	return strings.TrimSpace(raw), 0
}

func pickByYear(results []tmdb.SearchResult, year int) tmdb.SearchResult {
	if year == 0 {
		return results[0]
	}
	want := strconv.Itoa(year)
	for _, result := range results {
		date := result.ReleaseDate
		if date == "" {
			date = result.FirstAirDate
		}
		if strings.HasPrefix(date, want) {
			return result
		}
	}
	return results[0]
}

func resultsToItems(results []tmdb.SearchResult, kind string) []ImportedItem {
	items := make([]ImportedItem, 0, len(results))
	for _, result := range results {
		items = append(items, resultToItem(result, kind))
	}
	return items
}

func resultToItem(result tmdb.SearchResult, kind string) ImportedItem {
	item := ImportedItem{
		TmdbID:    strconv.Itoa(result.ID),
		MediaType: "Movie",
		Title:     result.Title,
	}
	item.ReleaseDate = result.ReleaseDate
	if kind == "tv" {
		item.MediaType = "Series"
		item.Title = result.Name
		item.ReleaseDate = result.FirstAirDate
	}
	if result.PosterPath != nil {
		item.PosterPath = *result.PosterPath
	}
	return item
}

func capItems(items []ImportedItem, limit int) []ImportedItem {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func decodeDefinition(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return errors.New("empty collection definition")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("invalid collection definition: %w", err)
	}
	return nil
}
