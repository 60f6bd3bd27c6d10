package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/moviepilot"
	"github.com/hbq0405/emby-toolkit-sub001/internal/quota"
	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
	"github.com/hbq0405/emby-toolkit-sub001/internal/watchlist"
)

const (
	// downloaderEndpoint is the rate-limiter key for MoviePilot calls.
	downloaderEndpoint = "moviepilot"

	resubscribeSetting  = "resubscribe_enabled"
	resubscribeCooldown = 24 * time.Hour
	finaleGracePeriod   = 7 * 24 * time.Hour
	zombieAge           = 365 * 24 * time.Hour
)

// ErrDuplicateRequest is returned when the tmdb id already has a pending
// or approved request.
var ErrDuplicateRequest = errors.New("subscription already requested")

// Downloader submits subscriptions to the download manager.
type Downloader interface {
	Subscribe(ctx context.Context, req moviepilot.SubscribeRequest) error
}

// Searcher resolves series metadata: the parent series for a parsed
// season title, and the season list for whole-series submits.
type Searcher interface {
	Search(ctx context.Context, name, kind string) ([]tmdb.SearchResult, error)
	GetTVDetails(ctx context.Context, id int) (*tmdb.TVDetails, error)
}

// Pacer spaces outbound downloader calls.
type Pacer interface {
	Wait(ctx context.Context, endpoint string) error
}

// QuotaService is the shared daily counter.
type QuotaService interface {
	Remaining(ctx context.Context) (int, error)
	Consume(ctx context.Context) error
}

// CatalogReader resolves series rows for gap detection.
type CatalogReader interface {
	GetByKey(ctx context.Context, key catalog.Key) (*catalog.MediaItem, error)
}

// Controller is the subscription and resubscribe controller.
type Controller struct {
	requests   *RequestStore
	watchStore *watchlist.Store
	catalog    CatalogReader
	downloader Downloader
	searcher   Searcher
	quota      QuotaService
	limiter    Pacer
	settings   *settings.Store
	logger     zerolog.Logger
	now        func() time.Time

	resubscribeDefault bool
}

// NewController creates a subscription controller.
func NewController(requests *RequestStore, watchStore *watchlist.Store, catalogReader CatalogReader,
	downloader Downloader, searcher Searcher, quotaSvc QuotaService, limiter Pacer,
	settingsStore *settings.Store, resubscribeDefault bool, logger zerolog.Logger) *Controller {
	return &Controller{
		requests:           requests,
		watchStore:         watchStore,
		catalog:            catalogReader,
		downloader:         downloader,
		searcher:           searcher,
		quota:              quotaSvc,
		limiter:            limiter,
		settings:           settingsStore,
		resubscribeDefault: resubscribeDefault,
		logger:             logger.With().Str("component", "subscription").Logger(),
		now:                time.Now,
	}
}

// SubmitInput is one user subscription wish.
type SubmitInput struct {
	EmbyUserID string
	TmdbID     string
	ItemType   string // Movie or Series
	ItemName   string
	VIP        bool
}

// Submit records a subscription request. Non-VIP users get a pending row
// awaiting review; VIP users trigger an immediate auto-subscribe. The same
// tmdb id is never requested twice while a request is pending or approved.
func (c *Controller) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	if existing, err := c.requests.FindActive(ctx, in.TmdbID); err == nil {
		return existing, fmt.Errorf("%w: status %s", ErrDuplicateRequest, existing.Status)
	} else if !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}

	req := &Request{
		EmbyUserID: in.EmbyUserID,
		TmdbID:     in.TmdbID,
		ItemType:   in.ItemType,
		ItemName:   in.ItemName,
		Status:     RequestPending,
	}

	if in.ItemType == "Series" {
		base, season := ParseSeriesTitle(in.ItemName)
		req.ParsedSeriesName = &base
		req.ParsedSeasonNumber = season
	}

	if err := c.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	if !in.VIP {
		c.logger.Info().Str("name", in.ItemName).Msg("request queued for review")
		return req, nil
	}

	if err := c.autoSubscribe(ctx, req); err != nil {
		c.logger.Warn().Err(err).Str("name", in.ItemName).Msg("auto-subscribe failed, request left pending")
		return req, err
	}

	req.Status = RequestApproved
	req.ProcessedBy = "auto"
	return req, nil
}

// autoSubscribe dispatches the request to the downloader and flips the
// row to approved on success. A whole-series request is submitted season
// by season, each season costing one quota unit.
func (c *Controller) autoSubscribe(ctx context.Context, req *Request) error {
	remaining, err := c.quota.Remaining(ctx)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		return quota.ErrExhausted
	}

	if req.ItemType == "Series" && req.ParsedSeasonNumber == nil {
		return c.autoSubscribeSeries(ctx, req)
	}

	sub, err := c.buildSubscribeRequest(ctx, req)
	if err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx, downloaderEndpoint); err != nil {
		return err
	}
	if err := c.downloader.Subscribe(ctx, *sub); err != nil {
		return err
	}
	if err := c.quota.Consume(ctx); err != nil {
		return err
	}

	return c.requests.SetStatus(ctx, req.ID, RequestApproved, "auto")
}

// autoSubscribeSeries enumerates a series' seasons and submits them one
// by one under quota, stopping when the counter hits zero. Every season
// actually submitted gets its own approved row: the first reuses the
// original request row, the rest are inserted alongside it.
func (c *Controller) autoSubscribeSeries(ctx context.Context, req *Request) error {
	tmdbID, err := strconv.Atoi(req.TmdbID)
	if err != nil {
		return fmt.Errorf("invalid tmdb id %q: %w", req.TmdbID, err)
	}
	details, err := c.searcher.GetTVDetails(ctx, tmdbID)
	if err != nil {
		return fmt.Errorf("failed to load series %d: %w", tmdbID, err)
	}

	var seasons []int
	for _, season := range details.Seasons {
		if season.SeasonNumber == 0 {
			continue // specials
		}
		seasons = append(seasons, season.SeasonNumber)
	}
	sort.Ints(seasons)
	if len(seasons) == 0 {
		for n := 1; n <= details.NumberOfSeasons; n++ {
			seasons = append(seasons, n)
		}
	}
	if len(seasons) == 0 {
		return fmt.Errorf("series %d has no seasons to subscribe", tmdbID)
	}

	name := details.Name
	if name == "" {
		name = req.ItemName
	}

	submitted := 0
	for _, season := range seasons {
		remaining, err := c.quota.Remaining(ctx)
		if err != nil {
			return c.seriesSubmitOutcome(submitted, req, err)
		}
		if remaining <= 0 {
			c.logger.Info().Str("series", name).Int("submitted", submitted).
				Int("seasons", len(seasons)).Msg("quota exhausted before all seasons were submitted")
			break
		}

		if err := c.limiter.Wait(ctx, downloaderEndpoint); err != nil {
			return c.seriesSubmitOutcome(submitted, req, err)
		}
		err = c.downloader.Subscribe(ctx, moviepilot.SubscribeRequest{
			Name:   name,
			TmdbID: tmdbID,
			Type:   moviepilot.MediaTypeSeries,
			Season: season,
		})
		if err != nil {
			return c.seriesSubmitOutcome(submitted, req, err)
		}
		if err := c.quota.Consume(ctx); err != nil {
			return c.seriesSubmitOutcome(submitted, req, err)
		}
		if err := c.recordSeasonApproval(ctx, req, season, submitted == 0); err != nil {
			return c.seriesSubmitOutcome(submitted, req, err)
		}
		submitted++
		c.logger.Info().Str("series", name).Int("season", season).Msg("season subscription submitted")
	}

	if submitted == 0 {
		return quota.ErrExhausted
	}
	return nil
}

// seriesSubmitOutcome decides what a mid-run error means for the request.
// Seasons already submitted keep their approved rows, so once any season
// went through the request counts as approved and the error is only
// logged.
func (c *Controller) seriesSubmitOutcome(submitted int, req *Request, err error) error {
	if submitted == 0 {
		return err
	}
	c.logger.Warn().Err(err).Str("name", req.ItemName).Int("submitted", submitted).
		Msg("season submits stopped after partial success")
	return nil
}

// recordSeasonApproval writes the approved bookkeeping for one submitted
// season, one row per season so each consumed quota unit stays visible.
func (c *Controller) recordSeasonApproval(ctx context.Context, req *Request, season int, first bool) error {
	if first {
		if err := c.recordSeason(ctx, req, season); err != nil {
			return err
		}
		return c.requests.SetStatus(ctx, req.ID, RequestApproved, "auto")
	}
	seasonNumber := season
	return c.requests.Create(ctx, &Request{
		EmbyUserID:         req.EmbyUserID,
		TmdbID:             req.TmdbID,
		ItemType:           req.ItemType,
		ItemName:           req.ItemName,
		Status:             RequestApproved,
		ProcessedBy:        "auto",
		ParsedSeriesName:   req.ParsedSeriesName,
		ParsedSeasonNumber: &seasonNumber,
	})
}

func (c *Controller) recordSeason(ctx context.Context, req *Request, season int) error {
	seasonNumber := season
	req.ParsedSeasonNumber = &seasonNumber
	_, err := c.requests.db.ExecContext(ctx,
		"UPDATE subscription_requests SET parsed_season_number = ? WHERE id = ?", season, req.ID)
	return err
}

// buildSubscribeRequest maps the request to a downloader payload. A series
// title carrying a season marker resolves to its parent series first.
func (c *Controller) buildSubscribeRequest(ctx context.Context, req *Request) (*moviepilot.SubscribeRequest, error) {
	if req.ItemType == "Movie" {
		tmdbID, err := strconv.Atoi(req.TmdbID)
		if err != nil {
			return nil, fmt.Errorf("invalid tmdb id %q: %w", req.TmdbID, err)
		}
		return &moviepilot.SubscribeRequest{
			Name:   req.ItemName,
			TmdbID: tmdbID,
			Type:   moviepilot.MediaTypeMovie,
		}, nil
	}

	if req.ParsedSeasonNumber == nil {
		tmdbID, err := strconv.Atoi(req.TmdbID)
		if err != nil {
			return nil, fmt.Errorf("invalid tmdb id %q: %w", req.TmdbID, err)
		}
		return &moviepilot.SubscribeRequest{
			Name:   req.ItemName,
			TmdbID: tmdbID,
			Type:   moviepilot.MediaTypeSeries,
		}, nil
	}

	base := req.ItemName
	if req.ParsedSeriesName != nil {
		base = *req.ParsedSeriesName
	}
	results, err := c.searcher.Search(ctx, base, "tv")
	if err != nil {
		return nil, fmt.Errorf("failed to search parent series %q: %w", base, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no series found for %q", base)
	}
	parent := results[0]

	parentID := strconv.Itoa(parent.ID)
	if err := c.recordParent(ctx, req, parentID); err != nil {
		return nil, err
	}

	return &moviepilot.SubscribeRequest{
		Name:   parent.Name,
		TmdbID: parent.ID,
		Type:   moviepilot.MediaTypeSeries,
		Season: *req.ParsedSeasonNumber,
	}, nil
}

func (c *Controller) recordParent(ctx context.Context, req *Request, parentID string) error {
	req.ParentTmdbID = &parentID
	_, err := c.requests.db.ExecContext(ctx,
		"UPDATE subscription_requests SET parent_tmdb_id = ? WHERE id = ?", parentID, req.ID)
	return err
}

// Approve manually approves a pending request and dispatches it.
func (c *Controller) Approve(ctx context.Context, id int64, operator string) error {
	req, err := c.requests.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != RequestPending {
		return fmt.Errorf("request %d is %s, not pending", id, req.Status)
	}

	sub, err := c.buildSubscribeRequest(ctx, req)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx, downloaderEndpoint); err != nil {
		return err
	}
	if err := c.downloader.Subscribe(ctx, *sub); err != nil {
		return err
	}
	if err := c.quota.Consume(ctx); err != nil && !errors.Is(err, quota.ErrExhausted) {
		return err
	}
	return c.requests.SetStatus(ctx, id, RequestApproved, operator)
}

// Reject manually rejects a pending request.
func (c *Controller) Reject(ctx context.Context, id int64, operator string) error {
	return c.requests.SetStatus(ctx, id, RequestRejected, operator)
}

// RunOptions tunes one resubscribe run.
type RunOptions struct {
	Stop     func() bool
	Progress func(pct int, msg string)
}

func (o *RunOptions) stop() bool {
	return o.Stop != nil && o.Stop()
}

func (o *RunOptions) progress(pct int, msg string) {
	if o.Progress != nil {
		o.Progress(pct, msg)
	}
}

// ResubscribeResult summarizes one resubscribe run.
type ResubscribeResult struct {
	Candidates int
	Submitted  int
	Skipped    int
}

// Resubscribe walks the watchlist for interior gaps and submits
// best-version subscriptions for the gapped seasons, under quota and a
// per-season 24 h cooldown.
func (c *Controller) Resubscribe(ctx context.Context, opts RunOptions) (*ResubscribeResult, error) {
	if !c.settings.GetBool(ctx, resubscribeSetting, c.resubscribeDefault) {
		c.logger.Debug().Msg("resubscribe disabled")
		return &ResubscribeResult{}, nil
	}

	entries, err := c.watchStore.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &ResubscribeResult{}
	now := c.now().UTC()

	for i, entry := range entries {
		if opts.stop() {
			return result, nil
		}
		if !c.isResubscribeCandidate(entry, now) {
			continue
		}
		result.Candidates++

		// Series whose finale just aired get a grace period before any
		// gap chasing starts.
		if entry.LastEpisodeToAir != nil {
			if aired, err := time.Parse("2006-01-02", entry.LastEpisodeToAir.AirDate); err == nil {
				if now.Sub(aired) < finaleGracePeriod {
					result.Skipped++
					continue
				}
			}
		}

		submitted, err := c.resubscribeSeries(ctx, entry, now)
		if err != nil {
			if errors.Is(err, quota.ErrExhausted) {
				c.logger.Info().Int("submitted", result.Submitted).Msg("quota exhausted, halting resubscribe run")
				return result, nil
			}
			c.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("resubscribe failed for series")
			result.Skipped++
			continue
		}
		result.Submitted += submitted

		opts.progress(((i+1)*100)/len(entries), fmt.Sprintf("补全检查 %d/%d", i+1, len(entries)))
	}
	return result, nil
}

// isResubscribeCandidate applies the candidate rules: ended-with-gaps,
// zombies, and completed-with-gaps.
func (c *Controller) isResubscribeCandidate(entry *watchlist.Entry, now time.Time) bool {
	hasGaps := !entry.MissingInfo.IsEmpty()

	switch entry.Status {
	case watchlist.StatusWatching, watchlist.StatusPaused:
		if endedTmdbStatus(entry.TmdbStatus) && hasGaps {
			return true
		}
		if entry.LastEpisodeToAir != nil {
			if aired, err := time.Parse("2006-01-02", entry.LastEpisodeToAir.AirDate); err == nil {
				if now.Sub(aired) > zombieAge {
					return true
				}
			}
		}
	case watchlist.StatusCompleted:
		return hasGaps
	}
	return false
}

func endedTmdbStatus(status string) bool {
	return status == "Ended" || status == "Canceled"
}

// resubscribeSeries finds interior-gap seasons for one series and submits
// a best-version subscription for each.
func (c *Controller) resubscribeSeries(ctx context.Context, entry *watchlist.Entry, now time.Time) (int, error) {
	gapSeasons := c.interiorGapSeasons(ctx, entry)
	if len(gapSeasons) == 0 {
		return 0, nil
	}

	tmdbID, err := strconv.Atoi(entry.TmdbID)
	if err != nil {
		return 0, fmt.Errorf("invalid tmdb id %q: %w", entry.TmdbID, err)
	}
	baseName, _ := ParseSeriesTitle(entry.ItemName)

	submitted := 0
	for _, season := range gapSeasons {
		if last, ok := entry.ResubscribeInfo[season]; ok && now.Sub(last) < resubscribeCooldown {
			c.logger.Debug().Str("series", entry.ItemName).Int("season", season).Msg("season in cooldown")
			continue
		}

		remaining, err := c.quota.Remaining(ctx)
		if err != nil {
			return submitted, err
		}
		if remaining <= 0 {
			return submitted, quota.ErrExhausted
		}

		if err := c.limiter.Wait(ctx, downloaderEndpoint); err != nil {
			return submitted, err
		}
		err = c.downloader.Subscribe(ctx, moviepilot.SubscribeRequest{
			Name:        baseName,
			TmdbID:      tmdbID,
			Type:        moviepilot.MediaTypeSeries,
			Season:      season,
			BestVersion: 1,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("series", entry.ItemName).Int("season", season).Msg("resubscribe submit failed")
			continue
		}

		if err := c.quota.Consume(ctx); err != nil {
			return submitted, err
		}
		if entry.ResubscribeInfo == nil {
			entry.ResubscribeInfo = make(map[int]time.Time)
		}
		entry.ResubscribeInfo[season] = now
		submitted++

		c.logger.Info().Str("series", entry.ItemName).Int("season", season).Msg("best-version resubscribe submitted")
	}

	if submitted > 0 {
		// The next regular refresh re-evaluates the series from Watching.
		entry.Status = watchlist.StatusWatching
		entry.PausedUntil = nil
		if err := c.watchStore.Upsert(ctx, entry); err != nil {
			return submitted, err
		}
	}
	return submitted, nil
}

// interiorGapSeasons returns the seasons with at least one missing episode
// that has a local episode with a higher number. Seasons with no local
// episodes at all are plain subscription's job and are skipped here.
func (c *Controller) interiorGapSeasons(ctx context.Context, entry *watchlist.Entry) []int {
	if entry.MissingInfo == nil || len(entry.MissingInfo.MissingEpisodes) == 0 {
		return nil
	}

	localBySeason := c.localEpisodeNumbers(ctx, entry.TmdbID)

	gapSet := make(map[int]bool)
	for _, missing := range entry.MissingInfo.MissingEpisodes {
		local := localBySeason[missing.SeasonNumber]
		if len(local) == 0 {
			continue
		}
		for _, episodeNumber := range local {
			if episodeNumber > missing.EpisodeNumber {
				gapSet[missing.SeasonNumber] = true
				break
			}
		}
	}

	seasons := make([]int, 0, len(gapSet))
	for season := range gapSet {
		seasons = append(seasons, season)
	}
	sort.Ints(seasons)
	return seasons
}

// localEpisodeNumbers reads the series' flattened children from the
// catalog and groups episode numbers by season.
func (c *Controller) localEpisodeNumbers(ctx context.Context, seriesTmdbID string) map[int][]int {
	bySeason := make(map[int][]int)

	item, err := c.catalog.GetByKey(ctx, catalog.Key{TmdbID: seriesTmdbID, ItemType: catalog.ItemTypeSeries})
	if err != nil {
		return bySeason
	}
	for _, child := range item.EmbyChildren {
		if child.Type != "Episode" || child.EpisodeNumber == nil {
			continue
		}
		bySeason[child.SeasonNumber] = append(bySeason[child.SeasonNumber], *child.EpisodeNumber)
	}
	return bySeason
}
