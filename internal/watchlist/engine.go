package watchlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

const (
	refreshPoolWidth = 5
	seasonFetchDelay = 100 * time.Millisecond
	hiatusPause      = 7 * 24 * time.Hour
)

// endedStatuses are the upstream statuses that mean a series is over.
var endedStatuses = map[string]bool{
	"Ended":    true,
	"Canceled": true,
}

// watchingStatuses are the upstream statuses that auto-add as Watching.
var watchingStatuses = map[string]bool{
	"Returning Series": true,
	"In Production":    true,
	"Planned":          true,
}

// EmbyClient is the slice of the media server client the engine uses.
type EmbyClient interface {
	GetItem(ctx context.Context, id string) (*emby.Item, error)
	GetSeriesChildren(ctx context.Context, seriesID string) ([]emby.Item, error)
	UpdateItemDetails(ctx context.Context, id string, update emby.ItemUpdate) error
}

// MetadataClient is the slice of the metadata provider the engine uses.
type MetadataClient interface {
	GetTVDetails(ctx context.Context, id int) (*tmdb.TVDetails, error)
	GetTVSeasonDetails(ctx context.Context, id, seasonNumber int) (*tmdb.SeasonDetails, error)
}

// ChildrenWriter rewrites the flattened children list on a series'
// catalog row.
type ChildrenWriter interface {
	UpdateChildrenDetails(ctx context.Context, seriesTmdbID string, children []catalog.ChildDetail) error
}

// Engine runs the per-series watchlist state machine.
type Engine struct {
	store       *Store
	catalog     ChildrenWriter
	emby        EmbyClient
	tmdb        MetadataClient
	logger      zerolog.Logger
	now         func() time.Time
	seasonDelay time.Duration
}

// NewEngine creates a watchlist engine.
func NewEngine(store *Store, catalogStore ChildrenWriter, embyClient EmbyClient,
	tmdbClient MetadataClient, logger zerolog.Logger) *Engine {
	return &Engine{
		store:       store,
		catalog:     catalogStore,
		emby:        embyClient,
		tmdb:        tmdbClient,
		logger:      logger.With().Str("component", "watchlist").Logger(),
		now:         time.Now,
		seasonDelay: seasonFetchDelay,
	}
}

// RunOptions tunes one refresh run.
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

// Refresh re-evaluates every active entry. Watching entries are always
// refreshed; Paused entries only once their pause expires.
func (e *Engine) Refresh(ctx context.Context, opts RunOptions) error {
	entries, err := e.store.List(ctx, StatusWatching, StatusPaused)
	if err != nil {
		return err
	}

	now := e.now()
	due := entries[:0]
	for _, entry := range entries {
		if entry.Status == StatusPaused && entry.PausedUntil != nil && entry.PausedUntil.After(now) {
			continue
		}
		due = append(due, entry)
	}

	if len(due) == 0 {
		opts.progress(100, "没有需要刷新的剧集")
		return nil
	}

	var done int
	var mu sync.Mutex
	var wg sync.WaitGroup
	work := make(chan *Entry)

	for i := 0; i < refreshPoolWidth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range work {
				if err := e.refreshOne(ctx, entry); err != nil {
					e.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("refresh failed, skipping series")
				}
				mu.Lock()
				done++
				opts.progress((done*100)/len(due), fmt.Sprintf("已刷新 %d/%d", done, len(due)))
				mu.Unlock()
			}
		}()
	}

	for _, entry := range due {
		if opts.stop() {
			break
		}
		work <- entry
	}
	close(work)
	wg.Wait()

	return nil
}

// refreshOne runs the full state machine for one series.
func (e *Engine) refreshOne(ctx context.Context, entry *Entry) error {
	// Series gone from the server means the row goes too.
	if _, err := e.emby.GetItem(ctx, entry.ItemID); err != nil {
		if errors.Is(err, emby.ErrNotFound) {
			e.logger.Info().Str("series", entry.ItemName).Msg("series removed from library, deleting entry")
			return e.store.Delete(ctx, entry.ItemID)
		}
		return err
	}

	tvID, err := strconv.Atoi(entry.TmdbID)
	if err != nil {
		return fmt.Errorf("invalid tmdb id %q: %w", entry.TmdbID, err)
	}
	details, err := e.tmdb.GetTVDetails(ctx, tvID)
	if err != nil {
		return fmt.Errorf("failed to fetch series details: %w", err)
	}

	upstream := make(map[int][]tmdb.EpisodeStub)
	for _, stub := range details.Seasons {
		if stub.SeasonNumber == 0 {
			continue
		}
		season, err := e.tmdb.GetTVSeasonDetails(ctx, tvID, stub.SeasonNumber)
		if err != nil {
			return fmt.Errorf("failed to fetch season %d: %w", stub.SeasonNumber, err)
		}
		upstream[stub.SeasonNumber] = season.Episodes
		time.Sleep(e.seasonDelay)
	}

	children, err := e.emby.GetSeriesChildren(ctx, entry.ItemID)
	if err != nil {
		return fmt.Errorf("failed to fetch series children: %w", err)
	}

	local := buildLocalInventory(children)
	missing := computeMissing(upstream, local)
	realNext := realNextEpisode(upstream, local)
	today := e.now().UTC().Truncate(24 * time.Hour)

	newStatus, pausedUntil := decideState(entry, details, stateInputs{
		missing:          missing,
		metadataComplete: metadataComplete(upstream),
		seasonFinale:     seasonFinale(details, today),
		realNext:         realNext,
	}, e.now())

	entry.Status = newStatus
	entry.PausedUntil = pausedUntil
	entry.TmdbStatus = details.Status
	entry.NextEpisodeToAir = details.NextEpisodeToAir
	entry.LastEpisodeToAir = details.LastEpisodeToAir
	entry.MissingInfo = missing
	entry.IsAiring = realNext != nil || !missing.IsEmpty()
	checked := e.now().UTC()
	entry.LastCheckedAt = &checked

	if err := e.store.Upsert(ctx, entry); err != nil {
		return err
	}

	e.pushOverviews(ctx, children, upstream)

	if err := e.catalog.UpdateChildrenDetails(ctx, entry.TmdbID, flattenChildren(children)); err != nil {
		e.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("failed to rewrite children details")
	}

	e.logger.Debug().Str("series", entry.ItemName).Str("status", string(newStatus)).Msg("refreshed")
	return nil
}

// stateInputs are the computed facts the transition depends on.
type stateInputs struct {
	missing          *MissingInfo
	metadataComplete bool
	seasonFinale     bool
	realNext         *tmdb.EpisodeStub
}

// decideState is the deterministic transition function. ForceEnded pins
// Completed whenever the computed state disagrees.
func decideState(entry *Entry, details *tmdb.TVDetails, in stateInputs, now time.Time) (Status, *time.Time) {
	canComplete := in.missing.IsEmpty() && in.metadataComplete

	var status Status
	var pausedUntil *time.Time

	switch {
	case canComplete && (endedStatuses[details.Status] || in.seasonFinale):
		status = StatusCompleted
	case in.realNext != nil && in.realNext.AirDate != "":
		airDate, err := time.Parse("2006-01-02", in.realNext.AirDate)
		if err != nil {
			status = StatusPaused
			until := now.Add(hiatusPause)
			pausedUntil = &until
			break
		}
		if airDate.Sub(now) > 3*24*time.Hour {
			status = StatusPaused
			until := airDate.AddDate(0, 0, -1)
			pausedUntil = &until
		} else {
			status = StatusWatching
		}
	default:
		status = StatusPaused
		until := now.Add(hiatusPause)
		pausedUntil = &until
	}

	if entry.ForceEnded && status != StatusCompleted {
		return StatusCompleted, nil
	}
	return status, pausedUntil
}

// buildLocalInventory maps season number to the set of locally present
// episode numbers. A season container with no episodes yields an empty set.
func buildLocalInventory(children []emby.Item) map[int]map[int]bool {
	local := make(map[int]map[int]bool)
	for _, child := range children {
		switch child.Type {
		case "Season":
			if child.IndexNumber != nil {
				if local[*child.IndexNumber] == nil {
					local[*child.IndexNumber] = make(map[int]bool)
				}
			}
		case "Episode":
			if child.ParentIndexNumber != nil && child.IndexNumber != nil {
				season := *child.ParentIndexNumber
				if local[season] == nil {
					local[season] = make(map[int]bool)
				}
				local[season][*child.IndexNumber] = true
			}
		}
	}
	return local
}

// computeMissing classifies absent content: a season absent from local is
// a missing season; an absent episode of a present season is a missing
// episode.
func computeMissing(upstream map[int][]tmdb.EpisodeStub, local map[int]map[int]bool) *MissingInfo {
	info := &MissingInfo{}

	seasons := sortedSeasons(upstream)
	for _, season := range seasons {
		episodes := upstream[season]
		localEpisodes, present := local[season]
		if !present {
			ms := MissingSeason{SeasonNumber: season, EpisodeCount: len(episodes)}
			if len(episodes) > 0 {
				ms.AirDate = episodes[0].AirDate
			}
			info.MissingSeasons = append(info.MissingSeasons, ms)
			continue
		}
		for _, episode := range episodes {
			if !localEpisodes[episode.EpisodeNumber] {
				info.MissingEpisodes = append(info.MissingEpisodes, MissingEpisode{
					SeasonNumber:  episode.SeasonNumber,
					EpisodeNumber: episode.EpisodeNumber,
					Name:          episode.Name,
					AirDate:       episode.AirDate,
				})
			}
		}
	}
	return info
}

// realNextEpisode is the first (season, episode) in ascending order that
// the library lacks, regardless of air date.
func realNextEpisode(upstream map[int][]tmdb.EpisodeStub, local map[int]map[int]bool) *tmdb.EpisodeStub {
	for _, season := range sortedSeasons(upstream) {
		episodes := append([]tmdb.EpisodeStub(nil), upstream[season]...)
		sort.Slice(episodes, func(i, j int) bool {
			return episodes[i].EpisodeNumber < episodes[j].EpisodeNumber
		})
		for _, episode := range episodes {
			if !local[season][episode.EpisodeNumber] {
				e := episode
				return &e
			}
		}
	}
	return nil
}

// metadataComplete is true iff every non-special upstream episode has an
// overview.
func metadataComplete(upstream map[int][]tmdb.EpisodeStub) bool {
	for season, episodes := range upstream {
		if season == 0 {
			continue
		}
		for _, episode := range episodes {
			if episode.Overview == "" {
				return false
			}
		}
	}
	return true
}

// seasonFinale is true iff the last aired episode is in the past and no
// next episode is scheduled.
func seasonFinale(details *tmdb.TVDetails, today time.Time) bool {
	if details.LastEpisodeToAir == nil || details.NextEpisodeToAir != nil {
		return false
	}
	aired, err := time.Parse("2006-01-02", details.LastEpisodeToAir.AirDate)
	if err != nil {
		return false
	}
	return !aired.After(today)
}

// pushOverviews writes upstream overviews back to local episodes that lack
// one, keeping the in-memory children in sync for the rewrite below.
func (e *Engine) pushOverviews(ctx context.Context, children []emby.Item, upstream map[int][]tmdb.EpisodeStub) {
	byKey := make(map[[2]int]tmdb.EpisodeStub)
	for season, episodes := range upstream {
		for _, episode := range episodes {
			byKey[[2]int{season, episode.EpisodeNumber}] = episode
		}
	}

	for i := range children {
		child := &children[i]
		if child.Type != "Episode" || child.Overview != "" {
			continue
		}
		if child.ParentIndexNumber == nil || child.IndexNumber == nil {
			continue
		}
		episode, ok := byKey[[2]int{*child.ParentIndexNumber, *child.IndexNumber}]
		if !ok || episode.Overview == "" {
			continue
		}

		update := emby.ItemUpdate{Name: episode.Name, Overview: episode.Overview}
		if err := e.emby.UpdateItemDetails(ctx, child.ID, update); err != nil {
			e.logger.Warn().Err(err).Str("episode", child.ID).Msg("overview writeback failed")
			continue
		}
		if episode.Name != "" {
			child.Name = episode.Name
		}
		child.Overview = episode.Overview
	}
}

// flattenChildren converts the server children list to the flat form
// stored on the series' catalog row.
func flattenChildren(children []emby.Item) []catalog.ChildDetail {
	flat := make([]catalog.ChildDetail, 0, len(children))
	for _, child := range children {
		detail := catalog.ChildDetail{
			ID:       child.ID,
			Type:     child.Type,
			Name:     child.Name,
			Overview: child.Overview,
		}
		switch child.Type {
		case "Season":
			if child.IndexNumber != nil {
				detail.SeasonNumber = *child.IndexNumber
			}
		case "Episode":
			if child.ParentIndexNumber != nil {
				detail.SeasonNumber = *child.ParentIndexNumber
			}
			detail.EpisodeNumber = child.IndexNumber
		}
		flat = append(flat, detail)
	}
	return flat
}

func sortedSeasons(upstream map[int][]tmdb.EpisodeStub) []int {
	seasons := make([]int, 0, len(upstream))
	for season := range upstream {
		seasons = append(seasons, season)
	}
	sort.Ints(seasons)
	return seasons
}

// CheckRevivals re-examines Completed entries: a series whose upstream
// status left Ended/Canceled and which grew a new season transitions back
// to Watching and clears the force-ended pin.
func (e *Engine) CheckRevivals(ctx context.Context, opts RunOptions) error {
	entries, err := e.store.List(ctx, StatusCompleted)
	if err != nil {
		return err
	}

	for i, entry := range entries {
		if opts.stop() {
			return nil
		}

		tvID, err := strconv.Atoi(entry.TmdbID)
		if err != nil {
			continue
		}
		details, err := e.tmdb.GetTVDetails(ctx, tvID)
		if err != nil {
			e.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("revival check fetch failed")
			continue
		}

		if endedStatuses[details.Status] {
			continue
		}
		if details.NumberOfSeasons <= lastRecordedSeason(entry) {
			// A status blip without new content is ignored.
			continue
		}

		entry.Status = StatusWatching
		entry.PausedUntil = nil
		entry.ForceEnded = false
		entry.TmdbStatus = details.Status
		if err := e.store.Upsert(ctx, entry); err != nil {
			e.logger.Warn().Err(err).Str("series", entry.ItemName).Msg("revival update failed")
			continue
		}
		e.logger.Info().Str("series", entry.ItemName).Int("seasons", details.NumberOfSeasons).Msg("series revived")

		opts.progress(((i+1)*100)/len(entries), fmt.Sprintf("复活检查 %d/%d", i+1, len(entries)))
	}
	return nil
}

// lastRecordedSeason is the highest season this entry has seen, taken
// from the stored last-aired episode.
func lastRecordedSeason(entry *Entry) int {
	if entry.LastEpisodeToAir == nil {
		return 0
	}
	return entry.LastEpisodeToAir.SeasonNumber
}

// AutoAdd tracks a newly-appeared series: in-production statuses start as
// Watching, anything else as Completed.
func (e *Engine) AutoAdd(ctx context.Context, itemID, tmdbID, name string) error {
	exists, err := e.store.Exists(ctx, tmdbID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	tvID, err := strconv.Atoi(tmdbID)
	if err != nil {
		return fmt.Errorf("invalid tmdb id %q: %w", tmdbID, err)
	}
	details, err := e.tmdb.GetTVDetails(ctx, tvID)
	if err != nil {
		return fmt.Errorf("failed to fetch series details: %w", err)
	}

	status := StatusCompleted
	if watchingStatuses[details.Status] {
		status = StatusWatching
	}

	entry := &Entry{
		ItemID:           itemID,
		TmdbID:           tmdbID,
		ItemName:         name,
		ItemType:         "Series",
		Status:           status,
		TmdbStatus:       details.Status,
		NextEpisodeToAir: details.NextEpisodeToAir,
		LastEpisodeToAir: details.LastEpisodeToAir,
		ResubscribeInfo:  make(map[int]time.Time),
	}
	if err := e.store.Upsert(ctx, entry); err != nil {
		return err
	}
	e.logger.Info().Str("series", name).Str("status", string(status)).Msg("auto-added to watchlist")
	return nil
}
