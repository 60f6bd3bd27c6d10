// Package mediasync mirrors the media server inventory into the catalog.
package mediasync

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
	batchSize      = 50
	fetchPoolWidth = 5
	listRetries    = 3
)

// EmbyClient is the slice of the media server client the sync reads.
type EmbyClient interface {
	ListItems(ctx context.Context, libraryIDs []string, typeFilter []string) ([]emby.Item, error)
	GetItemsByIDs(ctx context.Context, ids []string) ([]emby.Item, error)
	GetItem(ctx context.Context, id string) (*emby.Item, error)
}

// MetadataClient is the slice of the metadata provider the sync reads.
type MetadataClient interface {
	GetMovieDetails(ctx context.Context, id int) (*tmdb.MovieDetails, error)
	GetTVDetails(ctx context.Context, id int) (*tmdb.TVDetails, error)
	GetTVSeasonDetails(ctx context.Context, id, seasonNumber int) (*tmdb.SeasonDetails, error)
}

// Notifier sends user-facing notifications. May be nil.
type Notifier interface {
	SendText(ctx context.Context, text string) error
}

// Sequencer repairs autoincrement sequences after a bulk import.
type Sequencer interface {
	ReseedSequences(ctx context.Context) error
}

// Service performs the diff-based metadata sync.
type Service struct {
	store      *catalog.Store
	emby       EmbyClient
	tmdb       MetadataClient
	notifier   Notifier
	sequencer  Sequencer
	libraryIDs []string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a metadata sync service.
func NewService(store *catalog.Store, embyClient EmbyClient, tmdbClient MetadataClient,
	notifier Notifier, sequencer Sequencer, libraryIDs []string, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		emby:       embyClient,
		tmdb:       tmdbClient,
		notifier:   notifier,
		sequencer:  sequencer,
		libraryIDs: libraryIDs,
		logger:     logger.With().Str("component", "mediasync").Logger(),
		now:        time.Now,
	}
}

// RunOptions tunes one sync run.
type RunOptions struct {
	// DeepMode reprocesses every item instead of only the new ones.
	DeepMode bool
	// Stop is polled between batches; a true return aborts the run.
	Stop func() bool
	// Progress receives percentage and message updates.
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

// Result summarizes one sync run.
type Result struct {
	Processed int
	Retired   int
	Skipped   int
	Cancelled bool
}

// topGroup is all local versions sharing one composite key.
type topGroup struct {
	key      catalog.Key
	versions []emby.Item
}

// sweep is one full media server inventory, bucketed.
type sweep struct {
	topLevel []topGroup
	seasons  map[string][]emby.Item // series emby id -> season items
	episodes map[string][]emby.Item // series emby id -> episode items
}

// Sync runs the full diff-based sync.
func (s *Service) Sync(ctx context.Context, opts RunOptions) (*Result, error) {
	if len(s.libraryIDs) == 0 {
		return nil, errors.New("no library ids configured")
	}

	opts.progress(0, "正在扫描媒体库")

	inventory, err := s.sweepLibraries(ctx)
	if err != nil {
		return nil, err
	}

	dbSet, err := s.store.ListInLibraryKeys(ctx, catalog.ItemTypeMovie, catalog.ItemTypeSeries)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog keys: %w", err)
	}

	embySet := make(map[catalog.Key]bool, len(inventory.topLevel))
	for _, group := range inventory.topLevel {
		embySet[group.key] = true
	}

	var toProcess []topGroup
	for _, group := range inventory.topLevel {
		if opts.DeepMode || !dbSet[group.key] {
			toProcess = append(toProcess, group)
		}
	}
	var toRetire []catalog.Key
	for key := range dbSet {
		if !embySet[key] {
			toRetire = append(toRetire, key)
		}
	}

	result := &Result{Retired: len(toRetire)}

	if len(toRetire) > 0 {
		if err := s.store.Retire(ctx, toRetire); err != nil {
			return nil, fmt.Errorf("failed to retire items: %w", err)
		}
		s.logger.Info().Int("count", len(toRetire)).Msg("retired items gone from library")
	}

	total := len(toProcess)
	for start := 0; start < total; start += batchSize {
		if opts.stop() {
			result.Cancelled = true
			s.logger.Info().Msg("sync cancelled")
			return result, nil
		}

		end := start + batchSize
		if end > total {
			end = total
		}
		batch := toProcess[start:end]

		processed, skipped := s.processBatch(ctx, batch, inventory)
		result.Processed += processed
		result.Skipped += skipped

		pct := (end * 100) / total
		opts.progress(pct, fmt.Sprintf("已处理 %d/%d", end, total))
	}

	if result.Processed > 0 && s.sequencer != nil {
		if err := s.sequencer.ReseedSequences(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to reseed sequences")
		}
	}

	opts.progress(100, fmt.Sprintf("同步完成: 新增 %d, 下架 %d, 跳过 %d",
		result.Processed, result.Retired, result.Skipped))
	return result, nil
}

// sweepLibraries lists the full inventory and partitions it into top-level
// groups, seasons and episodes. List fetches retry before failing the run.
func (s *Service) sweepLibraries(ctx context.Context) (*sweep, error) {
	var items []emby.Item
	var err error
	for attempt := 1; attempt <= listRetries; attempt++ {
		items, err = s.emby.ListItems(ctx, s.libraryIDs, []string{"Movie", "Series", "Season", "Episode"})
		if err == nil {
			break
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("library sweep failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("library sweep failed after %d attempts: %w", listRetries, err)
	}

	inventory := &sweep{
		seasons:  make(map[string][]emby.Item),
		episodes: make(map[string][]emby.Item),
	}
	groups := make(map[catalog.Key]*topGroup)
	var order []catalog.Key

	for _, item := range items {
		switch item.Type {
		case "Movie", "Series":
			tmdbID := item.ProviderIDs["Tmdb"]
			if tmdbID == "" {
				s.logger.Debug().Str("name", item.Name).Msg("skipping item without tmdb id")
				continue
			}
			key := catalog.Key{TmdbID: tmdbID, ItemType: catalog.ItemType(item.Type)}
			group, ok := groups[key]
			if !ok {
				group = &topGroup{key: key}
				groups[key] = group
				order = append(order, key)
			}
			group.versions = append(group.versions, item)
		case "Season":
			if item.SeriesID != "" {
				inventory.seasons[item.SeriesID] = append(inventory.seasons[item.SeriesID], item)
			}
		case "Episode":
			if item.SeriesID != "" {
				inventory.episodes[item.SeriesID] = append(inventory.episodes[item.SeriesID], item)
			}
		}
	}

	for _, key := range order {
		inventory.topLevel = append(inventory.topLevel, *groups[key])
	}

	s.logger.Info().
		Int("topLevel", len(inventory.topLevel)).
		Int("seriesWithSeasons", len(inventory.seasons)).
		Msg("library sweep complete")
	return inventory, nil
}

// processBatch fetches upstream details at width fetchPoolWidth, then
// writes the batch in one transaction with a savepoint per row.
func (s *Service) processBatch(ctx context.Context, batch []topGroup, inventory *sweep) (processed, skipped int) {
	type fetched struct {
		movie  *tmdb.MovieDetails
		series *tmdb.TVDetails
	}
	details := make(map[catalog.Key]fetched, len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup

	work := make(chan topGroup)
	for i := 0; i < fetchPoolWidth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				id, err := strconv.Atoi(group.key.TmdbID)
				if err != nil {
					continue
				}
				var f fetched
				switch group.key.ItemType {
				case catalog.ItemTypeMovie:
					f.movie, err = s.tmdb.GetMovieDetails(ctx, id)
				case catalog.ItemTypeSeries:
					f.series, err = s.tmdb.GetTVDetails(ctx, id)
				}
				if err != nil {
					s.logger.Warn().Err(err).Str("tmdbId", group.key.TmdbID).Msg("details fetch failed, using local fields only")
				}
				mu.Lock()
				details[group.key] = f
				mu.Unlock()
			}
		}()
	}
	for _, group := range batch {
		work <- group
	}
	close(work)
	wg.Wait()

	txBatch, err := s.store.BeginBatch(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to begin batch")
		return 0, len(batch)
	}
	defer txBatch.Rollback()

	for _, group := range batch {
		f := details[group.key]
		var err error
		switch group.key.ItemType {
		case catalog.ItemTypeMovie:
			err = s.upsertMovie(ctx, txBatch, group, f.movie)
		case catalog.ItemTypeSeries:
			err = s.upsertSeries(ctx, txBatch, group, f.series, inventory)
		}
		if err != nil {
			skipped++
			continue
		}
		processed++
	}

	if err := txBatch.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("failed to commit batch")
		return 0, len(batch)
	}
	return processed, skipped
}

func (s *Service) upsertMovie(ctx context.Context, batch *catalog.Batch, group topGroup, details *tmdb.MovieDetails) error {
	item := composeFromVersions(group)
	item.AssetDetails = make([]catalog.AssetDetail, 0, len(group.versions))
	for _, version := range group.versions {
		item.AssetDetails = append(item.AssetDetails, catalog.ParseAssetDetail(version))
	}
	if details != nil {
		mergeMovieDetails(item, details)
	}
	return batch.Upsert(ctx, item)
}

func (s *Service) upsertSeries(ctx context.Context, batch *catalog.Batch, group topGroup,
	details *tmdb.TVDetails, inventory *sweep) error {
	item := composeFromVersions(group)
	if details != nil {
		mergeTVDetails(item, details)
	}
	if err := batch.Upsert(ctx, item); err != nil {
		return err
	}

	if details == nil {
		return nil
	}

	// Season and episode rows hang off the series. Asset details live on
	// the episode rows, not the series row.
	seriesEmbyIDs := make(map[string]bool)
	for _, version := range group.versions {
		seriesEmbyIDs[version.ID] = true
	}
	seasonItems := collectForSeries(inventory.seasons, seriesEmbyIDs)
	episodeItems := collectForSeries(inventory.episodes, seriesEmbyIDs)

	episodesBySeason := make(map[int]map[int][]emby.Item)
	for _, ep := range episodeItems {
		if ep.ParentIndexNumber == nil || ep.IndexNumber == nil {
			continue
		}
		season, episode := *ep.ParentIndexNumber, *ep.IndexNumber
		if episodesBySeason[season] == nil {
			episodesBySeason[season] = make(map[int][]emby.Item)
		}
		episodesBySeason[season][episode] = append(episodesBySeason[season][episode], ep)
	}

	tvID, _ := strconv.Atoi(group.key.TmdbID)
	for _, stub := range details.Seasons {
		if stub.SeasonNumber == 0 {
			continue
		}

		seasonDetails, err := s.tmdb.GetTVSeasonDetails(ctx, tvID, stub.SeasonNumber)
		if err != nil {
			s.logger.Warn().Err(err).Str("series", item.Title).Int("season", stub.SeasonNumber).
				Msg("season fetch failed, skipping season")
			continue
		}

		seasonNumber := stub.SeasonNumber
		seasonRow := &catalog.MediaItem{
			TmdbID:             strconv.Itoa(stub.ID),
			ItemType:           catalog.ItemTypeSeason,
			Title:              stub.Name,
			Overview:           stub.Overview,
			ParentSeriesTmdbID: &group.key.TmdbID,
			SeasonNumber:       &seasonNumber,
		}
		if stub.AirDate != "" {
			airDate := stub.AirDate
			seasonRow.ReleaseDate = &airDate
		}
		for _, seasonItem := range seasonItems {
			if seasonItem.IndexNumber != nil && *seasonItem.IndexNumber == stub.SeasonNumber {
				seasonRow.EmbyItemIDs = append(seasonRow.EmbyItemIDs, seasonItem.ID)
			}
		}
		seasonRow.InLibrary = len(seasonRow.EmbyItemIDs) > 0
		if err := batch.Upsert(ctx, seasonRow); err != nil {
			s.logger.Warn().Err(err).Int("season", stub.SeasonNumber).Msg("season upsert failed")
			continue
		}

		for _, episode := range seasonDetails.Episodes {
			versions := episodesBySeason[episode.SeasonNumber][episode.EpisodeNumber]
			row := composeEpisode(group.key.TmdbID, episode, versions)
			if err := batch.Upsert(ctx, row); err != nil {
				s.logger.Warn().Err(err).Int("season", episode.SeasonNumber).
					Int("episode", episode.EpisodeNumber).Msg("episode upsert failed")
			}
		}
	}

	return nil
}

// composeFromVersions builds the base catalog row from local versions
// alone; upstream fields are merged on top when available.
func composeFromVersions(group topGroup) *catalog.MediaItem {
	primary := group.versions[0]

	item := &catalog.MediaItem{
		TmdbID:        group.key.TmdbID,
		ItemType:      group.key.ItemType,
		Title:         primary.Name,
		OriginalTitle: primary.OriginalTitle,
		Overview:      primary.Overview,
		Genres:        primary.Genres,
		InLibrary:     true,
	}
	for _, version := range group.versions {
		item.EmbyItemIDs = append(item.EmbyItemIDs, version.ID)
	}
	if primary.ProductionYear > 0 {
		year := primary.ProductionYear
		item.ReleaseYear = &year
	}
	if primary.CommunityRating > 0 {
		rating := primary.CommunityRating
		item.Rating = &rating
	}
	if primary.OfficialRating != "" {
		official := primary.OfficialRating
		item.OfficialRating = &official
		unified := unifyRating(official)
		item.UnifiedRating = &unified
	}
	for _, studio := range primary.Studios {
		item.Studios = append(item.Studios, studio.Name)
	}
	for _, person := range primary.People {
		if person.Type == "Director" {
			item.Directors = append(item.Directors, person.Name)
		}
	}
	return item
}

func mergeMovieDetails(item *catalog.MediaItem, details *tmdb.MovieDetails) {
	if details.Title != "" {
		item.Title = details.Title
	}
	if details.OriginalTitle != "" {
		item.OriginalTitle = details.OriginalTitle
	}
	if details.Overview != "" {
		item.Overview = details.Overview
	}
	if details.ReleaseDate != "" {
		date := details.ReleaseDate
		item.ReleaseDate = &date
		if year, err := strconv.Atoi(date[:4]); err == nil {
			item.ReleaseYear = &year
		}
	}
	if details.VoteAverage > 0 {
		rating := details.VoteAverage
		item.Rating = &rating
	}
	if details.PosterPath != nil {
		item.PosterPath = details.PosterPath
	}
	if details.OriginalLanguage != "" {
		lang := details.OriginalLanguage
		item.OriginalLanguage = &lang
	}
	if len(details.Genres) > 0 {
		item.Genres = nil
		for _, genre := range details.Genres {
			item.Genres = append(item.Genres, genre.Name)
		}
	}
	if len(details.ProductionCompanies) > 0 {
		item.Studios = nil
		for _, company := range details.ProductionCompanies {
			item.Studios = append(item.Studios, company.Name)
		}
	}
	for _, country := range details.ProductionCountries {
		item.Countries = append(item.Countries, translateCountry(country.ISO31661))
	}
	if details.Credits != nil {
		item.Directors = nil
		for _, crew := range details.Credits.Crew {
			if crew.Job == "Director" {
				item.Directors = append(item.Directors, crew.Name)
			}
		}
	}
	if details.Keywords != nil {
		for _, keyword := range details.Keywords.Keywords {
			item.Keywords = append(item.Keywords, keyword.Name)
		}
	}
}

func mergeTVDetails(item *catalog.MediaItem, details *tmdb.TVDetails) {
	if details.Name != "" {
		item.Title = details.Name
	}
	if details.OriginalName != "" {
		item.OriginalTitle = details.OriginalName
	}
	if details.Overview != "" {
		item.Overview = details.Overview
	}
	if details.FirstAirDate != "" {
		date := details.FirstAirDate
		item.ReleaseDate = &date
		if year, err := strconv.Atoi(date[:4]); err == nil {
			item.ReleaseYear = &year
		}
	}
	if details.VoteAverage > 0 {
		rating := details.VoteAverage
		item.Rating = &rating
	}
	if details.PosterPath != nil {
		item.PosterPath = details.PosterPath
	}
	if details.OriginalLanguage != "" {
		lang := details.OriginalLanguage
		item.OriginalLanguage = &lang
	}
	if len(details.Genres) > 0 {
		item.Genres = nil
		for _, genre := range details.Genres {
			item.Genres = append(item.Genres, genre.Name)
		}
	}
	if len(details.Networks) > 0 {
		item.Studios = nil
		for _, network := range details.Networks {
			item.Studios = append(item.Studios, network.Name)
		}
	}
	for _, code := range details.OriginCountry {
		item.Countries = append(item.Countries, translateCountry(code))
	}
	if len(details.CreatedBy) > 0 {
		item.Directors = nil
		for _, creator := range details.CreatedBy {
			item.Directors = append(item.Directors, creator.Name)
		}
	}
	if details.Keywords != nil {
		for _, keyword := range details.Keywords.Results {
			item.Keywords = append(item.Keywords, keyword.Name)
		}
	}
}

// composeEpisode builds one episode row aggregating all local versions.
// The upstream name and overview take precedence when present.
func composeEpisode(seriesTmdbID string, episode tmdb.EpisodeStub, versions []emby.Item) *catalog.MediaItem {
	seasonNumber := episode.SeasonNumber
	episodeNumber := episode.EpisodeNumber

	tmdbID := strconv.Itoa(episode.ID)
	if episode.ID == 0 {
		tmdbID = fmt.Sprintf("%s-s%02de%02d", seriesTmdbID, seasonNumber, episodeNumber)
	}

	row := &catalog.MediaItem{
		TmdbID:             tmdbID,
		ItemType:           catalog.ItemTypeEpisode,
		Title:              episode.Name,
		Overview:           episode.Overview,
		ParentSeriesTmdbID: &seriesTmdbID,
		SeasonNumber:       &seasonNumber,
		EpisodeNumber:      &episodeNumber,
	}
	if episode.AirDate != "" {
		airDate := episode.AirDate
		row.ReleaseDate = &airDate
	}

	for _, version := range versions {
		row.EmbyItemIDs = append(row.EmbyItemIDs, version.ID)
		row.AssetDetails = append(row.AssetDetails, catalog.ParseAssetDetail(version))
		if row.Title == "" {
			row.Title = version.Name
		}
		if row.Overview == "" {
			row.Overview = version.Overview
		}
	}
	row.InLibrary = len(row.EmbyItemIDs) > 0
	return row
}

func collectForSeries(bucket map[string][]emby.Item, seriesEmbyIDs map[string]bool) []emby.Item {
	var collected []emby.Item
	for seriesID, items := range bucket {
		if seriesEmbyIDs[seriesID] {
			collected = append(collected, items...)
		}
	}
	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].ID < collected[j].ID
	})
	return collected
}

// SyncEpisodes is the targeted top-up invoked when a webhook reports new
// episodes: it syncs assets for exactly those episodes, refreshes the
// series row and notifies the user.
func (s *Service) SyncEpisodes(ctx context.Context, seriesEmbyID string, episodeIDs []string) error {
	series, err := s.emby.GetItem(ctx, seriesEmbyID)
	if err != nil {
		return fmt.Errorf("failed to fetch series %s: %w", seriesEmbyID, err)
	}
	seriesTmdbID := series.ProviderIDs["Tmdb"]
	if seriesTmdbID == "" {
		return fmt.Errorf("series %s has no tmdb id", seriesEmbyID)
	}

	episodes, err := s.emby.GetItemsByIDs(ctx, episodeIDs)
	if err != nil {
		return fmt.Errorf("failed to fetch episodes: %w", err)
	}

	var synced []string
	for _, ep := range episodes {
		if ep.ParentIndexNumber == nil || ep.IndexNumber == nil {
			continue
		}
		seasonNumber, episodeNumber := *ep.ParentIndexNumber, *ep.IndexNumber

		tmdbID := ep.ProviderIDs["Tmdb"]
		if tmdbID == "" {
			tmdbID = fmt.Sprintf("%s-s%02de%02d", seriesTmdbID, seasonNumber, episodeNumber)
		}

		row := &catalog.MediaItem{
			TmdbID:             tmdbID,
			ItemType:           catalog.ItemTypeEpisode,
			Title:              ep.Name,
			Overview:           ep.Overview,
			InLibrary:          true,
			EmbyItemIDs:        []string{ep.ID},
			AssetDetails:       []catalog.AssetDetail{catalog.ParseAssetDetail(ep)},
			ParentSeriesTmdbID: &seriesTmdbID,
			SeasonNumber:       &seasonNumber,
			EpisodeNumber:      &episodeNumber,
		}
		if err := s.store.Upsert(ctx, row); err != nil {
			s.logger.Warn().Err(err).Str("episode", ep.ID).Msg("episode top-up failed")
			continue
		}
		synced = append(synced, fmt.Sprintf("S%02dE%02d", seasonNumber, episodeNumber))
	}

	if err := s.store.TouchLastSynced(ctx, catalog.Key{TmdbID: seriesTmdbID, ItemType: catalog.ItemTypeSeries}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to touch series row")
	}

	if s.notifier != nil && len(synced) > 0 {
		msg := fmt.Sprintf("📺 %s 新增剧集: %v", series.Name, synced)
		if err := s.notifier.SendText(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("notification failed")
		}
	}

	s.logger.Info().Str("series", series.Name).Int("count", len(synced)).Msg("episode top-up complete")
	return nil
}
