package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
)

const visibilityPoolWidth = 10

// EmbyClient is the slice of the media server client the builder uses.
type EmbyClient interface {
	CreateOrUpdateCollection(ctx context.Context, name string, orderedIDs []string) (string, error)
	GetAllUsers(ctx context.Context) ([]emby.User, error)
	GetUserAccessibleItems(ctx context.Context, userID string, ids []string) ([]string, error)
}

// ListImporter resolves a list definition to an ordered item list.
type ListImporter interface {
	Import(ctx context.Context, def ListDefinition) ([]ImportedItem, error)
}

// CoverGenerator renders a collection cover. May be nil.
type CoverGenerator interface {
	GenerateForLibrary(ctx context.Context, collectionID, badge string, contentTypes []string) error
}

// Builder evaluates collection definitions and reconciles them with the
// media server.
type Builder struct {
	store    *Store
	catalog  *catalog.Store
	importer ListImporter
	emby     EmbyClient
	covers   CoverGenerator
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBuilder creates a collection builder.
func NewBuilder(store *Store, catalogStore *catalog.Store, importer ListImporter,
	embyClient EmbyClient, covers CoverGenerator, logger zerolog.Logger) *Builder {
	return &Builder{
		store:    store,
		catalog:  catalogStore,
		importer: importer,
		emby:     embyClient,
		covers:   covers,
		logger:   logger.With().Str("component", "collections").Logger(),
		now:      time.Now,
	}
}

// RunOptions tunes one build run.
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

// BuildAll rebuilds every enabled collection. Per-collection failures are
// logged and the run continues.
func (b *Builder) BuildAll(ctx context.Context, opts RunOptions) error {
	collections, err := b.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	for i, c := range collections {
		if opts.stop() {
			return nil
		}
		if err := b.Build(ctx, c); err != nil {
			b.logger.Warn().Err(err).Str("collection", c.Name).Msg("build failed, continuing")
		}
		opts.progress(((i+1)*100)/len(collections), fmt.Sprintf("合集 %d/%d", i+1, len(collections)))
	}
	return nil
}

// Build evaluates one collection end to end: import or filter, reconcile
// with the server, run health analysis, and refresh per-user caches.
func (b *Builder) Build(ctx context.Context, c *Collection) error {
	var (
		generated []GeneratedItem
		globalIDs []string
		err       error
	)

	switch c.Type {
	case TypeList:
		generated, globalIDs, err = b.buildList(ctx, c)
	case TypeFilter:
		generated, globalIDs, err = b.buildFilter(ctx, c)
	default:
		return fmt.Errorf("unknown collection type %q", c.Type)
	}
	if err != nil {
		return err
	}

	collectionID, err := b.emby.CreateOrUpdateCollection(ctx, c.Name, globalIDs)
	if err != nil {
		return fmt.Errorf("failed to reconcile collection %q: %w", c.Name, err)
	}
	c.EmbyCollectionID = &collectionID

	b.cleanupRemovedSources(ctx, c, generated)

	inLibrary, missing := 0, 0
	for _, item := range generated {
		if item.Status == ItemInLibrary {
			inLibrary++
		} else {
			missing++
		}
	}
	c.InLibraryCount = inLibrary
	c.MissingCount = missing
	c.HealthStatus = HealthOK
	if missing > 0 {
		c.HealthStatus = HealthHasMissing
	}
	c.GeneratedMediaInfo = generated
	now := b.now().UTC()
	c.LastSyncedAt = &now

	if err := b.store.Update(ctx, c); err != nil {
		return err
	}

	if err := b.refreshUserCaches(ctx, c, globalIDs); err != nil {
		b.logger.Warn().Err(err).Str("collection", c.Name).Msg("user cache refresh failed")
	}

	if b.covers != nil {
		contentTypes := []string{c.ItemType}
		if err := b.covers.GenerateForLibrary(ctx, collectionID, BadgeText(c), contentTypes); err != nil {
			b.logger.Warn().Err(err).Str("collection", c.Name).Msg("cover generation failed")
		}
	}

	b.logger.Info().Str("collection", c.Name).Int("inLibrary", inLibrary).Int("missing", missing).
		Msg("collection built")
	return nil
}

// buildList imports the source, applies corrections, joins to local ids
// and classifies missing items.
func (b *Builder) buildList(ctx context.Context, c *Collection) ([]GeneratedItem, []string, error) {
	var def ListDefinition
	if err := decodeDefinition(c.Definition, &def); err != nil {
		return nil, nil, err
	}

	imported, err := b.importer.Import(ctx, def)
	if err != nil {
		return nil, nil, fmt.Errorf("list import failed: %w", err)
	}

	items, reverse := applyCorrections(imported, def.Corrections)

	seasonSet, err := b.catalog.InLibrarySeasonSet(ctx)
	if err != nil {
		return nil, nil, err
	}

	source := sourceTag(c)
	today := b.now().UTC().Format("2006-01-02")

	var generated []GeneratedItem
	var globalIDs []string

	for _, item := range items {
		entry := GeneratedItem{
			TmdbID:      item.TmdbID,
			ItemType:    item.MediaType,
			Season:      item.Season,
			Title:       item.Title,
			ReleaseDate: item.ReleaseDate,
			PosterPath:  item.PosterPath,
		}

		embyID := b.resolveLocalID(ctx, item, reverse, seasonSet)
		if embyID != "" {
			entry.Status = ItemInLibrary
			entry.EmbyID = embyID
			globalIDs = append(globalIDs, embyID)
			generated = append(generated, entry)
			continue
		}

		// Season-in-library check without a direct id.
		if item.MediaType == "Series" && item.Season != nil && seasonSet[item.TmdbID][*item.Season] {
			entry.Status = ItemInLibrary
			generated = append(generated, entry)
			continue
		}

		entry.Status = classifyMissing(item.ReleaseDate, today)
		generated = append(generated, entry)

		b.markMissing(ctx, item, entry.Status, source)
	}

	return generated, globalIDs, nil
}

// resolveLocalID finds the media server id for a list item, falling back
// to the reverse-corrections map.
func (b *Builder) resolveLocalID(ctx context.Context, item ImportedItem,
	reverse map[string]string, seasonSet map[string]map[int]bool) string {
	if item.Season != nil {
		// Season entries resolve through the season set, never by id.
		return ""
	}

	for _, tmdbID := range []string{item.TmdbID, reverse[item.TmdbID]} {
		if tmdbID == "" {
			continue
		}
		row, err := b.catalog.GetByKey(ctx, catalog.Key{TmdbID: tmdbID, ItemType: catalog.ItemType(item.MediaType)})
		if err != nil {
			continue
		}
		if row.InLibrary && len(row.EmbyItemIDs) > 0 {
			return row.EmbyItemIDs[0]
		}
	}
	return ""
}

// markMissing writes the subscription status for a missing item. Missing
// seasons first ensure the parent series exists as a placeholder row.
func (b *Builder) markMissing(ctx context.Context, item ImportedItem, status, source string) {
	subStatus := catalog.SubscriptionWanted
	if status == ItemMissingUnreleased {
		subStatus = catalog.SubscriptionPendingRelease
	}

	if item.MediaType == "Series" && item.Season != nil {
		if err := b.catalog.EnsureSeriesPlaceholder(ctx, item.TmdbID, item.Title); err != nil {
			b.logger.Warn().Err(err).Str("series", item.Title).Msg("failed to ensure series placeholder")
			return
		}
		seasonRow, err := b.catalog.GetSeasonByNumber(ctx, item.TmdbID, *item.Season)
		if err != nil {
			// No season row yet; create a placeholder keyed off the series.
			seasonNumber := *item.Season
			seasonRow = &catalog.MediaItem{
				TmdbID:             fmt.Sprintf("%s-s%d", item.TmdbID, seasonNumber),
				ItemType:           catalog.ItemTypeSeason,
				Title:              fmt.Sprintf("%s 第%d季", item.Title, seasonNumber),
				ParentSeriesTmdbID: &item.TmdbID,
				SeasonNumber:       &seasonNumber,
			}
			if item.ReleaseDate != "" {
				date := item.ReleaseDate
				seasonRow.ReleaseDate = &date
			}
			if err := b.catalog.Upsert(ctx, seasonRow); err != nil {
				b.logger.Warn().Err(err).Str("series", item.Title).Msg("failed to create season placeholder")
				return
			}
		}
		key := catalog.Key{TmdbID: seasonRow.TmdbID, ItemType: catalog.ItemTypeSeason}
		if err := b.catalog.SetSubscriptionStatus(ctx, key, subStatus, source); err != nil {
			b.logger.Warn().Err(err).Str("series", item.Title).Msg("failed to mark season")
		}
		return
	}

	key := catalog.Key{TmdbID: item.TmdbID, ItemType: catalog.ItemType(item.MediaType)}
	if _, err := b.catalog.GetByKey(ctx, key); err != nil {
		// Absent rows get a minimal out-of-library record so the status
		// has somewhere to live.
		row := &catalog.MediaItem{
			TmdbID:   item.TmdbID,
			ItemType: catalog.ItemType(item.MediaType),
			Title:    item.Title,
		}
		if item.ReleaseDate != "" {
			date := item.ReleaseDate
			row.ReleaseDate = &date
		}
		if item.PosterPath != "" {
			poster := item.PosterPath
			row.PosterPath = &poster
		}
		if err := b.catalog.Upsert(ctx, row); err != nil {
			b.logger.Warn().Err(err).Str("item", item.Title).Msg("failed to create missing-item row")
			return
		}
	}
	if err := b.catalog.SetSubscriptionStatus(ctx, key, subStatus, source); err != nil {
		b.logger.Warn().Err(err).Str("item", item.Title).Msg("failed to mark item")
	}
}

// buildFilter evaluates the predicate tree over in-library rows; items
// come with their local ids, so no join or health analysis happens.
func (b *Builder) buildFilter(ctx context.Context, c *Collection) ([]GeneratedItem, []string, error) {
	var def FilterDefinition
	if err := decodeDefinition(c.Definition, &def); err != nil {
		return nil, nil, err
	}

	types := []catalog.ItemType{catalog.ItemTypeMovie, catalog.ItemTypeSeries}
	if c.ItemType == "Movie" || c.ItemType == "Series" {
		types = []catalog.ItemType{catalog.ItemType(c.ItemType)}
	}
	rows, err := b.catalog.ListInLibrary(ctx, types...)
	if err != nil {
		return nil, nil, err
	}

	var generated []GeneratedItem
	var globalIDs []string
	for _, row := range rows {
		if !def.Rules.Matches(row) || len(row.EmbyItemIDs) == 0 {
			continue
		}
		entry := GeneratedItem{
			TmdbID:   row.TmdbID,
			ItemType: string(row.ItemType),
			Title:    row.Title,
			EmbyID:   row.EmbyItemIDs[0],
			Status:   ItemInLibrary,
		}
		if row.ReleaseDate != nil {
			entry.ReleaseDate = *row.ReleaseDate
		}
		if row.PosterPath != nil {
			entry.PosterPath = *row.PosterPath
		}
		generated = append(generated, entry)
		globalIDs = append(globalIDs, row.EmbyItemIDs[0])
	}
	return generated, globalIDs, nil
}

// cleanupRemovedSources drops this collection from the subscription
// sources of items no longer on the list.
func (b *Builder) cleanupRemovedSources(ctx context.Context, c *Collection, generated []GeneratedItem) {
	current := make(map[string]bool, len(generated))
	for _, item := range generated {
		current[item.TmdbID] = true
	}

	var removed []string
	for _, previous := range c.GeneratedMediaInfo {
		if !current[previous.TmdbID] {
			removed = append(removed, previous.TmdbID)
		}
	}
	if len(removed) == 0 {
		return
	}
	if err := b.catalog.RemoveSubscriptionSource(ctx, removed, sourceTag(c)); err != nil {
		b.logger.Warn().Err(err).Str("collection", c.Name).Msg("source cleanup failed")
	}
}

// refreshUserCaches recomputes the per-user visible subsets: admins see
// the whole list, everyone else gets the server-filtered intersection, in
// global order.
func (b *Builder) refreshUserCaches(ctx context.Context, c *Collection, globalIDs []string) error {
	users, err := b.emby.GetAllUsers(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	work := make(chan emby.User)
	for i := 0; i < visibilityPoolWidth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range work {
				if err := b.refreshOneUserCache(ctx, c, user, globalIDs); err != nil {
					b.logger.Warn().Err(err).Str("user", user.Name).Msg("visibility check failed")
				}
			}
		}()
	}
	for _, user := range users {
		work <- user
	}
	close(work)
	wg.Wait()
	return nil
}

func (b *Builder) refreshOneUserCache(ctx context.Context, c *Collection, user emby.User, globalIDs []string) error {
	var visible []string
	if user.Policy.IsAdministrator {
		visible = globalIDs
	} else {
		allowed := make(map[string]bool, len(globalIDs))
		for start := 0; start < len(globalIDs); start += emby.AccessiblePageSize {
			end := start + emby.AccessiblePageSize
			if end > len(globalIDs) {
				end = len(globalIDs)
			}
			ids, err := b.emby.GetUserAccessibleItems(ctx, user.ID, globalIDs[start:end])
			if err != nil {
				return err
			}
			for _, id := range ids {
				allowed[id] = true
			}
		}
		for _, id := range globalIDs {
			if allowed[id] {
				visible = append(visible, id)
			}
		}
	}

	return b.store.UpsertUserCache(ctx, &UserCache{
		UserID:         user.ID,
		CollectionID:   c.ID,
		VisibleEmbyIDs: visible,
		TotalCount:     len(visible),
	})
}

// applyCorrections replaces source ids per the corrections map and keeps
// a reverse map for health accounting. Applying the map twice is a no-op.
func applyCorrections(items []ImportedItem, corrections map[string]CorrectionTarget) ([]ImportedItem, map[string]string) {
	reverse := make(map[string]string, len(corrections))
	if len(corrections) == 0 {
		return items, reverse
	}

	corrected := make([]ImportedItem, len(items))
	copy(corrected, items)
	for i := range corrected {
		target, ok := corrections[corrected[i].TmdbID]
		if !ok {
			continue
		}
		reverse[target.TmdbID] = corrected[i].TmdbID
		corrected[i].TmdbID = target.TmdbID
		if target.Season != nil {
			corrected[i].Season = target.Season
		}
	}
	return corrected, reverse
}

func classifyMissing(releaseDate, today string) string {
	if releaseDate == "" || releaseDate <= today {
		return ItemMissingReleased
	}
	return ItemMissingUnreleased
}

func sourceTag(c *Collection) string {
	return fmt.Sprintf("collection:%d", c.ID)
}
