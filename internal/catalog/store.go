package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a catalog row does not exist.
var ErrNotFound = errors.New("catalog row not found")

// Store persists media_metadata rows.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a catalog store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "catalog").Logger(),
		now:    time.Now,
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const mediaColumns = `tmdb_id, item_type, title, original_title, release_year, release_date,
	rating, official_rating, unified_rating, overview, poster_path, original_language,
	genres_json, directors_json, studios_json, countries_json, keywords_json,
	in_library, emby_item_ids_json, emby_children_details_json, asset_details_json,
	subscription_status, subscription_sources_json, parent_series_tmdb_id,
	season_number, episode_number, ignore_reason, last_synced_at`

// Upsert writes one row keyed on (tmdb_id, item_type).
//
// emby_item_ids_json is merged as a set union with the stored value, never
// replaced. ignore_reason is cleared and last_synced_at refreshed on every
// upsert. On first insert subscription_status defaults to NONE unless the
// item carries another status.
func (s *Store) Upsert(ctx context.Context, item *MediaItem) error {
	return s.upsert(ctx, s.db, item)
}

func (s *Store) upsert(ctx context.Context, q querier, item *MediaItem) error {
	var existingIDs string
	err := q.QueryRowContext(ctx,
		"SELECT emby_item_ids_json FROM media_metadata WHERE tmdb_id = ? AND item_type = ?",
		item.TmdbID, string(item.ItemType)).Scan(&existingIDs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read existing row: %w", err)
	}

	mergedIDs := unionIDs(decodeList(existingIDs), item.EmbyItemIDs)
	item.EmbyItemIDs = mergedIDs

	var childrenJSON sql.NullString
	if item.EmbyChildren != nil {
		raw, err := encodeJSON(item.EmbyChildren)
		if err != nil {
			return err
		}
		childrenJSON = sql.NullString{String: raw, Valid: true}
	}
	var assetsJSON sql.NullString
	if item.AssetDetails != nil {
		raw, err := encodeJSON(item.AssetDetails)
		if err != nil {
			return err
		}
		assetsJSON = sql.NullString{String: raw, Valid: true}
	}

	status := item.SubscriptionStatus
	if status == "" {
		status = SubscriptionNone
	}

	now := s.now().UTC()

	_, err = q.ExecContext(ctx, `
		INSERT INTO media_metadata (`+mediaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT (tmdb_id, item_type) DO UPDATE SET
			title = excluded.title,
			original_title = excluded.original_title,
			release_year = excluded.release_year,
			release_date = excluded.release_date,
			rating = excluded.rating,
			official_rating = excluded.official_rating,
			unified_rating = excluded.unified_rating,
			overview = excluded.overview,
			poster_path = excluded.poster_path,
			original_language = excluded.original_language,
			genres_json = excluded.genres_json,
			directors_json = excluded.directors_json,
			studios_json = excluded.studios_json,
			countries_json = excluded.countries_json,
			keywords_json = excluded.keywords_json,
			in_library = excluded.in_library,
			emby_item_ids_json = excluded.emby_item_ids_json,
			emby_children_details_json = COALESCE(excluded.emby_children_details_json, media_metadata.emby_children_details_json),
			asset_details_json = COALESCE(excluded.asset_details_json, media_metadata.asset_details_json),
			parent_series_tmdb_id = excluded.parent_series_tmdb_id,
			season_number = excluded.season_number,
			episode_number = excluded.episode_number,
			ignore_reason = NULL,
			last_synced_at = excluded.last_synced_at`,
		item.TmdbID, string(item.ItemType), item.Title, item.OriginalTitle,
		nullInt(item.ReleaseYear), nullString(item.ReleaseDate),
		nullFloat(item.Rating), nullString(item.OfficialRating), nullString(item.UnifiedRating),
		item.Overview, nullString(item.PosterPath), nullString(item.OriginalLanguage),
		encodeList(item.Genres), encodeList(item.Directors), encodeList(item.Studios),
		encodeList(item.Countries), encodeList(item.Keywords),
		item.InLibrary, encodeList(mergedIDs), childrenJSON, assetsJSON,
		string(status), encodeList(item.SubscriptionSources),
		nullString(item.ParentSeriesTmdbID), nullInt(item.SeasonNumber), nullInt(item.EpisodeNumber),
		now)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", item.TmdbID, item.ItemType, err)
	}

	item.LastSyncedAt = &now
	return nil
}

// Batch wraps a transaction with a SAVEPOINT per row so one bad row does
// not abort the batch.
type Batch struct {
	tx    *sql.Tx
	store *Store
	n     int
}

// BeginBatch opens a batch transaction.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &Batch{tx: tx, store: s}, nil
}

// Upsert writes one row inside the batch. A row-local failure rolls back
// to the row's savepoint, logs, and returns the error so the caller can
// count it; the batch itself continues.
func (b *Batch) Upsert(ctx context.Context, item *MediaItem) error {
	b.n++
	savepoint := fmt.Sprintf("sp_%d", b.n)

	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := b.store.upsert(ctx, b.tx, item); err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		b.store.logger.Warn().Err(err).Str("tmdbId", item.TmdbID).Str("type", string(item.ItemType)).
			Msg("row failed, rolled back to savepoint")
		return err
	}
	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// Commit commits the batch.
func (b *Batch) Commit() error {
	return b.tx.Commit()
}

// Rollback aborts the batch.
func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// GetByKey returns one row by its composite key.
func (s *Store) GetByKey(ctx context.Context, key Key) (*MediaItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, "+mediaColumns+" FROM media_metadata WHERE tmdb_id = ? AND item_type = ?",
		key.TmdbID, string(key.ItemType))
	return scanMediaItem(row)
}

// ListInLibraryKeys returns the composite keys of all in-library rows of
// the given types.
func (s *Store) ListInLibraryKeys(ctx context.Context, types ...ItemType) (map[Key]bool, error) {
	query := "SELECT tmdb_id, item_type FROM media_metadata WHERE in_library = 1"
	args := make([]any, 0, len(types))
	if len(types) > 0 {
		query += " AND item_type IN (?" + repeat(",?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-library keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[Key]bool)
	for rows.Next() {
		var k Key
		var itemType string
		if err := rows.Scan(&k.TmdbID, &itemType); err != nil {
			return nil, err
		}
		k.ItemType = ItemType(itemType)
		keys[k] = true
	}
	return keys, rows.Err()
}

// ListInLibrary returns full rows for all in-library items of the given
// types, used by filter-driven collection evaluation.
func (s *Store) ListInLibrary(ctx context.Context, types ...ItemType) ([]*MediaItem, error) {
	query := "SELECT id, " + mediaColumns + " FROM media_metadata WHERE in_library = 1"
	args := make([]any, 0, len(types))
	if len(types) > 0 {
		query += " AND item_type IN (?" + repeat(",?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-library items: %w", err)
	}
	defer rows.Close()

	var items []*MediaItem
	for rows.Next() {
		item, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Retire marks rows as out of library and clears their Emby ids. For
// Movie/Series rows the descendants (seasons and episodes of the series)
// are cleared as well.
func (s *Store) Retire(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`UPDATE media_metadata SET in_library = 0, emby_item_ids_json = '[]'
			 WHERE tmdb_id = ? AND item_type = ?`,
			key.TmdbID, string(key.ItemType)); err != nil {
			return fmt.Errorf("failed to retire %s/%s: %w", key.TmdbID, key.ItemType, err)
		}
		if key.ItemType == ItemTypeSeries {
			if _, err := tx.ExecContext(ctx,
				`UPDATE media_metadata SET in_library = 0, emby_item_ids_json = '[]'
				 WHERE parent_series_tmdb_id = ?`,
				key.TmdbID); err != nil {
				return fmt.Errorf("failed to retire descendants of %s: %w", key.TmdbID, err)
			}
		}
	}

	return tx.Commit()
}

// UpdateChildrenDetails rewrites the flattened children list of a series.
func (s *Store) UpdateChildrenDetails(ctx context.Context, seriesTmdbID string, children []ChildDetail) error {
	raw, err := encodeJSON(children)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE media_metadata SET emby_children_details_json = ? WHERE tmdb_id = ? AND item_type = ?",
		raw, seriesTmdbID, string(ItemTypeSeries))
	return err
}

// UpdateDirectors replaces the directors list of one row.
func (s *Store) UpdateDirectors(ctx context.Context, key Key, directors []string) error {
	raw, err := encodeJSON(directors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE media_metadata SET directors_json = ? WHERE tmdb_id = ? AND item_type = ?",
		raw, key.TmdbID, string(key.ItemType))
	return err
}

// UpdatePosterPath sets the poster path of one row.
func (s *Store) UpdatePosterPath(ctx context.Context, key Key, posterPath string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE media_metadata SET poster_path = ? WHERE tmdb_id = ? AND item_type = ?",
		posterPath, key.TmdbID, string(key.ItemType))
	return err
}

// SetSubscriptionStatus sets the status and adds source to the sources
// list when non-empty.
func (s *Store) SetSubscriptionStatus(ctx context.Context, key Key, status SubscriptionStatus, source string) error {
	item, err := s.GetByKey(ctx, key)
	if err != nil {
		return err
	}

	sources := item.SubscriptionSources
	if source != "" {
		found := false
		for _, existing := range sources {
			if existing == source {
				found = true
				break
			}
		}
		if !found {
			sources = append(sources, source)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE media_metadata SET subscription_status = ?, subscription_sources_json = ?
		 WHERE tmdb_id = ? AND item_type = ?`,
		string(status), encodeList(sources), key.TmdbID, string(key.ItemType))
	return err
}

// RemoveSubscriptionSource removes source from the given rows' source
// lists; a row whose list becomes empty drops back to NONE unless already
// SUBSCRIBED or IGNORED.
func (s *Store) RemoveSubscriptionSource(ctx context.Context, tmdbIDs []string, source string) error {
	for _, tmdbID := range tmdbIDs {
		rows, err := s.db.QueryContext(ctx,
			"SELECT item_type, subscription_status, subscription_sources_json FROM media_metadata WHERE tmdb_id = ?",
			tmdbID)
		if err != nil {
			return err
		}

		type update struct {
			itemType string
			status   string
			sources  string
		}
		var updates []update

		for rows.Next() {
			var itemType, status, sourcesRaw string
			if err := rows.Scan(&itemType, &status, &sourcesRaw); err != nil {
				rows.Close()
				return err
			}
			sources := decodeList(sourcesRaw)
			filtered := sources[:0]
			removed := false
			for _, existing := range sources {
				if existing == source {
					removed = true
					continue
				}
				filtered = append(filtered, existing)
			}
			if !removed {
				continue
			}
			newStatus := status
			if len(filtered) == 0 && status != string(SubscriptionSubscribed) && status != string(SubscriptionIgnored) {
				newStatus = string(SubscriptionNone)
			}
			updates = append(updates, update{itemType: itemType, status: newStatus, sources: encodeList(filtered)})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, u := range updates {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE media_metadata SET subscription_status = ?, subscription_sources_json = ?
				 WHERE tmdb_id = ? AND item_type = ?`,
				u.status, u.sources, tmdbID, u.itemType); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnsureSeriesPlaceholder inserts a minimal out-of-library Series row when
// no row exists, so season rows can resolve their parent.
func (s *Store) EnsureSeriesPlaceholder(ctx context.Context, tmdbID, title string) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM media_metadata WHERE tmdb_id = ? AND item_type = ?",
		tmdbID, string(ItemTypeSeries)).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	placeholder := &MediaItem{
		TmdbID:    tmdbID,
		ItemType:  ItemTypeSeries,
		Title:     title,
		InLibrary: false,
	}
	return s.Upsert(ctx, placeholder)
}

// GetSeasonByNumber returns the season row of a series by season number.
func (s *Store) GetSeasonByNumber(ctx context.Context, seriesTmdbID string, seasonNumber int) (*MediaItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, "+mediaColumns+` FROM media_metadata
		 WHERE item_type = ? AND parent_series_tmdb_id = ? AND season_number = ?`,
		string(ItemTypeSeason), seriesTmdbID, seasonNumber)
	return scanMediaItem(row)
}

// InLibrarySeasonSet returns the set of (series_tmdb_id, season_number)
// pairs currently in library.
func (s *Store) InLibrarySeasonSet(ctx context.Context) (map[string]map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_series_tmdb_id, season_number FROM media_metadata
		 WHERE item_type = ? AND in_library = 1 AND parent_series_tmdb_id IS NOT NULL AND season_number IS NOT NULL`,
		string(ItemTypeSeason))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]map[int]bool)
	for rows.Next() {
		var seriesID string
		var season int
		if err := rows.Scan(&seriesID, &season); err != nil {
			return nil, err
		}
		if set[seriesID] == nil {
			set[seriesID] = make(map[int]bool)
		}
		set[seriesID][season] = true
	}
	return set, rows.Err()
}

// TouchLastSynced refreshes last_synced_at for a row.
func (s *Store) TouchLastSynced(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE media_metadata SET last_synced_at = ? WHERE tmdb_id = ? AND item_type = ?",
		s.now().UTC(), key.TmdbID, string(key.ItemType))
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMediaItem(row scannable) (*MediaItem, error) {
	var (
		item              MediaItem
		itemType          string
		releaseYear       sql.NullInt64
		releaseDate       sql.NullString
		rating            sql.NullFloat64
		officialRating    sql.NullString
		unifiedRating     sql.NullString
		posterPath        sql.NullString
		originalLanguage  sql.NullString
		genres            string
		directors         string
		studios           string
		countries         string
		keywords          string
		embyIDs           string
		children          sql.NullString
		assets            sql.NullString
		status            string
		sources           string
		parentSeries      sql.NullString
		seasonNumber      sql.NullInt64
		episodeNumber     sql.NullInt64
		ignoreReason      sql.NullString
		lastSyncedAt      sql.NullTime
	)

	err := row.Scan(&item.ID, &item.TmdbID, &itemType, &item.Title, &item.OriginalTitle,
		&releaseYear, &releaseDate, &rating, &officialRating, &unifiedRating,
		&item.Overview, &posterPath, &originalLanguage,
		&genres, &directors, &studios, &countries, &keywords,
		&item.InLibrary, &embyIDs, &children, &assets,
		&status, &sources, &parentSeries, &seasonNumber, &episodeNumber,
		&ignoreReason, &lastSyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan media item: %w", err)
	}

	item.ItemType = ItemType(itemType)
	item.ReleaseYear = intPtr(releaseYear)
	item.ReleaseDate = strPtr(releaseDate)
	item.Rating = floatPtr(rating)
	item.OfficialRating = strPtr(officialRating)
	item.UnifiedRating = strPtr(unifiedRating)
	item.PosterPath = strPtr(posterPath)
	item.OriginalLanguage = strPtr(originalLanguage)
	item.Genres = decodeList(genres)
	item.Directors = decodeList(directors)
	item.Studios = decodeList(studios)
	item.Countries = decodeList(countries)
	item.Keywords = decodeList(keywords)
	item.EmbyItemIDs = decodeList(embyIDs)
	if children.Valid {
		_ = json.Unmarshal([]byte(children.String), &item.EmbyChildren)
	}
	if assets.Valid {
		_ = json.Unmarshal([]byte(assets.String), &item.AssetDetails)
	}
	item.SubscriptionStatus = SubscriptionStatus(status)
	item.SubscriptionSources = decodeList(sources)
	item.ParentSeriesTmdbID = strPtr(parentSeries)
	item.SeasonNumber = intPtr(seasonNumber)
	item.EpisodeNumber = intPtr(episodeNumber)
	item.IgnoreReason = strPtr(ignoreReason)
	item.LastSyncedAt = timePtr(lastSyncedAt)

	return &item, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
