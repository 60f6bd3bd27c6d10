package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a collection row does not exist.
var ErrNotFound = errors.New("collection not found")

// Store persists custom_collections and user_collection_cache rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a collection store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

const collectionColumns = `id, name, type, definition_json, enabled, emby_collection_id, item_type,
	last_synced_at, in_library_count, missing_count, health_status, generated_media_info_json`

// Create inserts a collection definition.
func (s *Store) Create(ctx context.Context, c *Collection) error {
	generated, err := encodeGenerated(c.GeneratedMediaInfo)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_collections
			(name, type, definition_json, enabled, emby_collection_id, item_type,
			 last_synced_at, in_library_count, missing_count, health_status, generated_media_info_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Type, string(c.Definition), c.Enabled, nullStr(c.EmbyCollectionID), c.ItemType,
		nullTime(c.LastSyncedAt), c.InLibraryCount, c.MissingCount, healthOrDefault(c.HealthStatus), generated)
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", c.Name, err)
	}
	c.ID, _ = result.LastInsertId()
	return nil
}

// Update persists the full collection row after a build.
func (s *Store) Update(ctx context.Context, c *Collection) error {
	generated, err := encodeGenerated(c.GeneratedMediaInfo)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE custom_collections SET
			name = ?, type = ?, definition_json = ?, enabled = ?, emby_collection_id = ?,
			item_type = ?, last_synced_at = ?, in_library_count = ?, missing_count = ?,
			health_status = ?, generated_media_info_json = ?
		WHERE id = ?`,
		c.Name, c.Type, string(c.Definition), c.Enabled, nullStr(c.EmbyCollectionID),
		c.ItemType, nullTime(c.LastSyncedAt), c.InLibraryCount, c.MissingCount,
		healthOrDefault(c.HealthStatus), generated, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update collection %d: %w", c.ID, err)
	}
	return nil
}

// Get returns one collection by id.
func (s *Store) Get(ctx context.Context, id int64) (*Collection, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+collectionColumns+" FROM custom_collections WHERE id = ?", id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListEnabled returns all enabled collections.
func (s *Store) ListEnabled(ctx context.Context) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+collectionColumns+" FROM custom_collections WHERE enabled = 1 ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// UpsertUserCache writes one user's visible subset for a collection.
func (s *Store) UpsertUserCache(ctx context.Context, cache *UserCache) error {
	visible, err := json.Marshal(cache.VisibleEmbyIDs)
	if err != nil {
		return fmt.Errorf("failed to encode visible ids: %w", err)
	}
	cache.LastUpdatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_collection_cache (user_id, collection_id, visible_emby_ids_json, total_count, last_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, collection_id) DO UPDATE SET
			visible_emby_ids_json = excluded.visible_emby_ids_json,
			total_count = excluded.total_count,
			last_updated_at = excluded.last_updated_at`,
		cache.UserID, cache.CollectionID, string(visible), cache.TotalCount, cache.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user cache (%s, %d): %w", cache.UserID, cache.CollectionID, err)
	}
	return nil
}

// GetUserCache returns one user's cached visible subset. This is the only
// read path for per-user collection contents.
func (s *Store) GetUserCache(ctx context.Context, userID string, collectionID int64) (*UserCache, error) {
	var (
		cache   UserCache
		visible string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, collection_id, visible_emby_ids_json, total_count, last_updated_at
		FROM user_collection_cache WHERE user_id = ? AND collection_id = ?`,
		userID, collectionID).
		Scan(&cache.UserID, &cache.CollectionID, &visible, &cache.TotalCount, &cache.LastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user cache: %w", err)
	}
	if err := json.Unmarshal([]byte(visible), &cache.VisibleEmbyIDs); err != nil {
		return nil, fmt.Errorf("failed to decode visible ids: %w", err)
	}
	return &cache, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCollection(row scannable) (*Collection, error) {
	var (
		c          Collection
		definition string
		embyID     sql.NullString
		lastSynced sql.NullTime
		generated  sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Type, &definition, &c.Enabled, &embyID, &c.ItemType,
		&lastSynced, &c.InLibraryCount, &c.MissingCount, &c.HealthStatus, &generated)
	if err != nil {
		return nil, err
	}
	c.Definition = json.RawMessage(definition)
	if embyID.Valid {
		v := embyID.String
		c.EmbyCollectionID = &v
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		c.LastSyncedAt = &t
	}
	if generated.Valid && generated.String != "" {
		if err := json.Unmarshal([]byte(generated.String), &c.GeneratedMediaInfo); err != nil {
			return nil, fmt.Errorf("failed to decode generated media info: %w", err)
		}
	}
	return &c, nil
}

func encodeGenerated(items []GeneratedItem) (string, error) {
	if items == nil {
		items = []GeneratedItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode generated media info: %w", err)
	}
	return string(raw), nil
}

func healthOrDefault(status string) string {
	if status == "" {
		return HealthOK
	}
	return status
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
