package watchlist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

// ErrNotFound is returned when a watchlist row does not exist.
var ErrNotFound = errors.New("watchlist entry not found")

// Store persists watchlist rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a watchlist store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const entryColumns = `item_id, tmdb_id, item_name, item_type, status, paused_until, tmdb_status,
	next_episode_to_air_json, last_episode_to_air_json, missing_info_json,
	is_airing, force_ended, resubscribe_info_json, last_checked_at`

// Upsert writes one entry keyed on item_id.
func (s *Store) Upsert(ctx context.Context, entry *Entry) error {
	nextJSON, err := encodeNullable(entry.NextEpisodeToAir)
	if err != nil {
		return err
	}
	lastJSON, err := encodeNullable(entry.LastEpisodeToAir)
	if err != nil {
		return err
	}
	missingJSON, err := encodeNullable(entry.MissingInfo)
	if err != nil {
		return err
	}
	resubJSON, err := encodeResubscribeInfo(entry.ResubscribeInfo)
	if err != nil {
		return err
	}

	var pausedUntil sql.NullTime
	if entry.PausedUntil != nil {
		pausedUntil = sql.NullTime{Time: entry.PausedUntil.UTC(), Valid: true}
	}
	var lastChecked sql.NullTime
	if entry.LastCheckedAt != nil {
		lastChecked = sql.NullTime{Time: entry.LastCheckedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watchlist (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			tmdb_id = excluded.tmdb_id,
			item_name = excluded.item_name,
			item_type = excluded.item_type,
			status = excluded.status,
			paused_until = excluded.paused_until,
			tmdb_status = excluded.tmdb_status,
			next_episode_to_air_json = excluded.next_episode_to_air_json,
			last_episode_to_air_json = excluded.last_episode_to_air_json,
			missing_info_json = excluded.missing_info_json,
			is_airing = excluded.is_airing,
			force_ended = excluded.force_ended,
			resubscribe_info_json = excluded.resubscribe_info_json,
			last_checked_at = excluded.last_checked_at`,
		entry.ItemID, entry.TmdbID, entry.ItemName, entry.ItemType, string(entry.Status),
		pausedUntil, entry.TmdbStatus, nextJSON, lastJSON, missingJSON,
		entry.IsAiring, entry.ForceEnded, resubJSON, lastChecked)
	if err != nil {
		return fmt.Errorf("failed to upsert watchlist entry %s: %w", entry.ItemID, err)
	}
	return nil
}

// Get returns one entry by its media server item id.
func (s *Store) Get(ctx context.Context, itemID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM watchlist WHERE item_id = ?", itemID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// List returns all entries with one of the given statuses; no statuses
// means all entries.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Entry, error) {
	query := "SELECT " + entryColumns + " FROM watchlist"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?"
		for i := 1; i < len(statuses); i++ {
			query += ",?"
		}
		query += ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY item_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM watchlist WHERE item_id = ?", itemID)
	return err
}

// Exists reports whether a series is already tracked by tmdb id.
func (s *Store) Exists(ctx context.Context, tmdbID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM watchlist WHERE tmdb_id = ?", tmdbID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var (
		entry       Entry
		status      string
		pausedUntil sql.NullTime
		nextJSON    sql.NullString
		lastJSON    sql.NullString
		missingJSON sql.NullString
		resubJSON   string
		lastChecked sql.NullTime
	)
	err := row.Scan(&entry.ItemID, &entry.TmdbID, &entry.ItemName, &entry.ItemType,
		&status, &pausedUntil, &entry.TmdbStatus, &nextJSON, &lastJSON, &missingJSON,
		&entry.IsAiring, &entry.ForceEnded, &resubJSON, &lastChecked)
	if err != nil {
		return nil, err
	}

	entry.Status = Status(status)
	if pausedUntil.Valid {
		t := pausedUntil.Time
		entry.PausedUntil = &t
	}
	if nextJSON.Valid && nextJSON.String != "" && nextJSON.String != "null" {
		var stub tmdb.EpisodeStub
		if err := json.Unmarshal([]byte(nextJSON.String), &stub); err == nil {
			entry.NextEpisodeToAir = &stub
		}
	}
	if lastJSON.Valid && lastJSON.String != "" && lastJSON.String != "null" {
		var stub tmdb.EpisodeStub
		if err := json.Unmarshal([]byte(lastJSON.String), &stub); err == nil {
			entry.LastEpisodeToAir = &stub
		}
	}
	if missingJSON.Valid && missingJSON.String != "" && missingJSON.String != "null" {
		var info MissingInfo
		if err := json.Unmarshal([]byte(missingJSON.String), &info); err == nil {
			entry.MissingInfo = &info
		}
	}
	entry.ResubscribeInfo, err = decodeResubscribeInfo(resubJSON)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		entry.LastCheckedAt = &t
	}
	return &entry, nil
}

func encodeNullable(v any) (sql.NullString, error) {
	switch value := v.(type) {
	case *tmdb.EpisodeStub:
		if value == nil {
			return sql.NullString{}, nil
		}
	case *MissingInfo:
		if value == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode watchlist column: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Resubscribe timestamps are stored as RFC3339 UTC strings keyed by the
// season number in string form.
func encodeResubscribeInfo(info map[int]time.Time) (string, error) {
	encoded := make(map[string]string, len(info))
	for season, ts := range info {
		encoded[strconv.Itoa(season)] = ts.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to encode resubscribe info: %w", err)
	}
	return string(raw), nil
}

func decodeResubscribeInfo(raw string) (map[int]time.Time, error) {
	info := make(map[int]time.Time)
	if raw == "" || raw == "{}" {
		return info, nil
	}
	var encoded map[string]string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode resubscribe info: %w", err)
	}
	for key, value := range encoded {
		season, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, value)
		if err != nil {
			continue
		}
		info[season] = ts.UTC()
	}
	return info, nil
}
