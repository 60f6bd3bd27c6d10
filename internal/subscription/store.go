// Package subscription converts missing-content findings and user wishes
// into downloader subscriptions.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Request statuses.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// ErrRequestNotFound is returned when a request row does not exist.
var ErrRequestNotFound = errors.New("subscription request not found")

// Request is one subscription_requests row.
type Request struct {
	ID                 int64
	EmbyUserID         string
	TmdbID             string
	ItemType           string
	ItemName           string
	Status             string
	ProcessedBy        string
	ParentTmdbID       *string
	ParsedSeriesName   *string
	ParsedSeasonNumber *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RequestStore persists subscription requests.
type RequestStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRequestStore creates a request store.
func NewRequestStore(db *sql.DB) *RequestStore {
	return &RequestStore{db: db, now: time.Now}
}

const requestColumns = `id, emby_user_id, tmdb_id, item_type, item_name, status, processed_by,
	parent_tmdb_id, parsed_series_name, parsed_season_number, created_at, updated_at`

// Create inserts one request row.
func (s *RequestStore) Create(ctx context.Context, req *Request) error {
	now := s.now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	var parent, parsedName sql.NullString
	if req.ParentTmdbID != nil {
		parent = sql.NullString{String: *req.ParentTmdbID, Valid: true}
	}
	if req.ParsedSeriesName != nil {
		parsedName = sql.NullString{String: *req.ParsedSeriesName, Valid: true}
	}
	var parsedSeason sql.NullInt64
	if req.ParsedSeasonNumber != nil {
		parsedSeason = sql.NullInt64{Int64: int64(*req.ParsedSeasonNumber), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_requests
			(emby_user_id, tmdb_id, item_type, item_name, status, processed_by,
			 parent_tmdb_id, parsed_series_name, parsed_season_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.EmbyUserID, req.TmdbID, req.ItemType, req.ItemName, req.Status, req.ProcessedBy,
		parent, parsedName, parsedSeason, now, now)
	if err != nil {
		return fmt.Errorf("failed to create subscription request: %w", err)
	}
	req.ID, _ = result.LastInsertId()
	return nil
}

// FindActive returns the pending or approved request for a tmdb id, if
// any. Idempotency is global across users.
func (s *RequestStore) FindActive(ctx context.Context, tmdbID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM subscription_requests WHERE tmdb_id = ? AND status IN (?, ?) LIMIT 1",
		tmdbID, RequestPending, RequestApproved)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

// Get returns one request by id.
func (s *RequestStore) Get(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+requestColumns+" FROM subscription_requests WHERE id = ?", id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

// List returns requests, newest first, optionally filtered by status.
func (s *RequestStore) List(ctx context.Context, status string) ([]*Request, error) {
	query := "SELECT " + requestColumns + " FROM subscription_requests"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// SetStatus updates a request's status and processor.
func (s *RequestStore) SetStatus(ctx context.Context, id int64, status, processedBy string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE subscription_requests SET status = ?, processed_by = ?, updated_at = ? WHERE id = ?",
		status, processedBy, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update request %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (*Request, error) {
	var (
		req          Request
		parent       sql.NullString
		parsedName   sql.NullString
		parsedSeason sql.NullInt64
	)
	err := row.Scan(&req.ID, &req.EmbyUserID, &req.TmdbID, &req.ItemType, &req.ItemName,
		&req.Status, &req.ProcessedBy, &parent, &parsedName, &parsedSeason,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		v := parent.String
		req.ParentTmdbID = &v
	}
	if parsedName.Valid {
		v := parsedName.String
		req.ParsedSeriesName = &v
	}
	if parsedSeason.Valid {
		v := int(parsedSeason.Int64)
		req.ParsedSeasonNumber = &v
	}
	return &req, nil
}
