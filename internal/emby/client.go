// Package emby is the Media Server client.
package emby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotFound = errors.New("item not found on media server")
	ErrAPIError = errors.New("media server API error")
)

// AccessiblePageSize is the maximum id-list size per accessible-items query.
const AccessiblePageSize = 150

// Client is an Emby API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new Emby client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "emby").Logger(),
	}
}

// defaultFields is requested on every item query; it covers everything the
// sync and watchlist paths read.
const defaultFields = "ProviderIds,OriginalTitle,PremiereDate,CommunityRating,OfficialRating,Overview,Genres,Studios,People,ProductionYear,Path,Container,Size,MediaStreams,ParentId,SeriesId,SeasonId"

// ListItems returns all items of the given types in the given libraries in
// one sweep, paging internally.
func (c *Client) ListItems(ctx context.Context, libraryIDs []string, typeFilter []string) ([]Item, error) {
	var all []Item
	const pageSize = 1000

	for _, libraryID := range libraryIDs {
		start := 0
		for {
			params := url.Values{}
			params.Set("ParentId", libraryID)
			params.Set("Recursive", "true")
			params.Set("IncludeItemTypes", strings.Join(typeFilter, ","))
			params.Set("Fields", defaultFields)
			params.Set("StartIndex", fmt.Sprintf("%d", start))
			params.Set("Limit", fmt.Sprintf("%d", pageSize))

			var page itemsResponse
			if err := c.doGet(ctx, "/Items", params, &page); err != nil {
				return nil, fmt.Errorf("failed to list items in library %s: %w", libraryID, err)
			}

			all = append(all, page.Items...)
			start += len(page.Items)
			if len(page.Items) < pageSize || start >= page.TotalRecordCount {
				break
			}
		}
	}

	c.logger.Debug().Int("count", len(all)).Msg("listed library items")
	return all, nil
}

// GetItem fetches one item by id. Returns ErrNotFound when absent.
func (c *Client) GetItem(ctx context.Context, id string) (*Item, error) {
	params := url.Values{}
	params.Set("Ids", id)
	params.Set("Fields", defaultFields)

	var resp itemsResponse
	if err := c.doGet(ctx, "/Items", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, ErrNotFound
	}
	return &resp.Items[0], nil
}

// GetItemsByIDs fetches a batch of items by id.
func (c *Client) GetItemsByIDs(ctx context.Context, ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("Ids", strings.Join(ids, ","))
	params.Set("Fields", defaultFields)

	var resp itemsResponse
	if err := c.doGet(ctx, "/Items", params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetSeriesChildren returns all seasons and episodes of a series.
func (c *Client) GetSeriesChildren(ctx context.Context, seriesID string) ([]Item, error) {
	params := url.Values{}
	params.Set("ParentId", seriesID)
	params.Set("Recursive", "true")
	params.Set("IncludeItemTypes", "Season,Episode")
	params.Set("Fields", defaultFields)

	var resp itemsResponse
	if err := c.doGet(ctx, "/Items", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to list children of series %s: %w", seriesID, err)
	}
	return resp.Items, nil
}

// GetAllUsers returns every user known to the server.
func (c *Client) GetAllUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.doGet(ctx, "/Users", url.Values{}, &users); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// GetUserAccessibleItems filters a known id list down to the items the
// user may see. Callers page the id list in chunks of AccessiblePageSize.
func (c *Client) GetUserAccessibleItems(ctx context.Context, userID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("Ids", strings.Join(ids, ","))
	params.Set("EnableTotalRecordCount", "false")

	var resp itemsResponse
	if err := c.doGet(ctx, fmt.Sprintf("/Users/%s/Items", userID), params, &resp); err != nil {
		return nil, fmt.Errorf("failed to check accessible items for user %s: %w", userID, err)
	}

	visible := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		visible = append(visible, item.ID)
	}
	return visible, nil
}

// UpdateItemDetails pushes name/overview changes to the server. The full
// item is fetched first because Emby's update endpoint replaces the DTO.
func (c *Client) UpdateItemDetails(ctx context.Context, id string, update ItemUpdate) error {
	item, err := c.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if update.Name != "" {
		item.Name = update.Name
	}
	if update.Overview != "" {
		item.Overview = update.Overview
	}
	return c.doPost(ctx, fmt.Sprintf("/Items/%s", id), item, nil)
}

// SetUserPolicy replaces a user's policy.
func (c *Client) SetUserPolicy(ctx context.Context, userID string, policy Policy) error {
	return c.doPost(ctx, fmt.Sprintf("/Users/%s/Policy", userID), policy, nil)
}

// SetUserDisabled toggles a user's disabled flag, preserving the rest of
// the policy.
func (c *Client) SetUserDisabled(ctx context.Context, userID string, disabled bool) error {
	var user User
	if err := c.doGet(ctx, fmt.Sprintf("/Users/%s", userID), url.Values{}, &user); err != nil {
		return err
	}
	user.Policy.IsDisabled = disabled
	return c.SetUserPolicy(ctx, userID, user.Policy)
}

// CreateOrUpdateCollection upserts a collection container by name and sets
// its children to exactly the ordered id list. Returns the collection id.
func (c *Client) CreateOrUpdateCollection(ctx context.Context, name string, orderedIDs []string) (string, error) {
	collectionID, err := c.findCollection(ctx, name)
	if err != nil {
		return "", err
	}

	if collectionID == "" {
		params := url.Values{}
		params.Set("Name", name)
		params.Set("Ids", strings.Join(orderedIDs, ","))
		var created struct {
			ID string `json:"Id"`
		}
		if err := c.doPost(ctx, "/Collections?"+params.Encode(), nil, &created); err != nil {
			return "", fmt.Errorf("failed to create collection %q: %w", name, err)
		}
		return created.ID, nil
	}

	current, err := c.collectionChildren(ctx, collectionID)
	if err != nil {
		return "", err
	}

	want := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		want[id] = true
	}
	var toRemove []string
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
		if !want[id] {
			toRemove = append(toRemove, id)
		}
	}
	var toAdd []string
	for _, id := range orderedIDs {
		if !have[id] {
			toAdd = append(toAdd, id)
		}
	}

	if len(toAdd) > 0 {
		params := url.Values{}
		params.Set("Ids", strings.Join(toAdd, ","))
		if err := c.doPost(ctx, fmt.Sprintf("/Collections/%s/Items?%s", collectionID, params.Encode()), nil, nil); err != nil {
			return "", fmt.Errorf("failed to add items to collection %q: %w", name, err)
		}
	}
	if len(toRemove) > 0 {
		params := url.Values{}
		params.Set("Ids", strings.Join(toRemove, ","))
		if err := c.doDelete(ctx, fmt.Sprintf("/Collections/%s/Items?%s", collectionID, params.Encode())); err != nil {
			return "", fmt.Errorf("failed to remove items from collection %q: %w", name, err)
		}
	}

	return collectionID, nil
}

// RefreshItemMetadata asks the server to refresh an item's metadata.
func (c *Client) RefreshItemMetadata(ctx context.Context, id string, replaceAll bool) error {
	params := url.Values{}
	params.Set("Recursive", "true")
	params.Set("MetadataRefreshMode", "FullRefresh")
	if replaceAll {
		params.Set("ReplaceAllMetadata", "true")
	}
	return c.doPost(ctx, fmt.Sprintf("/Items/%s/Refresh?%s", id, params.Encode()), nil, nil)
}

func (c *Client) findCollection(ctx context.Context, name string) (string, error) {
	params := url.Values{}
	params.Set("IncludeItemTypes", "BoxSet")
	params.Set("Recursive", "true")
	params.Set("SearchTerm", name)

	var resp itemsResponse
	if err := c.doGet(ctx, "/Items", params, &resp); err != nil {
		return "", fmt.Errorf("failed to search for collection %q: %w", name, err)
	}
	for _, item := range resp.Items {
		if item.Name == name {
			return item.ID, nil
		}
	}
	return "", nil
}

func (c *Client) collectionChildren(ctx context.Context, collectionID string) ([]string, error) {
	params := url.Values{}
	params.Set("ParentId", collectionID)

	var resp itemsResponse
	if err := c.doGet(ctx, "/Items", params, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values, dest any) error {
	endpoint := c.baseURL + "/emby" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) doPost(ctx context.Context, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emby"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/emby"+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, dest any) error {
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("emby request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrAPIError, resp.StatusCode, string(body))
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode emby response: %w", err)
	}
	return nil
}
