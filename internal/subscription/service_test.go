package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/moviepilot"
	"github.com/hbq0405/emby-toolkit-sub001/internal/quota"
	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/testutil"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
	"github.com/hbq0405/emby-toolkit-sub001/internal/watchlist"
)

type fakeDownloader struct {
	submitted []moviepilot.SubscribeRequest
	err       error
}

func (f *fakeDownloader) Subscribe(_ context.Context, req moviepilot.SubscribeRequest) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, req)
	return nil
}

type fakeSearcher struct {
	results []tmdb.SearchResult
	details *tmdb.TVDetails
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string) ([]tmdb.SearchResult, error) {
	return f.results, nil
}

func (f *fakeSearcher) GetTVDetails(_ context.Context, _ int) (*tmdb.TVDetails, error) {
	if f.details == nil {
		return nil, errors.New("tv details unavailable")
	}
	return f.details, nil
}

type fakePacer struct{}

func (fakePacer) Wait(_ context.Context, _ string) error { return nil }

type fixture struct {
	controller *Controller
	downloader *fakeDownloader
	requests   *RequestStore
	watchStore *watchlist.Store
	catalog    *catalog.Store
	quota      *quota.Service
	tdb        *testutil.TestDB
}

func newFixture(t *testing.T, dailyQuota int, searcher *fakeSearcher) *fixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	settingsStore := settings.NewStore(tdb.Conn)
	quotaSvc := quota.NewService(settingsStore, dailyQuota, tdb.Logger)
	requests := NewRequestStore(tdb.Conn)
	watchStore := watchlist.NewStore(tdb.Conn)
	catalogStore := catalog.NewStore(tdb.Conn, tdb.Logger)
	downloader := &fakeDownloader{}
	if searcher == nil {
		searcher = &fakeSearcher{}
	}

	controller := NewController(requests, watchStore, catalogStore, downloader, searcher,
		quotaSvc, fakePacer{}, settingsStore, true, tdb.Logger)

	return &fixture{
		controller: controller,
		downloader: downloader,
		requests:   requests,
		watchStore: watchStore,
		catalog:    catalogStore,
		quota:      quotaSvc,
		tdb:        tdb,
	}
}

func TestSubmitMovieAutoSubscribe(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u1", TmdbID: "603", ItemType: "Movie", ItemName: "The Matrix", VIP: true,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(f.downloader.submitted) != 1 {
		t.Fatalf("Expected 1 downloader call, got %d", len(f.downloader.submitted))
	}
	sub := f.downloader.submitted[0]
	if sub.Name != "The Matrix" || sub.TmdbID != 603 || sub.Type != moviepilot.MediaTypeMovie {
		t.Errorf("Unexpected payload: %+v", sub)
	}
	if sub.Season != 0 || sub.BestVersion != 0 {
		t.Errorf("Movie payload must not carry season or best_version: %+v", sub)
	}

	remaining, err := f.quota.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 9 {
		t.Errorf("Expected quota 9, got %d", remaining)
	}

	stored, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != RequestApproved || stored.ProcessedBy != "auto" {
		t.Errorf("Expected approved/auto, got %s/%s", stored.Status, stored.ProcessedBy)
	}
}

func TestSubmitNonVIPStaysPending(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u2", TmdbID: "604", ItemType: "Movie", ItemName: "Reloaded", VIP: false,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.Status != RequestPending {
		t.Errorf("Expected pending, got %s", req.Status)
	}
	if len(f.downloader.submitted) != 0 {
		t.Errorf("Expected no downloader call, got %d", len(f.downloader.submitted))
	}
}

func TestSubmitDuplicateRejected(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	in := SubmitInput{EmbyUserID: "u1", TmdbID: "603", ItemType: "Movie", ItemName: "The Matrix", VIP: false}
	if _, err := f.controller.Submit(ctx, in); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	existing, err := f.controller.Submit(ctx, in)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("Expected ErrDuplicateRequest, got %v", err)
	}
	if existing == nil || existing.Status != RequestPending {
		t.Errorf("Expected the existing pending row, got %+v", existing)
	}

	rows, err := f.requests.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Expected a single row, got %d", len(rows))
	}
}

func TestSubmitSeriesWithSeasonResolvesParent(t *testing.T) {
	searcher := &fakeSearcher{results: []tmdb.SearchResult{
		{ID: 1396, Name: "Breaking Bad"},
	}}
	f := newFixture(t, 10, searcher)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u1", TmdbID: "999", ItemType: "Series", ItemName: "Breaking Bad Season 3", VIP: true,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(f.downloader.submitted) != 1 {
		t.Fatalf("Expected 1 downloader call, got %d", len(f.downloader.submitted))
	}
	sub := f.downloader.submitted[0]
	if sub.Name != "Breaking Bad" || sub.TmdbID != 1396 || sub.Type != moviepilot.MediaTypeSeries || sub.Season != 3 {
		t.Errorf("Unexpected payload: %+v", sub)
	}

	stored, err := f.requests.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.ParsedSeriesName == nil || *stored.ParsedSeriesName != "Breaking Bad" {
		t.Errorf("Expected parsed name recorded, got %v", stored.ParsedSeriesName)
	}
	if stored.ParsedSeasonNumber == nil || *stored.ParsedSeasonNumber != 3 {
		t.Errorf("Expected parsed season recorded, got %v", stored.ParsedSeasonNumber)
	}
	if stored.ParentTmdbID == nil || *stored.ParentTmdbID != "1396" {
		t.Errorf("Expected parent tmdb id recorded, got %v", stored.ParentTmdbID)
	}
}

func TestSubmitWholeSeriesSubscribesEachSeason(t *testing.T) {
	searcher := &fakeSearcher{details: &tmdb.TVDetails{
		ID: 1396, Name: "Breaking Bad", NumberOfSeasons: 3,
		Seasons: []tmdb.SeasonStub{
			{SeasonNumber: 0, Name: "Specials"},
			{SeasonNumber: 1}, {SeasonNumber: 2}, {SeasonNumber: 3},
		},
	}}
	f := newFixture(t, 10, searcher)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u1", TmdbID: "1396", ItemType: "Series", ItemName: "Breaking Bad", VIP: true,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.Status != RequestApproved {
		t.Errorf("Expected approved, got %s", req.Status)
	}

	// One downloader call per regular season, specials skipped.
	if len(f.downloader.submitted) != 3 {
		t.Fatalf("Expected 3 downloader calls, got %d", len(f.downloader.submitted))
	}
	for i, sub := range f.downloader.submitted {
		if sub.Season != i+1 || sub.TmdbID != 1396 || sub.Type != moviepilot.MediaTypeSeries {
			t.Errorf("Unexpected payload %d: %+v", i, sub)
		}
	}

	remaining, err := f.quota.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 7 {
		t.Errorf("Expected one quota unit per season, remaining %d", remaining)
	}

	rows, err := f.requests.List(ctx, RequestApproved)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected one approved row per season, got %d", len(rows))
	}
	seen := make(map[int]bool)
	for _, row := range rows {
		if row.ParsedSeasonNumber == nil {
			t.Fatalf("Approved row %d missing season number", row.ID)
		}
		seen[*row.ParsedSeasonNumber] = true
		if row.ProcessedBy != "auto" {
			t.Errorf("Expected auto processing, got %s", row.ProcessedBy)
		}
	}
	for season := 1; season <= 3; season++ {
		if !seen[season] {
			t.Errorf("No approved row for season %d", season)
		}
	}
}

func TestSubmitWholeSeriesStopsAtQuotaZero(t *testing.T) {
	searcher := &fakeSearcher{details: &tmdb.TVDetails{
		ID: 1396, Name: "Breaking Bad", NumberOfSeasons: 3,
		Seasons: []tmdb.SeasonStub{
			{SeasonNumber: 1}, {SeasonNumber: 2}, {SeasonNumber: 3},
		},
	}}
	f := newFixture(t, 2, searcher)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u1", TmdbID: "1396", ItemType: "Series", ItemName: "Breaking Bad", VIP: true,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req.Status != RequestApproved {
		t.Errorf("Expected approved, got %s", req.Status)
	}

	// Seasons 1 and 2 fit the quota; season 3 does not.
	if len(f.downloader.submitted) != 2 {
		t.Fatalf("Expected 2 downloader calls, got %d", len(f.downloader.submitted))
	}
	if f.downloader.submitted[0].Season != 1 || f.downloader.submitted[1].Season != 2 {
		t.Errorf("Unexpected seasons: %+v", f.downloader.submitted)
	}

	remaining, err := f.quota.Remaining(ctx)
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Expected quota 0, got %d", remaining)
	}

	rows, err := f.requests.List(ctx, RequestApproved)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected 2 approved rows, got %d", len(rows))
	}
}

func TestSubmitQuotaExhaustedLeavesPending(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()

	req, err := f.controller.Submit(ctx, SubmitInput{
		EmbyUserID: "u1", TmdbID: "603", ItemType: "Movie", ItemName: "The Matrix", VIP: true,
	})
	if !errors.Is(err, quota.ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
	if req.Status != RequestPending {
		t.Errorf("Expected pending row, got %s", req.Status)
	}
	if len(f.downloader.submitted) != 0 {
		t.Errorf("Expected no downloader call, got %d", len(f.downloader.submitted))
	}
}

// seedGapSeries stores a watchlist entry plus the catalog children backing
// the gap detection.
func seedGapSeries(t *testing.T, f *fixture, localEpisodes []int, missingEpisodes []int) *watchlist.Entry {
	t.Helper()
	ctx := context.Background()

	var children []catalog.ChildDetail
	for _, n := range localEpisodes {
		num := n
		children = append(children, catalog.ChildDetail{
			ID: "ep", Type: "Episode", SeasonNumber: 2, EpisodeNumber: &num,
		})
	}
	series := &catalog.MediaItem{
		TmdbID: "1000", ItemType: catalog.ItemTypeSeries, Title: "Gappy Show",
		InLibrary: true, EmbyChildren: children,
	}
	if err := f.catalog.Upsert(ctx, series); err != nil {
		t.Fatalf("Catalog upsert failed: %v", err)
	}

	missing := &watchlist.MissingInfo{}
	for _, n := range missingEpisodes {
		missing.MissingEpisodes = append(missing.MissingEpisodes, watchlist.MissingEpisode{
			SeasonNumber: 2, EpisodeNumber: n,
		})
	}
	entry := &watchlist.Entry{
		ItemID: "srv1", TmdbID: "1000", ItemName: "Gappy Show", ItemType: "Series",
		Status: watchlist.StatusWatching, TmdbStatus: "Ended", MissingInfo: missing,
		LastEpisodeToAir: &tmdb.EpisodeStub{SeasonNumber: 2, EpisodeNumber: 6, AirDate: "2020-01-01"},
	}
	if err := f.watchStore.Upsert(ctx, entry); err != nil {
		t.Fatalf("Watchlist upsert failed: %v", err)
	}
	return entry
}

func TestResubscribeInteriorGap(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	// Local {1,2,3,5,6}, upstream {1..6}: E4 is an interior gap.
	seedGapSeries(t, f, []int{1, 2, 3, 5, 6}, []int{4})

	result, err := f.controller.Resubscribe(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if result.Submitted != 1 {
		t.Fatalf("Expected 1 submission, got %+v", result)
	}

	sub := f.downloader.submitted[0]
	if sub.Season != 2 || sub.BestVersion != 1 || sub.Type != moviepilot.MediaTypeSeries {
		t.Errorf("Unexpected payload: %+v", sub)
	}

	got, err := f.watchStore.Get(ctx, "srv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != watchlist.StatusWatching || got.PausedUntil != nil {
		t.Errorf("Expected status reset to Watching, got %+v", got)
	}
	if _, ok := got.ResubscribeInfo[2]; !ok {
		t.Error("Expected cooldown stamp for season 2")
	}
}

func TestResubscribeTailGapIgnored(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	// Local {1,2,3}, missing {4,5,6}: no local episode after any missing
	// one, so plain subscription owns this.
	seedGapSeries(t, f, []int{1, 2, 3}, []int{4, 5, 6})

	result, err := f.controller.Resubscribe(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if result.Submitted != 0 {
		t.Errorf("Expected no submissions, got %+v", result)
	}
}

func TestResubscribeRespectsCooldown(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	entry := seedGapSeries(t, f, []int{1, 2, 3, 5}, []int{4})
	entry.ResubscribeInfo = map[int]time.Time{2: time.Now().UTC().Add(-1 * time.Hour)}
	if err := f.watchStore.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, err := f.controller.Resubscribe(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if result.Submitted != 0 {
		t.Errorf("Expected cooldown to block submission, got %+v", result)
	}
}

func TestResubscribeDisabledBySetting(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	seedGapSeries(t, f, []int{1, 2, 3, 5}, []int{4})
	settingsStore := settings.NewStore(f.tdb.Conn)
	if err := settingsStore.Set(ctx, "resubscribe_enabled", false); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := f.controller.Resubscribe(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if result.Submitted != 0 || result.Candidates != 0 {
		t.Errorf("Expected no work when disabled, got %+v", result)
	}
}

func TestResubscribeFinaleGracePeriod(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()

	entry := seedGapSeries(t, f, []int{1, 2, 3, 5}, []int{4})
	entry.LastEpisodeToAir.AirDate = time.Now().UTC().AddDate(0, 0, -2).Format("2006-01-02")
	if err := f.watchStore.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, err := f.controller.Resubscribe(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	if result.Submitted != 0 {
		t.Errorf("Expected finale grace to skip series, got %+v", result)
	}
}
