package watchlist

import (
	"context"
	"testing"
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
	"github.com/hbq0405/emby-toolkit-sub001/internal/testutil"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

type fakeEmby struct {
	items    map[string]*emby.Item
	children map[string][]emby.Item
	updates  []string
}

func (f *fakeEmby) GetItem(_ context.Context, id string) (*emby.Item, error) {
	if item, ok := f.items[id]; ok {
		return item, nil
	}
	return nil, emby.ErrNotFound
}

func (f *fakeEmby) GetSeriesChildren(_ context.Context, seriesID string) ([]emby.Item, error) {
	return f.children[seriesID], nil
}

func (f *fakeEmby) UpdateItemDetails(_ context.Context, id string, _ emby.ItemUpdate) error {
	f.updates = append(f.updates, id)
	return nil
}

type fakeTMDB struct {
	series  map[int]*tmdb.TVDetails
	seasons map[int]map[int]*tmdb.SeasonDetails
}

func (f *fakeTMDB) GetTVDetails(_ context.Context, id int) (*tmdb.TVDetails, error) {
	if d, ok := f.series[id]; ok {
		return d, nil
	}
	return nil, tmdb.ErrNotFound
}

func (f *fakeTMDB) GetTVSeasonDetails(_ context.Context, id, season int) (*tmdb.SeasonDetails, error) {
	if bySeason, ok := f.seasons[id]; ok {
		if d, ok := bySeason[season]; ok {
			return d, nil
		}
	}
	return nil, tmdb.ErrNotFound
}

type fakeChildrenWriter struct {
	written map[string][]catalog.ChildDetail
}

func (f *fakeChildrenWriter) UpdateChildrenDetails(_ context.Context, seriesTmdbID string, children []catalog.ChildDetail) error {
	if f.written == nil {
		f.written = make(map[string][]catalog.ChildDetail)
	}
	f.written[seriesTmdbID] = children
	return nil
}

func newTestEngine(t *testing.T, embyClient *fakeEmby, tmdbClient *fakeTMDB) (*Engine, *Store) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	store := NewStore(tdb.Conn)
	engine := NewEngine(store, &fakeChildrenWriter{}, embyClient, tmdbClient, tdb.Logger)
	engine.seasonDelay = 0
	return engine, store
}

func episodes(season int, overviews bool, numbers ...int) []tmdb.EpisodeStub {
	var eps []tmdb.EpisodeStub
	for _, n := range numbers {
		ep := tmdb.EpisodeStub{SeasonNumber: season, EpisodeNumber: n, AirDate: "2024-01-01"}
		if overviews {
			ep.Overview = "plot"
		}
		eps = append(eps, ep)
	}
	return eps
}

func localEpisodes(seriesID string, season int, numbers ...int) []emby.Item {
	s := season
	items := []emby.Item{{ID: "sea", Type: "Season", IndexNumber: &s}}
	for _, n := range numbers {
		num := n
		items = append(items, emby.Item{
			ID: "ep", Type: "Episode", SeriesID: seriesID,
			ParentIndexNumber: &s, IndexNumber: &num, Overview: "local plot",
		})
	}
	return items
}

func TestDecideState(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	soon := now.AddDate(0, 0, 2).Format("2006-01-02")
	far := now.AddDate(0, 0, 10).Format("2006-01-02")

	tests := []struct {
		name       string
		entry      Entry
		details    tmdb.TVDetails
		in         stateInputs
		wantStatus Status
		wantPaused bool
	}{
		{
			name:       "ended and complete",
			details:    tmdb.TVDetails{Status: "Ended"},
			in:         stateInputs{missing: &MissingInfo{}, metadataComplete: true},
			wantStatus: StatusCompleted,
		},
		{
			name:       "season finale completes even when returning",
			details:    tmdb.TVDetails{Status: "Returning Series"},
			in:         stateInputs{missing: &MissingInfo{}, metadataComplete: true, seasonFinale: true},
			wantStatus: StatusCompleted,
		},
		{
			name:    "next episode within three days keeps watching",
			details: tmdb.TVDetails{Status: "Returning Series"},
			in: stateInputs{
				missing:  &MissingInfo{},
				realNext: &tmdb.EpisodeStub{SeasonNumber: 2, EpisodeNumber: 5, AirDate: soon},
			},
			wantStatus: StatusWatching,
		},
		{
			name:    "next episode far out pauses until the day before",
			details: tmdb.TVDetails{Status: "Returning Series"},
			in: stateInputs{
				missing:  &MissingInfo{},
				realNext: &tmdb.EpisodeStub{SeasonNumber: 2, EpisodeNumber: 5, AirDate: far},
			},
			wantStatus: StatusPaused,
			wantPaused: true,
		},
		{
			name:       "no next episode pauses for seven days",
			details:    tmdb.TVDetails{Status: "Returning Series"},
			in:         stateInputs{missing: &MissingInfo{}, metadataComplete: true},
			wantStatus: StatusPaused,
			wantPaused: true,
		},
		{
			name:       "force ended pins completed",
			entry:      Entry{ForceEnded: true},
			details:    tmdb.TVDetails{Status: "Returning Series"},
			in:         stateInputs{missing: &MissingInfo{}, realNext: &tmdb.EpisodeStub{AirDate: soon}},
			wantStatus: StatusCompleted,
		},
		{
			name:    "incomplete metadata blocks completion",
			details: tmdb.TVDetails{Status: "Ended"},
			in: stateInputs{
				missing:          &MissingInfo{},
				metadataComplete: false,
			},
			wantStatus: StatusPaused,
			wantPaused: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, pausedUntil := decideState(&tt.entry, &tt.details, tt.in, now)
			if status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, status)
			}
			if (pausedUntil != nil) != tt.wantPaused {
				t.Errorf("Expected pausedUntil set=%v, got %v", tt.wantPaused, pausedUntil)
			}
			// Paused iff paused_until set.
			if (status == StatusPaused) != (pausedUntil != nil) {
				t.Errorf("paused_until must be set exactly when Paused; status=%s until=%v", status, pausedUntil)
			}
		})
	}

	t.Run("far pause ends the day before air", func(t *testing.T) {
		_, pausedUntil := decideState(&Entry{}, &tmdb.TVDetails{Status: "Returning Series"}, stateInputs{
			missing:  &MissingInfo{},
			realNext: &tmdb.EpisodeStub{AirDate: far},
		}, now)
		want := now.AddDate(0, 0, 9).Format("2006-01-02")
		if pausedUntil == nil || pausedUntil.Format("2006-01-02") != want {
			t.Errorf("Expected pause until %s, got %v", want, pausedUntil)
		}
	})
}

func TestComputeMissing(t *testing.T) {
	upstream := map[int][]tmdb.EpisodeStub{
		1: episodes(1, true, 1, 2, 3),
		2: episodes(2, true, 1, 2, 3),
	}
	local := map[int]map[int]bool{
		1: {1: true, 2: true, 3: true},
	}

	missing := computeMissing(upstream, local)
	if len(missing.MissingSeasons) != 1 || missing.MissingSeasons[0].SeasonNumber != 2 {
		t.Errorf("Expected season 2 missing, got %+v", missing.MissingSeasons)
	}
	if len(missing.MissingEpisodes) != 0 {
		t.Errorf("Expected no missing episodes, got %+v", missing.MissingEpisodes)
	}

	local[2] = map[int]bool{1: true, 3: true}
	missing = computeMissing(upstream, local)
	if len(missing.MissingSeasons) != 0 {
		t.Errorf("Expected no missing seasons, got %+v", missing.MissingSeasons)
	}
	if len(missing.MissingEpisodes) != 1 || missing.MissingEpisodes[0].EpisodeNumber != 2 {
		t.Errorf("Expected S02E02 missing, got %+v", missing.MissingEpisodes)
	}
}

func TestRealNextEpisode(t *testing.T) {
	upstream := map[int][]tmdb.EpisodeStub{
		1: episodes(1, true, 1, 2),
		2: episodes(2, true, 1, 2, 3),
	}
	local := map[int]map[int]bool{
		1: {1: true, 2: true},
		2: {1: true},
	}

	next := realNextEpisode(upstream, local)
	if next == nil || next.SeasonNumber != 2 || next.EpisodeNumber != 2 {
		t.Errorf("Expected S02E02, got %+v", next)
	}

	local[2][2] = true
	local[2][3] = true
	if next := realNextEpisode(upstream, local); next != nil {
		t.Errorf("Expected no next episode, got %+v", next)
	}
}

func TestRefreshDeletesGoneSeries(t *testing.T) {
	engine, store := newTestEngine(t, &fakeEmby{items: map[string]*emby.Item{}}, &fakeTMDB{})
	ctx := context.Background()

	entry := &Entry{ItemID: "gone", TmdbID: "1", ItemName: "Gone", ItemType: "Series", Status: StatusWatching}
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := engine.Refresh(ctx, RunOptions{}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, err := store.Get(ctx, "gone"); err != ErrNotFound {
		t.Errorf("Expected entry deleted, got err=%v", err)
	}
}

func TestRefreshCompletesEndedSeries(t *testing.T) {
	embyClient := &fakeEmby{
		items: map[string]*emby.Item{"srv1": {ID: "srv1", Name: "Done Show", Type: "Series"}},
		children: map[string][]emby.Item{
			"srv1": localEpisodes("srv1", 1, 1, 2),
		},
	}
	tmdbClient := &fakeTMDB{
		series: map[int]*tmdb.TVDetails{
			10: {ID: 10, Status: "Ended",
				Seasons:          []tmdb.SeasonStub{{SeasonNumber: 1, EpisodeCount: 2}},
				LastEpisodeToAir: &tmdb.EpisodeStub{SeasonNumber: 1, EpisodeNumber: 2, AirDate: "2020-01-01"}},
		},
		seasons: map[int]map[int]*tmdb.SeasonDetails{
			10: {1: {SeasonNumber: 1, Episodes: episodes(1, true, 1, 2)}},
		},
	}
	engine, store := newTestEngine(t, embyClient, tmdbClient)
	ctx := context.Background()

	entry := &Entry{ItemID: "srv1", TmdbID: "10", ItemName: "Done Show", ItemType: "Series", Status: StatusWatching}
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := engine.Refresh(ctx, RunOptions{}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	got, err := store.Get(ctx, "srv1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected Completed, got %s", got.Status)
	}
	if got.PausedUntil != nil {
		t.Errorf("Expected no paused_until on Completed, got %v", got.PausedUntil)
	}
	if got.IsAiring {
		t.Error("Expected is_airing false with nothing missing")
	}
}

func TestRefreshWritesBackMissingOverviews(t *testing.T) {
	s1, e1 := 1, 1
	embyClient := &fakeEmby{
		items: map[string]*emby.Item{"srv1": {ID: "srv1", Name: "Show", Type: "Series"}},
		children: map[string][]emby.Item{
			"srv1": {
				{ID: "sea1", Type: "Season", IndexNumber: &s1},
				{ID: "ep1", Type: "Episode", ParentIndexNumber: &s1, IndexNumber: &e1, Overview: ""},
			},
		},
	}
	tmdbClient := &fakeTMDB{
		series: map[int]*tmdb.TVDetails{
			10: {ID: 10, Status: "Ended",
				Seasons:          []tmdb.SeasonStub{{SeasonNumber: 1, EpisodeCount: 1}},
				LastEpisodeToAir: &tmdb.EpisodeStub{SeasonNumber: 1, EpisodeNumber: 1, AirDate: "2020-01-01"}},
		},
		seasons: map[int]map[int]*tmdb.SeasonDetails{
			10: {1: {SeasonNumber: 1, Episodes: []tmdb.EpisodeStub{
				{SeasonNumber: 1, EpisodeNumber: 1, Name: "Pilot", Overview: "upstream plot"},
			}}},
		},
	}
	engine, store := newTestEngine(t, embyClient, tmdbClient)
	ctx := context.Background()

	entry := &Entry{ItemID: "srv1", TmdbID: "10", ItemName: "Show", ItemType: "Series", Status: StatusWatching}
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := engine.Refresh(ctx, RunOptions{}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if len(embyClient.updates) != 1 || embyClient.updates[0] != "ep1" {
		t.Errorf("Expected overview writeback to ep1, got %v", embyClient.updates)
	}
}

func TestCheckRevivals(t *testing.T) {
	tmdbClient := &fakeTMDB{series: map[int]*tmdb.TVDetails{
		10: {ID: 10, Status: "Returning Series", NumberOfSeasons: 6},
		20: {ID: 20, Status: "Returning Series", NumberOfSeasons: 5},
	}}
	engine, store := newTestEngine(t, &fakeEmby{}, tmdbClient)
	ctx := context.Background()

	revived := &Entry{
		ItemID: "a", TmdbID: "10", ItemName: "Revived", ItemType: "Series",
		Status: StatusCompleted, ForceEnded: true,
		LastEpisodeToAir: &tmdb.EpisodeStub{SeasonNumber: 5, EpisodeNumber: 10},
	}
	blip := &Entry{
		ItemID: "b", TmdbID: "20", ItemName: "Blip", ItemType: "Series",
		Status: StatusCompleted,
		LastEpisodeToAir: &tmdb.EpisodeStub{SeasonNumber: 5, EpisodeNumber: 10},
	}
	for _, e := range []*Entry{revived, blip} {
		if err := store.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	if err := engine.CheckRevivals(ctx, RunOptions{}); err != nil {
		t.Fatalf("CheckRevivals failed: %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusWatching || got.ForceEnded || got.PausedUntil != nil {
		t.Errorf("Expected revived Watching with flags cleared, got %+v", got)
	}

	got, err = store.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected status blip ignored, got %s", got.Status)
	}
}

func TestAutoAdd(t *testing.T) {
	tmdbClient := &fakeTMDB{series: map[int]*tmdb.TVDetails{
		10: {ID: 10, Status: "Returning Series"},
		20: {ID: 20, Status: "Ended"},
	}}
	engine, store := newTestEngine(t, &fakeEmby{}, tmdbClient)
	ctx := context.Background()

	if err := engine.AutoAdd(ctx, "a", "10", "Airing Show"); err != nil {
		t.Fatalf("AutoAdd failed: %v", err)
	}
	if err := engine.AutoAdd(ctx, "b", "20", "Finished Show"); err != nil {
		t.Fatalf("AutoAdd failed: %v", err)
	}

	got, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusWatching {
		t.Errorf("Expected Watching for returning series, got %s", got.Status)
	}
	got, err = store.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Expected Completed for ended series, got %s", got.Status)
	}

	// Adding an already-tracked series is a no-op.
	if err := engine.AutoAdd(ctx, "a2", "10", "Airing Show"); err != nil {
		t.Fatalf("AutoAdd failed: %v", err)
	}
	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(entries))
	}
}

func TestStoreResubscribeInfoRoundTrip(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	store := NewStore(tdb.Conn)
	ctx := context.Background()

	stamp := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	entry := &Entry{
		ItemID: "x", TmdbID: "1", ItemName: "X", ItemType: "Series", Status: StatusWatching,
		ResubscribeInfo: map[int]time.Time{2: stamp},
	}
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.ResubscribeInfo[2].Equal(stamp) {
		t.Errorf("Expected stamp %v, got %v", stamp, got.ResubscribeInfo[2])
	}
}
