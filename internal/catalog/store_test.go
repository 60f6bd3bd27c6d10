package catalog

import (
	"context"
	"testing"

	"github.com/hbq0405/emby-toolkit-sub001/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)
	return NewStore(tdb.Conn, tdb.Logger), tdb
}

func TestUpsertSingleRowPerKey(t *testing.T) {
	store, tdb := newTestStore(t)
	ctx := context.Background()

	item := &MediaItem{
		TmdbID:      "603",
		ItemType:    ItemTypeMovie,
		Title:       "The Matrix",
		InLibrary:   true,
		EmbyItemIDs: []string{"e1"},
	}
	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	item2 := &MediaItem{
		TmdbID:      "603",
		ItemType:    ItemTypeMovie,
		Title:       "The Matrix",
		InLibrary:   true,
		EmbyItemIDs: []string{"e2"},
	}
	if err := store.Upsert(ctx, item2); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	var count int
	err := tdb.Conn.QueryRow(
		"SELECT COUNT(*) FROM media_metadata WHERE tmdb_id = '603' AND item_type = 'Movie'").Scan(&count)
	if err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}
}

func TestUpsertUnionsEmbyIDs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := &MediaItem{TmdbID: "100", ItemType: ItemTypeMovie, Title: "X", InLibrary: true, EmbyItemIDs: []string{"a", "b"}}
	if err := store.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := &MediaItem{TmdbID: "100", ItemType: ItemTypeMovie, Title: "X", InLibrary: true, EmbyItemIDs: []string{"b", "c"}}
	if err := store.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.GetByKey(ctx, Key{TmdbID: "100", ItemType: ItemTypeMovie})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got.EmbyItemIDs) != len(want) {
		t.Fatalf("Expected ids %v, got %v", want, got.EmbyItemIDs)
	}
	for i, id := range want {
		if got.EmbyItemIDs[i] != id {
			t.Errorf("Expected id %q at %d, got %q", id, i, got.EmbyItemIDs[i])
		}
	}
}

func TestUpsertClearsIgnoreReason(t *testing.T) {
	store, tdb := newTestStore(t)
	ctx := context.Background()

	item := &MediaItem{TmdbID: "200", ItemType: ItemTypeMovie, Title: "Y", InLibrary: true}
	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := tdb.Conn.Exec(
		"UPDATE media_metadata SET ignore_reason = 'manual' WHERE tmdb_id = '200'"); err != nil {
		t.Fatalf("Setup update failed: %v", err)
	}

	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	got, err := store.GetByKey(ctx, Key{TmdbID: "200", ItemType: ItemTypeMovie})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.IgnoreReason != nil {
		t.Errorf("Expected ignore_reason cleared, got %q", *got.IgnoreReason)
	}
}

func TestUpsertPreservesChildrenWhenAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	withChildren := &MediaItem{
		TmdbID:    "300",
		ItemType:  ItemTypeSeries,
		Title:     "Z",
		InLibrary: true,
		EmbyChildren: []ChildDetail{
			{ID: "s1", Type: "Season", Name: "Season 1", SeasonNumber: 1},
		},
	}
	if err := store.Upsert(ctx, withChildren); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	without := &MediaItem{TmdbID: "300", ItemType: ItemTypeSeries, Title: "Z", InLibrary: true}
	if err := store.Upsert(ctx, without); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.GetByKey(ctx, Key{TmdbID: "300", ItemType: ItemTypeSeries})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if len(got.EmbyChildren) != 1 || got.EmbyChildren[0].ID != "s1" {
		t.Errorf("Expected children preserved, got %+v", got.EmbyChildren)
	}
}

func TestRetireClearsDescendants(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	series := &MediaItem{TmdbID: "400", ItemType: ItemTypeSeries, Title: "S", InLibrary: true, EmbyItemIDs: []string{"srv1"}}
	season := &MediaItem{
		TmdbID: "400-s1", ItemType: ItemTypeSeason, Title: "S1", InLibrary: true,
		EmbyItemIDs: []string{"sea1"}, ParentSeriesTmdbID: testutil.StrPtr("400"), SeasonNumber: testutil.IntPtr(1),
	}
	for _, it := range []*MediaItem{series, season} {
		if err := store.Upsert(ctx, it); err != nil {
			t.Fatalf("Setup upsert failed: %v", err)
		}
	}

	if err := store.Retire(ctx, []Key{{TmdbID: "400", ItemType: ItemTypeSeries}}); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	gotSeries, err := store.GetByKey(ctx, Key{TmdbID: "400", ItemType: ItemTypeSeries})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if gotSeries.InLibrary || len(gotSeries.EmbyItemIDs) != 0 {
		t.Errorf("Expected retired series, got in_library=%v ids=%v", gotSeries.InLibrary, gotSeries.EmbyItemIDs)
	}
	gotSeason, err := store.GetByKey(ctx, Key{TmdbID: "400-s1", ItemType: ItemTypeSeason})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if gotSeason.InLibrary || len(gotSeason.EmbyItemIDs) != 0 {
		t.Errorf("Expected retired season, got in_library=%v ids=%v", gotSeason.InLibrary, gotSeason.EmbyItemIDs)
	}
}

func TestBatchContinuesAfterBadRow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	batch, err := store.BeginBatch(ctx)
	if err != nil {
		t.Fatalf("BeginBatch failed: %v", err)
	}
	defer batch.Rollback()

	good := &MediaItem{TmdbID: "500", ItemType: ItemTypeMovie, Title: "Good", InLibrary: true}
	if err := batch.Upsert(ctx, good); err != nil {
		t.Fatalf("Good row failed: %v", err)
	}
	// NULL tmdb_id violates NOT NULL; must not abort the batch.
	bad := &MediaItem{ItemType: ItemTypeMovie, Title: "Bad"}
	bad.TmdbID = ""
	_ = batch.Upsert(ctx, bad)

	good2 := &MediaItem{TmdbID: "501", ItemType: ItemTypeMovie, Title: "Good2", InLibrary: true}
	if err := batch.Upsert(ctx, good2); err != nil {
		t.Fatalf("Row after failure failed: %v", err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	keys, err := store.ListInLibraryKeys(ctx, ItemTypeMovie)
	if err != nil {
		t.Fatalf("ListInLibraryKeys failed: %v", err)
	}
	if !keys[Key{TmdbID: "500", ItemType: ItemTypeMovie}] || !keys[Key{TmdbID: "501", ItemType: ItemTypeMovie}] {
		t.Errorf("Expected both good rows committed, got %v", keys)
	}
}

func TestSetSubscriptionStatusAddsSource(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item := &MediaItem{TmdbID: "600", ItemType: ItemTypeMovie, Title: "M", InLibrary: false}
	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	key := Key{TmdbID: "600", ItemType: ItemTypeMovie}
	if err := store.SetSubscriptionStatus(ctx, key, SubscriptionWanted, "collection:7"); err != nil {
		t.Fatalf("SetSubscriptionStatus failed: %v", err)
	}
	// Same source twice stays a single entry.
	if err := store.SetSubscriptionStatus(ctx, key, SubscriptionWanted, "collection:7"); err != nil {
		t.Fatalf("SetSubscriptionStatus failed: %v", err)
	}

	got, err := store.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.SubscriptionStatus != SubscriptionWanted {
		t.Errorf("Expected status WANTED, got %s", got.SubscriptionStatus)
	}
	if len(got.SubscriptionSources) != 1 || got.SubscriptionSources[0] != "collection:7" {
		t.Errorf("Expected single source, got %v", got.SubscriptionSources)
	}
}

func TestRemoveSubscriptionSource(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item := &MediaItem{TmdbID: "700", ItemType: ItemTypeMovie, Title: "M", InLibrary: false}
	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	key := Key{TmdbID: "700", ItemType: ItemTypeMovie}
	if err := store.SetSubscriptionStatus(ctx, key, SubscriptionWanted, "collection:1"); err != nil {
		t.Fatalf("SetSubscriptionStatus failed: %v", err)
	}

	if err := store.RemoveSubscriptionSource(ctx, []string{"700"}, "collection:1"); err != nil {
		t.Fatalf("RemoveSubscriptionSource failed: %v", err)
	}

	got, err := store.GetByKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.SubscriptionStatus != SubscriptionNone {
		t.Errorf("Expected status NONE after last source removed, got %s", got.SubscriptionStatus)
	}
	if len(got.SubscriptionSources) != 0 {
		t.Errorf("Expected empty sources, got %v", got.SubscriptionSources)
	}
}

func TestEnsureSeriesPlaceholder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureSeriesPlaceholder(ctx, "800", "Placeholder Show"); err != nil {
		t.Fatalf("EnsureSeriesPlaceholder failed: %v", err)
	}
	got, err := store.GetByKey(ctx, Key{TmdbID: "800", ItemType: ItemTypeSeries})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.InLibrary {
		t.Error("Expected placeholder out of library")
	}

	// Existing row is left untouched.
	real := &MediaItem{TmdbID: "801", ItemType: ItemTypeSeries, Title: "Real Show", InLibrary: true}
	if err := store.Upsert(ctx, real); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.EnsureSeriesPlaceholder(ctx, "801", "Other Name"); err != nil {
		t.Fatalf("EnsureSeriesPlaceholder failed: %v", err)
	}
	got, err = store.GetByKey(ctx, Key{TmdbID: "801", ItemType: ItemTypeSeries})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.Title != "Real Show" || !got.InLibrary {
		t.Errorf("Expected existing row untouched, got %+v", got)
	}
}

func TestInLibrarySeasonSet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	season := &MediaItem{
		TmdbID: "900-s2", ItemType: ItemTypeSeason, Title: "S2", InLibrary: true,
		ParentSeriesTmdbID: testutil.StrPtr("900"), SeasonNumber: testutil.IntPtr(2),
	}
	if err := store.Upsert(ctx, season); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	set, err := store.InLibrarySeasonSet(ctx)
	if err != nil {
		t.Fatalf("InLibrarySeasonSet failed: %v", err)
	}
	if !set["900"][2] {
		t.Errorf("Expected (900, 2) in set, got %v", set)
	}
	if set["900"][1] {
		t.Error("Did not expect (900, 1) in set")
	}
}
