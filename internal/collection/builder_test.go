package collection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
	"github.com/hbq0405/emby-toolkit-sub001/internal/testutil"
)

type fakeEmby struct {
	users        []emby.User
	accessible   map[string][]string // user id -> allowed ids
	collectionID string
	reconciled   []string
}

func (f *fakeEmby) CreateOrUpdateCollection(_ context.Context, _ string, orderedIDs []string) (string, error) {
	f.reconciled = orderedIDs
	if f.collectionID == "" {
		f.collectionID = "coll-1"
	}
	return f.collectionID, nil
}

func (f *fakeEmby) GetAllUsers(_ context.Context) ([]emby.User, error) {
	return f.users, nil
}

func (f *fakeEmby) GetUserAccessibleItems(_ context.Context, userID string, ids []string) ([]string, error) {
	allowed := make(map[string]bool)
	for _, id := range f.accessible[userID] {
		allowed[id] = true
	}
	var visible []string
	for _, id := range ids {
		if allowed[id] {
			visible = append(visible, id)
		}
	}
	return visible, nil
}

type fakeImporter struct {
	items []ImportedItem
}

func (f *fakeImporter) Import(_ context.Context, _ ListDefinition) ([]ImportedItem, error) {
	return f.items, nil
}

type builderFixture struct {
	builder *Builder
	store   *Store
	catalog *catalog.Store
	emby    *fakeEmby
	tdb     *testutil.TestDB
}

func newBuilderFixture(t *testing.T, importer ListImporter, embyClient *fakeEmby) *builderFixture {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	store := NewStore(tdb.Conn)
	catalogStore := catalog.NewStore(tdb.Conn, tdb.Logger)
	builder := NewBuilder(store, catalogStore, importer, embyClient, nil, tdb.Logger)
	return &builderFixture{builder: builder, store: store, catalog: catalogStore, emby: embyClient, tdb: tdb}
}

func mustDefinition(t *testing.T, def any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("Failed to encode definition: %v", err)
	}
	return raw
}

func TestBuildListHealthAnalysis(t *testing.T) {
	ctx := context.Background()

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	nextMonth := time.Now().UTC().AddDate(0, 1, 0).Format("2006-01-02")
	season2 := 2

	importer := &fakeImporter{items: []ImportedItem{
		{TmdbID: "1", MediaType: "Movie", Title: "A"},
		{TmdbID: "2", MediaType: "Movie", Title: "B", ReleaseDate: yesterday},
		{TmdbID: "3", MediaType: "Series", Title: "C", Season: &season2, ReleaseDate: nextMonth},
	}}
	embyClient := &fakeEmby{users: []emby.User{}}
	f := newBuilderFixture(t, importer, embyClient)

	// A is in library.
	if err := f.catalog.Upsert(ctx, &catalog.MediaItem{
		TmdbID: "1", ItemType: catalog.ItemTypeMovie, Title: "A", InLibrary: true, EmbyItemIDs: []string{"e1"},
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	c := &Collection{
		Name: "Test List", Type: TypeList, Enabled: true, ItemType: "Movie",
		Definition: mustDefinition(t, ListDefinition{URL: "https://www.themoviedb.org/discover/movie"}),
	}
	if err := f.store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := f.builder.Build(ctx, c); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if c.HealthStatus != HealthHasMissing || c.MissingCount != 2 || c.InLibraryCount != 1 {
		t.Errorf("Expected has_missing with 2 missing and 1 in library, got %s/%d/%d",
			c.HealthStatus, c.MissingCount, c.InLibraryCount)
	}

	// B released yesterday -> WANTED.
	b, err := f.catalog.GetByKey(ctx, catalog.Key{TmdbID: "2", ItemType: catalog.ItemTypeMovie})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if b.SubscriptionStatus != catalog.SubscriptionWanted {
		t.Errorf("Expected B WANTED, got %s", b.SubscriptionStatus)
	}
	if len(b.SubscriptionSources) != 1 || b.SubscriptionSources[0] != sourceTag(c) {
		t.Errorf("Expected collection source on B, got %v", b.SubscriptionSources)
	}

	// C's parent series exists as a placeholder; its season row carries
	// PENDING_RELEASE.
	parent, err := f.catalog.GetByKey(ctx, catalog.Key{TmdbID: "3", ItemType: catalog.ItemTypeSeries})
	if err != nil {
		t.Fatalf("Expected parent placeholder, got error: %v", err)
	}
	if parent.InLibrary {
		t.Error("Expected parent placeholder out of library")
	}
	seasonRow, err := f.catalog.GetSeasonByNumber(ctx, "3", 2)
	if err != nil {
		t.Fatalf("Expected season row, got error: %v", err)
	}
	if seasonRow.SubscriptionStatus != catalog.SubscriptionPendingRelease {
		t.Errorf("Expected season PENDING_RELEASE, got %s", seasonRow.SubscriptionStatus)
	}

	// Only the in-library id reaches the media server.
	if len(embyClient.reconciled) != 1 || embyClient.reconciled[0] != "e1" {
		t.Errorf("Expected reconciled [e1], got %v", embyClient.reconciled)
	}
}

func TestBuildUserVisibilityCache(t *testing.T) {
	ctx := context.Background()

	importer := &fakeImporter{items: []ImportedItem{
		{TmdbID: "1", MediaType: "Movie", Title: "M1"},
		{TmdbID: "2", MediaType: "Movie", Title: "M2"},
		{TmdbID: "3", MediaType: "Movie", Title: "M3"},
		{TmdbID: "4", MediaType: "Movie", Title: "M4"},
	}}
	embyClient := &fakeEmby{
		users: []emby.User{
			{ID: "u1", Name: "Admin", Policy: emby.Policy{IsAdministrator: true}},
			{ID: "u2", Name: "Restricted"},
		},
		accessible: map[string][]string{"u2": {"e2", "e4"}},
	}
	f := newBuilderFixture(t, importer, embyClient)

	for i, id := range []string{"1", "2", "3", "4"} {
		if err := f.catalog.Upsert(ctx, &catalog.MediaItem{
			TmdbID: id, ItemType: catalog.ItemTypeMovie, Title: "M", InLibrary: true,
			EmbyItemIDs: []string{[]string{"e1", "e2", "e3", "e4"}[i]},
		}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	c := &Collection{
		Name: "Visible", Type: TypeList, Enabled: true, ItemType: "Movie",
		Definition: mustDefinition(t, ListDefinition{URL: "https://www.themoviedb.org/discover/movie"}),
	}
	if err := f.store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.builder.Build(ctx, c); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	admin, err := f.store.GetUserCache(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("GetUserCache failed: %v", err)
	}
	if admin.TotalCount != 4 {
		t.Errorf("Expected admin to see 4, got %d", admin.TotalCount)
	}

	restricted, err := f.store.GetUserCache(ctx, "u2", c.ID)
	if err != nil {
		t.Fatalf("GetUserCache failed: %v", err)
	}
	if restricted.TotalCount != 2 ||
		restricted.VisibleEmbyIDs[0] != "e2" || restricted.VisibleEmbyIDs[1] != "e4" {
		t.Errorf("Expected [e2 e4] in order, got %v", restricted.VisibleEmbyIDs)
	}
}

func TestBuildSourceCleanup(t *testing.T) {
	ctx := context.Background()

	importer := &fakeImporter{items: []ImportedItem{
		{TmdbID: "1", MediaType: "Movie", Title: "Keep", ReleaseDate: "2020-01-01"},
		{TmdbID: "2", MediaType: "Movie", Title: "Drop", ReleaseDate: "2020-01-01"},
	}}
	embyClient := &fakeEmby{users: []emby.User{}}
	f := newBuilderFixture(t, importer, embyClient)

	c := &Collection{
		Name: "Rolling", Type: TypeList, Enabled: true, ItemType: "Movie",
		Definition: mustDefinition(t, ListDefinition{URL: "https://www.themoviedb.org/discover/movie"}),
	}
	if err := f.store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.builder.Build(ctx, c); err != nil {
		t.Fatalf("First build failed: %v", err)
	}

	dropped, err := f.catalog.GetByKey(ctx, catalog.Key{TmdbID: "2", ItemType: catalog.ItemTypeMovie})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if dropped.SubscriptionStatus != catalog.SubscriptionWanted {
		t.Fatalf("Expected WANTED before cleanup, got %s", dropped.SubscriptionStatus)
	}

	// The list rolls over; item 2 falls off.
	importer.items = importer.items[:1]
	if err := f.builder.Build(ctx, c); err != nil {
		t.Fatalf("Second build failed: %v", err)
	}

	dropped, err = f.catalog.GetByKey(ctx, catalog.Key{TmdbID: "2", ItemType: catalog.ItemTypeMovie})
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if dropped.SubscriptionStatus != catalog.SubscriptionNone || len(dropped.SubscriptionSources) != 0 {
		t.Errorf("Expected cleaned item back to NONE, got %s %v",
			dropped.SubscriptionStatus, dropped.SubscriptionSources)
	}
}

func TestBuildFilterCollection(t *testing.T) {
	ctx := context.Background()
	embyClient := &fakeEmby{users: []emby.User{}}
	f := newBuilderFixture(t, &fakeImporter{}, embyClient)

	seed := []struct {
		id     string
		genre  string
		rating float64
	}{
		{"1", "Action", 8.0},
		{"2", "Drama", 9.0},
		{"3", "Action", 6.0},
	}
	for _, s := range seed {
		rating := s.rating
		if err := f.catalog.Upsert(ctx, &catalog.MediaItem{
			TmdbID: s.id, ItemType: catalog.ItemTypeMovie, Title: "M" + s.id,
			InLibrary: true, EmbyItemIDs: []string{"e" + s.id},
			Genres: []string{s.genre}, Rating: &rating,
		}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	def := FilterDefinition{Rules: FilterNode{
		Logic: "and",
		Children: []FilterNode{
			{Field: "genres", Op: "eq", Value: "Action"},
			{Field: "rating", Op: "gte", Value: 7.0},
		},
	}}
	c := &Collection{
		Name: "Top Action", Type: TypeFilter, Enabled: true, ItemType: "Movie",
		Definition: mustDefinition(t, def),
	}
	if err := f.store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.builder.Build(ctx, c); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(embyClient.reconciled) != 1 || embyClient.reconciled[0] != "e1" {
		t.Errorf("Expected [e1], got %v", embyClient.reconciled)
	}
	if c.HealthStatus != HealthOK || c.MissingCount != 0 {
		t.Errorf("Filter collections never have missing items, got %s/%d", c.HealthStatus, c.MissingCount)
	}
}

func TestApplyCorrectionsIdempotent(t *testing.T) {
	season := 2
	items := []ImportedItem{
		{TmdbID: "100", MediaType: "Movie", Title: "Wrong Match"},
		{TmdbID: "200", MediaType: "Series", Title: "Wrong Series"},
	}
	corrections := map[string]CorrectionTarget{
		"100": {TmdbID: "101"},
		"200": {TmdbID: "201", Season: &season},
	}

	once, reverse := applyCorrections(items, corrections)
	twice, _ := applyCorrections(once, corrections)

	if once[0].TmdbID != "101" || once[1].TmdbID != "201" {
		t.Errorf("Expected corrected ids, got %+v", once)
	}
	if once[1].Season == nil || *once[1].Season != 2 {
		t.Errorf("Expected season correction, got %+v", once[1])
	}
	for i := range once {
		if once[i].TmdbID != twice[i].TmdbID {
			t.Errorf("Corrections not idempotent at %d: %q vs %q", i, once[i].TmdbID, twice[i].TmdbID)
		}
	}
	if reverse["101"] != "100" || reverse["201"] != "200" {
		t.Errorf("Unexpected reverse map: %v", reverse)
	}
}

func TestCorrectionTargetUnmarshalBothForms(t *testing.T) {
	var def ListDefinition
	raw := `{"url":"maoyan://hot","corrections":{"1":"2","3":{"tmdb_id":"4","season":5}}}`
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if def.Corrections["1"].TmdbID != "2" || def.Corrections["1"].Season != nil {
		t.Errorf("Unexpected string-form target: %+v", def.Corrections["1"])
	}
	if def.Corrections["3"].TmdbID != "4" || def.Corrections["3"].Season == nil || *def.Corrections["3"].Season != 5 {
		t.Errorf("Unexpected object-form target: %+v", def.Corrections["3"])
	}
}

func TestBadgeText(t *testing.T) {
	tests := []struct {
		name string
		c    Collection
		want string
	}{
		{"maoyan", Collection{Type: TypeList, Definition: json.RawMessage(`{"url":"maoyan://hot"}`)}, "猫眼"},
		{"doulist", Collection{Type: TypeList, Definition: json.RawMessage(`{"url":"https://www.douban.com/doulist/123/"}`)}, "豆列"},
		{"discover", Collection{Type: TypeList, Definition: json.RawMessage(`{"url":"https://www.themoviedb.org/discover/movie"}`)}, "探索"},
		{"other list", Collection{Type: TypeList, Definition: json.RawMessage(`{"url":"https://example.com/list"}`)}, "榜单"},
		{"filter shows count", Collection{Type: TypeFilter, InLibraryCount: 42}, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BadgeText(&tt.c); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
