package subscription

import "testing"

func TestParseSeriesTitle(t *testing.T) {
	tests := []struct {
		title      string
		wantBase   string
		wantSeason int // 0 means none
	}{
		{"Breaking Bad Season 3", "Breaking Bad", 3},
		{"breaking bad season 3", "breaking bad", 3},
		{"三体 第二季", "三体", 2},
		{"三体第二季", "三体", 2},
		{"权力的游戏 第八季", "权力的游戏", 8},
		{"某剧 第十二季", "某剧", 12},
		{"某剧 第二十季", "某剧", 20},
		{"某剧 第3季", "某剧", 3},
		{"某剧 第五", "某剧", 5},
		{"Fargo 2014", "Fargo 2014", 0},
		{"Westworld 2", "Westworld", 2},
		{"The Matrix", "The Matrix", 0},
		{"  Spaced Out Season 1  ", "Spaced Out", 1},
		{"Stranger Things: Season 4", "Stranger Things", 4},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			base, season := ParseSeriesTitle(tt.title)
			if base != tt.wantBase {
				t.Errorf("Expected base %q, got %q", tt.wantBase, base)
			}
			if tt.wantSeason == 0 {
				if season != nil {
					t.Errorf("Expected no season, got %d", *season)
				}
			} else {
				if season == nil || *season != tt.wantSeason {
					t.Errorf("Expected season %d, got %v", tt.wantSeason, season)
				}
			}
		})
	}
}
