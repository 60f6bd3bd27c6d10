package collection

import (
	"fmt"
	"strings"
)

// BadgeText derives the display badge for a collection. List sources map
// by URL scheme; every other collection shows its in-library count. The
// mapping is closed: a new list source needs an entry here.
func BadgeText(c *Collection) string {
	if c.Type != TypeList {
		return fmt.Sprintf("%d", c.InLibraryCount)
	}

	var def ListDefinition
	if err := decodeDefinition(c.Definition, &def); err != nil {
		return "榜单"
	}

	switch {
	case strings.HasPrefix(def.URL, "maoyan://"):
		return "猫眼"
	case strings.Contains(def.URL, "douban.com/doulist"):
		return "豆列"
	case strings.Contains(def.URL, "themoviedb.org/discover/"):
		return "探索"
	default:
		return "榜单"
	}
}
