package collection

import (
	"fmt"
	"strings"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
)

// FilterNode is one node of a filter-collection predicate tree. A branch
// node carries Logic and Children; a leaf carries Field, Op and Value.
type FilterNode struct {
	Logic    string       `json:"logic,omitempty"` // and, or
	Children []FilterNode `json:"children,omitempty"`

	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"` // eq, ne, gt, gte, lt, lte, contains
	Value any    `json:"value,omitempty"`
}

// Matches evaluates the node against one catalog row.
func (n *FilterNode) Matches(item *catalog.MediaItem) bool {
	if len(n.Children) > 0 {
		switch strings.ToLower(n.Logic) {
		case "or":
			for i := range n.Children {
				if n.Children[i].Matches(item) {
					return true
				}
			}
			return false
		default: // and
			for i := range n.Children {
				if !n.Children[i].Matches(item) {
					return false
				}
			}
			return true
		}
	}
	return n.matchLeaf(item)
}

func (n *FilterNode) matchLeaf(item *catalog.MediaItem) bool {
	switch n.Field {
	case "item_type":
		return compareString(string(item.ItemType), n.Op, n.Value)
	case "title":
		return compareString(item.Title, n.Op, n.Value)
	case "original_language":
		return compareString(deref(item.OriginalLanguage), n.Op, n.Value)
	case "release_year":
		return compareNumber(float64(derefInt(item.ReleaseYear)), n.Op, n.Value)
	case "rating":
		return compareNumber(derefFloat(item.Rating), n.Op, n.Value)
	case "genres":
		return listContains(item.Genres, n.Op, n.Value)
	case "countries":
		return listContains(item.Countries, n.Op, n.Value)
	case "studios":
		return listContains(item.Studios, n.Op, n.Value)
	case "directors":
		return listContains(item.Directors, n.Op, n.Value)
	case "keywords":
		return listContains(item.Keywords, n.Op, n.Value)
	default:
		return false
	}
}

func compareString(have, op string, value any) bool {
	want := fmt.Sprintf("%v", value)
	switch op {
	case "ne":
		return !strings.EqualFold(have, want)
	case "contains":
		return strings.Contains(strings.ToLower(have), strings.ToLower(want))
	default: // eq
		return strings.EqualFold(have, want)
	}
}

func compareNumber(have float64, op string, value any) bool {
	want, ok := toFloat(value)
	if !ok {
		return false
	}
	switch op {
	case "ne":
		return have != want
	case "gt":
		return have > want
	case "gte":
		return have >= want
	case "lt":
		return have < want
	case "lte":
		return have <= want
	default: // eq
		return have == want
	}
}

// listContains treats eq/contains as membership and ne as absence.
func listContains(list []string, op string, value any) bool {
	want := strings.ToLower(fmt.Sprintf("%v", value))
	found := false
	for _, entry := range list {
		if strings.ToLower(entry) == want {
			found = true
			break
		}
	}
	if op == "ne" {
		return !found
	}
	return found
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
