package subscription

import (
	"regexp"
	"strconv"
	"strings"
)

// chineseNumerals covers 一 through 二十, the range season markers use.
var chineseNumerals = map[string]int{
	"一": 1, "二": 2, "三": 3, "四": 4, "五": 5,
	"六": 6, "七": 7, "八": 8, "九": 9, "十": 10,
	"十一": 11, "十二": 12, "十三": 13, "十四": 14, "十五": 15,
	"十六": 16, "十七": 17, "十八": 18, "十九": 19, "二十": 20,
}

var (
	seasonSuffixPattern  = regexp.MustCompile(`(?i)^(.*?)[\s:：\-]*Season\s*(\d+)$`)
	chineseSeasonPattern = regexp.MustCompile(`^(.*?)[\s:：\-]*第\s*([一二三四五六七八九十]{1,2}|\d{1,2})\s*季?$`)
	trailingNumber       = regexp.MustCompile(`^(.*\S)\s+(\d+)$`)
)

// ParseSeriesTitle splits a display title into a base series name and an
// optional season number. Rules apply in order:
//
//  1. "... Season N" (case-insensitive)
//  2. "... 第X季" with X a Chinese numeral or digits, also bare "第X"
//  3. a trailing number, unless it is a 4-digit year
//
// Titles matching none of the rules return the trimmed title and no season.
func ParseSeriesTitle(title string) (string, *int) {
	trimmed := strings.TrimSpace(title)

	if m := seasonSuffixPattern.FindStringSubmatch(trimmed); m != nil {
		season, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), &season
	}

	if m := chineseSeasonPattern.FindStringSubmatch(trimmed); m != nil {
		base := strings.TrimSpace(m[1])
		if base != "" {
			if season, ok := parseNumeral(m[2]); ok {
				return base, &season
			}
		}
	}

	if m := trailingNumber.FindStringSubmatch(trimmed); m != nil {
		if len(m[2]) != 4 {
			season, _ := strconv.Atoi(m[2])
			return strings.TrimSpace(m[1]), &season
		}
	}

	return trimmed, nil
}

func parseNumeral(s string) (int, bool) {
	if n, ok := chineseNumerals[s]; ok {
		return n, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
