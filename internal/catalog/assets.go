package catalog

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
)

// Tag extraction is filename-first with stream-metadata fallback. All
// extractors are pure functions of (path, MediaStreams).

var (
	qualityPatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"Remux", regexp.MustCompile(`(?i)remux`)},
		{"BluRay", regexp.MustCompile(`(?i)(blu-?ray|bdrip|brrip)`)},
		{"WEB-DL", regexp.MustCompile(`(?i)(web-?dl|webdl)`)},
		{"WEBrip", regexp.MustCompile(`(?i)webrip`)},
		{"HDTV", regexp.MustCompile(`(?i)hdtv`)},
		{"DVDrip", regexp.MustCompile(`(?i)(dvdrip|dvd-?r)`)},
	}

	resolutionPatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"4k", regexp.MustCompile(`(?i)(2160p|4k|uhd)`)},
		{"1080p", regexp.MustCompile(`(?i)1080[pi]`)},
		{"720p", regexp.MustCompile(`(?i)720p`)},
		{"480p", regexp.MustCompile(`(?i)(480p|sdtv)`)},
	}

	hdrFilenamePatterns = []struct {
		tag string
		re  *regexp.Regexp
	}{
		{"dovi_p5", regexp.MustCompile(`(?i)(dv|dovi|dolby[\.\s]?vision)[\.\s\-]?p?5`)},
		{"dovi_p7", regexp.MustCompile(`(?i)(dv|dovi|dolby[\.\s]?vision)[\.\s\-]?p?7`)},
		{"dovi_p8", regexp.MustCompile(`(?i)(dv|dovi|dolby[\.\s]?vision)[\.\s\-]?p?8`)},
		{"dovi_other", regexp.MustCompile(`(?i)(dolby[\.\s]?vision|dovi|[\.\s\-]dv[\.\s\-])`)},
		{"hdr10+", regexp.MustCompile(`(?i)hdr10\+`)},
		{"hdr", regexp.MustCompile(`(?i)[\.\s\-]hdr(10)?[\.\s\-]`)},
	}

	releaseGroupPattern = regexp.MustCompile(`-([A-Za-z0-9@]+)$`)
)

// releaseGroups is the static dictionary of known release-group tags.
var releaseGroups = map[string]bool{
	"CHDBits": true, "WiKi": true, "FRDS": true, "HDChina": true,
	"OurTV": true, "HDSky": true, "CMCT": true, "beAst": true,
	"TTG": true, "MTeam": true, "ADWeb": true, "PTerWEB": true,
	"GPTHD": true, "HHWEB": true, "ZmWeb": true, "CHDWEB": true,
	"NTb": true, "FLUX": true, "SMURF": true, "playWEB": true,
	"TEPES": true, "CMRG": true, "NTG": true, "ABM": true,
}

// ParseAssetDetail builds one AssetDetail from an Emby item version.
func ParseAssetDetail(item emby.Item) AssetDetail {
	detail := AssetDetail{
		EmbyItemID: item.ID,
		Path:       item.Path,
		Container:  strings.ToLower(item.Container),
		SizeBytes:  item.Size,
	}

	filename := filepath.Base(item.Path)

	detail.Resolution = extractResolution(filename, item.MediaStreams)
	detail.QualityTag = extractQualityTag(filename)
	detail.HDRTag = extractHDRTag(filename, item.MediaStreams)
	detail.ReleaseGroup = extractReleaseGroup(filename)

	for _, stream := range item.MediaStreams {
		switch stream.Type {
		case "Video":
			if detail.VideoCodec == "" {
				detail.VideoCodec = strings.ToLower(stream.Codec)
			}
			if detail.BitDepth == 0 {
				detail.BitDepth = stream.BitDepth
			}
			if detail.FrameRate == 0 {
				detail.FrameRate = stream.RealFrameRate
			}
		case "Audio":
			if lang := streamLanguage(stream); lang != "" {
				detail.AudioLanguages = appendUnique(detail.AudioLanguages, lang)
			}
		case "Subtitle":
			if lang := streamLanguage(stream); lang != "" {
				detail.SubtitleLanguages = appendUnique(detail.SubtitleLanguages, lang)
			}
		}
	}

	return detail
}

// extractResolution prefers the filename tag; falls back to video stream
// dimensions.
func extractResolution(filename string, streams []emby.MediaStream) string {
	for _, p := range resolutionPatterns {
		if p.re.MatchString(filename) {
			return p.tag
		}
	}
	for _, stream := range streams {
		if stream.Type != "Video" {
			continue
		}
		switch {
		case stream.Width >= 3200:
			return "4k"
		case stream.Width >= 1800:
			return "1080p"
		case stream.Width >= 1200:
			return "720p"
		case stream.Width > 0:
			return "480p"
		}
	}
	return ""
}

func extractQualityTag(filename string) string {
	for _, p := range qualityPatterns {
		if p.re.MatchString(filename) {
			return p.tag
		}
	}
	return ""
}

// extractHDRTag checks the filename first, then classifies from the video
// stream's range metadata.
func extractHDRTag(filename string, streams []emby.MediaStream) string {
	for _, p := range hdrFilenamePatterns {
		if p.re.MatchString(filename) {
			return p.tag
		}
	}

	for _, stream := range streams {
		if stream.Type != "Video" {
			continue
		}
		rangeType := strings.ToLower(stream.VideoRangeType)
		switch {
		case strings.Contains(rangeType, "dovi"), strings.Contains(rangeType, "dolby"):
			switch stream.DvProfile {
			case 5:
				return "dovi_p5"
			case 7:
				return "dovi_p7"
			case 8:
				return "dovi_p8"
			default:
				return "dovi_other"
			}
		case strings.Contains(rangeType, "hdr10plus"), strings.Contains(rangeType, "hdr10+"):
			return "hdr10+"
		case strings.Contains(rangeType, "hdr"):
			return "hdr"
		}
		if strings.EqualFold(stream.VideoRange, "HDR") {
			return "hdr"
		}
	}
	return "sdr"
}

// extractReleaseGroup returns the trailing -GROUP token when it matches
// the known-group dictionary; unknown trailing tokens are kept as-is only
// if they look like a group tag (no spaces, short).
func extractReleaseGroup(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	match := releaseGroupPattern.FindStringSubmatch(name)
	if match == nil {
		return ""
	}
	group := match[1]
	if releaseGroups[group] {
		return group
	}
	if len(group) <= 12 {
		return group
	}
	return ""
}

func streamLanguage(stream emby.MediaStream) string {
	if stream.Language != "" {
		return strings.ToLower(stream.Language)
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
