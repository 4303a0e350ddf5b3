package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	qualityTailPattern   = regexp.MustCompile(`(?i)\b(1080p|720p|2160p|4K|UHD|BluRay|WEBRip|WEB-DL|REMUX|HDTV).*$`)
	codecTailPattern     = regexp.MustCompile(`(?i)\b(x264|x265|HEVC|H\.264|H\.265).*$`)
	bracketPattern       = regexp.MustCompile(`\[.*?\]`)
	yearPattern          = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	dotUnderscorePattern = regexp.MustCompile(`[._]`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
	trailingPunctPattern = regexp.MustCompile(`[\-\(\)]+$`)

	episodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(.+?)\s+S(\d{1,2})E(\d{1,2})`),
		regexp.MustCompile(`(?i)^(.+?)\s+(\d{1,2})x(\d{1,2})`),
		regexp.MustCompile(`(?i)^(.+?)\s+Season\s*(\d+).*?Episode\s*(\d+)`),
	}
)

// ParseMovieName extracts a movie title and year from a torrent name,
// e.g. "Good.Will.Hunting.1997.1080p.BluRay" -> ("Good Will Hunting", "1997").
// year is empty when no 4-digit year in [1900,2099] is found.
func ParseMovieName(torrentName string) (title, year string) {
	name := torrentName
	name = qualityTailPattern.ReplaceAllString(name, "")
	name = codecTailPattern.ReplaceAllString(name, "")
	name = bracketPattern.ReplaceAllString(name, "")

	if m := yearPattern.FindString(name); m != "" {
		year = m
		name = strings.Replace(name, year, "", 1)
	}

	title = dotUnderscorePattern.ReplaceAllString(name, " ")
	title = whitespacePattern.ReplaceAllString(title, " ")
	title = strings.TrimSpace(title)
	title = trailingPunctPattern.ReplaceAllString(title, "")
	title = strings.TrimSpace(title)
	return title, year
}

// TVEpisode is a parsed show/season/episode triple.
type TVEpisode struct {
	Show    string
	Season  int
	Episode int
}

// ParseTVEpisode extracts a show name, season, and episode number from
// a torrent name, recognizing "S01E01", "1x01", and "Season 1 Episode
// 1" forms. Returns ok=false when none match.
func ParseTVEpisode(torrentName string) (ep TVEpisode, ok bool) {
	for _, pattern := range episodePatterns {
		m := pattern.FindStringSubmatch(torrentName)
		if m == nil {
			continue
		}
		season, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		episode, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		show := dotUnderscorePattern.ReplaceAllString(m[1], " ")
		show = whitespacePattern.ReplaceAllString(show, " ")
		show = strings.TrimSpace(show)
		return TVEpisode{Show: show, Season: season, Episode: episode}, true
	}
	return TVEpisode{}, false
}

// MovieFolderName is the "Title (Year)" folder/file stem the library
// layout uses for a parsed movie. When year is empty, just the title.
func MovieFolderName(title, year string) string {
	if year == "" {
		return title
	}
	return fmt.Sprintf("%s (%s)", title, year)
}

// EpisodeFileName renders "Show - SnnEmm" with zero-padded season and
// episode numbers, the standard Sonarr/Radarr naming the rest of the
// managed stack expects.
func EpisodeFileName(ep TVEpisode) string {
	return fmt.Sprintf("%s - S%02dE%02d", ep.Show, ep.Season, ep.Episode)
}

// SeasonDirName renders the non-zero-padded "Season n" directory name.
func SeasonDirName(season int) string {
	return fmt.Sprintf("Season %d", season)
}

// NormalizeCategory strips a trailing "-sonarr"/"-radarr" suffix the
// library managers append to the configured category label before
// handing a completed download back to the torrent client.
func NormalizeCategory(category string) string {
	for _, suffix := range []string{"-sonarr", "-radarr"} {
		if strings.HasSuffix(category, suffix) {
			return strings.TrimSuffix(category, suffix)
		}
	}
	return category
}
