package signals

import (
	"regexp"
	"strings"
)

var reSubtitleExt = regexp.MustCompile(`(?i)\.(?:vtt|srt|ass|ssa)(?:[?#&]|$)`)

// subtitleNoise rejects URLs that carry a subtitle extension but are really
// analytics or tracking beacons.
var subtitleNoise = []string{
	"tracking",
	"tracker",
	"analytics",
	"/pixel",
	"pixel.",
	"pixel/",
	"beacon",
	"telemetry",
	"collect?",
	"/log?",
	"impression",
	"doubleclick",
}

// minSubtitleURLLen is the shortest URL accepted as a subtitle track.
const minSubtitleURLLen = 20

// LooksLikeSubtitle reports whether rawURL carries a subtitle file extension.
func LooksLikeSubtitle(rawURL string) bool {
	if isInlineURL(rawURL) {
		return false
	}
	return reSubtitleExt.MatchString(rawURL)
}

// IsValidSubtitle applies the full retention predicate: subtitle extension,
// no tracking substrings, and a plausible length.
func IsValidSubtitle(rawURL string) bool {
	if len(rawURL) < minSubtitleURLLen {
		return false
	}
	if !LooksLikeSubtitle(rawURL) {
		return false
	}
	lower := strings.ToLower(rawURL)
	for _, n := range subtitleNoise {
		if strings.Contains(lower, n) {
			return false
		}
	}
	return true
}
