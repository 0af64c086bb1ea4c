// Package signals holds the pure URL classifiers used to decide which observed
// network traffic is a media stream, a subtitle track, or noise.
//
// Every function here is stateless and side-effect free.
package signals

import (
	"regexp"
	"strings"
)

// streamPatterns match manifest/container extensions and the path keywords
// that video players commonly use for playlist endpoints.
var streamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.m3u8(?:[?#&]|$)`),
	regexp.MustCompile(`(?i)\.mpd(?:[?#&]|$)`),
	regexp.MustCompile(`(?i)\.mp4(?:[?#&]|$)`),
	regexp.MustCompile(`(?i)\.webm(?:[?#&]|$)`),
	regexp.MustCompile(`(?i)/(?:master|index|playlist|manifest|chunklist)[^/?#]*\.(?:m3u8|mpd|json)`),
	regexp.MustCompile(`(?i)/hls/[^?#]*(?:master|index|playlist|manifest|chunklist)`),
	regexp.MustCompile(`(?i)/live/[^?#]+\.(?:m3u8|mpd|ts)`),
	regexp.MustCompile(`(?i)\.ism/manifest`),
	regexp.MustCompile(`(?i)/(?:manifest|playlist)(?:\?|$)`),
	regexp.MustCompile(`(?i)googlevideo\.com/videoplayback`),
	regexp.MustCompile(`(?i)vimeocdn\.com/.+/(?:playlist|master)\.json`),
	regexp.MustCompile(`(?i)jwpcdn\.com/.+\.m3u8`),
	regexp.MustCompile(`(?i)akamaihd\.net/.+/(?:master|index)`),
}

// masterKeywords is the smaller keyword set used as the early-exit signal.
var masterKeywords = []string{"master", "index", "manifest", "playlist", "main"}

var (
	reSegment  = regexp.MustCompile(`(?i)segment|chunk`)
	reTSQuery  = regexp.MustCompile(`(?i)\.ts\?`)
	reManifest = regexp.MustCompile(`(?i)https?://[^\s"'<>\\]+?\.m3u8(?:\?[^\s"'<>\\]*)?`)
)

// LooksLikeStream reports whether rawURL matches any of the manifest/container
// patterns. data: and blob: URLs never match.
func LooksLikeStream(rawURL string) bool {
	if rawURL == "" || isInlineURL(rawURL) {
		return false
	}
	for _, re := range streamPatterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// IsMasterPlaylist reports whether rawURL carries one of the keywords that
// usually identify a top-level playlist. The engine uses it to stop the
// interaction loop early.
func IsMasterPlaylist(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, kw := range masterKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Priority returns an additive score for rawURL. Manifests score highest;
// anything that looks like a media segment is penalised so it can never
// outrank a manifest with the same keywords.
func Priority(rawURL string) int {
	lower := strings.ToLower(rawURL)
	score := 0

	if strings.Contains(lower, ".m3u8") {
		score += 10
	}
	if strings.Contains(lower, ".mpd") {
		score += 8
	}
	if strings.Contains(lower, "master") {
		score += 5
	}
	if strings.Contains(lower, "index") {
		score += 4
	}
	if strings.Contains(lower, "manifest") {
		score += 3
	}
	if strings.Contains(lower, "playlist") {
		score += 3
	}
	if strings.Contains(lower, ".mp4") {
		score += 2
	}
	if IsSegment(rawURL) {
		score -= 5
	}
	return score
}

// IsSegment reports whether rawURL looks like an individual media segment
// rather than a playlist.
func IsSegment(rawURL string) bool {
	return reSegment.MatchString(rawURL) || reTSQuery.MatchString(rawURL)
}

// FindManifestURLs returns every absolute .m3u8 URL embedded in text, in
// order of appearance and without duplicates. JSON-escaped slashes are
// unescaped before matching.
func FindManifestURLs(text string) []string {
	if !strings.Contains(strings.ToLower(text), ".m3u8") {
		return nil
	}
	text = strings.ReplaceAll(text, `\/`, `/`)
	matches := reManifest.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// streamMIMETypes are response content types that confirm a playlist even
// when the URL itself carries no recognisable pattern.
var streamMIMETypes = map[string]struct{}{
	"application/vnd.apple.mpegurl": {},
	"application/x-mpegurl":         {},
	"audio/mpegurl":                 {},
	"audio/x-mpegurl":               {},
	"application/dash+xml":          {},
	"video/vnd.mpeg.dash.mpd":       {},
}

// IsStreamMIME reports whether contentType is an HLS or DASH playlist type.
func IsStreamMIME(contentType string) bool {
	_, ok := streamMIMETypes[mediaType(contentType)]
	return ok
}

// IsScannableContentType reports whether a response body with this content
// type should be searched for embedded manifest URLs.
func IsScannableContentType(contentType string) bool {
	mt := mediaType(contentType)
	switch {
	case mt == "":
		return false
	case strings.Contains(mt, "json"):
		return true
	case strings.HasPrefix(mt, "text/"):
		return true
	case strings.Contains(mt, "javascript"), strings.Contains(mt, "ecmascript"):
		return true
	}
	return false
}

// mediaType lowercases contentType and strips parameters such as charset.
func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func isInlineURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:")
}
