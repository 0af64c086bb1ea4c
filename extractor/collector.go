package extractor

import (
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/signals"
)

// mimeBonus lifts a candidate whose response MIME type confirms a playlist
// but whose URL carries no manifest extension.
const mimeBonus = 10

// candidate is a stream sighting plus the evidence behind its score.
type candidate struct {
	models.StreamCandidate
	mimeConfirmed bool
}

// Collector accumulates stream and subtitle candidates for one extraction
// session. It is safe for concurrent use by the driver's event goroutines.
type Collector struct {
	pageURL   string
	userAgent string

	mu         sync.Mutex
	candidates []*candidate
	byURL      map[string]*candidate
	best       *candidate
	subtitles  []models.Subtitle
	subSeen    map[string]struct{}

	masterOnce sync.Once
	master     chan struct{}
}

// NewCollector creates a collector for a session on pageURL presenting
// userAgent.
func NewCollector(pageURL, userAgent string) *Collector {
	return &Collector{
		pageURL:   pageURL,
		userAgent: userAgent,
		byURL:     make(map[string]*candidate),
		subSeen:   make(map[string]struct{}),
		master:    make(chan struct{}),
	}
}

// Observe classifies ev and records any stream or subtitle it evidences.
func (c *Collector) Observe(ev Event) {
	switch ev.Channel {
	case models.ChannelRequest:
		c.observeURL(ev, false)
	case models.ChannelResponseHeader:
		c.observeURL(ev, signals.IsStreamMIME(ev.ContentType))
	case models.ChannelResponseBody:
		if !signals.IsScannableContentType(ev.ContentType) {
			return
		}
		// Streams found inside an API payload are fetched by the player
		// from the page that received that payload.
		for _, u := range signals.FindManifestURLs(ev.Body) {
			c.addStream(u, ev.URL, "", ev.Channel, false)
		}
	case models.ChannelConsole:
		for _, u := range signals.FindManifestURLs(ev.Body) {
			c.addStream(u, c.pageURL, "", ev.Channel, false)
		}
	case models.ChannelDOM:
		if signals.IsValidSubtitle(ev.URL) {
			lang := signals.LanguageFromTag(ev.Label)
			if lang == signals.UnknownLanguage {
				lang = signals.InferLanguage(ev.URL)
			}
			c.addSubtitle(ev.URL, lang)
			return
		}
		if signals.LooksLikeStream(ev.URL) {
			c.addStream(ev.URL, c.pageURL, "", ev.Channel, false)
		}
	}
}

func (c *Collector) observeURL(ev Event, mimeConfirmed bool) {
	if ev.URL == "" {
		return
	}
	if signals.IsValidSubtitle(ev.URL) {
		c.addSubtitle(ev.URL, signals.InferLanguage(ev.URL))
		return
	}
	if !mimeConfirmed && !signals.LooksLikeStream(ev.URL) {
		return
	}
	referer := headerValue(ev.RequestHeaders, "Referer")
	if referer == "" {
		referer = c.pageURL
	}
	c.addStream(ev.URL, referer, headerValue(ev.RequestHeaders, "User-Agent"), ev.Channel, mimeConfirmed)
}

func (c *Collector) addStream(rawURL, referer, userAgent string, ch models.Channel, mimeConfirmed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byURL[rawURL]; ok {
		// First-seen headers and channel stay; only the score moves.
		existing.mimeConfirmed = existing.mimeConfirmed || mimeConfirmed
		existing.Priority = score(rawURL, existing.mimeConfirmed)
		c.trackBest(existing)
		return
	}

	if userAgent == "" {
		userAgent = c.userAgent
	}
	cand := &candidate{
		StreamCandidate: models.StreamCandidate{
			URL: rawURL,
			Headers: models.StreamHeaders{
				Referer:   referer,
				UserAgent: userAgent,
				Origin:    originOf(referer),
			},
			Priority: score(rawURL, mimeConfirmed),
			Channel:  ch,
		},
		mimeConfirmed: mimeConfirmed,
	}
	c.candidates = append(c.candidates, cand)
	c.byURL[rawURL] = cand
	c.trackBest(cand)

	if signals.IsMasterPlaylist(rawURL) {
		c.masterOnce.Do(func() { close(c.master) })
	}
}

// trackBest keeps the highest-scoring candidate seen so far. It is used only
// for logging and early-exit decisions; the final answer comes from Ranked.
// Caller must hold c.mu.
func (c *Collector) trackBest(cand *candidate) {
	if c.best == nil || cand.Priority > c.best.Priority {
		c.best = cand
	}
}

func (c *Collector) addSubtitle(rawURL, lang string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subSeen[rawURL]; ok {
		return
	}
	c.subSeen[rawURL] = struct{}{}
	c.subtitles = append(c.subtitles, models.Subtitle{URL: rawURL, Language: lang})
}

// MasterFound is closed once any candidate satisfies the master-playlist
// keyword test.
func (c *Collector) MasterFound() <-chan struct{} {
	return c.master
}

// HasMaster reports whether MasterFound has fired.
func (c *Collector) HasMaster() bool {
	select {
	case <-c.master:
		return true
	default:
		return false
	}
}

// Best returns the incrementally tracked best candidate.
func (c *Collector) Best() (models.StreamCandidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.best == nil {
		return models.StreamCandidate{}, false
	}
	return c.best.StreamCandidate, true
}

// Ranked returns every candidate sorted by descending priority. Equal
// priorities keep first-seen order.
func (c *Collector) Ranked() []models.StreamCandidate {
	c.mu.Lock()
	out := make([]models.StreamCandidate, 0, len(c.candidates))
	for _, cand := range c.candidates {
		out = append(out, cand.StreamCandidate)
	}
	c.mu.Unlock()

	slices.SortStableFunc(out, func(a, b models.StreamCandidate) int {
		return b.Priority - a.Priority
	})
	return out
}

// Subtitles returns the retained subtitles in discovery order.
func (c *Collector) Subtitles() []models.Subtitle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subtitles)
}

// Len returns the number of distinct stream candidates.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

func score(rawURL string, mimeConfirmed bool) int {
	p := signals.Priority(rawURL)
	if mimeConfirmed {
		lower := strings.ToLower(rawURL)
		if !strings.Contains(lower, ".m3u8") && !strings.Contains(lower, ".mpd") {
			p += mimeBonus
		}
	}
	return p
}

// originOf returns scheme://host of rawURL, or "" if it has none.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// headerValue looks up name case-insensitively.
func headerValue(h map[string]string, name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
