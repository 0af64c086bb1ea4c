package extractor

import (
	"testing"

	"github.com/use-agent/streamprobe/models"
)

const pageURL = "https://example.com/watch/1"

func TestCollector_DedupKeepsFirstSeenHeaders(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")

	c.Observe(Event{
		Channel:        models.ChannelRequest,
		URL:            "https://cdn.example.com/v/master.m3u8",
		RequestHeaders: map[string]string{"referer": "https://player.example.com/embed/9"},
	})
	c.Observe(Event{
		Channel: models.ChannelResponseHeader,
		URL:     "https://cdn.example.com/v/master.m3u8",
	})

	ranked := c.Ranked()
	if len(ranked) != 1 {
		t.Fatalf("got %d candidates, want 1", len(ranked))
	}
	got := ranked[0]
	if got.Headers.Referer != "https://player.example.com/embed/9" {
		t.Errorf("Referer = %q, first-seen headers must win", got.Headers.Referer)
	}
	if got.Headers.Origin != "https://player.example.com" {
		t.Errorf("Origin = %q", got.Headers.Origin)
	}
	if got.Channel != models.ChannelRequest {
		t.Errorf("Channel = %q, want first-seen channel", got.Channel)
	}
}

func TestCollector_StableSortTies(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	urls := []string{
		"https://cdn.example.com/a/480.m3u8",
		"https://cdn.example.com/a/1080.m3u8",
		"https://cdn.example.com/a/master.m3u8",
		"https://cdn.example.com/a/720.m3u8",
	}
	for _, u := range urls {
		c.Observe(Event{Channel: models.ChannelRequest, URL: u})
	}

	got := c.Ranked()
	want := []string{
		"https://cdn.example.com/a/master.m3u8",
		"https://cdn.example.com/a/480.m3u8",
		"https://cdn.example.com/a/1080.m3u8",
		"https://cdn.example.com/a/720.m3u8",
	}
	for i, w := range want {
		if got[i].URL != w {
			t.Errorf("Ranked()[%d] = %q, want %q", i, got[i].URL, w)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Priority > got[i-1].Priority {
			t.Errorf("not sorted descending at %d", i)
		}
	}
}

func TestCollector_MIMEConfirmedCandidate(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")

	c.Observe(Event{
		Channel:     models.ChannelResponseHeader,
		URL:         "https://cdn.example.com/api/stream?id=7",
		ContentType: "application/vnd.apple.mpegurl",
	})
	c.Observe(Event{
		Channel:     models.ChannelResponseHeader,
		URL:         "https://cdn.example.com/api/other?id=8",
		ContentType: "text/html",
	})

	ranked := c.Ranked()
	if len(ranked) != 1 {
		t.Fatalf("got %d candidates, want 1", len(ranked))
	}
	if ranked[0].Priority != mimeBonus {
		t.Errorf("Priority = %d, want %d", ranked[0].Priority, mimeBonus)
	}
	if ranked[0].Channel != models.ChannelResponseHeader {
		t.Errorf("Channel = %q", ranked[0].Channel)
	}
}

func TestCollector_RescoreOnLaterMIME(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	u := "https://cdn.example.com/playlist?id=1"

	c.Observe(Event{Channel: models.ChannelRequest, URL: u})
	before := c.Ranked()[0].Priority
	c.Observe(Event{Channel: models.ChannelResponseHeader, URL: u, ContentType: "application/x-mpegURL"})
	after := c.Ranked()[0].Priority

	if after != before+mimeBonus {
		t.Errorf("priority %d -> %d, want +%d after MIME confirmation", before, after, mimeBonus)
	}
}

func TestCollector_BodyScanUsesResponseURLAsReferer(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	c.Observe(Event{
		Channel:     models.ChannelResponseBody,
		URL:         "https://api.x.com/v1/source",
		ContentType: "application/json; charset=utf-8",
		Body:        `{"file":"https:\/\/cdn.x.com\/a\/master.m3u8?t=1"}`,
	})
	c.Observe(Event{
		Channel:     models.ChannelResponseBody,
		URL:         "https://api.x.com/v1/image",
		ContentType: "image/png",
		Body:        `https://cdn.x.com/b/index.m3u8`,
	})

	ranked := c.Ranked()
	if len(ranked) != 1 {
		t.Fatalf("got %d candidates, want 1", len(ranked))
	}
	if ranked[0].URL != "https://cdn.x.com/a/master.m3u8?t=1" {
		t.Errorf("URL = %q", ranked[0].URL)
	}
	if ranked[0].Headers.Referer != "https://api.x.com/v1/source" {
		t.Errorf("Referer = %q", ranked[0].Headers.Referer)
	}
	if ranked[0].Headers.UserAgent != "UA/1" {
		t.Errorf("User-Agent = %q", ranked[0].Headers.UserAgent)
	}
}

func TestCollector_ConsoleScan(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	c.Observe(Event{Channel: models.ChannelConsole, Body: "player ready https://cdn.example.com/live/index.m3u8"})

	ranked := c.Ranked()
	if len(ranked) != 1 || ranked[0].Headers.Referer != pageURL {
		t.Fatalf("Ranked() = %+v", ranked)
	}
	if !c.HasMaster() {
		t.Error("index.m3u8 should trigger the master signal")
	}
}

func TestCollector_MasterSignal(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")

	c.Observe(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/v/720p.m3u8"})
	if c.HasMaster() {
		t.Fatal("720p.m3u8 is not a master playlist")
	}
	select {
	case <-c.MasterFound():
		t.Fatal("MasterFound fired early")
	default:
	}

	c.Observe(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/v/master.m3u8"})
	c.Observe(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/v/main.m3u8"})
	select {
	case <-c.MasterFound():
	default:
		t.Fatal("MasterFound did not fire")
	}

	best, ok := c.Best()
	if !ok || best.URL != "https://cdn.example.com/v/master.m3u8" {
		t.Errorf("Best() = %+v", best)
	}
}

func TestCollector_Subtitles(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	for _, u := range []string{
		"https://cdn.x.com/subs/en.vtt",
		"https://cdn.x.com/tracking/pixel.vtt",
		"https://cdn.x.com/subs/en.vtt",
		"https://cdn.x.com/subs/movie_es.srt",
	} {
		c.Observe(Event{Channel: models.ChannelRequest, URL: u})
	}

	subs := c.Subtitles()
	want := []models.Subtitle{
		{URL: "https://cdn.x.com/subs/en.vtt", Language: "English"},
		{URL: "https://cdn.x.com/subs/movie_es.srt", Language: "Spanish"},
	}
	if len(subs) != len(want) {
		t.Fatalf("Subtitles() = %+v", subs)
	}
	for i := range want {
		if subs[i] != want[i] {
			t.Errorf("Subtitles()[%d] = %+v, want %+v", i, subs[i], want[i])
		}
	}
	if c.Len() != 0 {
		t.Errorf("subtitles must not become stream candidates, Len() = %d", c.Len())
	}
}

func TestCollector_IgnoresNoise(t *testing.T) {
	c := NewCollector(pageURL, "UA/1")
	for _, u := range []string{
		"https://example.com/app.js",
		"https://example.com/style.css",
		"",
	} {
		c.Observe(Event{Channel: models.ChannelRequest, URL: u})
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if _, ok := c.Best(); ok {
		t.Error("Best() should be empty")
	}
}
