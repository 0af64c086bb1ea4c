package extractor

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/streamprobe/models"
)

const (
	mediaSelector = "video[src], audio[src], source[src], video[data-src]"
	trackSelector = "track[src]"
)

// ScanDOM reads media elements out of a rendered document and returns them
// as dom-scan events. Relative URLs are resolved against pageURL. Malformed
// markup yields no events.
func ScanDOM(rawHTML, pageURL string) []Event {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	base, _ := url.Parse(pageURL)

	var events []Event
	doc.Find(mediaSelector).Each(func(_ int, s *goquery.Selection) {
		src := attr(s, "src")
		if src == "" {
			src = attr(s, "data-src")
		}
		if u := resolve(base, src); u != "" {
			events = append(events, Event{
				Channel:     models.ChannelDOM,
				URL:         u,
				ContentType: attr(s, "type"),
			})
		}
	})
	doc.Find(trackSelector).Each(func(_ int, s *goquery.Selection) {
		kind := strings.ToLower(attr(s, "kind"))
		if kind != "" && kind != "subtitles" && kind != "captions" {
			return
		}
		label := attr(s, "srclang")
		if label == "" {
			label = attr(s, "label")
		}
		if u := resolve(base, attr(s, "src")); u != "" {
			events = append(events, Event{
				Channel: models.ChannelDOM,
				URL:     u,
				Label:   label,
			})
		}
	})
	return events
}

func attr(s *goquery.Selection, key string) string {
	v, _ := s.Attr(key)
	return strings.TrimSpace(v)
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
