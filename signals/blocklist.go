package signals

import (
	"net/url"
	"strings"
)

// blockedDomains lists ad, tracker and analytics hosts whose traffic is
// aborted before it leaves the browser. Matching is a plain substring test on
// the hostname, so "pagead2.googlesyndication.com" is caught by
// "googlesyndication.com".
var blockedDomains = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"google-analytics.com",
	"googletagmanager.com",
	"googletagservices.com",
	"facebook.net",
	"adnxs.com",
	"adsrvr.org",
	"amazon-adsystem.com",
	"criteo.com",
	"criteo.net",
	"outbrain.com",
	"taboola.com",
	"moatads.com",
	"pubmatic.com",
	"rubiconproject.com",
	"scorecardresearch.com",
	"quantserve.com",
	"hotjar.com",
	"mixpanel.com",
	"segment.io",
	"ads-twitter.com",
	"chartbeat.com",
	"optimizely.com",
	"media.net",
	"bidswitch.net",
	"openx.net",
	"casalemedia.com",
	"demdex.net",
	"krxd.net",
	"bluekai.com",
	"mathtag.com",
	"serving-sys.com",
	"rlcdn.com",
	"sharethis.com",
	"addthis.com",
	"consensu.org",
	"popads.net",
	"popcash.net",
	"propellerads.com",
	"adsterra.com",
	"exoclick.com",
	"juicyads.com",
	"trafficjunky.net",
	"adcash.com",
	"hilltopads.net",
	"onclickads.net",
	"yandex.ru/metrika",
	"mc.yandex.ru",
	"clarity.ms",
	"newrelic.com",
	"nr-data.net",
	"sentry.io",
	"histats.com",
	"statcounter.com",
	"cloudflareinsights.com",
}

// IsBlockedDomain reports whether rawURL points at a known ad, tracker or
// analytics host. Unparseable URLs fall back to a substring test on the raw
// string.
func IsBlockedDomain(rawURL string) bool {
	host := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Hostname())
		if u.Path != "" {
			// Entries with a path component ("yandex.ru/metrika") match
			// against host+path.
			host += strings.ToLower(u.Path)
		}
	}
	for _, d := range blockedDomains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

// BlockedURLPatterns returns the blocklist as CDP wildcard URL patterns.
func BlockedURLPatterns() []string {
	out := make([]string, 0, len(blockedDomains))
	for _, d := range blockedDomains {
		out = append(out, "*"+d+"*")
	}
	return out
}
