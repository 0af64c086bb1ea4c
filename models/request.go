package models

// ExtractRequest is the query for GET /extract.
type ExtractRequest struct {
	// URL is the target video page. Required.
	URL string `form:"url" json:"url"`

	// Aggressive forces grid clicks and iframe descent from the first
	// attempt. Default: false.
	Aggressive bool `form:"aggressive" json:"aggressive,omitempty"`

	// NoCache skips the cache lookup. A successful result is still stored.
	NoCache bool `form:"no_cache" json:"no_cache,omitempty"`
}

// ProxyRequest is the query for GET /proxy.
type ProxyRequest struct {
	// URL is the upstream resource to relay. Required.
	URL string `form:"url"`

	// Referer and Origin are injected into the upstream request.
	Referer string `form:"referer"`
	Origin  string `form:"origin"`

	// UserAgent overrides the relay's default User-Agent.
	UserAgent string `form:"ua"`
}
