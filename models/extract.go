package models

import "time"

// Channel names the way a candidate URL was discovered.
type Channel string

const (
	ChannelRequest        Channel = "request"
	ChannelResponseHeader Channel = "response-header-match"
	ChannelResponseBody   Channel = "response-body-scan"
	ChannelConsole        Channel = "console-log"
	ChannelDOM            Channel = "dom-scan"
)

// StreamHeaders are the request headers a player must send to fetch a stream.
type StreamHeaders struct {
	Referer   string `json:"Referer" yaml:"referer"`
	UserAgent string `json:"User-Agent" yaml:"user_agent"`
	Origin    string `json:"Origin" yaml:"origin"`
}

// StreamCandidate is a URL observed during extraction that looks like a
// manifest or media container.
type StreamCandidate struct {
	URL      string        `json:"url" yaml:"url"`
	Headers  StreamHeaders `json:"headers" yaml:"headers"`
	Priority int           `json:"priority" yaml:"priority"`
	Channel  Channel       `json:"channel" yaml:"channel"`
}

// Subtitle is a retained subtitle track with its inferred language.
type Subtitle struct {
	URL      string `json:"url" yaml:"url"`
	Language string `json:"language" yaml:"language"`
}

// ExtractionResult is the outcome of one extraction. It is the unit stored
// in the result cache and must not be mutated once produced.
type ExtractionResult struct {
	// Success is true when at least one stream candidate was found.
	Success bool `json:"success" yaml:"success"`

	// TargetURL is the page that was extracted, exactly as requested.
	TargetURL string `json:"target_url" yaml:"target_url"`

	// Stream is the top-ranked candidate; nil on failure.
	Stream *StreamCandidate `json:"stream,omitempty" yaml:"stream,omitempty"`

	// Streams holds every deduplicated candidate sorted by descending
	// priority, ties in first-seen order.
	Streams []StreamCandidate `json:"streams" yaml:"streams"`

	// Subtitles is the filtered subtitle list in discovery order.
	Subtitles []Subtitle `json:"subtitles" yaml:"subtitles"`

	// Attempts is the number of browser sessions used (1 or 2).
	Attempts int `json:"attempts" yaml:"attempts"`

	// Aggressive reports whether the successful (or last) attempt used the
	// aggressive interaction strategy.
	Aggressive bool `json:"aggressive" yaml:"aggressive"`

	// Duration is the wall-clock time spent extracting.
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty" yaml:"error,omitempty"`
}

// Err returns the failure as an *ExtractError, or nil on success.
func (r *ExtractionResult) Err() *ExtractError {
	if r == nil || r.Success || r.Error == nil {
		return nil
	}
	return NewExtractError(r.Error.Code, r.Error.Message, nil)
}
