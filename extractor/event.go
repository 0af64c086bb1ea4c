package extractor

import "github.com/use-agent/streamprobe/models"

// Event is one piece of observed browser traffic. Drivers emit events as
// they arrive; the Collector decides what, if anything, each is evidence of.
// Events are never mutated after emission.
type Event struct {
	Channel models.Channel

	// URL is the request or response URL. For a body or console scan it is
	// the URL of the response whose body was read (empty for console).
	URL string

	// ResourceType is the browser's resource kind ("XHR", "Media", ...).
	ResourceType string

	// ContentType is the response MIME type, when known.
	ContentType string

	// RequestHeaders are the headers the page itself sent with the request.
	RequestHeaders map[string]string

	// Body is scanned text: a response body or a console message.
	Body string

	// Label is a subtitle language hint from the DOM (srclang or label).
	Label string
}

// Sink receives events. It must be safe to call from multiple goroutines.
type Sink func(Event)
