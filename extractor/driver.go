package extractor

import (
	"context"

	"github.com/use-agent/streamprobe/browser"
)

// Driver opens instrumented pages on a leased browser.
type Driver interface {
	// Open creates a page presenting fp, with request blocking, traffic
	// observers and popup suppression installed before any navigation.
	// Every observed event is passed to sink.
	Open(ctx context.Context, inst browser.Instance, fp Fingerprint, sink Sink) (Page, error)
}

// Page is one instrumented tab. Every method is individually fallible; the
// engine treats a failure as "no evidence gained" and moves on.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// ClickPlay clicks the first visible, reasonably sized element matching
	// one of selectors, tried in order. It reports whether anything was
	// clicked.
	ClickPlay(ctx context.Context, selectors []string) (bool, error)

	// ClickAt dispatches a mouse click at viewport coordinates.
	ClickAt(ctx context.Context, x, y float64) error

	// ClickFrame descends into the first non-blocked iframe and clicks a
	// play control inside it, or the frame's center when none matches. It
	// reports whether a frame was found.
	ClickFrame(ctx context.Context, selectors []string) (bool, error)

	// HTML returns the current serialized document.
	HTML(ctx context.Context) (string, error)

	// Close stops the observers and closes the page and every popup it
	// opened. It gives up when ctx is done.
	Close(ctx context.Context) error
}
