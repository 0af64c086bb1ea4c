package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/models"
)

type stubInstance struct{}

func (stubInstance) Alive(context.Context) bool { return true }
func (stubInstance) Close() error               { return nil }

type fakePool struct {
	acquireErr error
	acquired   atomic.Int32
	released   atomic.Int32
	unhealthy  atomic.Int32
}

func (p *fakePool) Acquire(ctx context.Context) (*browser.Lease, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired.Add(1)
	return &browser.Lease{Instance: stubInstance{}}, nil
}

func (p *fakePool) Release(l *browser.Lease, success bool) {
	p.released.Add(1)
	if !success {
		p.unhealthy.Add(1)
	}
}

// script decides what a fake page emits. Each hook may be nil.
type script struct {
	onNavigate   func(ctx context.Context, sink Sink) error
	onClickPlay  func(n int, sink Sink) bool
	onClickFrame func(sink Sink) bool
	onClose      func(ctx context.Context) error
	html         string
}

type fakeDriver struct {
	script script

	mu     sync.Mutex
	opened []Fingerprint
	pages  []*fakePage
}

func (d *fakeDriver) Open(ctx context.Context, inst browser.Instance, fp Fingerprint, sink Sink) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &fakePage{script: d.script, sink: sink}
	d.opened = append(d.opened, fp)
	d.pages = append(d.pages, p)
	return p, nil
}

type fakePage struct {
	script script
	sink   Sink

	clicks      atomic.Int32
	frameClicks atomic.Int32
	closed      atomic.Bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if p.script.onNavigate != nil {
		return p.script.onNavigate(ctx, p.sink)
	}
	return nil
}

func (p *fakePage) ClickPlay(ctx context.Context, selectors []string) (bool, error) {
	n := int(p.clicks.Add(1))
	if p.script.onClickPlay != nil {
		return p.script.onClickPlay(n, p.sink), nil
	}
	return false, errors.New("no play control")
}

func (p *fakePage) ClickAt(ctx context.Context, x, y float64) error { return nil }

func (p *fakePage) ClickFrame(ctx context.Context, selectors []string) (bool, error) {
	p.frameClicks.Add(1)
	if p.script.onClickFrame != nil {
		return p.script.onClickFrame(p.sink), nil
	}
	return false, nil
}

func (p *fakePage) HTML(ctx context.Context) (string, error) { return p.script.html, nil }

func (p *fakePage) Close(ctx context.Context) error {
	p.closed.Store(true)
	if p.script.onClose != nil {
		return p.script.onClose(ctx)
	}
	return nil
}

func testOptions() Options {
	return Options{
		OuterTimeout:      2 * time.Second,
		NavigationTimeout: 200 * time.Millisecond,
		MaxAttempts:       4,
		InteractionBudget: 300 * time.Millisecond,
		AttemptInterval:   10 * time.Millisecond,
		Retries:           1,
		EscalateOnRetry:   true,
		GridStep:          100,
		DOMScan:           true,
		CleanupGrace:      time.Second,
	}
}

func newTestEngine(pool BrowserSource, d Driver, opts Options, mem *StrategyMemory) *Engine {
	e := New(pool, d, opts, mem)
	var n atomic.Int32
	e.fingerprint = func() Fingerprint {
		i := int(n.Add(1))
		return Fingerprint{UserAgent: fmt.Sprintf("TestAgent/%d", i), Width: 1280, Height: 720}
	}
	return e
}

func TestExtract_InvalidInput(t *testing.T) {
	pool := &fakePool{}
	e := newTestEngine(pool, &fakeDriver{}, testOptions(), nil)

	for _, raw := range []string{"", "   ", "ftp://example.com/video", "example.com/video", "https://"} {
		res, err := e.Extract(context.Background(), Request{URL: raw})
		if res != nil {
			t.Errorf("Extract(%q) returned a result for invalid input", raw)
		}
		if code := models.ErrorCode(err); code != models.ErrCodeInvalidInput {
			t.Errorf("Extract(%q) code = %q, want %q", raw, code, models.ErrCodeInvalidInput)
		}
	}
	if n := pool.acquired.Load(); n != 0 {
		t.Errorf("invalid input acquired %d browsers", n)
	}
}

func TestExtract_NoTrafficReportsNoStreams(t *testing.T) {
	pool := &fakePool{}
	d := &fakeDriver{}
	e := newTestEngine(pool, d, testOptions(), nil)

	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if res == nil {
		t.Fatal("failure must still produce a result")
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.Error == nil || res.Error.Code != models.ErrCodeNoStreams || res.Error.Message != "No streams found" {
		t.Errorf("Error = %+v, want NO_STREAMS_FOUND / No streams found", res.Error)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one retry)", res.Attempts)
	}
	if a, r := pool.acquired.Load(), pool.released.Load(); a != 2 || r != 2 {
		t.Errorf("acquired %d, released %d; want 2 and 2", a, r)
	}
	for i, p := range d.pages {
		if !p.closed.Load() {
			t.Errorf("page %d not closed", i)
		}
	}
}

func TestExtract_FreshFingerprintPerAttempt(t *testing.T) {
	d := &fakeDriver{}
	e := newTestEngine(&fakePool{}, d, testOptions(), nil)
	_, _ = e.Extract(context.Background(), Request{URL: "https://example.com/video"})

	if len(d.opened) != 2 {
		t.Fatalf("opened %d pages, want 2", len(d.opened))
	}
	if d.opened[0].UserAgent == d.opened[1].UserAgent {
		t.Error("retry reused the first attempt's fingerprint")
	}
}

func TestExtract_JSONBodyCandidate(t *testing.T) {
	const api = "https://api.example.com/player?id=42"
	d := &fakeDriver{script: script{
		onNavigate: func(ctx context.Context, sink Sink) error {
			sink(Event{
				Channel:     models.ChannelResponseBody,
				URL:         api,
				ContentType: "application/json",
				Body:        `{"stream":"https://cdn.x.com/a/master.m3u8?t=1","poster":"https://cdn.x.com/p.jpg"}`,
			})
			return nil
		},
	}}
	e := newTestEngine(&fakePool{}, d, testOptions(), nil)

	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Stream.URL != "https://cdn.x.com/a/master.m3u8?t=1" {
		t.Errorf("stream = %q", res.Stream.URL)
	}
	if res.Stream.Headers.Referer != api {
		t.Errorf("Referer = %q, want the response URL %q", res.Stream.Headers.Referer, api)
	}
	if res.Stream.Headers.Origin != "https://api.example.com" {
		t.Errorf("Origin = %q", res.Stream.Headers.Origin)
	}
	if res.Stream.Headers.UserAgent != "TestAgent/1" {
		t.Errorf("User-Agent = %q, want the session fingerprint", res.Stream.Headers.UserAgent)
	}
	if res.Stream.Channel != models.ChannelResponseBody {
		t.Errorf("Channel = %q", res.Stream.Channel)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestExtract_EarlyExitOnMaster(t *testing.T) {
	d := &fakeDriver{script: script{
		onClickPlay: func(n int, sink Sink) bool {
			sink(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/hls/master.m3u8"})
			return true
		},
	}}
	opts := testOptions()
	opts.MaxAttempts = 6
	opts.AttemptInterval = 200 * time.Millisecond
	opts.InteractionBudget = 5 * time.Second
	e := newTestEngine(&fakePool{}, d, opts, nil)

	start := time.Now()
	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if n := d.pages[0].clicks.Load(); n != 1 {
		t.Errorf("ClickPlay called %d times, want 1 (early exit)", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("early exit took %s", elapsed)
	}
	if res.Stream.Headers.Referer != "https://example.com/video" {
		t.Errorf("Referer = %q, want page URL", res.Stream.Headers.Referer)
	}
}

func TestExtract_RankedOutput(t *testing.T) {
	d := &fakeDriver{script: script{
		onNavigate: func(ctx context.Context, sink Sink) error {
			for _, u := range []string{
				"https://cdn.example.com/v/segment-1.m3u8",
				"https://cdn.example.com/v/720p.m3u8",
				"https://cdn.example.com/v/master.m3u8",
				"https://cdn.example.com/v/480p.m3u8",
				"https://cdn.example.com/v/720p.m3u8",
			} {
				sink(Event{Channel: models.ChannelRequest, URL: u})
			}
			sink(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/subs/en.vtt"})
			return nil
		},
	}}
	e := newTestEngine(&fakePool{}, d, testOptions(), nil)

	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := []string{
		"https://cdn.example.com/v/master.m3u8",
		"https://cdn.example.com/v/720p.m3u8",
		"https://cdn.example.com/v/480p.m3u8",
		"https://cdn.example.com/v/segment-1.m3u8",
	}
	if len(res.Streams) != len(want) {
		t.Fatalf("got %d streams, want %d: %+v", len(res.Streams), len(want), res.Streams)
	}
	for i, w := range want {
		if res.Streams[i].URL != w {
			t.Errorf("Streams[%d] = %q, want %q", i, res.Streams[i].URL, w)
		}
	}
	if len(res.Subtitles) != 1 || res.Subtitles[0].Language != "English" {
		t.Errorf("Subtitles = %+v", res.Subtitles)
	}
}

func TestExtract_TimeoutReleasesLease(t *testing.T) {
	pool := &fakePool{}
	d := &fakeDriver{script: script{
		onNavigate: func(ctx context.Context, sink Sink) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	opts := testOptions()
	opts.OuterTimeout = 100 * time.Millisecond
	opts.NavigationTimeout = 5 * time.Second
	opts.Retries = 0
	e := newTestEngine(pool, d, opts, nil)

	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/slow"})
	if code := models.ErrorCode(err); code != models.ErrCodeTimeout {
		t.Fatalf("code = %q, want %q", code, models.ErrCodeTimeout)
	}
	if res == nil || res.Success {
		t.Fatalf("result = %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.released.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.released.Load() != 1 {
		t.Error("timed-out session never released its browser")
	}
}

func TestExtract_AcquisitionFailure(t *testing.T) {
	pool := &fakePool{acquireErr: errors.New("no chrome")}
	opts := testOptions()
	opts.Retries = 0
	e := newTestEngine(pool, &fakeDriver{}, opts, nil)

	_, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if code := models.ErrorCode(err); code != models.ErrCodeBrowserAcquisition {
		t.Errorf("code = %q, want %q", code, models.ErrCodeBrowserAcquisition)
	}
}

func TestExtract_EscalatesAndRemembers(t *testing.T) {
	d := &fakeDriver{script: script{
		onClickFrame: func(sink Sink) bool {
			sink(Event{Channel: models.ChannelRequest, URL: "https://embed.example.net/playlist.m3u8"})
			return true
		},
	}}
	mem := newStrategyMemory(time.Hour, time.Now)
	e := newTestEngine(&fakePool{}, d, testOptions(), mem)

	res, err := e.Extract(context.Background(), Request{URL: "https://site.example.com/watch/1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Attempts != 2 || !res.Aggressive {
		t.Errorf("Attempts = %d, Aggressive = %v; want 2, true", res.Attempts, res.Aggressive)
	}
	if d.pages[0].frameClicks.Load() != 0 {
		t.Error("first attempt should not descend into iframes")
	}
	if !mem.Aggressive("site.example.com") {
		t.Fatal("host should be remembered as needing the aggressive strategy")
	}

	res, err = e.Extract(context.Background(), Request{URL: "https://site.example.com/watch/2"})
	if err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	if res.Attempts != 1 {
		t.Errorf("remembered host should succeed on the first attempt, Attempts = %d", res.Attempts)
	}
}

func TestExtract_DOMScanFindsTrackLanguage(t *testing.T) {
	d := &fakeDriver{script: script{
		html: `<html><body><video src="/media/movie.mp4">
			<track kind="subtitles" srclang="fr" src="https://cdn.example.com/subs/track1.vtt">
		</video></body></html>`,
	}}
	opts := testOptions()
	opts.Retries = 0
	e := newTestEngine(&fakePool{}, d, opts, nil)

	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/watch"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Stream.URL != "https://example.com/media/movie.mp4" || res.Stream.Channel != models.ChannelDOM {
		t.Errorf("Stream = %+v", res.Stream)
	}
	if len(res.Subtitles) != 1 || res.Subtitles[0].Language != "French" {
		t.Errorf("Subtitles = %+v", res.Subtitles)
	}
}

func TestExtract_HungCloseStillReleases(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)

	pool := &fakePool{}
	d := &fakeDriver{script: script{
		onNavigate: func(ctx context.Context, sink Sink) error {
			sink(Event{Channel: models.ChannelRequest, URL: "https://cdn.example.com/v/master.m3u8"})
			return nil
		},
		// Ignores ctx, like a renderer stuck behind a beforeunload prompt.
		onClose: func(ctx context.Context) error {
			<-stuck
			return nil
		},
	}}
	opts := testOptions()
	opts.Retries = 0
	opts.CleanupGrace = 100 * time.Millisecond
	e := newTestEngine(pool, d, opts, nil)

	start := time.Now()
	res, err := e.Extract(context.Background(), Request{URL: "https://example.com/video"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Extract took %s, cleanup was not bounded by the grace", elapsed)
	}
	if pool.released.Load() != 1 {
		t.Fatalf("released = %d, want 1", pool.released.Load())
	}
	if pool.unhealthy.Load() != 1 {
		t.Error("browser behind a hung page should be released as unhealthy")
	}
}

func TestExtract_CloseGetsLiveContext(t *testing.T) {
	var closeErr atomic.Value
	d := &fakeDriver{script: script{
		onNavigate: func(ctx context.Context, sink Sink) error {
			<-ctx.Done()
			return ctx.Err()
		},
		onClose: func(ctx context.Context) error {
			closeErr.Store(fmt.Sprint(ctx.Err()))
			return nil
		},
	}}
	opts := testOptions()
	opts.OuterTimeout = 100 * time.Millisecond
	opts.NavigationTimeout = 5 * time.Second
	opts.Retries = 0
	pool := &fakePool{}
	e := newTestEngine(pool, d, opts, nil)

	_, _ = e.Extract(context.Background(), Request{URL: "https://example.com/slow"})

	deadline := time.Now().Add(2 * time.Second)
	for pool.released.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := closeErr.Load(); got != "<nil>" {
		t.Errorf("Close ctx.Err() = %v, want a live context after the attempt timed out", got)
	}
}
