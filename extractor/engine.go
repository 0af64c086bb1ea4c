// Package extractor drives a browser session against a video page, watches
// its network traffic and decides which observed URL is the stream.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/models"
)

// DefaultPlaySelectors are probed in order for a play control.
var DefaultPlaySelectors = []string{
	".vjs-big-play-button",
	".jw-display-icon-container",
	".plyr__control--overlaid",
	".fp-play",
	".ytp-large-play-button",
	"button[aria-label*='Play']",
	"button[aria-label*='play']",
	"[class*='play-button']",
	"[class*='play_button']",
	"[class*='btn-play']",
	"[id*='play']",
	"video",
}

// BrowserSource leases browsers; *browser.Pool implements it.
type BrowserSource interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
	Release(l *browser.Lease, success bool)
}

// Options tunes the extraction state machine.
type Options struct {
	// OuterTimeout bounds one attempt end to end.
	OuterTimeout time.Duration
	// NavigationTimeout bounds Navigate alone.
	NavigationTimeout time.Duration
	// SettleDelay follows navigation so initial scripts can run.
	SettleDelay time.Duration

	// MaxAttempts and InteractionBudget bound the interaction loop;
	// whichever triggers first ends it.
	MaxAttempts       int
	InteractionBudget time.Duration
	// AttemptInterval is the wait between interaction attempts.
	AttemptInterval time.Duration
	// EarlyExitGrace follows an early exit so trailing segment and
	// subtitle requests can land.
	EarlyExitGrace time.Duration
	// FinalSettle is the quiet wait after interaction.
	FinalSettle time.Duration

	// Retries is the number of extra attempts after a failure.
	Retries int
	// RetryPause separates attempts.
	RetryPause time.Duration

	// Aggressive enables grid clicks and iframe descent for every request.
	Aggressive bool
	// EscalateOnRetry switches the retry to the aggressive strategy.
	EscalateOnRetry bool
	// GridStep is the spacing of aggressive grid clicks in pixels.
	GridStep float64

	// DOMScan reads media elements from the final document.
	DOMScan bool

	// PlaySelectors override DefaultPlaySelectors.
	PlaySelectors []string

	// CleanupGrace bounds page cleanup, which runs even after the caller
	// stopped waiting. The session as a whole may run OuterTimeout plus
	// CleanupGrace.
	CleanupGrace time.Duration
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		OuterTimeout:      60 * time.Second,
		NavigationTimeout: 20 * time.Second,
		SettleDelay:       2 * time.Second,
		MaxAttempts:       6,
		InteractionBudget: 25 * time.Second,
		AttemptInterval:   1500 * time.Millisecond,
		EarlyExitGrace:    1500 * time.Millisecond,
		FinalSettle:       3 * time.Second,
		Retries:           1,
		RetryPause:        time.Second,
		EscalateOnRetry:   true,
		GridStep:          120,
		DOMScan:           true,
		PlaySelectors:     DefaultPlaySelectors,
		CleanupGrace:      15 * time.Second,
	}
}

// Request is one extraction job.
type Request struct {
	URL        string
	Aggressive bool
}

// Engine runs extraction sessions. It is safe for concurrent use; each call
// to Extract owns its own sessions.
type Engine struct {
	pool        BrowserSource
	driver      Driver
	opts        Options
	memory      *StrategyMemory
	fingerprint func() Fingerprint
}

// New creates an Engine. memory may be nil.
func New(pool BrowserSource, driver Driver, opts Options, memory *StrategyMemory) *Engine {
	if len(opts.PlaySelectors) == 0 {
		opts.PlaySelectors = DefaultPlaySelectors
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.CleanupGrace <= 0 {
		opts.CleanupGrace = 15 * time.Second
	}
	return &Engine{
		pool:        pool,
		driver:      driver,
		opts:        opts,
		memory:      memory,
		fingerprint: RandomFingerprint,
	}
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, models.NewExtractError(models.ErrCodeInvalidInput, "url is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeInvalidInput, "url is malformed", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, models.NewExtractError(models.ErrCodeInvalidInput, "url must use http or https", nil)
	}
	if u.Hostname() == "" {
		return nil, models.NewExtractError(models.ErrCodeInvalidInput, "url has no host", nil)
	}
	return u, nil
}

// Extract finds the stream behind req.URL. Invalid input returns a nil
// result and an INVALID_INPUT error before any browser work. Otherwise the
// result is always non-nil; on failure it carries the error detail and the
// returned error is the same failure as an *models.ExtractError.
//
// A failed attempt is retried Options.Retries times with a fresh
// fingerprint, regardless of why it failed.
func (e *Engine) Extract(ctx context.Context, req Request) (*models.ExtractionResult, error) {
	u, err := ValidateURL(req.URL)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	host := u.Hostname()

	remembered := e.memory.Aggressive(host)
	aggressive := req.Aggressive || e.opts.Aggressive || remembered
	escalated := false

	var (
		out      *attemptOutcome
		lastErr  error
		attempts int
	)
	for i := 0; i <= e.opts.Retries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, e.opts.RetryPause); err != nil {
				break
			}
			if e.opts.EscalateOnRetry && !aggressive {
				aggressive, escalated = true, true
			}
			slog.Info("retrying extraction", "url", req.URL, "attempt", i+1,
				"aggressive", aggressive, "previous_error", lastErr)
		}
		attempts++
		out, lastErr = e.runAttempt(ctx, req.URL, aggressive)
		if lastErr == nil || ctx.Err() != nil {
			break
		}
	}

	result := &models.ExtractionResult{
		TargetURL:  req.URL,
		Attempts:   attempts,
		Aggressive: aggressive,
		Duration:   time.Since(start),
		Streams:    []models.StreamCandidate{},
		Subtitles:  []models.Subtitle{},
	}
	if out != nil {
		if len(out.streams) > 0 {
			result.Streams = out.streams
		}
		if len(out.subtitles) > 0 {
			result.Subtitles = out.subtitles
		}
	}

	if lastErr != nil {
		ee := models.AsExtractError(lastErr)
		result.Error = ee.ToDetail()
		if remembered {
			e.memory.Forget(host)
		}
		slog.Info("extraction failed", "url", req.URL, "attempts", attempts,
			"code", ee.Code, "error", lastErr, "duration", result.Duration)
		return result, ee
	}

	result.Success = true
	result.Stream = &result.Streams[0]
	if escalated {
		e.memory.RememberAggressive(host)
	}
	slog.Info("extraction succeeded", "url", req.URL, "stream", result.Stream.URL,
		"priority", result.Stream.Priority, "candidates", len(result.Streams),
		"subtitles", len(result.Subtitles), "attempts", attempts, "duration", result.Duration)
	return result, nil
}

type attemptOutcome struct {
	streams   []models.StreamCandidate
	subtitles []models.Subtitle
}

// runAttempt races one session against OuterTimeout. The session runs on a
// context detached from ctx so that when the caller gives up, the session
// stops interacting but still finishes its cleanup and returns its lease.
func (e *Engine) runAttempt(ctx context.Context, target string, aggressive bool) (*attemptOutcome, error) {
	fp := e.fingerprint()

	sessCtx, sessCancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.OuterTimeout+e.opts.CleanupGrace)
	workCtx, workCancel := context.WithTimeout(sessCtx, e.opts.OuterTimeout)

	type done struct {
		out *attemptOutcome
		err error
	}
	ch := make(chan done, 1)
	go func() {
		defer sessCancel()
		defer workCancel()
		s := &session{engine: e, target: target, fp: fp, aggressive: aggressive}
		out, err := s.run(workCtx)
		ch <- done{out, err}
	}()

	timer := time.NewTimer(e.opts.OuterTimeout)
	defer timer.Stop()
	select {
	case d := <-ch:
		return d.out, d.err
	case <-timer.C:
		workCancel()
		return nil, models.NewExtractError(models.ErrCodeTimeout,
			fmt.Sprintf("extraction exceeded %s", e.opts.OuterTimeout), context.DeadlineExceeded)
	case <-ctx.Done():
		workCancel()
		return nil, models.NewExtractError(models.ErrCodeTimeout, "extraction abandoned by caller", ctx.Err())
	}
}

// state names the phases of one session, for logging.
type state string

const (
	stateInit         state = "init"
	stateInstrumented state = "instrumented"
	stateNavigating   state = "navigating"
	stateInteracting  state = "interacting"
	stateSettling     state = "settling"
	stateDone         state = "done"
)

// stepError is the outcome of one best-effort sub-step that failed. It is
// logged and discarded: a failed click or a partial load means "no evidence
// gained", never "abort".
type stepError struct {
	step string
	err  error
}

// session is one browser session against one target.
type session struct {
	engine     *Engine
	target     string
	fp         Fingerprint
	aggressive bool

	state   state
	skipped []stepError
}

func (s *session) enter(st state) {
	s.state = st
	slog.Debug("extraction state", "url", s.target, "state", string(st))
}

// tolerate records a failed sub-step and carries on.
func (s *session) tolerate(step string, err error) {
	if err == nil {
		return
	}
	s.skipped = append(s.skipped, stepError{step: step, err: err})
	slog.Debug("extraction step failed, continuing", "url", s.target,
		"state", string(s.state), "step", step, "error", err)
}

func (s *session) run(ctx context.Context) (out *attemptOutcome, err error) {
	e := s.engine
	s.enter(stateInit)

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, models.NewExtractError(models.ErrCodeBrowserAcquisition, "could not obtain a browser", err)
	}

	collector := NewCollector(s.target, s.fp.UserAgent)
	page, err := e.driver.Open(ctx, lease.Instance, s.fp, collector.Observe)
	if err != nil {
		e.pool.Release(lease, false)
		return nil, models.NewExtractError(models.ErrCodeBrowserAcquisition, "could not open an instrumented page", err)
	}

	// Cleanup always runs and never fails the session. The lease goes back
	// even when the page refuses to close.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CleanupGrace)
		defer cancel()
		closed := s.closePage(closeCtx, page)
		e.pool.Release(lease, err == nil && closed)
		if len(s.skipped) > 0 {
			slog.Debug("extraction steps skipped", "url", s.target, "count", len(s.skipped))
		}
	}()
	s.enter(stateInstrumented)

	s.enter(stateNavigating)
	navCtx, navCancel := context.WithTimeout(ctx, e.opts.NavigationTimeout)
	s.tolerate("navigate", page.Navigate(navCtx, s.target))
	navCancel()
	s.tolerate("settle", sleepCtx(ctx, e.opts.SettleDelay))

	s.enter(stateInteracting)
	s.interact(ctx, page, collector)

	s.enter(stateSettling)
	s.tolerate("final settle", sleepCtx(ctx, e.opts.FinalSettle))

	if e.opts.DOMScan && ctx.Err() == nil {
		doc, herr := page.HTML(ctx)
		s.tolerate("dom scan", herr)
		for _, ev := range ScanDOM(doc, s.target) {
			collector.Observe(ev)
		}
	}

	s.enter(stateDone)
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && collector.Len() == 0 {
		return nil, models.NewExtractError(models.ErrCodeTimeout, "extraction deadline reached", ctx.Err())
	}

	out = &attemptOutcome{
		streams:   collector.Ranked(),
		subtitles: collector.Subtitles(),
	}
	if len(out.streams) == 0 {
		return out, models.NewExtractError(models.ErrCodeNoStreams, "No streams found", nil)
	}
	return out, nil
}

// closePage closes page within ctx. It reports false when the close did
// not finish in time; the browser behind such a page is suspect.
func (s *session) closePage(ctx context.Context, page Page) bool {
	done := make(chan error, 1)
	go func() { done <- page.Close(ctx) }()

	select {
	case cerr := <-done:
		if cerr != nil {
			ce := models.NewExtractError(models.ErrCodeCleanup, "page cleanup failed", cerr)
			slog.Warn("extraction cleanup failed", "url", s.target, "code", ce.Code, "error", cerr)
		}
		return true
	case <-ctx.Done():
		ce := models.NewExtractError(models.ErrCodeCleanup, "page close timed out", ctx.Err())
		slog.Warn("extraction cleanup failed", "url", s.target, "code", ce.Code,
			"grace", s.engine.opts.CleanupGrace, "error", ctx.Err())
		return false
	}
}

// interact runs the click campaign until a master playlist shows up, the
// attempt count runs out or the budget expires.
func (s *session) interact(ctx context.Context, page Page, collector *Collector) {
	e := s.engine
	ctx, cancel := context.WithTimeout(ctx, e.opts.InteractionBudget)
	defer cancel()

	frameTried := false
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if collector.HasMaster() {
			s.earlyExit(ctx, collector, attempt)
			return
		}

		clicked, err := page.ClickPlay(ctx, e.opts.PlaySelectors)
		s.tolerate("click play", err)
		if !clicked {
			x, y := s.fp.Center()
			s.tolerate("click center", page.ClickAt(ctx, x, y))
		}

		if s.aggressive {
			for _, pt := range gridPoints(s.fp, e.opts.GridStep) {
				if ctx.Err() != nil || collector.HasMaster() {
					break
				}
				s.tolerate("click grid", page.ClickAt(ctx, pt[0], pt[1]))
			}
			if !frameTried && !collector.HasMaster() {
				frameTried = true
				_, err := page.ClickFrame(ctx, e.opts.PlaySelectors)
				s.tolerate("click iframe", err)
			}
		}

		select {
		case <-collector.MasterFound():
			s.earlyExit(ctx, collector, attempt)
			return
		case <-ctx.Done():
			return
		case <-time.After(e.opts.AttemptInterval):
		}
	}
}

func (s *session) earlyExit(ctx context.Context, collector *Collector, attempt int) {
	best, _ := collector.Best()
	slog.Debug("master playlist seen, ending interaction early", "url", s.target,
		"attempt", attempt, "best", best.URL)
	s.tolerate("early exit grace", sleepCtx(ctx, s.engine.opts.EarlyExitGrace))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
