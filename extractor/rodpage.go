package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/models"
	"github.com/use-agent/streamprobe/signals"
)

// configToProto maps human-readable config strings to rod resource types.
var configToProto = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Ping":       proto.NetworkResourceTypePing,
}

// openCloseGrace bounds the cleanup of a page whose setup failed.
const openCloseGrace = 5 * time.Second

// minClickableSize is the smallest width and height, in CSS pixels, of an
// element worth clicking as a play button.
const minClickableSize = 20

// RodOptions configures the rod-backed driver.
type RodOptions struct {
	// BlockedResourceTypes are aborted in the browser.
	// Default: ["Image", "Stylesheet", "Font"].
	BlockedResourceTypes []string

	// ConsoleScan enables scanning console messages for manifest URLs.
	ConsoleScan bool

	// BodyLimit skips body scans of responses larger than this many bytes.
	// Default: 2 MiB.
	BodyLimit int64
}

// RodDriver opens pages through go-rod on a *browser.Chrome instance.
type RodDriver struct {
	opts    RodOptions
	blocked []proto.NetworkResourceType
}

// NewRodDriver returns a driver with the given options.
func NewRodDriver(opts RodOptions) *RodDriver {
	if opts.BlockedResourceTypes == nil {
		opts.BlockedResourceTypes = []string{"Image", "Stylesheet", "Font"}
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = 2 << 20
	}
	d := &RodDriver{opts: opts}
	for _, name := range opts.BlockedResourceTypes {
		if rt, ok := configToProto[name]; ok {
			d.blocked = append(d.blocked, rt)
		}
	}
	return d
}

// rodBrowser is implemented by *browser.Chrome.
type rodBrowser interface {
	Rod() *rod.Browser
}

// Open creates and instruments a page. Order matters: stealth, fingerprint,
// blocking and observers must all be installed before Navigate.
func (d *RodDriver) Open(ctx context.Context, inst browser.Instance, fp Fingerprint, sink Sink) (Page, error) {
	rb, ok := inst.(rodBrowser)
	if !ok {
		return nil, fmt.Errorf("rod driver: unsupported browser instance %T", inst)
	}
	b := rb.Rod()

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	// rp.page stays unbound; every use rebinds it. Setup calls below are
	// bounded by ctx, observers by evCtx and Close by its own ctx.
	page = page.Context(context.Background())
	setup := page.Context(ctx)

	evCtx, evCancel := context.WithCancel(context.Background())
	rp := &rodPage{
		browser: b,
		page:    page,
		sink:    sink,
		cancel:  evCancel,
		popups:  make(map[proto.TargetTargetID]struct{}),
		driver:  d,
	}

	fail := func(step string, err error) (Page, error) {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), openCloseGrace)
		defer cancel()
		_ = rp.Close(closeCtx)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if _, err := setup.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Debug("stealth injection failed, proceeding without stealth", "error", err)
	}
	if err := setup.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: fp.UserAgent}); err != nil {
		return fail("set user agent", err)
	}
	if err := setup.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Width,
		Height:            fp.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fail("set viewport", err)
	}

	if err := (proto.NetworkEnable{}).Call(setup); err != nil {
		return fail("enable network", err)
	}
	if err := (proto.PageEnable{}).Call(setup); err != nil {
		return fail("enable page", err)
	}
	_ = proto.NetworkSetExtraHTTPHeaders{
		Headers: proto.NetworkHeaders{"Accept-Language": gson.New(fp.AcceptLanguage())},
	}.Call(setup)
	if err := (proto.NetworkSetBlockedURLs{Urls: signals.BlockedURLPatterns()}).Call(setup); err != nil {
		slog.Debug("blocked-domain list not installed", "error", err)
	}

	rp.router = d.mountHijack(page)
	rp.listen(evCtx)
	if err := rp.killPopups(evCtx); err != nil {
		slog.Debug("popup killer not installed", "error", err)
	}

	return rp, nil
}

// mountHijack aborts blocked resource types. Routes are registered per
// resource type so only those requests pause in the Fetch domain; everything
// else reaches the Network observers untouched.
func (d *RodDriver) mountHijack(page *rod.Page) *rod.HijackRouter {
	if len(d.blocked) == 0 {
		return nil
	}
	router := page.HijackRequests()
	for _, rt := range d.blocked {
		_ = router.Add("*", rt, func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
	}
	// router.Run() blocks; it exits when router.Stop() is called.
	go router.Run()
	return router
}

type pendingBody struct {
	url         string
	contentType string
}

type rodPage struct {
	driver  *RodDriver
	browser *rod.Browser
	page    *rod.Page
	router  *rod.HijackRouter
	sink    Sink
	cancel  context.CancelFunc

	wg sync.WaitGroup

	mu     sync.Mutex
	frame  *rod.Page
	popups map[proto.TargetTargetID]struct{}

	closeOnce sync.Once
	closeErr  error
}

// listen registers the request, response, body and console observers.
func (rp *rodPage) listen(ctx context.Context) {
	pending := make(map[proto.NetworkRequestID]pendingBody)
	p := rp.page.Context(ctx)

	wait := p.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Request == nil || signals.IsBlockedDomain(e.Request.URL) {
				return
			}
			rp.sink(Event{
				Channel:        models.ChannelRequest,
				URL:            e.Request.URL,
				ResourceType:   string(e.Type),
				RequestHeaders: headersToMap(e.Request.Headers),
			})
		},
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil {
				return
			}
			rp.sink(Event{
				Channel:      models.ChannelResponseHeader,
				URL:          e.Response.URL,
				ResourceType: string(e.Type),
				ContentType:  e.Response.MIMEType,
			})
			if signals.IsScannableContentType(e.Response.MIMEType) {
				pending[e.RequestID] = pendingBody{url: e.Response.URL, contentType: e.Response.MIMEType}
			}
		},
		func(e *proto.NetworkLoadingFinished) {
			pb, ok := pending[e.RequestID]
			if !ok {
				return
			}
			delete(pending, e.RequestID)
			if int64(e.EncodedDataLength) > rp.driver.opts.BodyLimit {
				return
			}
			rp.wg.Add(1)
			go func() {
				defer rp.wg.Done()
				rp.scanBody(p, e.RequestID, pb)
			}()
		},
		func(e *proto.NetworkLoadingFailed) {
			delete(pending, e.RequestID)
		},
		func(e *proto.PageJavascriptDialogOpening) {
			// alert, confirm and beforeunload prompts stall the page and
			// its close; answer them at once.
			rp.wg.Add(1)
			go func() {
				defer rp.wg.Done()
				if err := (proto.PageHandleJavaScriptDialog{Accept: true}).Call(p); err != nil {
					slog.Debug("dialog dismiss failed", "type", string(e.Type), "error", err)
				}
			}()
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			if !rp.driver.opts.ConsoleScan {
				return
			}
			if text := consoleText(e.Args); text != "" {
				rp.sink(Event{Channel: models.ChannelConsole, Body: text})
			}
		},
	)
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		wait()
	}()
}

func (rp *rodPage) scanBody(p *rod.Page, id proto.NetworkRequestID, pb pendingBody) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p)
	if err != nil {
		slog.Debug("response body unavailable", "url", pb.url, "error", err)
		return
	}
	body := res.Body
	if res.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return
		}
		body = string(raw)
	}
	if int64(len(body)) > rp.driver.opts.BodyLimit {
		body = body[:rp.driver.opts.BodyLimit]
	}
	rp.sink(Event{
		Channel:     models.ChannelResponseBody,
		URL:         pb.url,
		ContentType: pb.contentType,
		Body:        body,
	})
}

// killPopups closes every new tab opened by this page as soon as it appears.
func (rp *rodPage) killPopups(ctx context.Context) error {
	b := rp.browser.Context(ctx)
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return err
	}
	primary := rp.page.TargetID
	wait := b.EachEvent(func(e *proto.TargetTargetCreated) {
		info := e.TargetInfo
		if info == nil || info.Type != proto.TargetTargetInfoTypePage || info.OpenerID != primary {
			return
		}
		rp.mu.Lock()
		rp.popups[info.TargetID] = struct{}{}
		rp.mu.Unlock()
		if _, err := (proto.TargetCloseTarget{TargetID: info.TargetID}).Call(rp.browser); err != nil {
			slog.Debug("popup close failed", "url", info.URL, "error", err)
			return
		}
		slog.Debug("popup closed", "url", info.URL)
	})
	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		wait()
	}()
	return nil
}

func (rp *rodPage) Navigate(ctx context.Context, url string) error {
	p := rp.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (rp *rodPage) ClickPlay(ctx context.Context, selectors []string) (bool, error) {
	return clickFirst(rp.page.Context(ctx), selectors)
}

func (rp *rodPage) ClickAt(ctx context.Context, x, y float64) error {
	return clickPoint(rp.page.Context(ctx), x, y)
}

func (rp *rodPage) ClickFrame(ctx context.Context, selectors []string) (bool, error) {
	p := rp.page.Context(ctx)

	rp.mu.Lock()
	frame := rp.frame
	rp.mu.Unlock()

	var host *rod.Element
	if frame == nil {
		iframes, err := p.Elements("iframe")
		if err != nil {
			return false, err
		}
		for _, el := range iframes {
			src, err := el.Attribute("src")
			if err != nil || src == nil || *src == "" || signals.IsBlockedDomain(*src) {
				continue
			}
			f, err := el.Frame()
			if err != nil {
				continue
			}
			frame, host = f, el
			break
		}
		if frame == nil {
			return false, nil
		}
		rp.mu.Lock()
		rp.frame = frame
		rp.mu.Unlock()
	}

	clicked, err := clickFirst(frame.Context(ctx), selectors)
	if clicked || host == nil {
		return true, err
	}
	// No play control inside the frame: click the middle of the frame.
	shape, err := host.Shape()
	if err != nil {
		return true, err
	}
	box := shape.Box()
	if box == nil {
		return true, errors.New("iframe has no layout box")
	}
	return true, clickPoint(p, box.X+box.Width/2, box.Y+box.Height/2)
}

func (rp *rodPage) HTML(ctx context.Context) (string, error) {
	return rp.page.Context(ctx).HTML()
}

// Close closes popups and the page, then stops the observers. The dialog
// observer stays up until the page is gone so a beforeunload prompt cannot
// hold the close. Every step runs even if an earlier one fails, and every
// browser call is bounded by ctx.
func (rp *rodPage) Close(ctx context.Context) error {
	rp.closeOnce.Do(func() {
		var errs []error
		if rp.router != nil {
			if err := rp.router.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop hijack router: %w", err))
			}
		}

		rp.mu.Lock()
		popups := make([]proto.TargetTargetID, 0, len(rp.popups))
		for id := range rp.popups {
			popups = append(popups, id)
		}
		rp.mu.Unlock()
		b := rp.browser.Context(ctx)
		for _, id := range popups {
			// Already closed by the popup killer in the common case.
			_, _ = proto.TargetCloseTarget{TargetID: id}.Call(b)
		}

		if err := rp.page.Context(ctx).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close page: %w", err))
		}

		rp.cancel()
		rp.wg.Wait()
		rp.closeErr = errors.Join(errs...)
	})
	return rp.closeErr
}

// clickFirst clicks the first visible element of adequate size matching one
// of selectors, in order.
func clickFirst(p *rod.Page, selectors []string) (bool, error) {
	var lastErr error
	for _, sel := range selectors {
		els, err := p.Elements(sel)
		if err != nil {
			lastErr = err
			continue
		}
		for _, el := range els {
			if visible, err := el.Visible(); err != nil || !visible {
				continue
			}
			shape, err := el.Shape()
			if err != nil {
				continue
			}
			box := shape.Box()
			if box == nil || box.Width < minClickableSize || box.Height < minClickableSize {
				continue
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				lastErr = err
				continue
			}
			slog.Debug("clicked play control", "selector", sel)
			return true, nil
		}
	}
	return false, lastErr
}

func clickPoint(p *rod.Page, x, y float64) error {
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// headersToMap flattens proto.NetworkHeaders (map[string]gson.JSON).
func headersToMap(h proto.NetworkHeaders) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, v := range h {
		m[k] = v.Str()
	}
	return m
}

// consoleText joins the string-ish arguments of a console call.
func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case a.Type == proto.RuntimeRemoteObjectTypeString:
			parts = append(parts, a.Value.Str())
		case a.Description != "":
			parts = append(parts, a.Description)
		case !a.Value.Nil():
			parts = append(parts, a.Value.JSON("", ""))
		}
	}
	return strings.Join(parts, " ")
}
