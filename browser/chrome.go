package browser

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// ChromeOptions controls how Chrome processes are launched.
type ChromeOptions struct {
	// Headless controls whether the browser runs headless.
	Headless bool

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool

	// Bin overrides the Chromium binary path.
	Bin string

	// Proxy is an upstream proxy for all browser traffic.
	Proxy string
}

// ChromeLauncher starts a fresh Chrome process per Launch call.
type ChromeLauncher struct {
	opts ChromeOptions
}

// NewChromeLauncher returns a Launcher for local Chrome processes.
func NewChromeLauncher(opts ChromeOptions) *ChromeLauncher {
	return &ChromeLauncher{opts: opts}
}

// Launch starts Chrome with automation fingerprints removed and popups
// allowed (the extractor closes them itself), then connects to it.
func (cl *ChromeLauncher) Launch(ctx context.Context) (Instance, error) {
	l := launcher.New().
		Context(ctx).
		Headless(cl.opts.Headless).
		NoSandbox(cl.opts.NoSandbox).
		Leakless(true)

	if cl.opts.Bin != "" {
		l = l.Bin(cl.opts.Bin)
	}
	if cl.opts.Proxy != "" {
		l = l.Proxy(cl.opts.Proxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("autoplay-policy"), "no-user-gesture-required")
	l.Set(flags.Flag("mute-audio"))
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, err
	}
	slog.Debug("chrome launched", "controlURL", controlURL, "pid", l.PID())

	return &Chrome{browser: b, launcher: l}, nil
}

// Chrome is a launched Chrome process and its rod connection.
type Chrome struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Rod exposes the underlying rod browser to the extractor.
func (c *Chrome) Rod() *rod.Browser {
	return c.browser
}

// Alive asks the browser for its version over CDP.
func (c *Chrome) Alive(ctx context.Context) bool {
	_, err := proto.BrowserGetVersion{}.Call(c.browser.Context(ctx))
	return err == nil
}

// Close closes the CDP connection, kills the process and removes its
// temporary user-data directory.
func (c *Chrome) Close() error {
	err := c.browser.Close()
	c.launcher.Kill()
	c.launcher.Cleanup()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
