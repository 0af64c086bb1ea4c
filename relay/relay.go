// Package relay forwards a stream resource to the client with the headers
// the origin CDN expects (Referer, Origin, User-Agent).
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/use-agent/streamprobe/models"
)

// DefaultUserAgent is sent when the caller supplies none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// passthroughHeaders are copied from the upstream response.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
	"Last-Modified",
	"ETag",
}

// chromeH1Spec is a Chrome ClientHello with ALPN limited to http/1.1, since
// net/http cannot speak h2 over a utls connection.
var chromeH1Spec *tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = &spec
}

// Options configures a Relay.
type Options struct {
	// Timeout bounds dialing and waiting for upstream response headers.
	// The body itself is streamed without a deadline. Default: 30s.
	Timeout time.Duration

	// Proxy is an optional http(s) proxy for upstream requests.
	Proxy string

	// Transport replaces the utls transport, e.g. in tests.
	Transport http.RoundTripper
}

// Request describes one relayed fetch.
type Request struct {
	URL       string
	Referer   string
	Origin    string
	UserAgent string
	Range     string
}

// Relay performs upstream fetches with a Chrome TLS fingerprint.
type Relay struct {
	client *http.Client
}

// New creates a Relay.
func New(opts Options) *Relay {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	rt := opts.Transport
	if rt == nil {
		rt = newTransport(opts)
	}
	return &Relay{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
	}
}

func newTransport(opts Options) *http.Transport {
	t := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr, opts.Timeout)
		},
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     false,
	}
	if opts.Proxy != "" {
		if proxyURL, err := url.Parse(opts.Proxy); err == nil && (proxyURL.Scheme == "http" || proxyURL.Scheme == "https") {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return t
}

func dialTLSChrome(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)

	var tlsConn *tls.UConn
	if chromeH1Spec != nil {
		tlsConn = tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
		if err := tlsConn.ApplyPreset(chromeH1Spec); err != nil {
			conn.Close()
			return nil, fmt.Errorf("relay: apply tls spec: %w", err)
		}
	} else {
		tlsConn = tls.UClient(conn, &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}}, tls.HelloChrome_Auto)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Validate checks that raw is an absolute http(s) URL.
func Validate(raw string) error {
	if raw == "" {
		return models.NewExtractError(models.ErrCodeInvalidInput, "url is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewExtractError(models.ErrCodeInvalidInput, "url must be an absolute http(s) URL", err)
	}
	return nil
}

// Forward fetches req.URL and streams it to w. The upstream status code and
// the headers in passthroughHeaders are copied verbatim; permissive CORS
// headers are added for browser players.
//
// Errors before any byte is written are returned as RELAY_FAILED (or
// INVALID_INPUT) so the caller can still write an error response. Errors
// while streaming the body are logged and returned, but the status line has
// already gone out.
func (r *Relay) Forward(ctx context.Context, w http.ResponseWriter, req Request) error {
	if err := Validate(req.URL); err != nil {
		return err
	}

	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return models.NewExtractError(models.ErrCodeRelay, "build upstream request", err)
	}
	ua := req.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	upReq.Header.Set("User-Agent", ua)
	upReq.Header.Set("Accept", "*/*")
	upReq.Header.Set("Accept-Encoding", "identity")
	if req.Referer != "" {
		upReq.Header.Set("Referer", req.Referer)
	}
	if req.Origin != "" {
		upReq.Header.Set("Origin", req.Origin)
	}
	if req.Range != "" {
		upReq.Header.Set("Range", req.Range)
	}

	resp, err := r.client.Do(upReq)
	if err != nil {
		return models.NewExtractError(models.ErrCodeRelay, "upstream request failed", err)
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range passthroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	if err != nil && ctx.Err() == nil {
		slog.Warn("relay: body copy interrupted", "url", req.URL, "bytes", n, "error", err)
		return fmt.Errorf("relay: copy body: %w", err)
	}
	slog.Debug("relay: done", "url", req.URL, "status", resp.StatusCode, "bytes", n)
	return nil
}
