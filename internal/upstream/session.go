// Package upstream speaks grok.com's private surfaces: the app-chat
// conversation endpoint, the AuthManagement feature-control channel,
// the rate-limits probe, and the asset host. Authentication is cookie
// based; every call rides on a per-credential Cookie header assembled
// from the stored sso token.
package upstream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"

	"golang.org/x/net/http2"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

// Options configures the upstream session.
type Options struct {
	BaseURL      string // https://grok.com
	AssetBaseURL string // https://assets.grok.com
	UserAgent    string
	CFClearance  string // full cf_clearance=... cookie pair, optional
}

// Session is a shared transport for all upstream calls. Safe for
// concurrent use; per-credential state lives only in request headers.
type Session struct {
	client *http.Client
	opts   Options
}

// NewSession builds the shared HTTP client. HTTP/2 keepalive pings are
// tuned so long-lived event streams notice a dead connection instead
// of blocking forever on a read.
func NewSession(opts Options) *Session {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://grok.com"
	}
	if opts.AssetBaseURL == "" {
		opts.AssetBaseURL = "https://assets.grok.com"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 15 * time.Second,
	}
	if h2, err := http2.ConfigureTransports(tr); err != nil {
		logging.UpstreamWarn("[Session] HTTP/2 configuration failed, staying on HTTP/1.1: %v", err)
	} else {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}

	// TODO: decide a slow-request policy and add per-request deadlines;
	// generation calls currently run until upstream terminates them.
	client := &http.Client{Transport: tr}

	return &Session{client: client, opts: opts}
}

// BaseURL returns the configured chat origin.
func (s *Session) BaseURL() string {
	return s.opts.BaseURL
}

// cookieFor assembles the session cookie for one credential.
func (s *Session) cookieFor(c *store.Credential) string {
	cookie := fmt.Sprintf("sso=%s;sso-rw=%s", c.Token, c.Token)
	if s.opts.CFClearance != "" {
		cookie += ";" + s.opts.CFClearance
	}
	return cookie
}

// setCommonHeaders applies the browser-shaped headers every grok.com
// call carries.
func (s *Session) setCommonHeaders(req *http.Request, c *store.Credential) {
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", "https://grok.com")
	req.Header.Set("Referer", "https://grok.com/")
	req.Header.Set("Cookie", s.cookieFor(c))
}
