// Package server exposes the OpenAI-compatible HTTP surface: chat
// completions, image generations, the model listing, and the /images/
// asset proxy. Handlers stay thin; retry, escalation, and bookkeeping
// live in the relay.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/media"
	"github.com/lanniny/grok2api/internal/relay"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address, host:port.
	Addr string

	// APIKey guards the /v1 endpoints. Empty disables auth.
	APIKey string

	// BaseURL absolutizes generated asset links. Empty keeps them
	// relative, which works when clients reach the proxy on the
	// same host.
	BaseURL string

	// MaxConcurrent caps in-flight generation requests.
	MaxConcurrent int
}

// Server routes client traffic into the relay.
type Server struct {
	orch  *relay.Orchestrator
	cache *media.Cache // nil when the media cache is disabled
	opts  Options

	slots      chan struct{}
	background sync.WaitGroup
	started    time.Time
	httpSrv    *http.Server
}

// New wires the handlers. cache may be nil; asset serving and b64
// encoding then degrade gracefully.
func New(orch *relay.Orchestrator, cache *media.Cache, opts Options) *Server {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	return &Server{
		orch:    orch,
		cache:   cache,
		opts:    opts,
		slots:   make(chan struct{}, opts.MaxConcurrent),
		started: time.Now(),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.requireAuth(s.withSlot(s.handleChatCompletions)))
	mux.HandleFunc("/v1/images/generations", s.requireAuth(s.withSlot(s.handleImageGenerations)))
	mux.HandleFunc("/v1/models", s.requireAuth(s.handleModels))
	mux.HandleFunc("/images/", s.handleAsset)
	return mux
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}
	logging.Server("Listening on %s (auth %s, max concurrent %d)",
		s.opts.Addr, authState(s.opts.APIKey), s.opts.MaxConcurrent)
	return s.httpSrv.ListenAndServe()
}

func authState(key string) string {
	if key == "" {
		return "disabled"
	}
	return "enabled"
}

// Shutdown stops accepting traffic, then waits for background
// prefetch jobs until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// requireAuth checks the Bearer key when one is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" {
			next(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.opts.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid API key", "invalid_request_error", "invalid_api_key")
			return
		}
		next(w, r)
	}
}

// withSlot enforces the concurrency cap. The slot is held for the
// whole response, streams included, so the cap bounds real in-flight
// work rather than request setup.
func (s *Server) withSlot(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
			next(w, r)
		default:
			logging.ServerWarn("Concurrency limit reached, rejecting %s from %s", r.URL.Path, clientIP(r))
			writeError(w, http.StatusTooManyRequests,
				"Server is busy, please retry later", "rate_limit_error", "concurrency_limit_exceeded")
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
