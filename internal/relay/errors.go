package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lanniny/grok2api/internal/pool"
)

// moderationMarker is grok.com's in-band refusal signal. It shows up
// in error messages inside otherwise-successful bodies as well as in
// non-200 bodies.
const moderationMarker = "content-moderated"

var (
	// ErrContentModerated means upstream refused the content and the
	// escalation retry is spent or unavailable.
	ErrContentModerated = errors.New("relay: content moderated by upstream")

	// ErrMaxRetries means the ordinary attempt budget ran out.
	ErrMaxRetries = errors.New("relay: max retries exceeded")

	// ErrNoResponse means upstream returned 200 with no usable payload.
	ErrNoResponse = errors.New("relay: no response data from upstream")

	// ErrUnknownModel means the requested model is not in the table.
	ErrUnknownModel = errors.New("relay: unknown model")
)

// IsContentModerated reports whether text carries the refusal marker.
func IsContentModerated(text string) bool {
	return strings.Contains(strings.ToLower(text), moderationMarker)
}

// UpstreamError is a non-200 reply from the conversation endpoint.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == http.StatusForbidden {
		return "upstream status 403: blocked by Cloudflare; rotate the egress IP, use a proxy, or configure cf_clearance"
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

// Retryable reports whether the status is in the configured retry set.
func (e *UpstreamError) Retryable(codes []int) bool {
	for _, c := range codes {
		if c == e.StatusCode {
			return true
		}
	}
	return false
}

// StatusForError maps a terminal relay error to the HTTP status the
// client sees, which is also what the request log records.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pool.ErrExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return http.StatusInternalServerError
}
