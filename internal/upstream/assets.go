package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

// DownloadAsset fetches a generated media file from the asset host.
// path starts with a slash, as extracted from response markup. The
// caller owns the returned body.
func (s *Session) DownloadAsset(ctx context.Context, c *store.Credential, path string) (io.ReadCloser, string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	url := s.opts.AssetBaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create asset request: %w", err)
	}
	s.setCommonHeaders(req, c)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("asset request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("asset download status %d for %s", resp.StatusCode, path)
	}

	logging.UpstreamDebug("[Assets] %s fetched %s (%s)", c.Display(), path, resp.Header.Get("Content-Type"))
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
