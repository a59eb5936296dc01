package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/lanniny/grok2api/internal/grpcweb"
	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

const featureControlPath = "/auth_mgmt.AuthManagement/UpdateUserFeatureControls"

// ToggleUnrestricted flips the account-level unrestricted capability
// over the gRPC-Web control channel. The response carries status in
// trailers only; a truncated or malformed body reads as status 0.
func (s *Session) ToggleUnrestricted(ctx context.Context, c *store.Credential, enabled bool) error {
	frame, err := grpcweb.EncodeMessage(grpcweb.FeatureControlMessage(enabled))
	if err != nil {
		return fmt.Errorf("encode feature control frame: %w", err)
	}

	url := s.opts.BaseURL + featureControlPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("create feature control request: %w", err)
	}
	s.setCommonHeaders(req, c)
	req.Header.Set("Content-Type", grpcweb.ContentType)
	req.Header.Set("X-Grpc-Web", "1")

	logging.Upstream("[Control] %s toggle unrestricted=%t", c.Display(), enabled)

	resp, err := s.client.Do(req)
	if err != nil {
		logging.AuditToggle(c.Display(), enabled, err)
		return fmt.Errorf("feature control request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("feature control status %d", resp.StatusCode)
		logging.AuditToggle(c.Display(), enabled, err)
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.AuditToggle(c.Display(), enabled, err)
		return fmt.Errorf("read feature control response: %w", err)
	}

	status := grpcweb.DecodeResponse(body).Status()
	if !status.OK() {
		err := fmt.Errorf("feature control rejected: code %d (%s)", status.Code, status.Message)
		logging.UpstreamWarn("[Control] %s toggle rejected: %v", c.Display(), err)
		logging.AuditToggle(c.Display(), enabled, err)
		return err
	}

	logging.Upstream("[Control] %s unrestricted=%t acknowledged", c.Display(), enabled)
	logging.AuditToggle(c.Display(), enabled, nil)
	return nil
}
