package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

type rateLimitRequest struct {
	RequestKind string `json:"requestKind"`
	ModelName   string `json:"modelName"`
}

type rateLimitResponse struct {
	WindowSizeSeconds int `json:"windowSizeSeconds"`
	RemainingQueries  int `json:"remainingQueries"`
	TotalQueries      int `json:"totalQueries"`
}

// Quota is one probe observation.
type Quota struct {
	Remaining int // default dimension
	Heavy     int // heavy dimension, QuotaUnknown for standard credentials
}

// CheckQuota probes the rate-limits endpoint for remaining queries.
// Premium credentials are probed on the heavy dimension too; standard
// ones keep the unknown sentinel there.
func (s *Session) CheckQuota(ctx context.Context, c *store.Credential) (Quota, error) {
	remaining, err := s.probeModel(ctx, c, ProbeModelDefault)
	if err != nil {
		logging.AuditProbe(c.Display(), 0, err)
		return Quota{}, err
	}

	q := Quota{Remaining: remaining, Heavy: store.QuotaUnknown}
	if c.Tier == store.TierPremium {
		heavy, err := s.probeModel(ctx, c, ProbeModelHeavy)
		if err != nil {
			logging.AuditProbe(c.Display(), remaining, err)
			return Quota{}, err
		}
		q.Heavy = heavy
	}

	logging.Upstream("[Probe] %s remaining=%d heavy=%d", c.Display(), q.Remaining, q.Heavy)
	logging.AuditProbe(c.Display(), q.Remaining, nil)
	return q, nil
}

func (s *Session) probeModel(ctx context.Context, c *store.Credential, modelName string) (int, error) {
	body, err := json.Marshal(rateLimitRequest{RequestKind: "DEFAULT", ModelName: modelName})
	if err != nil {
		return 0, fmt.Errorf("marshal rate-limit request: %w", err)
	}

	url := s.opts.BaseURL + "/rest/rate-limits"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create rate-limit request: %w", err)
	}
	s.setCommonHeaders(req, c)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate-limit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate-limit probe status %d for %s", resp.StatusCode, modelName)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read rate-limit response: %w", err)
	}
	var parsed rateLimitResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, fmt.Errorf("parse rate-limit response: %w", err)
	}
	return parsed.RemainingQueries, nil
}
