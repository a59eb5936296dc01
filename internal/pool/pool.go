// Package pool selects and disciplines upstream credentials.
//
// Selection never mutates lifecycle state beyond the last-used stamp:
// cooling windows are applied here when upstream failures demand it,
// but they are only ever cleared by the health reconciler.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

// ErrExhausted means no credential is eligible for the requested tier.
var ErrExhausted = errors.New("pool: no eligible credential")

// Options configures failure handling.
type Options struct {
	RateLimitCooldown time.Duration // window after an upstream 429
	DefaultCooldown   time.Duration // window after any other failure status
	ExpireStatuses    []int         // statuses that permanently retire a credential
}

// Pool picks the healthiest credential for each request and applies
// cooldowns when upstream pushes back.
type Pool struct {
	store store.CredentialStore
	opts  Options
}

// New creates a pool over the given store.
func New(st store.CredentialStore, opts Options) *Pool {
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = 10 * time.Minute
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = 30 * time.Minute
	}
	return &Pool{store: st, opts: opts}
}

// eligible reports whether a credential may serve a request of the
// given tier right now. A cooling credential whose window has elapsed
// is eligible again; its status stays cooling until the reconciler
// probes it.
func eligible(c *store.Credential, tier store.Tier, now time.Time) bool {
	if c.Status == store.StatusExpired {
		return false
	}
	if c.Status == store.StatusCooling && c.CooldownUntil.After(now) {
		return false
	}
	if tier == store.TierPremium && c.Tier != store.TierPremium {
		return false
	}
	if c.QuotaFor(tier) == 0 {
		return false
	}
	return true
}

// quotaRank orders candidates by remaining quota. Unknown quota ranks
// above every observed value: a fresh credential is assumed plentiful
// until a probe reports otherwise.
func quotaRank(quota int) int {
	if quota == store.QuotaUnknown {
		return math.MaxInt
	}
	return quota
}

// SelectBest returns the most promising credential for the tier and
// stamps it as used. Returns ErrExhausted when nothing is eligible.
func (p *Pool) SelectBest(ctx context.Context, tier store.Tier) (*store.Credential, error) {
	creds, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	now := time.Now()
	var candidates []*store.Credential
	for _, c := range creds {
		if eligible(c, tier, now) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		logging.PoolWarn("No eligible credential for tier %s (%d total)", tier, len(creds))
		return nil, ErrExhausted
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := quotaRank(candidates[i].QuotaFor(tier)), quotaRank(candidates[j].QuotaFor(tier))
		if ri != rj {
			return ri > rj
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	chosen := candidates[0]
	if err := p.store.TouchUsed(ctx, chosen.ID, now); err != nil {
		logging.PoolWarn("Failed to stamp credential %s as used: %v", chosen.Display(), err)
	}
	chosen.LastUsedAt = now
	logging.Pool("Selected credential %s for tier %s (quota=%d)", chosen.Display(), tier, chosen.QuotaFor(tier))
	return chosen, nil
}

// RecordFailure appends a failure observation. Bookkeeping problems are
// logged, never surfaced: a failed write must not mask the upstream
// error the caller is handling.
func (p *Pool) RecordFailure(ctx context.Context, c *store.Credential, statusCode int, message string) {
	if err := p.store.AppendFailure(ctx, c.ID, statusCode, message); err != nil {
		logging.PoolWarn("Failed to record failure for %s: %v", c.Display(), err)
	}
}

// ApplyCooldown reacts to an upstream failure status. Statuses listed
// in ExpireStatuses permanently retire the credential, 429 applies the
// rate-limit window, everything else the default window.
func (p *Pool) ApplyCooldown(ctx context.Context, c *store.Credential, statusCode int) {
	for _, s := range p.opts.ExpireStatuses {
		if s == statusCode {
			p.MarkExpired(ctx, c)
			return
		}
	}

	window := p.opts.DefaultCooldown
	if statusCode == http.StatusTooManyRequests {
		window = p.opts.RateLimitCooldown
	}
	until := time.Now().Add(window)
	if err := p.store.SetCooldown(ctx, c.ID, until); err != nil {
		logging.PoolWarn("Failed to cool credential %s: %v", c.Display(), err)
		return
	}
	logging.Pool("Credential %s cooling for %s after status %d", c.Display(), window, statusCode)
	logging.AuditCredential(logging.AuditCooldownApplied, c.Display(),
		fmt.Sprintf("cooling %s after status %d", window, statusCode))
}

// MarkExpired permanently retires a credential.
func (p *Pool) MarkExpired(ctx context.Context, c *store.Credential) {
	if err := p.store.SetStatus(ctx, c.ID, store.StatusExpired); err != nil {
		logging.PoolWarn("Failed to expire credential %s: %v", c.Display(), err)
		return
	}
	logging.PoolWarn("Credential %s expired", c.Display())
	logging.AuditCredential(logging.AuditCredentialExpired, c.Display(), "credential expired")
}

// GrantTag unions a capability tag onto the credential. Tags are
// append-only; nothing removes them.
func (p *Pool) GrantTag(ctx context.Context, c *store.Credential, tag string) error {
	if err := p.store.AddTags(ctx, c.ID, tag); err != nil {
		return fmt.Errorf("grant tag %q: %w", tag, err)
	}
	logging.Pool("Credential %s granted tag %q", c.Display(), tag)
	logging.AuditCredential(logging.AuditTagGranted, c.Display(), fmt.Sprintf("tag %q granted", tag))
	return nil
}

// RefreshQuota records probe-observed remaining quota. Only the
// reconciler calls this: relay paths never write quota.
func (p *Pool) RefreshQuota(ctx context.Context, c *store.Credential, remaining, heavy int) error {
	if err := p.store.SetQuota(ctx, c.ID, remaining, heavy); err != nil {
		return fmt.Errorf("refresh quota for %s: %w", c.Display(), err)
	}
	logging.Pool("Credential %s quota refreshed (default=%d heavy=%d)", c.Display(), remaining, heavy)
	logging.AuditCredential(logging.AuditQuotaRefreshed, c.Display(),
		fmt.Sprintf("quota default=%d heavy=%d", remaining, heavy))
	return nil
}

// ClearCooldown returns a credential to active. Reconciler-only, after
// a successful probe.
func (p *Pool) ClearCooldown(ctx context.Context, c *store.Credential) error {
	if err := p.store.ClearCooldown(ctx, c.ID); err != nil {
		return fmt.Errorf("clear cooldown for %s: %w", c.Display(), err)
	}
	logging.Pool("Credential %s cooldown cleared", c.Display())
	logging.AuditCredential(logging.AuditCooldownCleared, c.Display(), "cooldown cleared")
	return nil
}

// Stats summarizes credential lifecycle states.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Cooling int `json:"cooling"`
	Expired int `json:"expired"`
}

// GetStats counts credentials per lifecycle state.
func (p *Pool) GetStats(ctx context.Context) (Stats, error) {
	creds, err := p.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list credentials: %w", err)
	}
	st := Stats{Total: len(creds)}
	for _, c := range creds {
		switch c.Status {
		case store.StatusActive:
			st.Active++
		case store.StatusCooling:
			st.Cooling++
		case store.StatusExpired:
			st.Expired++
		}
	}
	return st, nil
}
