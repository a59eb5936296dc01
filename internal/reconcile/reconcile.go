// Package reconcile runs scheduled health sweeps over the credential
// pool. A sweep probes cooling or quota-exhausted credentials for
// recovered capacity and expires credentials that never served a
// single successful call. Sweeps run on their own timeline, never
// inside a client request.
package reconcile

import (
	"context"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/pool"
	"github.com/lanniny/grok2api/internal/store"
	"github.com/lanniny/grok2api/internal/upstream"
)

// Prober issues the lightweight quota check against upstream.
// *upstream.Session implements it.
type Prober interface {
	CheckQuota(ctx context.Context, c *store.Credential) (upstream.Quota, error)
}

// Options tunes sweep behavior.
type Options struct {
	// ProbeDelay is the pause between sequential probes. It acts as
	// a self-imposed rate limit against upstream.
	ProbeDelay time.Duration

	// Retention is the age after which a credential whose quota was
	// never observed gets expired.
	Retention time.Duration
}

// Reconciler performs one sweep at a time over the stored credentials.
type Reconciler struct {
	store  store.CredentialStore
	pool   *pool.Pool
	prober Prober
	opts   Options
}

// New creates a reconciler. Zero option fields fall back to defaults.
func New(st store.CredentialStore, p *pool.Pool, prober Prober, opts Options) *Reconciler {
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = 3 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 192 * time.Hour
	}
	return &Reconciler{store: st, pool: p, prober: prober, opts: opts}
}

// Sweep runs one full pass: probe credentials that may have recovered,
// then expire the ones that never worked at all.
func (r *Reconciler) Sweep(ctx context.Context) {
	sweepTimer := logging.StartTimer(logging.CategoryReconcile, "Sweep")
	defer sweepTimer.StopWithInfo()

	r.refreshPass(ctx)
	r.expiryPass(ctx)
}

// needsProbe selects cooling credentials, even before their cooldown
// window has elapsed, and any credential reading zero in some quota
// dimension.
func needsProbe(c *store.Credential) bool {
	if c.Status == store.StatusExpired {
		return false
	}
	if c.Status == store.StatusCooling {
		return true
	}
	return c.RemainingQuota == 0 || c.RemainingHeavyQuota == 0
}

func (r *Reconciler) refreshPass(ctx context.Context) {
	creds, err := r.store.List(ctx)
	if err != nil {
		logging.ReconcileWarn("Failed to list credentials: %v", err)
		return
	}

	var candidates []*store.Credential
	for _, c := range creds {
		if needsProbe(c) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		logging.ReconcileDebug("No credentials need probing")
		return
	}
	logging.Reconcile("Probing %d credential(s)", len(candidates))

	for i, c := range candidates {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.ProbeDelay):
			}
		}
		r.probe(ctx, c)
	}
}

func (r *Reconciler) probe(ctx context.Context, c *store.Credential) {
	q, err := r.prober.CheckQuota(ctx, c)
	if err != nil {
		// Probe failures are observational only. A failed health
		// check must never cool or expire the credential it was
		// trying to rescue.
		logging.ReconcileWarn("Probe failed for %s, leaving state untouched: %v", c.Display(), err)
		return
	}

	if err := r.pool.RefreshQuota(ctx, c, q.Remaining, q.Heavy); err != nil {
		logging.ReconcileWarn("Failed to store quota for %s: %v", c.Display(), err)
		return
	}
	if q.Remaining > 0 && c.Status == store.StatusCooling {
		if err := r.pool.ClearCooldown(ctx, c); err != nil {
			logging.ReconcileWarn("Failed to clear cooldown for %s: %v", c.Display(), err)
			return
		}
		logging.Reconcile("Credential %s recovered with quota %d", c.Display(), q.Remaining)
	}
}

func (r *Reconciler) expiryPass(ctx context.Context) {
	creds, err := r.store.List(ctx)
	if err != nil {
		logging.ReconcileWarn("Failed to list credentials: %v", err)
		return
	}

	cutoff := time.Now().Add(-r.opts.Retention)
	for _, c := range creds {
		if c.Status == store.StatusExpired {
			continue
		}
		// Quota still at the never-observed sentinel after the
		// retention window means the credential never completed a
		// call and is presumed dead on arrival.
		if c.RemainingQuota == store.QuotaUnknown && c.CreatedAt.Before(cutoff) {
			logging.Reconcile("Credential %s never served a call in %s, expiring", c.Display(), r.opts.Retention)
			r.pool.MarkExpired(ctx, c)
		}
	}
}
