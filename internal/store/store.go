// Package store persists credential records, their failure history,
// and per-request outcome logs in SQLite. The pool and reconciler
// talk to it through the CredentialStore interface so the engine can
// be swapped in tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier classifies which request kinds a credential can serve.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive  Status = "active"
	StatusCooling Status = "cooling"
	StatusExpired Status = "expired" // terminal
)

// QuotaUnknown marks a quota dimension that has never been observed
// by a probe.
const QuotaUnknown = -1

// TagUnrestricted is the capability tag recorded once the account-level
// unrestricted flag has been enabled for a credential.
const TagUnrestricted = "unrestricted"

// Credential is one upstream account credential. Token is the bare
// sso cookie value and must never appear in logs; use Display.
type Credential struct {
	ID                  int64
	Token               string
	Tier                Tier
	Status              Status
	RemainingQuota      int
	RemainingHeavyQuota int
	CooldownUntil       time.Time // zero unless cooling
	Tags                []string
	CreatedAt           time.Time
	LastUsedAt          time.Time // zero until first selection
}

// HasTag reports whether the credential carries the given capability tag.
func (c *Credential) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Display returns a non-sensitive identifier for logs: the last few
// characters of the token behind a fixed prefix.
func (c *Credential) Display() string {
	const keep = 6
	if len(c.Token) <= keep {
		return "sso-***"
	}
	return fmt.Sprintf("sso-***%s", c.Token[len(c.Token)-keep:])
}

// QuotaFor returns the remaining quota on the dimension a tier draws
// from: premium requests consume the heavy dimension.
func (c *Credential) QuotaFor(tier Tier) int {
	if tier == TierPremium {
		return c.RemainingHeavyQuota
	}
	return c.RemainingQuota
}

// FailureRecord is one appended failure observation.
type FailureRecord struct {
	ID           int64
	CredentialID int64
	StatusCode   int
	Message      string
	CreatedAt    time.Time
}

// RequestRecord is one terminal relay outcome.
type RequestRecord struct {
	ID         int64
	Origin     string
	Model      string
	Duration   time.Duration
	StatusCode int
	Credential string // display form, never the token
	Error      string
	CreatedAt  time.Time
}

// ErrNotFound is returned when a credential id does not exist or the
// record is expired and the operation would resurrect it.
var ErrNotFound = errors.New("store: credential not found")

// CredentialStore is the persistence seam for the credential pool and
// the health reconciler.
type CredentialStore interface {
	// Insert adds a credential in the active state with unknown quota.
	Insert(ctx context.Context, token string, tier Tier) (*Credential, error)
	Get(ctx context.Context, id int64) (*Credential, error)
	List(ctx context.Context) ([]*Credential, error)
	Delete(ctx context.Context, id int64) error

	// TouchUsed records a selection for least-recently-used ordering.
	TouchUsed(ctx context.Context, id int64, when time.Time) error

	// SetCooldown moves the credential to cooling until the given time.
	// Expired credentials are left untouched.
	SetCooldown(ctx context.Context, id int64, until time.Time) error

	// ClearCooldown returns a cooling credential to active.
	// Expired credentials are left untouched.
	ClearCooldown(ctx context.Context, id int64) error

	// SetQuota records probe-observed remaining quota per dimension.
	SetQuota(ctx context.Context, id int64, remaining, heavy int) error

	// SetStatus sets the lifecycle state. Moving out of expired is
	// rejected; expired is terminal.
	SetStatus(ctx context.Context, id int64, status Status) error

	// AddTags unions the given tags into the record. Concurrent calls
	// with different tags must both survive.
	AddTags(ctx context.Context, id int64, tags ...string) error

	AppendFailure(ctx context.Context, id int64, statusCode int, message string) error
	Failures(ctx context.Context, id int64, limit int) ([]FailureRecord, error)

	AppendRequestLog(ctx context.Context, rec RequestRecord) error
	RequestLogs(ctx context.Context, limit int) ([]RequestRecord, error)

	Close() error
}
