package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/pool"
	"github.com/lanniny/grok2api/internal/store"
	"github.com/lanniny/grok2api/internal/upstream"
)

// Options configures the orchestration state machine.
type Options struct {
	// MaxAttempts is the ordinary attempt budget per call, each on a
	// freshly selected credential. The single moderation escalation
	// does not count against it.
	MaxAttempts int

	// RetryStatusCodes are upstream statuses worth a fresh credential.
	RetryStatusCodes []int

	// AutoUnrestricted fires the unrestricted-content toggle before
	// dispatch when the credential is not tagged yet.
	AutoUnrestricted bool

	// Temporary asks upstream not to retain conversations.
	Temporary bool
}

// Orchestrator drives one upstream generation call end to end:
// credential selection, dispatch, outcome classification, retries, and
// the single same-credential moderation escalation. Every call leaves
// exactly one terminal request record.
type Orchestrator struct {
	pool    *pool.Pool
	session *upstream.Session
	store   store.CredentialStore
	norm    *Normalizer
	opts    Options

	// Tracks fire-and-forget toggle sends so Shutdown can wait.
	background sync.WaitGroup
}

// New constructs an Orchestrator with defaults filled in.
func New(p *pool.Pool, session *upstream.Session, st store.CredentialStore, norm *Normalizer, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if len(opts.RetryStatusCodes) == 0 {
		opts.RetryStatusCodes = []int{401, 429}
	}
	return &Orchestrator{pool: p, session: session, store: st, norm: norm, opts: opts}
}

// Request is one inbound generation call.
type Request struct {
	// ID correlates log lines for this call. Assigned when empty.
	ID string

	// Origin identifies the caller in the request log.
	Origin string

	Model   string
	Message string

	// ImageCount overrides how many images upstream generates.
	// Zero keeps the upstream default.
	ImageCount int
}

// execOutcome is what one successful pass of the machine hands back.
// cred stays set on failures so the terminal record can name the
// credential of the final attempt.
type execOutcome struct {
	cred   *store.Credential
	result *Result       // batch calls
	body   io.ReadCloser // streaming calls, first unit restored
}

// Complete runs one batch call and folds the upstream body into a
// single result.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Result, error) {
	req = o.prepare(req)
	start := time.Now()

	out, err := o.execute(ctx, req, false)
	if err != nil {
		o.logOutcome(req, out.cred, StatusForError(err), time.Since(start), err)
		return nil, err
	}
	o.logOutcome(req, out.cred, http.StatusOK, time.Since(start), nil)
	return out.result, nil
}

// Stream runs one streaming call. Failures before the first upstream
// unit surface as a returned error so the caller can still send a real
// HTTP status; once the channels are handed back the stream itself
// carries the outcome and the terminal record is written when it ends.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan string, <-chan error, error) {
	req = o.prepare(req)
	start := time.Now()

	out, err := o.execute(ctx, req, true)
	if err != nil {
		o.logOutcome(req, out.cred, StatusForError(err), time.Since(start), err)
		return nil, nil, err
	}

	onDone := func(res StreamResult) {
		o.logOutcome(req, out.cred, res.Status, time.Since(start), res.Err)
	}
	chunks, errs := o.norm.Stream(ctx, out.body, req.Model, onDone)
	return chunks, errs, nil
}

// Shutdown waits for tracked background sends to finish or the context
// to expire, whichever comes first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) prepare(req Request) Request {
	if req.ID == "" {
		req.ID = uuid.New().String()[:8]
	}
	return req
}

// execute is the selection/dispatch/classification loop shared by both
// call shapes.
func (o *Orchestrator) execute(ctx context.Context, req Request, streaming bool) (execOutcome, error) {
	var out execOutcome

	model, ok := upstream.LookupModel(req.Model)
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}

	var (
		lastErr   error
		escalated bool
		forced    *store.Credential
	)
	toggled := make(map[int64]bool)

	attempts := 0
	for {
		var cred *store.Credential
		if forced != nil {
			// The escalation re-send reuses the moderated
			// credential and is free of the attempt budget.
			cred, forced = forced, nil
		} else {
			if attempts >= o.opts.MaxAttempts {
				break
			}
			attempts++

			var err error
			cred, err = o.pool.SelectBest(ctx, model.Tier)
			if err != nil {
				// An empty pool is terminal: retrying cannot
				// conjure credentials.
				return out, err
			}
		}
		out.cred = cred

		// Models that need the unrestricted capability get the toggle
		// fired up front; the send itself never waits on it.
		wantToggle := o.opts.AutoUnrestricted || model.RequiresUnrestricted
		if wantToggle && !cred.HasTag(store.TagUnrestricted) && !toggled[cred.ID] {
			toggled[cred.ID] = true
			o.toggleInBackground(cred)
		}

		resp, err := o.session.CreateConversation(ctx, cred, model, req.Message, upstream.ChatOptions{
			Temporary:  o.opts.Temporary,
			ImageCount: req.ImageCount,
		})
		if err != nil {
			return out, fmt.Errorf("dispatching to upstream: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()

			o.pool.RecordFailure(ctx, cred, resp.StatusCode, string(body))
			o.pool.ApplyCooldown(ctx, cred, resp.StatusCode)

			// Refusals can arrive inside failure bodies too.
			if IsContentModerated(string(body)) {
				if escalated {
					return out, ErrContentModerated
				}
				escalated = true
				o.escalate(ctx, req, cred)
				forced = cred
				continue
			}

			upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
			if !upErr.Retryable(o.opts.RetryStatusCodes) {
				return out, upErr
			}
			lastErr = upErr
			logging.RelayWarn("[%s] Upstream returned %d on %s, retrying with a fresh credential (%d/%d)",
				req.ID, resp.StatusCode, cred.Display(), attempts, o.opts.MaxAttempts)
			continue
		}

		if streaming {
			first, restored, err := peekFirstLine(resp.Body)
			if err != nil {
				resp.Body.Close()
				return out, fmt.Errorf("reading first stream unit: %w", err)
			}
			if moderatedLine(first) {
				restored.Close()
				if escalated {
					return out, ErrContentModerated
				}
				escalated = true
				o.escalate(ctx, req, cred)
				forced = cred
				continue
			}
			out.body = restored
			return out, nil
		}

		result, err := o.norm.Collect(resp.Body, req.Model)
		resp.Body.Close()
		if err != nil {
			if errors.Is(err, ErrContentModerated) {
				if escalated {
					return out, ErrContentModerated
				}
				escalated = true
				o.escalate(ctx, req, cred)
				forced = cred
				continue
			}
			return out, err
		}
		out.result = result
		return out, nil
	}

	if lastErr != nil {
		return out, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return out, ErrMaxRetries
}

// escalate flips the unrestricted toggle for the moderated credential
// before the forced re-send. Toggle failures do not stop the re-send:
// upstream sometimes applies the change even when the call looks
// failed, and the re-send settles it either way.
func (o *Orchestrator) escalate(ctx context.Context, req Request, cred *store.Credential) {
	logging.Relay("[%s] Content refused on %s, enabling unrestricted mode and re-sending once", req.ID, cred.Display())
	logging.AuditRelay(logging.AuditRelayEscalated, req.ID, cred.Display(), req.Model, 0, "")

	if err := o.session.ToggleUnrestricted(ctx, cred, true); err != nil {
		logging.RelayWarn("[%s] Unrestricted toggle failed for %s: %v", req.ID, cred.Display(), err)
		return
	}
	if err := o.pool.GrantTag(ctx, cred, store.TagUnrestricted); err != nil {
		logging.RelayWarn("[%s] Failed to persist unrestricted tag for %s: %v", req.ID, cred.Display(), err)
	}
}

// toggleInBackground fires the pre-send capability toggle without
// blocking dispatch. The send runs on its own context so it can finish
// after the request that prompted it, and Shutdown waits for it.
func (o *Orchestrator) toggleInBackground(cred *store.Credential) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.session.ToggleUnrestricted(ctx, cred, true); err != nil {
			logging.RelayDebug("Background unrestricted toggle failed for %s: %v", cred.Display(), err)
			return
		}
		if err := o.pool.GrantTag(ctx, cred, store.TagUnrestricted); err != nil {
			logging.RelayWarn("Failed to persist unrestricted tag for %s: %v", cred.Display(), err)
		}
	}()
}

// peekFirstLine reads exactly the first line and returns it together
// with a reader that yields the body from the beginning, first line
// included.
func peekFirstLine(body io.ReadCloser) ([]byte, io.ReadCloser, error) {
	br := bufio.NewReader(body)
	first, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	restored := &peekedBody{
		r: io.MultiReader(bytes.NewReader(first), br),
		c: body,
	}
	return first, restored, nil
}

type peekedBody struct {
	r io.Reader
	c io.Closer
}

func (p *peekedBody) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *peekedBody) Close() error               { return p.c.Close() }

// moderatedLine reports whether the first stream unit is an upstream
// refusal. Only error events count; ordinary tokens that happen to
// mention moderation do not.
func moderatedLine(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return false
	}
	for _, ev := range ParseStreamEvents(trimmed) {
		if errEv, ok := ev.(ErrorEvent); ok && errEv.Moderated() {
			return true
		}
	}
	return false
}

// logOutcome writes the one terminal record every call produces. It
// runs on a fresh context because the request context is often already
// cancelled by the time a stream ends.
func (o *Orchestrator) logOutcome(req Request, cred *store.Credential, status int, d time.Duration, err error) {
	display := ""
	if cred != nil {
		display = cred.Display()
	}
	errMsg := ""
	eventType := logging.AuditRelaySuccess
	if err != nil {
		errMsg = err.Error()
		eventType = logging.AuditRelayFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if logErr := o.store.AppendRequestLog(ctx, store.RequestRecord{
		Origin:     req.Origin,
		Model:      req.Model,
		Duration:   d,
		StatusCode: status,
		Credential: display,
		Error:      errMsg,
	}); logErr != nil {
		logging.RelayWarn("[%s] Failed to append request record: %v", req.ID, logErr)
	}

	logging.AuditRelay(eventType, req.ID, display, req.Model, d.Milliseconds(), errMsg)
	if err != nil {
		logging.Relay("[%s] %s %s -> %d in %s (credential=%s): %v",
			req.ID, req.Origin, req.Model, status, d.Round(time.Millisecond), display, err)
	} else {
		logging.Relay("[%s] %s %s -> %d in %s (credential=%s)",
			req.ID, req.Origin, req.Model, status, d.Round(time.Millisecond), display)
	}
}
