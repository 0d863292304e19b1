// Package gate is the request admission pipeline: credential resolution,
// scope check, perimeter check, rate-limit admission and the trial/credit
// check, in that order. A successful Admit returns a Permit the caller must
// release exactly once, success or failure.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/Alpaca-Network/gatewayz/internal/keys"
	"github.com/Alpaca-Network/gatewayz/internal/ratelimit"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

const (
	credCacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	credCacheMaxLen = 10_000
)

// Reason classifies a denial.
type Reason string

const (
	Unauthenticated     Reason = "unauthenticated"
	Forbidden           Reason = "forbidden"
	RateLimited         Reason = "rate_limited"
	InsufficientCredits Reason = "insufficient_credits"
	TrialExhausted      Reason = "trial_exhausted"
)

// Denial is a typed admission failure.
type Denial struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

func (d *Denial) Error() string { return fmt.Sprintf("gate: %s: %s", d.Reason, d.Message) }

func deny(reason Reason, message string) *Denial {
	return &Denial{Reason: reason, Message: message}
}

// Action is the access level a route requires.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Route describes the endpoint being admitted.
type Route struct {
	Path   string
	Action Action
}

// Meta carries request perimeter attributes.
type Meta struct {
	ClientIP string
	Referrer string
}

// Permit is the admission handle. Release must be called exactly once; it is
// idempotent. RollbackTrial additionally returns the reserved trial slot and
// is only appropriate when the request never reached an upstream.
type Permit struct {
	User  *storage.User
	Key   *storage.APIKey
	Trial *storage.TrialGrant

	gate     *Gate
	subject  string
	acquired bool
	once     sync.Once
}

// Release returns the concurrency slot. Window counters stay incremented:
// they represent work admitted.
func (p *Permit) Release(ctx context.Context) {
	p.once.Do(func() {
		if p.acquired {
			p.gate.limiter.ReleaseConcurrency(ctx, p.subject)
		}
	})
}

// RollbackTrial returns the trial request slot reserved at admission. Call
// only when no upstream attempt was made.
func (p *Permit) RollbackTrial(ctx context.Context) {
	if p.Trial == nil {
		return
	}
	if err := p.gate.store.ReleaseTrialRequest(ctx, p.Trial.ID); err != nil {
		p.gate.log.WarnContext(ctx, "trial_rollback_failed",
			slog.String("trial_id", p.Trial.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Options configures a Gate.
type Options struct {
	Store   storage.Store
	Hasher  *keys.Hasher
	Limiter *ratelimit.Limiter
	// Environment is the deployment tier; keys tagged otherwise are rejected.
	Environment keys.Environment
	// DefaultLimits apply to keys without per-key overrides.
	DefaultLimits ratelimit.Limits
	Logger        *slog.Logger
}

// Gate performs admission. Resolved credentials are cached in a W-TinyLFU
// cache keyed by lookup hash.
type Gate struct {
	store   storage.Store
	hasher  *keys.Hasher
	limiter *ratelimit.Limiter
	env     keys.Environment
	limits  ratelimit.Limits
	log     *slog.Logger

	creds       *otter.Cache[string, *storage.APIKey]
	keyIDToHash sync.Map // key ID -> hash, for invalidation on admin updates
}

// New creates a Gate.
func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, errors.New("gate: store is required")
	}
	if opts.Hasher == nil {
		return nil, errors.New("gate: hasher is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	creds, err := otter.New(&otter.Options[string, *storage.APIKey]{
		MaximumSize:      credCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *storage.APIKey](credCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("gate: create credential cache: %w", err)
	}

	return &Gate{
		store:   opts.Store,
		hasher:  opts.Hasher,
		limiter: opts.Limiter,
		env:     opts.Environment,
		limits:  opts.DefaultLimits,
		log:     log,
		creds:   creds,
	}, nil
}

// InvalidateKey drops a cached credential after an admin mutation.
func (g *Gate) InvalidateKey(keyID string) {
	if hash, ok := g.keyIDToHash.LoadAndDelete(keyID); ok {
		g.creds.Invalidate(hash.(string))
	}
}

// Authenticate runs credential resolution, the scope check and the perimeter
// check only. Management routes use it: they are gated by the same credential
// model as inference but never consume rate-limit windows or trial slots.
func (g *Gate) Authenticate(ctx context.Context, token string, route Route, meta Meta) (*storage.User, *storage.APIKey, error) {
	key, err := g.resolve(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	user, err := g.store.GetUser(ctx, key.UserID)
	if err != nil || !user.Active {
		return nil, nil, deny(Unauthenticated, "account inactive")
	}

	if !scopesAllow(key.Scopes, route) {
		return nil, nil, deny(Forbidden, "key lacks scope for route")
	}

	if err := g.perimeter(key, meta); err != nil {
		return nil, nil, err
	}

	return user, key, nil
}

// Admit runs the five-step admission pipeline. On success the returned
// Permit must be released exactly once.
func (g *Gate) Admit(ctx context.Context, token string, route Route, meta Meta) (*Permit, error) {
	// 1–3. Credential resolution, scope check, perimeter check.
	user, key, err := g.Authenticate(ctx, token, route, meta)
	if err != nil {
		return nil, err
	}

	// Max-request cap counts admitted requests, like the window counters.
	if key.MaxRequests > 0 {
		n, err := g.store.IncrementKeyRequests(ctx, key.ID)
		if err == nil && n > key.MaxRequests {
			return nil, deny(Forbidden, "key request cap exhausted")
		}
	}

	// 4. Rate-limit admission.
	subject := "key:" + key.ID
	decision, err := g.limiter.Admit(ctx, subject, g.limits)
	if err == nil && !decision.Allowed {
		return nil, &Denial{
			Reason:     RateLimited,
			Message:    fmt.Sprintf("%s limit exceeded", decision.Dimension),
			RetryAfter: decision.RetryAfter,
		}
	}

	ok, _ := g.limiter.AcquireConcurrency(ctx, subject, g.limits.Concurrent)
	if !ok {
		return nil, &Denial{
			Reason:     RateLimited,
			Message:    "concurrency limit exceeded",
			RetryAfter: time.Second,
		}
	}

	permit := &Permit{
		User:     user,
		Key:      key,
		gate:     g,
		subject:  subject,
		acquired: true,
	}

	// 5. Trial / credit check.
	if err := g.checkFunding(ctx, user, permit); err != nil {
		permit.Release(ctx)
		return nil, err
	}

	go g.touchUsed(ctx, key.ID)

	return permit, nil
}

func (g *Gate) resolve(ctx context.Context, token string) (*storage.APIKey, error) {
	if token == "" {
		return nil, deny(Unauthenticated, "missing bearer token")
	}
	env, err := keys.TokenEnvironment(token)
	if err != nil {
		return nil, deny(Unauthenticated, "malformed token")
	}
	if env != g.env {
		return nil, deny(Forbidden,
			fmt.Sprintf("%s key used against %s deployment", env, g.env))
	}

	hash := g.hasher.Hash(token)

	if key, ok := g.creds.GetIfPresent(hash); ok {
		return g.checkKeyState(key, hash)
	}

	key, err := g.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, deny(Unauthenticated, "unknown api key")
		}
		return nil, err
	}

	g.creds.Set(hash, key)
	g.keyIDToHash.Store(key.ID, hash)

	return g.checkKeyState(key, hash)
}

func (g *Gate) checkKeyState(key *storage.APIKey, hash string) (*storage.APIKey, error) {
	if !key.Active {
		return nil, deny(Unauthenticated, "api key deactivated")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		g.creds.Invalidate(hash)
		return nil, deny(Unauthenticated, "api key expired")
	}
	return key, nil
}

func (g *Gate) perimeter(key *storage.APIKey, meta Meta) error {
	if len(key.IPAllowlist) > 0 {
		al, err := NewIPAllowlist(key.IPAllowlist)
		if err != nil || !al.Matches(meta.ClientIP) {
			return deny(Forbidden, "client address not in allowlist")
		}
	}
	if len(key.RefAllowlist) > 0 {
		if !NewRefAllowlist(key.RefAllowlist).Matches(referrerHost(meta.Referrer)) {
			return deny(Forbidden, "referrer not in allowlist")
		}
	}
	return nil
}

// checkFunding reserves a trial slot or verifies a positive balance. The
// actual cost is unknown at admission; a strictly positive balance suffices.
func (g *Gate) checkFunding(ctx context.Context, user *storage.User, permit *Permit) error {
	trial, err := g.store.GetActiveTrial(ctx, user.ID)
	if err == nil {
		if err := g.store.ReserveTrialRequest(ctx, trial.ID); err != nil {
			if errors.Is(err, storage.ErrTrialExhausted) {
				return deny(TrialExhausted, "trial request slots exhausted")
			}
			return err
		}
		permit.Trial = trial
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if user.Balance <= 0 {
		return deny(InsufficientCredits, "balance is zero")
	}
	return nil
}

func (g *Gate) touchUsed(ctx context.Context, keyID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = g.store.TouchKeyUsed(ctx, keyID)
}

// scopesAllow matches the route against the key's scope grants. A key with
// no scopes gets read+write on everything but never admin. Patterns are
// exact paths or prefix globs (`/user/*`).
func scopesAllow(scopes []storage.Scope, route Route) bool {
	if len(scopes) == 0 {
		return route.Action != ActionAdmin
	}
	for _, s := range scopes {
		if !patternMatches(s.Pattern, route.Path) {
			continue
		}
		switch Action(s.Action) {
		case ActionAdmin:
			return true
		case ActionWrite:
			if route.Action != ActionAdmin {
				return true
			}
		case ActionRead:
			if route.Action == ActionRead {
				return true
			}
		}
	}
	return false
}

func patternMatches(pattern, path string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if rest, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, rest)
	}
	return pattern == path
}

func referrerHost(ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		return u.Hostname()
	}
	return ref
}
