// Package storage defines persistence interfaces and domain records for the
// gateway: users, API keys, the credit ledger, usage records, trials, coupons
// and chat sessions.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the storage domain.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTrialExhausted      = errors.New("trial exhausted")
	ErrCouponSpent         = errors.New("coupon spent")
)

// SubscriptionStatus is the user's billing state.
type SubscriptionStatus string

const (
	SubTrial   SubscriptionStatus = "trial"
	SubActive  SubscriptionStatus = "active"
	SubExpired SubscriptionStatus = "expired"
	SubNone    SubscriptionStatus = "none"
)

// User is an account. Users are never destroyed; deactivation is a soft
// delete.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Balance      float64
	Subscription SubscriptionStatus
	ReferralCode string
	ReferredBy   string
	Active       bool
	CreatedAt    time.Time
}

// Scope is one route-pattern grant on a key.
type Scope struct {
	Action  string `json:"action"` // read | write | admin
	Pattern string `json:"pattern"`
}

// APIKey is a stored credential. The plaintext token is never persisted;
// KeyHash is the salted lookup hash and SealedToken the optional at-rest
// encrypted form.
type APIKey struct {
	ID          string
	UserID      string
	KeyHash     string
	KeyPrefix   string
	SealedToken string
	Environment string
	Name        string
	Scopes      []Scope
	Primary     bool
	Active      bool
	ExpiresAt   *time.Time
	MaxRequests int64
	Requests    int64
	IPAllowlist []string
	RefAllowlist []string
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// TransactionReason classifies a ledger entry.
type TransactionReason string

const (
	ReasonPurchase   TransactionReason = "purchase"
	ReasonDeduction  TransactionReason = "deduction"
	ReasonRefund     TransactionReason = "refund"
	ReasonReferral   TransactionReason = "referral"
	ReasonCoupon     TransactionReason = "coupon"
	ReasonTrialGrant TransactionReason = "trial_grant"
)

// CreditTransaction is one append-only ledger row. The user balance equals
// the sum of deltas.
type CreditTransaction struct {
	ID          string
	UserID      string
	Delta       float64
	Reason      TransactionReason
	Correlation string
	// Annotation marks special rows, e.g. a trial-split deduction.
	Annotation string
	CreatedAt  time.Time
}

// UsageOutcome is the terminal state of one gateway request.
type UsageOutcome string

const (
	OutcomeOK       UsageOutcome = "ok"
	OutcomeError    UsageOutcome = "error"
	OutcomeTimeout  UsageOutcome = "timeout"
	OutcomeRejected UsageOutcome = "rejected"
)

// Attempt is one upstream try from a request's failover walk, persisted with
// the usage record.
type Attempt struct {
	Gateway        string `json:"gateway"`
	Classification string `json:"classification"`
	LatencyMS      int64  `json:"latency_ms"`
}

// UsageRecord is one request's accounting row. RequestID carries the same
// correlation id the matching ledger row stores, so the two can always be
// joined.
type UsageRecord struct {
	ID               string
	RequestID        string
	UserID           string
	APIKeyID         string
	Model            string
	Gateway          string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CostUnknown      bool
	UsageEstimated   bool
	LatencyMS        int64
	Outcome          UsageOutcome
	Attempts         []Attempt
	CreatedAt        time.Time
}

// TrialGrant tracks a user's free allowance across three dimensions. At most
// one active trial per user lifetime.
type TrialGrant struct {
	ID                string
	UserID            string
	StartsAt          time.Time
	EndsAt            time.Time
	CreditsRemaining  float64
	TokensRemaining   int64
	RequestsRemaining int64
	Exhausted         bool
}

// Active reports whether the trial still admits requests at t.
func (t *TrialGrant) Active(now time.Time) bool {
	return t != nil && !t.Exhausted &&
		!now.Before(t.StartsAt) && now.Before(t.EndsAt) &&
		t.RequestsRemaining > 0
}

// Coupon is a redeemable credit code.
type Coupon struct {
	ID             string
	Code           string
	CreditAmount   float64
	MaxRedemptions int64
	Redemptions    int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Session groups conversation turns for the chat-history endpoints.
type Session struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// Turn is one message inside a session.
type Turn struct {
	ID        string
	SessionID string
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// UserStore manages accounts and the credit ledger.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetSubscription(ctx context.Context, userID string, s SubscriptionStatus) error
	DeactivateUser(ctx context.Context, userID string) error

	// Credit appends a ledger row and moves the balance by the same delta,
	// in one transaction.
	Credit(ctx context.Context, userID string, delta float64, reason TransactionReason, correlation string) error
	ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*CreditTransaction, error)
}

// APIKeyStore manages credential persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *APIKey) error
	GetKey(ctx context.Context, id string) (*APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListKeys(ctx context.Context, userID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
	// DeactivateKey soft-deletes. If the key was primary, the oldest surviving
	// active key is promoted so the one-primary invariant holds.
	DeactivateKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
	IncrementKeyRequests(ctx context.Context, id string) (int64, error)
}

// TrialStore manages trial grants.
type TrialStore interface {
	CreateTrial(ctx context.Context, t *TrialGrant) error
	GetActiveTrial(ctx context.Context, userID string) (*TrialGrant, error)
	// ReserveTrialRequest decrements the request slot; rolled back via
	// ReleaseTrialRequest when the request never reached an upstream.
	ReserveTrialRequest(ctx context.Context, trialID string) error
	ReleaseTrialRequest(ctx context.Context, trialID string) error
}

// Charge is the input to the post-request accounting commit.
type Charge struct {
	RequestID string
	UserID    string
	APIKeyID  string

	Model   string
	Gateway string

	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CostUnknown      bool
	UsageEstimated   bool
	LatencyMS        int64
	Outcome          UsageOutcome

	// Attempts is the failover walk that produced this charge.
	Attempts []Attempt

	// TrialID, when set, directs the charge at the trial's counters first;
	// any remainder falls through to the money balance.
	TrialID string
}

// ChargeResult reports how a charge settled.
type ChargeResult struct {
	TrialCredits float64
	PaidCredits  float64
	TrialExhausted bool
}

// AccountingStore commits usage. The usage record and any ledger row are
// written in the same store transaction: a reader can never see one without
// the other.
type AccountingStore interface {
	CommitCharge(ctx context.Context, c *Charge) (*ChargeResult, error)
	ListUsage(ctx context.Context, userID string, offset, limit int) ([]*UsageRecord, error)
	SumUsageCost(ctx context.Context, apiKeyID string) (float64, error)
}

// CouponStore manages coupon codes.
type CouponStore interface {
	CreateCoupon(ctx context.Context, c *Coupon) error
	// RedeemCoupon validates the code, records the redemption and credits the
	// user, atomically. Each user may redeem a given code once.
	RedeemCoupon(ctx context.Context, code, userID string) (float64, error)
}

// SessionStore manages chat history.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]*Session, error)
	AppendTurn(ctx context.Context, t *Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]*Turn, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	APIKeyStore
	TrialStore
	AccountingStore
	CouponStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}
