package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, balance float64) *storage.User {
	t.Helper()
	u := &storage.User{
		ID:           uuid.New().String(),
		Email:        uuid.New().String() + "@example.com",
		PasswordHash: "x",
		Balance:      balance,
		Subscription: storage.SubActive,
		ReferralCode: uuid.New().String()[:8],
		Active:       true,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func newTestKey(t *testing.T, s *Store, userID string) *storage.APIKey {
	t.Helper()
	k := &storage.APIKey{
		ID:          uuid.New().String(),
		UserID:      userID,
		KeyHash:     uuid.New().String(),
		KeyPrefix:   "gw_test_abc",
		Environment: "test",
		Name:        "test key",
		Primary:     true,
		Active:      true,
	}
	if err := s.CreateKey(context.Background(), k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return k
}

// ── Users ────────────────────────────────────────────────────────────────────

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)

	dup := &storage.User{ID: uuid.New().String(), Email: u.Email, Active: true}
	if err := s.CreateUser(context.Background(), dup); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestGetUser_Lookups(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 5)

	got, err := s.GetUser(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != u.Email || got.Balance != 5 {
		t.Errorf("unexpected user: %+v", got)
	}

	if _, err := s.GetUserByEmail(context.Background(), u.Email); err != nil {
		t.Errorf("get by email: %v", err)
	}
	if _, err := s.GetUserByReferralCode(context.Background(), u.ReferralCode); err != nil {
		t.Errorf("get by referral code: %v", err)
	}
	if _, err := s.GetUser(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCredit_MovesBalanceAndAppendsLedger(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)

	if err := s.Credit(context.Background(), u.ID, 2.5, storage.ReasonPurchase, "order-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.Credit(context.Background(), u.ID, -1.5, storage.ReasonDeduction, "req-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 11 {
		t.Errorf("expected balance 11, got %v", got.Balance)
	}

	txs, err := s.ListTransactions(context.Background(), u.ID, 0, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(txs))
	}

	var sum float64
	for _, tx := range txs {
		sum += tx.Delta
	}
	if sum != 1 {
		t.Errorf("ledger deltas must sum to the balance change, got %v", sum)
	}
}

func TestCredit_UnknownUser(t *testing.T) {
	s := newTestStore(t)
	if err := s.Credit(context.Background(), "missing", 1, storage.ReasonPurchase, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ── API keys ─────────────────────────────────────────────────────────────────

func TestKey_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	k := &storage.APIKey{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		KeyHash:      "hash-1",
		KeyPrefix:    "gw_test_abc",
		Environment:  "test",
		Name:         "ci",
		Scopes:       []storage.Scope{{Action: "write", Pattern: "/v1/*"}},
		Active:       true,
		ExpiresAt:    &exp,
		MaxRequests:  100,
		IPAllowlist:  []string{"10.0.0.0/8"},
		RefAllowlist: []string{"example.com"},
	}
	if err := s.CreateKey(context.Background(), k); err != nil {
		t.Fatalf("create key: %v", err)
	}

	got, err := s.GetKeyByHash(context.Background(), "hash-1")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.Name != "ci" || got.MaxRequests != 100 {
		t.Errorf("unexpected key: %+v", got)
	}
	if len(got.Scopes) != 1 || got.Scopes[0].Pattern != "/v1/*" {
		t.Errorf("scopes not persisted: %+v", got.Scopes)
	}
	if len(got.IPAllowlist) != 1 || len(got.RefAllowlist) != 1 {
		t.Errorf("allowlists not persisted: %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expiry not persisted: %v", got.ExpiresAt)
	}

	if _, err := s.GetKeyByHash(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateKey_PromotesOldestSurvivor(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)

	primary := newTestKey(t, s, u.ID)
	second := &storage.APIKey{
		ID: uuid.New().String(), UserID: u.ID, KeyHash: "h2",
		KeyPrefix: "gw_test_def", Environment: "test", Name: "second", Active: true,
	}
	if err := s.CreateKey(context.Background(), second); err != nil {
		t.Fatalf("create second key: %v", err)
	}

	if err := s.DeactivateKey(context.Background(), primary.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	old, _ := s.GetKey(context.Background(), primary.ID)
	if old.Active {
		t.Error("deactivated key still active")
	}
	promoted, _ := s.GetKey(context.Background(), second.ID)
	if !promoted.Primary {
		t.Error("surviving key should be promoted to primary")
	}
}

func TestIncrementKeyRequests(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)
	k := newTestKey(t, s, u.ID)

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrementKeyRequests(context.Background(), k.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != want {
			t.Errorf("expected count %d, got %d", want, n)
		}
	}
}

func TestTouchKeyUsed(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)
	k := newTestKey(t, s, u.ID)

	if err := s.TouchKeyUsed(context.Background(), k.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := s.GetKey(context.Background(), k.ID)
	if got.LastUsedAt == nil {
		t.Error("last_used_at not set")
	}
}

// ── Trials ───────────────────────────────────────────────────────────────────

func newTestTrial(t *testing.T, s *Store, userID string, requests int64) *storage.TrialGrant {
	t.Helper()
	tr := &storage.TrialGrant{
		ID:                uuid.New().String(),
		UserID:            userID,
		StartsAt:          time.Now().Add(-time.Hour),
		EndsAt:            time.Now().Add(24 * time.Hour),
		CreditsRemaining:  1.0,
		TokensRemaining:   1000,
		RequestsRemaining: requests,
	}
	if err := s.CreateTrial(context.Background(), tr); err != nil {
		t.Fatalf("create trial: %v", err)
	}
	return tr
}

func TestTrial_OnePerUserLifetime(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)
	newTestTrial(t, s, u.ID, 5)

	again := &storage.TrialGrant{
		ID: uuid.New().String(), UserID: u.ID,
		StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour), RequestsRemaining: 5,
	}
	if err := s.CreateTrial(context.Background(), again); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestTrial_ReserveAndExhaust(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)
	tr := newTestTrial(t, s, u.ID, 2)

	for i := 0; i < 2; i++ {
		if err := s.ReserveTrialRequest(context.Background(), tr.ID); err != nil {
			t.Fatalf("reserve %d: %v", i+1, err)
		}
	}
	if err := s.ReserveTrialRequest(context.Background(), tr.ID); !errors.Is(err, storage.ErrTrialExhausted) {
		t.Errorf("expected ErrTrialExhausted, got %v", err)
	}

	// A rollback restores the slot.
	if err := s.ReleaseTrialRequest(context.Background(), tr.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ReserveTrialRequest(context.Background(), tr.ID); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestGetActiveTrial_ExpiredIsNotFound(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)
	tr := &storage.TrialGrant{
		ID: uuid.New().String(), UserID: u.ID,
		StartsAt: time.Now().Add(-48 * time.Hour), EndsAt: time.Now().Add(-24 * time.Hour),
		RequestsRemaining: 5,
	}
	if err := s.CreateTrial(context.Background(), tr); err != nil {
		t.Fatalf("create trial: %v", err)
	}
	if _, err := s.GetActiveTrial(context.Background(), u.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired trial, got %v", err)
	}
}

// ── Accounting ───────────────────────────────────────────────────────────────

func TestCommitCharge_PaidOnly(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)
	k := newTestKey(t, s, u.ID)

	res, err := s.CommitCharge(context.Background(), &storage.Charge{
		RequestID: uuid.New().String(), UserID: u.ID, APIKeyID: k.ID,
		Model: "meta/llama-3", Gateway: "groq",
		PromptTokens: 100, CompletionTokens: 50,
		CostUSD: 0.25, LatencyMS: 420, Outcome: storage.OutcomeOK,
	})
	if err != nil {
		t.Fatalf("commit charge: %v", err)
	}
	if res.PaidCredits != 0.25 || res.TrialCredits != 0 {
		t.Errorf("unexpected split: %+v", res)
	}

	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 9.75 {
		t.Errorf("expected balance 9.75, got %v", got.Balance)
	}

	usage, err := s.ListUsage(context.Background(), u.ID, 0, 10)
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 || usage[0].CostUSD != 0.25 || usage[0].Outcome != storage.OutcomeOK {
		t.Errorf("unexpected usage rows: %+v", usage)
	}

	sum, err := s.SumUsageCost(context.Background(), k.ID)
	if err != nil || sum != 0.25 {
		t.Errorf("sum usage cost = %v, %v", sum, err)
	}
}

func TestCommitCharge_UsageCarriesCorrelationAndTrace(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)
	k := newTestKey(t, s, u.ID)

	reqID := "req-correlate-123"
	walk := []storage.Attempt{
		{Gateway: "openrouter", Classification: "upstream_5xx", LatencyMS: 80},
		{Gateway: "groq", Classification: "ok", LatencyMS: 420},
	}
	if _, err := s.CommitCharge(context.Background(), &storage.Charge{
		RequestID: reqID, UserID: u.ID, APIKeyID: k.ID,
		Model: "meta/llama-3", Gateway: "groq",
		PromptTokens: 100, CompletionTokens: 50,
		CostUSD: 0.25, Outcome: storage.OutcomeOK,
		Attempts: walk,
	}); err != nil {
		t.Fatalf("commit charge: %v", err)
	}

	// The usage record and the ledger row must join on the request id.
	usage, err := s.ListUsage(context.Background(), u.ID, 0, 10)
	if err != nil || len(usage) != 1 {
		t.Fatalf("list usage: %v, n=%d", err, len(usage))
	}
	if usage[0].RequestID != reqID {
		t.Errorf("usage request id %q, want %q", usage[0].RequestID, reqID)
	}
	txs, _ := s.ListTransactions(context.Background(), u.ID, 0, 10)
	if len(txs) != 1 || txs[0].Correlation != reqID {
		t.Fatalf("ledger correlation must match the usage request id: %+v", txs)
	}

	if len(usage[0].Attempts) != 2 {
		t.Fatalf("expected 2 persisted attempts, got %+v", usage[0].Attempts)
	}
	if usage[0].Attempts[0].Gateway != "openrouter" ||
		usage[0].Attempts[0].Classification != "upstream_5xx" ||
		usage[0].Attempts[1].Gateway != "groq" ||
		usage[0].Attempts[1].LatencyMS != 420 {
		t.Errorf("attempt trace not round-tripped: %+v", usage[0].Attempts)
	}
}

func TestCommitCharge_TrialSplit(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)
	k := newTestKey(t, s, u.ID)
	tr := newTestTrial(t, s, u.ID, 5)
	// Trial covers only part of the cost.
	if _, err := s.write.ExecContext(context.Background(),
		`UPDATE trial_grants SET credits_remaining = 0.10 WHERE id = ?`, tr.ID); err != nil {
		t.Fatalf("seed trial credits: %v", err)
	}

	res, err := s.CommitCharge(context.Background(), &storage.Charge{
		RequestID: "req-split", UserID: u.ID, APIKeyID: k.ID,
		Model: "meta/llama-3", Gateway: "groq",
		PromptTokens: 10, CompletionTokens: 10,
		CostUSD: 0.25, Outcome: storage.OutcomeOK, TrialID: tr.ID,
	})
	if err != nil {
		t.Fatalf("commit charge: %v", err)
	}
	if res.TrialCredits != 0.10 {
		t.Errorf("trial should cover 0.10, got %v", res.TrialCredits)
	}
	if res.PaidCredits != 0.15 {
		t.Errorf("balance should cover 0.15, got %v", res.PaidCredits)
	}
	if !res.TrialExhausted {
		t.Error("trial with zero credits left must be exhausted")
	}

	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 9.85 {
		t.Errorf("expected balance 9.85, got %v", got.Balance)
	}

	// The split lands as a single ledger row annotated with the trial-covered
	// portion.
	txs, _ := s.ListTransactions(context.Background(), u.ID, 0, 10)
	if len(txs) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(txs))
	}
	if !strings.HasPrefix(txs[0].Annotation, "trial_split:") {
		t.Errorf("missing trial_split annotation: %q", txs[0].Annotation)
	}
	if txs[0].Delta != -0.15 {
		t.Errorf("ledger delta should be the paid portion, got %v", txs[0].Delta)
	}
}

func TestCommitCharge_TrialFullyCovers(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)
	k := newTestKey(t, s, u.ID)
	tr := newTestTrial(t, s, u.ID, 5)

	res, err := s.CommitCharge(context.Background(), &storage.Charge{
		RequestID: "req-1", UserID: u.ID, APIKeyID: k.ID,
		Model: "m", Gateway: "g", CostUSD: 0.5, Outcome: storage.OutcomeOK, TrialID: tr.ID,
	})
	if err != nil {
		t.Fatalf("commit charge: %v", err)
	}
	if res.TrialCredits != 0.5 || res.PaidCredits != 0 {
		t.Errorf("unexpected split: %+v", res)
	}

	// No money moved: no ledger row, balance untouched.
	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 10 {
		t.Errorf("balance should be untouched, got %v", got.Balance)
	}
	txs, _ := s.ListTransactions(context.Background(), u.ID, 0, 10)
	if len(txs) != 0 {
		t.Errorf("expected no ledger rows, got %d", len(txs))
	}
}

func TestCommitCharge_RejectedIsNotBilled(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 10)
	k := newTestKey(t, s, u.ID)

	if _, err := s.CommitCharge(context.Background(), &storage.Charge{
		RequestID: "req-1", UserID: u.ID, APIKeyID: k.ID,
		Model: "m", Gateway: "g", CostUSD: 0.5, Outcome: storage.OutcomeRejected,
	}); err != nil {
		t.Fatalf("commit charge: %v", err)
	}

	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 10 {
		t.Errorf("rejected requests must not charge, balance %v", got.Balance)
	}
	// The usage record still exists for observability.
	usage, _ := s.ListUsage(context.Background(), u.ID, 0, 10)
	if len(usage) != 1 {
		t.Errorf("expected usage row for rejected request, got %d", len(usage))
	}
}

// ── Coupons ──────────────────────────────────────────────────────────────────

func TestRedeemCoupon(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)

	c := &storage.Coupon{Code: "WELCOME5", CreditAmount: 5, MaxRedemptions: 2}
	if err := s.CreateCoupon(context.Background(), c); err != nil {
		t.Fatalf("create coupon: %v", err)
	}

	amount, err := s.RedeemCoupon(context.Background(), "WELCOME5", u.ID)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if amount != 5 {
		t.Errorf("expected 5 credits, got %v", amount)
	}
	got, _ := s.GetUser(context.Background(), u.ID)
	if got.Balance != 5 {
		t.Errorf("expected balance 5, got %v", got.Balance)
	}

	// Same user, same code: spent.
	if _, err := s.RedeemCoupon(context.Background(), "WELCOME5", u.ID); !errors.Is(err, storage.ErrCouponSpent) {
		t.Errorf("expected ErrCouponSpent, got %v", err)
	}

	// Second user exhausts max redemptions; a third is refused.
	u2 := newTestUser(t, s, 0)
	if _, err := s.RedeemCoupon(context.Background(), "WELCOME5", u2.ID); err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	u3 := newTestUser(t, s, 0)
	if _, err := s.RedeemCoupon(context.Background(), "WELCOME5", u3.ID); !errors.Is(err, storage.ErrCouponSpent) {
		t.Errorf("expected ErrCouponSpent after max redemptions, got %v", err)
	}

	if _, err := s.RedeemCoupon(context.Background(), "NOPE", u.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown code, got %v", err)
	}
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func TestSessions_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	u := newTestUser(t, s, 0)

	sess := &storage.Session{ID: uuid.New().String(), UserID: u.ID, Title: "first chat"}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i, msg := range []string{"hello", "hi there"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AppendTurn(context.Background(), &storage.Turn{
			ID: uuid.New().String(), SessionID: sess.ID, Role: role, Content: msg,
		}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	sessions, err := s.ListSessions(context.Background(), u.ID, 0, 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("list sessions: %v, n=%d", err, len(sessions))
	}

	turns, err := s.ListTurns(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Content != "hello" || turns[1].Role != "assistant" {
		t.Errorf("turn order or content wrong: %+v", turns)
	}
	if turns[0].Seq >= turns[1].Seq {
		t.Errorf("sequence numbers must increase: %d then %d", turns[0].Seq, turns[1].Seq)
	}
}
