package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

// CreateTrial inserts a trial grant. The unique index on user_id enforces
// one trial per user lifetime; repeats map to ErrConflict.
func (s *Store) CreateTrial(ctx context.Context, t *storage.TrialGrant) error {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO trial_grants (id, user_id, starts_at, ends_at,
		 credits_remaining, tokens_remaining, requests_remaining, exhausted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID,
		t.StartsAt.UTC().Format(time.RFC3339), t.EndsAt.UTC().Format(time.RFC3339),
		t.CreditsRemaining, t.TokensRemaining, t.RequestsRemaining,
		boolToInt(t.Exhausted),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return storage.ErrConflict
	}
	return err
}

// GetActiveTrial returns the user's trial if it still admits requests.
// Expired or exhausted trials return ErrNotFound.
func (s *Store) GetActiveTrial(ctx context.Context, userID string) (*storage.TrialGrant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, starts_at, ends_at, credits_remaining,
		 tokens_remaining, requests_remaining, exhausted
		 FROM trial_grants WHERE user_id = ?`, userID)

	t, err := scanTrial(row)
	if err != nil {
		return nil, err
	}
	if !t.Active(time.Now().UTC()) {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

// ReserveTrialRequest takes one request slot. A trial with no slots left
// returns ErrTrialExhausted without decrementing.
func (s *Store) ReserveTrialRequest(ctx context.Context, trialID string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE trial_grants SET requests_remaining = requests_remaining - 1
		 WHERE id = ? AND requests_remaining > 0 AND exhausted = 0`, trialID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrTrialExhausted
	}
	return nil
}

// ReleaseTrialRequest returns a slot reserved for a request that never
// reached an upstream.
func (s *Store) ReleaseTrialRequest(ctx context.Context, trialID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE trial_grants SET requests_remaining = requests_remaining + 1
		 WHERE id = ?`, trialID)
	return err
}

func scanTrial(sc scanner) (*storage.TrialGrant, error) {
	var t storage.TrialGrant
	var startsAt, endsAt sql.NullString
	var exhausted int

	err := sc.Scan(&t.ID, &t.UserID, &startsAt, &endsAt,
		&t.CreditsRemaining, &t.TokensRemaining, &t.RequestsRemaining, &exhausted)
	if err != nil {
		return nil, notFoundErr(err)
	}
	t.StartsAt = mustTime(startsAt)
	t.EndsAt = mustTime(endsAt)
	t.Exhausted = exhausted != 0
	return &t, nil
}
