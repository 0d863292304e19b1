package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

const userCols = `id, email, password_hash, balance, subscription, referral_code,
 referred_by, active, created_at`

// CreateUser inserts a new account. Duplicate emails map to ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Subscription == "" {
		u.Subscription = storage.SubNone
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, balance, subscription,
		 referral_code, referred_by, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Balance, string(u.Subscription),
		u.ReferralCode, nullStr(u.ReferredBy), boolToInt(u.Active),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return storage.ErrConflict
	}
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*storage.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE referral_code = ? AND referral_code <> ''`, code)
	return scanUser(row)
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func (s *Store) SetSubscription(ctx context.Context, userID string, sub storage.SubscriptionStatus) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET subscription = ? WHERE id = ?`, string(sub), userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func (s *Store) DeactivateUser(ctx context.Context, userID string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET active = 0 WHERE id = ?`, userID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

// Credit appends a ledger row and moves the balance by the same delta in one
// transaction.
func (s *Store) Credit(ctx context.Context, userID string, delta float64, reason storage.TransactionReason, correlation string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertLedgerRow(ctx, tx, userID, delta, reason, correlation, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// insertLedgerRow writes one credit_transactions row and applies its delta to
// the user balance. Callers own the transaction.
func insertLedgerRow(ctx context.Context, tx *sql.Tx, userID string, delta float64, reason storage.TransactionReason, correlation, annotation string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ?`, delta, userID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "user"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, delta, reason, correlation, annotation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), userID, delta, string(reason),
		correlation, annotation, nowStr(),
	)
	return err
}

func (s *Store) ListTransactions(ctx context.Context, userID string, offset, limit int) ([]*storage.CreditTransaction, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, delta, reason, correlation, annotation, created_at
		 FROM credit_transactions WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.CreditTransaction
	for rows.Next() {
		var t storage.CreditTransaction
		var reason string
		var createdAt sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &reason, &t.Correlation, &t.Annotation, &createdAt); err != nil {
			return nil, err
		}
		t.Reason = storage.TransactionReason(reason)
		t.CreatedAt = mustTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func scanUser(sc scanner) (*storage.User, error) {
	var u storage.User
	var sub string
	var referredBy sql.NullString
	var active int
	var createdAt sql.NullString

	err := sc.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &sub,
		&u.ReferralCode, &referredBy, &active, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Subscription = storage.SubscriptionStatus(sub)
	u.ReferredBy = referredBy.String
	u.Active = active != 0
	u.CreatedAt = mustTime(createdAt)
	return &u, nil
}
