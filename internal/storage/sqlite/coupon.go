package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

// CreateCoupon inserts a redeemable credit code.
func (s *Store) CreateCoupon(ctx context.Context, c *storage.Coupon) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO coupons (id, code, credit_amount, max_redemptions,
		 redemptions, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.CreditAmount, c.MaxRedemptions, c.Redemptions,
		timeToStr(c.ExpiresAt), c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return storage.ErrConflict
	}
	return err
}

// RedeemCoupon validates the code, records the redemption and credits the
// user, all in one transaction. Each user redeems a given code once.
func (s *Store) RedeemCoupon(ctx context.Context, code, userID string) (float64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id string
	var amount float64
	var maxRedemptions, redemptions int64
	var expiresAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, credit_amount, max_redemptions, redemptions, expires_at
		 FROM coupons WHERE code = ?`, code,
	).Scan(&id, &amount, &maxRedemptions, &redemptions, &expiresAt)
	if err != nil {
		return 0, notFoundErr(err)
	}

	if t := parseTime(expiresAt); t != nil && t.Before(time.Now().UTC()) {
		return 0, storage.ErrCouponSpent
	}
	if maxRedemptions > 0 && redemptions >= maxRedemptions {
		return 0, storage.ErrCouponSpent
	}

	// The composite primary key rejects a second redemption by the same user.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO coupon_redemptions (coupon_id, user_id, created_at)
		 VALUES (?, ?, ?)`, id, userID, nowStr())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return 0, storage.ErrCouponSpent
		}
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE coupons SET redemptions = redemptions + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}

	if err := insertLedgerRow(ctx, tx, userID, amount, storage.ReasonCoupon, code, ""); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return amount, nil
}
