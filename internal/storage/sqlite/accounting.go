package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

// CommitCharge settles one completed request: trial counters and/or a credit
// deduction, plus the usage record, all in a single transaction. A reader can
// never observe the usage row without its ledger row or vice versa.
//
// Trial split: the trial's remaining credits cover the cost first; any
// remainder is deducted from the money balance as one ledger row annotated
// with the trial-covered portion.
func (s *Store) CommitCharge(ctx context.Context, c *storage.Charge) (*storage.ChargeResult, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &storage.ChargeResult{}
	totalTokens := int64(c.PromptTokens + c.CompletionTokens)

	billable := c.CostUSD > 0 && c.Outcome != storage.OutcomeRejected

	if c.TrialID != "" {
		var credits float64
		var tokens, requests int64
		err := tx.QueryRowContext(ctx,
			`SELECT credits_remaining, tokens_remaining, requests_remaining
			 FROM trial_grants WHERE id = ?`, c.TrialID,
		).Scan(&credits, &tokens, &requests)
		if err != nil {
			return nil, notFoundErr(err)
		}

		if billable {
			result.TrialCredits = min(c.CostUSD, credits)
			result.PaidCredits = c.CostUSD - result.TrialCredits
			credits -= result.TrialCredits
		}
		tokens -= totalTokens
		if tokens < 0 {
			tokens = 0
		}

		exhausted := credits <= 0 || tokens == 0 || requests <= 0
		result.TrialExhausted = exhausted

		if _, err := tx.ExecContext(ctx,
			`UPDATE trial_grants SET credits_remaining = ?, tokens_remaining = ?,
			 exhausted = ? WHERE id = ?`,
			credits, tokens, boolToInt(exhausted), c.TrialID); err != nil {
			return nil, err
		}
		if exhausted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET subscription = ? WHERE id = ? AND subscription = ?`,
				string(storage.SubExpired), c.UserID, string(storage.SubTrial)); err != nil {
				return nil, err
			}
		}

		if result.PaidCredits > 0 {
			annotation := fmt.Sprintf("trial_split:%.8f", result.TrialCredits)
			if err := insertLedgerRow(ctx, tx, c.UserID, -result.PaidCredits,
				storage.ReasonDeduction, c.RequestID, annotation); err != nil {
				return nil, err
			}
		}
	} else if billable {
		result.PaidCredits = c.CostUSD
		if err := insertLedgerRow(ctx, tx, c.UserID, -c.CostUSD,
			storage.ReasonDeduction, c.RequestID, ""); err != nil {
			return nil, err
		}
	}

	if err := insertUsageRow(ctx, tx, c); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertUsageRow(ctx context.Context, tx *sql.Tx, c *storage.Charge) error {
	var attempts string
	if len(c.Attempts) > 0 {
		raw, err := json.Marshal(c.Attempts)
		if err != nil {
			return fmt.Errorf("marshal attempts: %w", err)
		}
		attempts = string(raw)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records (id, request_id, user_id, api_key_id, model,
		 gateway, prompt_tokens, completion_tokens, cost_usd, cost_unknown,
		 usage_estimated, latency_ms, outcome, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), c.RequestID, c.UserID, c.APIKeyID,
		c.Model, c.Gateway, c.PromptTokens, c.CompletionTokens, c.CostUSD,
		boolToInt(c.CostUnknown), boolToInt(c.UsageEstimated), c.LatencyMS,
		string(c.Outcome), attempts, nowStr(),
	)
	return err
}

func (s *Store) ListUsage(ctx context.Context, userID string, offset, limit int) ([]*storage.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, user_id, api_key_id, model, gateway,
		 prompt_tokens, completion_tokens, cost_usd, cost_unknown,
		 usage_estimated, latency_ms, outcome, attempts, created_at
		 FROM usage_records WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.UsageRecord
	for rows.Next() {
		var r storage.UsageRecord
		var costUnknown, usageEstimated int
		var outcome, attempts string
		var createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.APIKeyID,
			&r.Model, &r.Gateway, &r.PromptTokens, &r.CompletionTokens,
			&r.CostUSD, &costUnknown, &usageEstimated, &r.LatencyMS,
			&outcome, &attempts, &createdAt); err != nil {
			return nil, err
		}
		r.CostUnknown = costUnknown != 0
		r.UsageEstimated = usageEstimated != 0
		r.Outcome = storage.UsageOutcome(outcome)
		if attempts != "" {
			if err := json.Unmarshal([]byte(attempts), &r.Attempts); err != nil {
				return nil, fmt.Errorf("unmarshal attempts: %w", err)
			}
		}
		r.CreatedAt = mustTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SumUsageCost totals spend for one key, used for max-budget reporting.
func (s *Store) SumUsageCost(ctx context.Context, apiKeyID string) (float64, error) {
	var total sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM usage_records WHERE api_key_id = ?`, apiKeyID,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}
