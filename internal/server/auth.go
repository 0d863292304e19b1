package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/Alpaca-Network/gatewayz/internal/keys"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// referralBonus is credited to the referrer when a referred account registers.
const referralBonus = 1.0

type (
	registerRequest struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		ReferralCode string `json:"referral_code"`
	}

	registerResponse struct {
		UserID string `json:"user_id"`
		// APIKey is the plaintext token, shown exactly once.
		APIKey    string     `json:"api_key"`
		KeyPrefix string     `json:"key_prefix"`
		Trial     *trialView `json:"trial,omitempty"`
	}

	trialView struct {
		Credits  float64   `json:"credits"`
		Tokens   int64     `json:"tokens"`
		Requests int64     `json:"requests"`
		EndsAt   time.Time `json:"ends_at"`
	}
)

// handleRegister creates an account, grants the trial allowance and issues the
// primary API key.
func (s *Server) handleRegister(ctx *fasthttp.RequestCtx) {
	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		apierr.WriteBadRequest(ctx, "valid 'email' is required")
		return
	}
	if len(req.Password) < 8 {
		apierr.WriteBadRequest(ctx, "'password' must be at least 8 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	var referrer *storage.User
	if req.ReferralCode != "" {
		referrer, err = s.store.GetUserByReferralCode(ctx, req.ReferralCode)
		if err != nil {
			apierr.WriteBadRequest(ctx, "unknown referral code")
			return
		}
	}

	user := &storage.User{
		ID:           uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Subscription: storage.SubTrial,
		ReferralCode: newReferralCode(),
		Active:       true,
	}
	if referrer != nil {
		user.ReferredBy = referrer.ID
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			apierr.Write(ctx, fasthttp.StatusConflict, "email already registered",
				apierr.TypeInvalidRequest, apierr.CodeBadRequest)
			return
		}
		s.log.ErrorContext(ctx, "register_failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	var tv *trialView
	if s.trial.Requests > 0 {
		trial := &storage.TrialGrant{
			ID:                uuid.New().String(),
			UserID:            user.ID,
			StartsAt:          time.Now(),
			EndsAt:            time.Now().AddDate(0, 0, s.trial.Days),
			CreditsRemaining:  s.trial.Credits,
			TokensRemaining:   s.trial.Tokens,
			RequestsRemaining: s.trial.Requests,
		}
		if err := s.store.CreateTrial(ctx, trial); err == nil {
			tv = &trialView{
				Credits:  trial.CreditsRemaining,
				Tokens:   trial.TokensRemaining,
				Requests: trial.RequestsRemaining,
				EndsAt:   trial.EndsAt,
			}
		}
	}

	token, key, err := s.issueKey(ctx, user.ID, "primary", true,
		[]storage.Scope{{Action: "admin", Pattern: "*"}}, nil, 0, nil, nil)
	if err != nil {
		s.log.ErrorContext(ctx, "key_issue_failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	if referrer != nil {
		if err := s.store.Credit(ctx, referrer.ID, referralBonus,
			storage.ReasonReferral, user.ID); err != nil {
			s.log.WarnContext(ctx, "referral_credit_failed",
				slog.String("referrer_id", referrer.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.log.InfoContext(ctx, "user_registered",
		slog.String("user_id", user.ID),
		slog.Bool("referred", referrer != nil),
	)

	writeJSON(ctx, fasthttp.StatusCreated, registerResponse{
		UserID:    user.ID,
		APIKey:    token,
		KeyPrefix: key.KeyPrefix,
		Trial:     tv,
	})
}

// issueKey generates, hashes, optionally seals and persists a new API key.
// The plaintext token is returned to the caller and never stored.
func (s *Server) issueKey(
	ctx context.Context,
	userID, name string,
	primary bool,
	scopes []storage.Scope,
	expiresAt *time.Time,
	maxRequests int64,
	ipAllowlist, refAllowlist []string,
) (string, *storage.APIKey, error) {
	token, err := keys.Generate(s.env)
	if err != nil {
		return "", nil, err
	}

	sealed := ""
	if s.keyring != nil {
		if sealed, err = s.keyring.Seal(token); err != nil {
			return "", nil, err
		}
	}

	key := &storage.APIKey{
		ID:           uuid.New().String(),
		UserID:       userID,
		KeyHash:      s.hasher.Hash(token),
		KeyPrefix:    keys.DisplayPrefix(token),
		SealedToken:  sealed,
		Environment:  string(s.env),
		Name:         name,
		Scopes:       scopes,
		Primary:      primary,
		Active:       true,
		ExpiresAt:    expiresAt,
		MaxRequests:  maxRequests,
		IPAllowlist:  ipAllowlist,
		RefAllowlist: refAllowlist,
	}
	if err := s.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return token, key, nil
}

type resetRequest struct {
	Email       string `json:"email"`
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// handleResetPassword rotates a password after verifying the current one.
func (s *Server) handleResetPassword(ctx *fasthttp.RequestCtx) {
	var req resetRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if len(req.NewPassword) < 8 {
		apierr.WriteBadRequest(ctx, "'new_password' must be at least 8 characters")
		return
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		// Indistinguishable from a wrong password on purpose.
		apierr.WriteUnauthenticated(ctx, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)) != nil {
		apierr.WriteUnauthenticated(ctx, "invalid credentials")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	if err := s.store.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	s.log.InfoContext(ctx, "password_reset", slog.String("user_id", user.ID))
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// newReferralCode returns a short shareable code.
func newReferralCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
