package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/Alpaca-Network/gatewayz/internal/gate"
	"github.com/Alpaca-Network/gatewayz/internal/storage"
	"github.com/Alpaca-Network/gatewayz/pkg/apierr"
)

// authedUser authenticates a management request. Writes the error response
// itself and returns ok=false on failure.
func (s *Server) authedUser(ctx *fasthttp.RequestCtx, action gate.Action) (*storage.User, *storage.APIKey, bool) {
	user, key, err := s.gate.Authenticate(ctx, bearerToken(ctx),
		gate.Route{Path: string(ctx.Path()), Action: action},
		requestMeta(ctx))
	if err != nil {
		s.writeGateError(ctx, err)
		return nil, nil, false
	}
	return user, key, true
}

func pageArgs(ctx *fasthttp.RequestCtx) (offset, limit int) {
	offset = clampNonNeg(ctx.QueryArgs().GetUintOrZero("offset"))
	limit = ctx.QueryArgs().GetUintOrZero("limit")
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return offset, limit
}

// handleBalance serves GET /user/balance.
func (s *Server) handleBalance(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}

	out := map[string]any{
		"balance":      user.Balance,
		"subscription": user.Subscription,
	}
	if trial, err := s.store.GetActiveTrial(ctx, user.ID); err == nil {
		out["trial"] = trialView{
			Credits:  trial.CreditsRemaining,
			Tokens:   trial.TokensRemaining,
			Requests: trial.RequestsRemaining,
			EndsAt:   trial.EndsAt,
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// handleTransactions serves GET /user/credits/transactions.
func (s *Server) handleTransactions(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}
	offset, limit := pageArgs(ctx)

	txs, err := s.store.ListTransactions(ctx, user.ID, offset, limit)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": txs})
}

// handleUsage serves GET /user/usage.
func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}
	offset, limit := pageArgs(ctx)

	records, err := s.store.ListUsage(ctx, user.ID, offset, limit)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": records})
}

// ── API key management ────────────────────────────────────────────────────────

type (
	createKeyRequest struct {
		Name         string          `json:"name"`
		Scopes       []storage.Scope `json:"scopes"`
		ExpiresAt    *time.Time      `json:"expires_at"`
		MaxRequests  int64           `json:"max_requests"`
		IPAllowlist  []string        `json:"ip_allowlist"`
		RefAllowlist []string        `json:"referrer_allowlist"`
	}

	keyView struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		KeyPrefix   string          `json:"key_prefix"`
		Environment string          `json:"environment"`
		Scopes      []storage.Scope `json:"scopes,omitempty"`
		Primary     bool            `json:"primary"`
		Active      bool            `json:"active"`
		ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
		MaxRequests int64           `json:"max_requests,omitempty"`
		Requests    int64           `json:"requests"`
		LastUsedAt  *time.Time      `json:"last_used_at,omitempty"`
		CreatedAt   time.Time       `json:"created_at"`
	}
)

func keyToView(k *storage.APIKey) keyView {
	return keyView{
		ID:          k.ID,
		Name:        k.Name,
		KeyPrefix:   k.KeyPrefix,
		Environment: k.Environment,
		Scopes:      k.Scopes,
		Primary:     k.Primary,
		Active:      k.Active,
		ExpiresAt:   k.ExpiresAt,
		MaxRequests: k.MaxRequests,
		Requests:    k.Requests,
		LastUsedAt:  k.LastUsedAt,
		CreatedAt:   k.CreatedAt,
	}
}

// handleCreateKey serves POST /user/keys. Requires an admin-scoped key.
func (s *Server) handleCreateKey(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionAdmin)
	if !ok {
		return
	}

	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		apierr.WriteBadRequest(ctx, "field 'name' is required")
		return
	}

	token, key, err := s.issueKey(ctx, user.ID, req.Name, false,
		req.Scopes, req.ExpiresAt, req.MaxRequests, req.IPAllowlist, req.RefAllowlist)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	view := keyToView(key)
	writeJSON(ctx, fasthttp.StatusCreated, map[string]any{
		"key":     view,
		"api_key": token, // plaintext, shown exactly once
	})
}

// handleListKeys serves GET /user/keys. Only prefixes are exposed.
func (s *Server) handleListKeys(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}
	list, err := s.store.ListKeys(ctx, user.ID)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	views := make([]keyView, len(list))
	for i, k := range list {
		views[i] = keyToView(k)
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": views})
}

type updateKeyRequest struct {
	Name         *string          `json:"name"`
	Scopes       *[]storage.Scope `json:"scopes"`
	ExpiresAt    *time.Time       `json:"expires_at"`
	MaxRequests  *int64           `json:"max_requests"`
	IPAllowlist  *[]string        `json:"ip_allowlist"`
	RefAllowlist *[]string        `json:"referrer_allowlist"`
}

// handleUpdateKey serves PATCH /user/keys/{id}. The hash, sealed token and
// owner are immutable; everything else is patchable.
func (s *Server) handleUpdateKey(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionAdmin)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	key, err := s.ownedKey(ctx, user.ID, id)
	if err != nil {
		return
	}

	var req updateKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Name != nil {
		key.Name = *req.Name
	}
	if req.Scopes != nil {
		key.Scopes = *req.Scopes
	}
	if req.ExpiresAt != nil {
		key.ExpiresAt = req.ExpiresAt
	}
	if req.MaxRequests != nil {
		key.MaxRequests = *req.MaxRequests
	}
	if req.IPAllowlist != nil {
		key.IPAllowlist = *req.IPAllowlist
	}
	if req.RefAllowlist != nil {
		key.RefAllowlist = *req.RefAllowlist
	}

	if err := s.store.UpdateKey(ctx, key); err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	s.gate.InvalidateKey(key.ID)

	writeJSON(ctx, fasthttp.StatusOK, keyToView(key))
}

// handleDeleteKey serves DELETE /user/keys/{id}: a soft delete. If the key
// was primary the oldest surviving active key is promoted.
func (s *Server) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionAdmin)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	if _, err := s.ownedKey(ctx, user.ID, id); err != nil {
		return
	}

	if err := s.store.DeactivateKey(ctx, id); err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	s.gate.InvalidateKey(id)

	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "deactivated", "id": id})
}

// ownedKey loads a key and verifies ownership, writing the error response on
// failure.
func (s *Server) ownedKey(ctx *fasthttp.RequestCtx, userID, keyID string) (*storage.APIKey, error) {
	key, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound, "key not found",
				apierr.TypeInvalidRequest, apierr.CodeBadRequest)
			return nil, err
		}
		apierr.WriteInternal(ctx)
		return nil, err
	}
	if key.UserID != userID {
		apierr.WriteForbidden(ctx, "key belongs to another account")
		return nil, storage.ErrNotFound
	}
	return key, nil
}

// ── Coupons ───────────────────────────────────────────────────────────────────

// handleRedeemCoupon serves POST /user/coupons/redeem.
func (s *Server) handleRedeemCoupon(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionWrite)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Code == "" {
		apierr.WriteBadRequest(ctx, "field 'code' is required")
		return
	}

	amount, err := s.store.RedeemCoupon(ctx, req.Code, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			apierr.Write(ctx, fasthttp.StatusNotFound, "unknown coupon code",
				apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		case errors.Is(err, storage.ErrCouponSpent):
			apierr.Write(ctx, fasthttp.StatusConflict, "coupon already redeemed",
				apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		default:
			apierr.WriteInternal(ctx)
		}
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"credited": amount})
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// handleCreateSession serves POST /user/sessions.
func (s *Server) handleCreateSession(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionWrite)
	if !ok {
		return
	}

	var req struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &req)

	sess := &storage.Session{
		ID:     uuid.New().String(),
		UserID: user.ID,
		Title:  req.Title,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, sess)
}

// handleListSessions serves GET /user/sessions.
func (s *Server) handleListSessions(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}
	offset, limit := pageArgs(ctx)

	sessions, err := s.store.ListSessions(ctx, user.ID, offset, limit)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": sessions})
}

// handleListTurns serves GET /user/sessions/{id}/turns.
func (s *Server) handleListTurns(ctx *fasthttp.RequestCtx) {
	user, _, ok := s.authedUser(ctx, gate.ActionRead)
	if !ok {
		return
	}
	id, _ := ctx.UserValue("id").(string)

	sess, err := s.store.GetSession(ctx, id)
	if err != nil || sess.UserID != user.ID {
		apierr.Write(ctx, fasthttp.StatusNotFound, "session not found",
			apierr.TypeInvalidRequest, apierr.CodeBadRequest)
		return
	}
	turns, err := s.store.ListTurns(ctx, id)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"object": "list", "data": turns})
}
