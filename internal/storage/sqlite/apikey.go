package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

const keyCols = `id, user_id, key_hash, key_prefix, sealed_token, environment, name,
 scopes, is_primary, active, expires_at, max_requests, requests,
 ip_allowlist, ref_allowlist, last_used_at, created_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *storage.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	scopes, err := marshalScopes(key.Scopes)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(key.IPAllowlist)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(key.RefAllowlist)
	if err != nil {
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, key_prefix, sealed_token,
		 environment, name, scopes, is_primary, active, expires_at,
		 max_requests, requests, ip_allowlist, ref_allowlist, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, nullStr(key.SealedToken),
		key.Environment, key.Name, scopes, boolToInt(key.Primary), boolToInt(key.Active),
		timeToStr(key.ExpiresAt), key.MaxRequests, key.Requests, ips, refs,
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return storage.ErrConflict
	}
	return err
}

func (s *Store) GetKey(ctx context.Context, id string) (*storage.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its salted lookup hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*storage.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

func (s *Store) ListKeys(ctx context.Context, userID string) ([]*storage.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyCols+` FROM api_keys WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*storage.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey updates the mutable attributes of a key. Hash, token and owner
// never change after creation.
func (s *Store) UpdateKey(ctx context.Context, key *storage.APIKey) error {
	scopes, err := marshalScopes(key.Scopes)
	if err != nil {
		return err
	}
	ips, err := marshalJSON(key.IPAllowlist)
	if err != nil {
		return err
	}
	refs, err := marshalJSON(key.RefAllowlist)
	if err != nil {
		return err
	}

	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET name=?, scopes=?, is_primary=?, active=?, expires_at=?,
		 max_requests=?, ip_allowlist=?, ref_allowlist=? WHERE id=?`,
		key.Name, scopes, boolToInt(key.Primary), boolToInt(key.Active),
		timeToStr(key.ExpiresAt), key.MaxRequests, ips, refs, key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "api key")
}

// DeactivateKey soft-deletes a key. When the primary key goes away, the
// oldest surviving active key is promoted so the one-primary-per-user
// invariant holds.
func (s *Store) DeactivateKey(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID string
	var wasPrimary int
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, is_primary FROM api_keys WHERE id = ?`, id,
	).Scan(&userID, &wasPrimary)
	if err != nil {
		return notFoundErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET active = 0, is_primary = 0 WHERE id = ?`, id); err != nil {
		return err
	}

	if wasPrimary != 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE api_keys SET is_primary = 1 WHERE id = (
			   SELECT id FROM api_keys WHERE user_id = ? AND active = 1
			   ORDER BY created_at LIMIT 1)`, userID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`, nowStr(), id)
	return err
}

// IncrementKeyRequests bumps the running request count and returns the new
// value for max-request cap enforcement.
func (s *Store) IncrementKeyRequests(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.write.QueryRowContext(ctx,
		`UPDATE api_keys SET requests = requests + 1 WHERE id = ? RETURNING requests`, id,
	).Scan(&n)
	if err != nil {
		return 0, notFoundErr(err)
	}
	return n, nil
}

func marshalScopes(scopes []storage.Scope) (sql.NullString, error) {
	if len(scopes) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(scopes)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanKey(sc scanner) (*storage.APIKey, error) {
	var k storage.APIKey
	var sealed, scopesJSON, ipsJSON, refsJSON sql.NullString
	var isPrimary, active int
	var expiresAt, lastUsedAt, createdAt sql.NullString

	err := sc.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &sealed,
		&k.Environment, &k.Name, &scopesJSON, &isPrimary, &active,
		&expiresAt, &k.MaxRequests, &k.Requests, &ipsJSON, &refsJSON,
		&lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.SealedToken = sealed.String
	k.Primary = isPrimary != 0
	k.Active = active != 0
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	k.CreatedAt = mustTime(createdAt)

	if scopesJSON.Valid {
		if err := json.Unmarshal([]byte(scopesJSON.String), &k.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	if k.IPAllowlist, err = unmarshalStringSlice(ipsJSON); err != nil {
		return nil, err
	}
	if k.RefAllowlist, err = unmarshalStringSlice(refsJSON); err != nil {
		return nil, err
	}
	return &k, nil
}
