package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/Alpaca-Network/gatewayz/internal/storage"
)

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.Must(uuid.NewV7()).String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	var sess storage.Session
	var createdAt sql.NullString
	err := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.CreatedAt = mustTime(createdAt)
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string, offset, limit int) ([]*storage.Session, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM sessions
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Session
	for rows.Next() {
		var sess storage.Session
		var createdAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &createdAt); err != nil {
			return nil, err
		}
		sess.CreatedAt = mustTime(createdAt)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// AppendTurn adds the next turn to a session. Seq is assigned here, not by
// the caller, so concurrent appends never collide.
func (s *Store) AppendTurn(ctx context.Context, t *storage.Turn) error {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	err := s.write.QueryRowContext(ctx,
		`INSERT INTO turns (id, session_id, seq, role, content, created_at)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		 FROM turns WHERE session_id = ?
		 RETURNING seq`,
		t.ID, t.SessionID, t.Role, t.Content, nowStr(), t.SessionID,
	).Scan(&t.Seq)
	return err
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*storage.Turn, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		 FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Turn
	for rows.Next() {
		var t storage.Turn
		var createdAt sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = mustTime(createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
