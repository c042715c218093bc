package models

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// tokenBytes is the amount of randomness in a session token.
const tokenBytes = 32

// SessionOptions bound the lifetime of a session. Zero disables a limit.
type SessionOptions struct {
	// MaxAge is measured from session creation.
	MaxAge time.Duration
	// IdleTimeout is measured from the last successful lookup.
	IdleTimeout time.Duration
}

// SessionStore maps opaque tokens to usernames.
type SessionStore struct {
	db   *sql.DB
	opts SessionOptions
	now  func() time.Time
}

func NewSessionStore(db *sql.DB, opts SessionOptions) *SessionStore {
	return &SessionStore{db: db, opts: opts, now: time.Now}
}

// StartSession issues a new token for username and persists it.
func (s *SessionStore) StartSession(ctx context.Context, username string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, username, created_at, last_seen_at) VALUES (?, ?, ?, ?)`,
		token, username, now, now)
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	return token, nil
}

// FindUsernameByToken resolves token to the username it was issued for.
// Unknown, empty and expired tokens all yield ErrNotFound; expired sessions
// are deleted on the way out.
func (s *SessionStore) FindUsernameByToken(ctx context.Context, token string) (string, error) {
	sess, err := s.getSession(ctx, token)
	if err != nil {
		return "", err
	}

	now := s.now()
	if s.expired(sess, now) {
		if err := s.EndSession(ctx, token); err != nil {
			return "", err
		}
		return "", ErrNotFound
	}

	if s.opts.IdleTimeout > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET last_seen_at = ? WHERE token = ?`, now.UnixNano(), token)
		if err != nil {
			return "", fmt.Errorf("touching session: %w", err)
		}
	}
	return sess.Username, nil
}

// EndSession deletes the session. Deleting an unknown token is not an error.
func (s *SessionStore) EndSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PruneExpired deletes every session past its max age or idle timeout and
// returns how many were removed.
func (s *SessionStore) PruneExpired(ctx context.Context) (int64, error) {
	if s.opts.MaxAge <= 0 && s.opts.IdleTimeout <= 0 {
		return 0, nil
	}
	now := s.now()
	// A disabled limit uses a cutoff no row can fall below.
	createdCutoff, seenCutoff := int64(-1<<63), int64(-1<<63)
	if s.opts.MaxAge > 0 {
		createdCutoff = now.Add(-s.opts.MaxAge).UnixNano()
	}
	if s.opts.IdleTimeout > 0 {
		seenCutoff = now.Add(-s.opts.IdleTimeout).UnixNano()
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE created_at <= ? OR last_seen_at <= ?`, createdCutoff, seenCutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SessionStore) getSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT token, username, created_at, last_seen_at FROM sessions WHERE token = ?`, token)
	var sess Session
	var created, seen int64
	if err := row.Scan(&sess.Token, &sess.Username, &created, &seen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.LastSeenAt = time.Unix(0, seen)
	return &sess, nil
}

func (s *SessionStore) expired(sess *Session, now time.Time) bool {
	if s.opts.MaxAge > 0 && now.Sub(sess.CreatedAt) >= s.opts.MaxAge {
		return true
	}
	if s.opts.IdleTimeout > 0 && now.Sub(sess.LastSeenAt) >= s.opts.IdleTimeout {
		return true
	}
	return false
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
