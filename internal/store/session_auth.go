package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examroom/internal/model"
)

// authSessionTTL is how long a login token stays valid.
const authSessionTTL = 24 * time.Hour

// CreateAuthSession issues a login token for userID.
func (s *Store) CreateAuthSession(userID int64) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate login token: %w", err)
	}
	token := hex.EncodeToString(buf)

	issued := time.Now()
	if _, err := s.db.Exec(
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, issued, issued.Add(authSessionTTL),
	); err != nil {
		return "", fmt.Errorf("insert login token for user %d: %w", userID, err)
	}
	return token, nil
}

// GetAuthSession looks up a live login token. Unknown and expired tokens
// both yield nil; expired rows are left for CleanupExpiredSessions.
func (s *Store) GetAuthSession(token string) (*model.AuthSession, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, token)

	var as model.AuthSession
	switch err := row.Scan(&as.ID, &as.UserID, &as.CreatedAt, &as.ExpiresAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get login token: %w", err)
	}
	if !time.Now().Before(as.ExpiresAt) {
		return nil, nil
	}
	return &as, nil
}

// DeleteAuthSession revokes a login token.
func (s *Store) DeleteAuthSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredSessions deletes expired login tokens and returns how many
// rows went. It runs from the reaper schedule.
func (s *Store) CleanupExpiredSessions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired login tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("removed expired login tokens", "count", n)
	}
	return n, nil
}
