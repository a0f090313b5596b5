// Package session keeps the per-visitor record behind the session cookie: the
// anti-forgery token and whether the visitor has logged in as a moderator.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"

	"msgboard/utils"
)

// ErrNotFound is returned for unknown and expired sessions.
var ErrNotFound = errors.New("session: not found")

type Session struct {
	ID          string    `json:"id"`
	CSRFToken   string    `json:"csrf_token"`
	IsModerator bool      `json:"is_moderator"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// New issues a fresh anonymous session valid for ttl.
func New(ttl time.Duration) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CSRFToken: uuid.NewString(),
		ExpiresAt: utils.GetTime().Add(ttl),
	}
}

func (s *Session) Expired() bool {
	return !utils.GetTime().Before(s.ExpiresAt)
}

// ValidToken compares token against the session's CSRF token in constant time.
func (s *Session) ValidToken(token string) bool {
	if s == nil || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.CSRFToken)) == 1
}

type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}
