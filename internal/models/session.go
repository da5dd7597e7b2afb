package models

import (
	"time"
)

// Session is the single authenticated session. It lives in memory, owned by
// the session manager; every other component reads it through the manager's
// accessor and never mutates it.
type Session struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CachedAt     time.Time `json:"cached_at"`
}

// Expired reports whether the access token lifetime has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside d.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Sub(now) < d
}
