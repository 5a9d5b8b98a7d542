package models

import "time"

// Session represents one live access token. Sessions are tracked
// independently of the JWT's own expiry so that logout and mass logout
// can kill a token before it expires on its own.
type Session struct {
	ID           string
	UserID       string
	TokenHash    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	IsActive     bool
	LastActivity *time.Time
}
