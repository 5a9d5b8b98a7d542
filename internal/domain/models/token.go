package models

import "time"

// RefreshTokenRecord is one member of a refresh-token lineage stored in the
// whitelist. At most one record per user is active at any time; a record is
// consumed (deactivated) the moment its token is redeemed.
type RefreshTokenRecord struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// LineageStartedAt is stamped at login and carried forward unchanged
	// through every rotation. The session cap is measured against it.
	LineageStartedAt time.Time
	IsActive         bool
}

// RevokedTokenRecord is a denylist entry. ExpiresAt mirrors the token's own
// expiry and only tells the pruner when the entry itself can go away.
type RevokedTokenRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	RevokedAt time.Time
}

// TokenPair is what login and refresh hand back to the transport layer.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
