package storage

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenNotFound   = errors.New("refresh token not found")
	// ErrTokenConsumed is returned when a conditional consume finds the
	// record already inactive. The service treats it as token reuse.
	ErrTokenConsumed   = errors.New("refresh token already consumed")
	ErrAttemptNotFound = errors.New("login attempt record not found")
)
