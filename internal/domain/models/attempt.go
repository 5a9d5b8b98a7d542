package models

import "time"

// LoginAttempt counts consecutive failed logins for an email. The counter
// dies on a successful login or once the window elapses after the last
// failure.
type LoginAttempt struct {
	Email       string
	Attempts    int
	LastAttempt time.Time
}
