package auth

import "time"

// SessionCapEnforcer puts a hard ceiling on total session duration measured
// from the start of the refresh-token lineage. Rotation does not reset the
// clock: the lineage start is stamped at login and carried through every
// rotation, so a client cannot keep a session alive forever by refreshing.
type SessionCapEnforcer struct {
	cap time.Duration
	now func() time.Time
}

func NewSessionCapEnforcer(cap time.Duration) *SessionCapEnforcer {
	return &SessionCapEnforcer{
		cap: cap,
		now: time.Now,
	}
}

// Exceeded reports whether the lineage has outlived the cap.
func (e *SessionCapEnforcer) Exceeded(lineageStart time.Time) bool {
	return e.now().Sub(lineageStart) > e.cap
}
