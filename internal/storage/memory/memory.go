package memory

import (
	"context"
	"sync"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/storage"
)

// Storage is a mutex-guarded in-memory implementation of every store the
// auth service consumes. It backs tests and single-instance deployments;
// records are keyed by token fingerprint the same way the document store
// indexes them.
type Storage struct {
	mu           sync.Mutex
	usersByID    map[string]*models.User
	usersByEmail map[string]*models.User
	sessions     map[string]*models.Session
	tokens       map[string]*models.RefreshTokenRecord
	revoked      map[string]*models.RevokedTokenRecord
	attempts     map[string]*models.LoginAttempt
}

func New() *Storage {
	return &Storage{
		usersByID:    make(map[string]*models.User),
		usersByEmail: make(map[string]*models.User),
		sessions:     make(map[string]*models.Session),
		tokens:       make(map[string]*models.RefreshTokenRecord),
		revoked:      make(map[string]*models.RevokedTokenRecord),
		attempts:     make(map[string]*models.LoginAttempt),
	}
}

// SaveUser inserts or replaces a user. Used by seeding and tests; user
// administration proper is outside this service.
func (s *Storage) SaveUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *user
	s.usersByID[u.ID] = &u
	s.usersByEmail[u.Email] = &u
	return nil
}

func (s *Storage) User(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByEmail[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (s *Storage) UserByID(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (s *Storage) OpenSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := *session
	s.sessions[sess.TokenHash] = &sess
	return nil
}

func (s *Storage) SessionActive(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return false, nil
	}
	return session.IsActive && session.ExpiresAt.After(time.Now()), nil
}

func (s *Storage) CloseSessionByToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return storage.ErrSessionNotFound
	}
	session.IsActive = false
	return nil
}

func (s *Storage) CloseSessionsForUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, session := range s.sessions {
		if session.UserID == userID && session.IsActive {
			session.IsActive = false
			count++
		}
	}
	return count, nil
}

func (s *Storage) CloseAllSessions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, session := range s.sessions {
		if session.IsActive {
			session.IsActive = false
			count++
		}
	}
	return count, nil
}

// SweepExpiredSessions deactivates up to limit sessions whose expiry has
// passed but are still marked active.
func (s *Storage) SweepExpiredSessions(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var count int64
	for _, session := range s.sessions {
		if int(count) >= limit {
			break
		}
		if session.IsActive && !session.ExpiresAt.After(now) {
			session.IsActive = false
			count++
		}
	}
	return count, nil
}

func (s *Storage) EnrollRefreshToken(_ context.Context, record *models.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *record
	s.tokens[rec.TokenHash] = &rec
	return nil
}

func (s *Storage) RefreshTokenByHash(_ context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	rec := *record
	return &rec, nil
}

func (s *Storage) InvalidateRefreshTokensForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.tokens {
		if record.UserID == userID {
			record.IsActive = false
		}
	}
	return nil
}

// ConsumeRefreshToken deactivates the record only if it is still active,
// mirroring the document store's conditional update. The second of two
// concurrent consumers gets storage.ErrTokenConsumed.
func (s *Storage) ConsumeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[tokenHash]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if !record.IsActive {
		return storage.ErrTokenConsumed
	}
	record.IsActive = false
	return nil
}

// RevokeToken inserts a denylist entry; a fingerprint already present is a
// no-op, not an error.
func (s *Storage) RevokeToken(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[tokenHash]; ok {
		return nil
	}
	s.revoked[tokenHash] = &models.RevokedTokenRecord{
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: expiresAt,
		RevokedAt: time.Now(),
	}
	return nil
}

func (s *Storage) TokenRevoked(_ context.Context, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[tokenHash]
	return ok, nil
}

// RevokeAllActive denylists every active refresh token and every active
// session's access token, deactivating the refresh records. Session closing
// is the caller's paired step.
func (s *Storage) RevokeAllActive(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var count int64
	for hash, record := range s.tokens {
		if !record.IsActive {
			continue
		}
		record.IsActive = false
		if _, ok := s.revoked[hash]; !ok {
			s.revoked[hash] = &models.RevokedTokenRecord{
				TokenHash: hash,
				UserID:    record.UserID,
				ExpiresAt: record.ExpiresAt,
				RevokedAt: now,
			}
			count++
		}
	}
	for hash, session := range s.sessions {
		if !session.IsActive {
			continue
		}
		if _, ok := s.revoked[hash]; !ok {
			s.revoked[hash] = &models.RevokedTokenRecord{
				TokenHash: hash,
				UserID:    session.UserID,
				ExpiresAt: session.ExpiresAt,
				RevokedAt: now,
			}
			count++
		}
	}
	return count, nil
}

// PruneRevokedTokens deletes up to limit denylist entries whose own expiry
// has passed. The tokens they point at are long dead by then.
func (s *Storage) PruneRevokedTokens(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var count int64
	for hash, record := range s.revoked {
		if int(count) >= limit {
			break
		}
		if !record.ExpiresAt.After(now) {
			delete(s.revoked, hash)
			count++
		}
	}
	return count, nil
}

func (s *Storage) IncrementAttempt(_ context.Context, email string, at time.Time, _ time.Duration) (*models.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[email]
	if !ok {
		attempt = &models.LoginAttempt{Email: email}
		s.attempts[email] = attempt
	}
	attempt.Attempts++
	attempt.LastAttempt = at
	a := *attempt
	return &a, nil
}

func (s *Storage) Attempt(_ context.Context, email string) (*models.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[email]
	if !ok {
		return nil, storage.ErrAttemptNotFound
	}
	a := *attempt
	return &a, nil
}

func (s *Storage) ResetAttempts(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, email)
	return nil
}
