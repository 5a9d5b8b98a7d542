package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/lib/jwt"
	"authcore/internal/lib/sl"
	"authcore/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Auth struct {
	logger    *slog.Logger
	users     UserProvider
	sessions  SessionStore
	whitelist RefreshTokenWhitelist
	revoked   RevocationList
	limiter   AttemptLimiter
	issuer    *jwt.Issuer
	cap       *SessionCapEnforcer
	pepper    string
	// allowUnlistedRefresh auto-enrolls a verifying refresh token that has
	// no whitelist record. Migration aid for tokens issued before the
	// whitelist existed.
	allowUnlistedRefresh bool
}

type UserProvider interface {
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

type SessionStore interface {
	OpenSession(ctx context.Context, session *models.Session) error
	SessionActive(ctx context.Context, tokenHash string) (bool, error)
	CloseSessionByToken(ctx context.Context, tokenHash string) error
	CloseSessionsForUser(ctx context.Context, userID string) (int64, error)
	CloseAllSessions(ctx context.Context) (int64, error)
}

type RefreshTokenWhitelist interface {
	EnrollRefreshToken(ctx context.Context, record *models.RefreshTokenRecord) error
	RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error)
	InvalidateRefreshTokensForUser(ctx context.Context, userID string) error
	// ConsumeRefreshToken deactivates the record in a single conditional
	// update. A record that is absent or already inactive fails with
	// storage.ErrTokenConsumed or storage.ErrTokenNotFound.
	ConsumeRefreshToken(ctx context.Context, tokenHash string) error
}

type RevocationList interface {
	// RevokeToken is idempotent: revoking an already revoked fingerprint
	// succeeds without creating a second entry.
	RevokeToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	TokenRevoked(ctx context.Context, tokenHash string) (bool, error)
	RevokeAllActive(ctx context.Context) (int64, error)
}

type AttemptLimiter interface {
	Check(ctx context.Context, email string) error
	RecordFailure(ctx context.Context, email string) error
	Reset(ctx context.Context, email string) error
}

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUserNotFound          = errors.New("user not found")
	ErrRefreshMissing        = errors.New("refresh token is required")
	ErrRefreshNotWhitelisted = errors.New("refresh token not whitelisted")
	ErrRefreshReused         = errors.New("refresh token reuse detected")
	ErrInvalidTokenType      = errors.New("invalid token type")
	ErrSessionExpired        = errors.New("session duration cap exceeded")
	ErrInvalidToken          = errors.New("invalid or expired token")
)

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	users UserProvider,
	sessions SessionStore,
	whitelist RefreshTokenWhitelist,
	revoked RevocationList,
	limiter AttemptLimiter,
	issuer *jwt.Issuer,
	sessionCap time.Duration,
	pepper string,
	allowUnlistedRefresh bool,
) *Auth {
	return &Auth{
		logger:               logger,
		users:                users,
		sessions:             sessions,
		whitelist:            whitelist,
		revoked:              revoked,
		limiter:              limiter,
		issuer:               issuer,
		cap:                  NewSessionCapEnforcer(sessionCap),
		pepper:               pepper,
		allowUnlistedRefresh: allowUnlistedRefresh,
	}
}

// Login validates credentials behind the attempt limiter and, on success,
// opens a session and starts a fresh refresh-token lineage. Any previous
// lineage for the user is invalidated before the new token is enrolled.
func (a *Auth) Login(ctx context.Context, email, password string) (*models.TokenPair, *models.User, error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	// The gate runs before the password comparison so repeated guesses
	// against a known email are throttled regardless of correctness.
	if err := a.limiter.Check(ctx, email); err != nil {
		log.Warn("login throttled", sl.Err(err))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.users.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// Unknown email and wrong password are indistinguishable to
			// the caller, but both count against the limiter.
			if lerr := a.limiter.RecordFailure(ctx, email); lerr != nil {
				log.Error("failed to record login failure", sl.Err(lerr))
			}
			log.Warn("user not found", sl.Err(err))
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		if lerr := a.limiter.RecordFailure(ctx, email); lerr != nil {
			log.Error("failed to record login failure", sl.Err(lerr))
		}
		log.Warn("invalid password")
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.IsActive {
		log.Warn("login for deactivated user", slog.String("userID", user.ID))
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if err := a.limiter.Reset(ctx, email); err != nil {
		log.Error("failed to reset attempt counter", sl.Err(err))
	}

	pair, err := a.issuePair(ctx, user, time.Now())
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.String("userID", user.ID))

	return pair, user, nil
}

// Refresh redeems a refresh token for a new token pair, rotating the lineage.
// A token that was already redeemed fails with ErrRefreshReused; a lineage
// older than the session cap is force-logged-out and fails ErrSessionExpired.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	const op = "auth.Refresh"
	log := a.logger.With(slog.String("op", op))
	log.Info("refresh request")

	if refreshToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshMissing)
	}

	tokenHash := a.fingerprint(refreshToken)

	// Reuse detection first: a revoked token presented again signals a
	// stale client or token theft, and must not degrade into the generic
	// not-whitelisted failure.
	isRevoked, err := a.revoked.TokenRevoked(ctx, tokenHash)
	if err != nil {
		log.Error("failed to check revocation list", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if isRevoked {
		log.Warn("revoked refresh token presented again")
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshReused)
	}

	record, err := a.whitelist.RefreshTokenByHash(ctx, tokenHash)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		log.Error("failed to look up refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	claims, err := a.issuer.Verify(refreshToken, jwt.TokenTypeRefresh)
	if err != nil {
		if errors.Is(err, jwt.ErrWrongTokenType) {
			log.Warn("token of wrong type presented for refresh")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidTokenType)
		}
		log.Warn("refresh token failed verification", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	switch {
	case record == nil:
		if !a.allowUnlistedRefresh {
			log.Warn("refresh token not whitelisted")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshNotWhitelisted)
		}
		record, err = a.enrollUnlisted(ctx, tokenHash, claims)
		if err != nil {
			log.Error("failed to enroll unlisted refresh token", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("unlisted refresh token enrolled", slog.String("userID", record.UserID))
	case !record.IsActive:
		// An inactive record was either consumed by a rotation or
		// invalidated by a newer login. A consume is always preceded by a
		// revoke, so re-checking the denylist tells the two apart even
		// when a concurrent rotation landed after our first check.
		isRevoked, rerr := a.revoked.TokenRevoked(ctx, tokenHash)
		if rerr != nil {
			log.Error("failed to check revocation list", sl.Err(rerr))
			return nil, fmt.Errorf("%s: %w", op, rerr)
		}
		if isRevoked {
			log.Warn("consumed refresh token presented again")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshReused)
		}
		log.Warn("refresh token invalidated by a newer login")
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshNotWhitelisted)
	}

	if a.cap.Exceeded(record.LineageStartedAt) {
		if err := a.forceLogout(ctx, claims.Subject, tokenHash, claims.ExpiresAt.Time); err != nil {
			log.Error("forced logout failed", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Info("session cap exceeded, user logged out", slog.String("userID", claims.Subject))
		return nil, fmt.Errorf("%s: %w", op, ErrSessionExpired)
	}

	user, err := a.users.UserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user behind refresh token is gone", slog.String("userID", claims.Subject))
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !user.IsActive {
		log.Warn("user behind refresh token is deactivated", slog.String("userID", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	// Revoke before consume: if the rotation dies in between, the token is
	// denylisted while still whitelisted, which fails closed.
	if err := a.revoked.RevokeToken(ctx, tokenHash, user.ID, claims.ExpiresAt.Time); err != nil {
		log.Error("failed to revoke rotated token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The consume is a single conditional update on is_active. Two
	// concurrent redemptions of the same token both reach this point; only
	// one wins the update, the other is treated as reuse.
	if err := a.whitelist.ConsumeRefreshToken(ctx, tokenHash); err != nil {
		if errors.Is(err, storage.ErrTokenConsumed) || errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("lost consume race, treating as reuse")
			return nil, fmt.Errorf("%s: %w", op, ErrRefreshReused)
		}
		log.Error("failed to consume refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.rotatePair(ctx, user, record.LineageStartedAt)
	if err != nil {
		log.Error("failed to rotate token pair", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed", slog.String("userID", user.ID))

	return pair, nil
}

// Logout closes the session behind the access token, revokes the token and
// clears the user's attempt counter.
func (a *Auth) Logout(ctx context.Context, userID, accessToken string) error {
	const op = "auth.Logout"
	log := a.logger.With(slog.String("op", op), slog.String("userID", userID))

	tokenHash := a.fingerprint(accessToken)

	if err := a.sessions.CloseSessionByToken(ctx, tokenHash); err != nil {
		if !errors.Is(err, storage.ErrSessionNotFound) {
			log.Error("failed to close session", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Warn("logout for unknown session")
	}

	// The token reached us through an authenticated request, so decode is
	// enough to read its expiry for the denylist entry.
	claims, err := a.issuer.Decode(accessToken)
	if err == nil && claims.ExpiresAt != nil {
		if err := a.revoked.RevokeToken(ctx, tokenHash, userID, claims.ExpiresAt.Time); err != nil {
			log.Error("failed to revoke access token", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err == nil && claims.Email != "" {
		if lerr := a.limiter.Reset(ctx, claims.Email); lerr != nil {
			log.Error("failed to reset attempt counter", sl.Err(lerr))
		}
	}

	log.Info("user logged out")

	return nil
}

// LogoutAll revokes every active refresh token and closes every session.
// Returns the counts of revoked tokens and closed sessions.
func (a *Auth) LogoutAll(ctx context.Context) (revokedCount, closedCount int64, err error) {
	const op = "auth.LogoutAll"
	log := a.logger.With(slog.String("op", op))

	revokedCount, err = a.revoked.RevokeAllActive(ctx)
	if err != nil {
		log.Error("failed to revoke active tokens", sl.Err(err))
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	closedCount, err = a.sessions.CloseAllSessions(ctx)
	if err != nil {
		log.Error("failed to close sessions", sl.Err(err))
		return revokedCount, 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("system-wide logout",
		slog.Int64("revoked", revokedCount),
		slog.Int64("closed", closedCount),
	)

	return revokedCount, closedCount, nil
}

// ValidateToken reports whether an access token is currently good: signature
// and expiry hold, it is not revoked, its session is active and its subject
// still exists. Verification failures never escape as errors.
func (a *Auth) ValidateToken(ctx context.Context, accessToken string) bool {
	const op = "auth.ValidateToken"
	log := a.logger.With(slog.String("op", op))

	claims, err := a.issuer.Verify(accessToken, jwt.TokenTypeAccess)
	if err != nil {
		return false
	}

	tokenHash := a.fingerprint(accessToken)

	isRevoked, err := a.revoked.TokenRevoked(ctx, tokenHash)
	if err != nil {
		log.Error("failed to check revocation list", sl.Err(err))
		return false
	}
	if isRevoked {
		return false
	}

	active, err := a.sessions.SessionActive(ctx, tokenHash)
	if err != nil {
		log.Error("failed to check session", sl.Err(err))
		return false
	}
	if !active {
		return false
	}

	user, err := a.users.UserByID(ctx, claims.Subject)
	if err != nil || !user.IsActive {
		return false
	}

	return true
}

// issuePair mints both tokens, opens the access session and starts or
// continues a lineage. At login lineageStart is now; rotation carries the
// original value forward.
func (a *Auth) issuePair(ctx context.Context, user *models.User, lineageStart time.Time) (*models.TokenPair, error) {
	accessToken, accessExp, err := a.issuer.IssueAccess(user)
	if err != nil {
		return nil, err
	}

	refreshToken, refreshExp, err := a.issuer.IssueRefresh(user)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if err := a.sessions.OpenSession(ctx, &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: a.fingerprint(accessToken),
		IssuedAt:  now,
		ExpiresAt: accessExp,
		IsActive:  true,
	}); err != nil {
		return nil, err
	}

	// Single lineage per user: everything older dies before the new
	// refresh token is enrolled.
	if err := a.whitelist.InvalidateRefreshTokensForUser(ctx, user.ID); err != nil {
		return nil, err
	}

	if err := a.whitelist.EnrollRefreshToken(ctx, &models.RefreshTokenRecord{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		TokenHash:        a.fingerprint(refreshToken),
		IssuedAt:         now,
		ExpiresAt:        refreshExp,
		LineageStartedAt: lineageStart,
		IsActive:         true,
	}); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// rotatePair is issuePair minus the lineage reset: the old record was
// already consumed, so no blanket invalidation is needed.
func (a *Auth) rotatePair(ctx context.Context, user *models.User, lineageStart time.Time) (*models.TokenPair, error) {
	accessToken, accessExp, err := a.issuer.IssueAccess(user)
	if err != nil {
		return nil, err
	}

	refreshToken, refreshExp, err := a.issuer.IssueRefresh(user)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if err := a.sessions.OpenSession(ctx, &models.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: a.fingerprint(accessToken),
		IssuedAt:  now,
		ExpiresAt: accessExp,
		IsActive:  true,
	}); err != nil {
		return nil, err
	}

	if err := a.whitelist.EnrollRefreshToken(ctx, &models.RefreshTokenRecord{
		ID:               uuid.NewString(),
		UserID:           user.ID,
		TokenHash:        a.fingerprint(refreshToken),
		IssuedAt:         now,
		ExpiresAt:        refreshExp,
		LineageStartedAt: lineageStart,
		IsActive:         true,
	}); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// enrollUnlisted records a whitelist entry for a token that verified on its
// own. The lineage is backdated to the token's issuance so the cap still
// bites.
func (a *Auth) enrollUnlisted(ctx context.Context, tokenHash string, claims *jwt.Claims) (*models.RefreshTokenRecord, error) {
	issuedAt := time.Now()
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	record := &models.RefreshTokenRecord{
		ID:               uuid.NewString(),
		UserID:           claims.Subject,
		TokenHash:        tokenHash,
		IssuedAt:         issuedAt,
		ExpiresAt:        claims.ExpiresAt.Time,
		LineageStartedAt: issuedAt,
		IsActive:         true,
	}
	if err := a.whitelist.EnrollRefreshToken(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// forceLogout kills everything the user holds and denylists the presented
// refresh token.
func (a *Auth) forceLogout(ctx context.Context, userID, tokenHash string, tokenExpiry time.Time) error {
	if _, err := a.sessions.CloseSessionsForUser(ctx, userID); err != nil {
		return err
	}
	if err := a.whitelist.InvalidateRefreshTokensForUser(ctx, userID); err != nil {
		return err
	}
	return a.revoked.RevokeToken(ctx, tokenHash, userID, tokenExpiry)
}

// fingerprint computes the SHA-256 fingerprint of a token with pepper.
func (a *Auth) fingerprint(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.pepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
