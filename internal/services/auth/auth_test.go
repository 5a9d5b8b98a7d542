package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/lib/jwt"
	"authcore/internal/services/limiter"
	"authcore/internal/storage/memory"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessSecret  = "test-access-secret"
	testRefreshSecret = "test-refresh-secret"
	testPepper        = "test-pepper"
	testMaxAttempts   = 5
	testWindow        = 30 * time.Minute
	testSessionCap    = 25 * time.Minute
)

type fixture struct {
	auth   *Auth
	store  *memory.Storage
	issuer *jwt.Issuer
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()

	cfg := &fixtureConfig{
		accessSecret:  testAccessSecret,
		refreshSecret: testRefreshSecret,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	issuer := jwt.NewIssuer(cfg.accessSecret, cfg.refreshSecret, 15*time.Minute, 7*24*time.Hour)
	attemptLimiter := limiter.New(logger, store, testMaxAttempts, testWindow)

	a := New(
		logger,
		store,
		store,
		store,
		store,
		attemptLimiter,
		issuer,
		testSessionCap,
		testPepper,
		cfg.allowUnlistedRefresh,
	)

	return &fixture{auth: a, store: store, issuer: issuer}
}

type fixtureConfig struct {
	accessSecret         string
	refreshSecret        string
	allowUnlistedRefresh bool
}

func withSharedSecrets() func(*fixtureConfig) {
	return func(cfg *fixtureConfig) {
		cfg.accessSecret = "shared-secret"
		cfg.refreshSecret = "shared-secret"
	}
}

func withUnlistedRefresh() func(*fixtureConfig) {
	return func(cfg *fixtureConfig) {
		cfg.allowUnlistedRefresh = true
	}
}

func (f *fixture) seedUser(t *testing.T, email, password string) *models.User {
	t.Helper()

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := &models.User{
		ID:       uuid.NewString(),
		Email:    email,
		Role:     "user",
		PassHash: passHash,
		IsActive: true,
	}
	require.NoError(t, f.store.SaveUser(context.Background(), user))
	return user
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), gofakeit.Password(true, true, true, true, false, 12)
	seeded := f.seedUser(t, email, password)

	pair, user, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, seeded.ID, user.ID)
	assert.InDelta(t, time.Now().Add(15*time.Minute).Unix(), pair.AccessExpiresAt.Unix(), 2)
	assert.InDelta(t, time.Now().Add(7*24*time.Hour).Unix(), pair.RefreshExpiresAt.Unix(), 2)

	assert.True(t, f.auth.ValidateToken(ctx, pair.AccessToken))

	record, err := f.store.RefreshTokenByHash(ctx, f.auth.fingerprint(pair.RefreshToken))
	require.NoError(t, err)
	assert.True(t, record.IsActive)
	assert.Equal(t, seeded.ID, record.UserID)
	assert.WithinDuration(t, time.Now(), record.LineageStartedAt, 2*time.Second)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Correct-horse1"
	f.seedUser(t, email, password)

	_, _, err := f.auth.Login(ctx, email, "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = f.auth.Login(ctx, gofakeit.Email(), password)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDeactivatedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	user := f.seedUser(t, email, password)
	user.IsActive = false
	require.NoError(t, f.store.SaveUser(ctx, user))

	_, _, err := f.auth.Login(ctx, email, password)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginThrottledAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	for i := 0; i < testMaxAttempts; i++ {
		_, _, err := f.auth.Login(ctx, email, "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Correct credentials no longer help: the gate runs first.
	_, _, err := f.auth.Login(ctx, email, password)
	var tooMany *limiter.TooManyAttemptsError
	require.True(t, errors.As(err, &tooMany))
	assert.Greater(t, tooMany.RetryAfter, time.Duration(0))
}

func TestLoginSuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	for i := 0; i < testMaxAttempts-1; i++ {
		_, _, err := f.auth.Login(ctx, email, "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	// The counter started over, so more failures fit before the gate.
	for i := 0; i < testMaxAttempts-1; i++ {
		_, _, err := f.auth.Login(ctx, email, "wrong-password")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err = f.auth.Login(ctx, email, password)
	require.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	first, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	second, err := f.auth.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	// Single use: the redeemed token is dead.
	_, err = f.auth.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshReused)

	// The rotated-in token still works.
	third, err := f.auth.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, third.RefreshToken)
}

func TestSingleLineagePerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	first, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	_, _, err = f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	// The first login's lineage was invalidated, not revoked, so the
	// failure is the generic whitelist one.
	_, err = f.auth.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshNotWhitelisted)
}

func TestRefreshMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrRefreshMissing)
}

func TestRefreshGarbageToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Refresh(context.Background(), "not-a-real-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	// Shared secrets so only the tokenType claim can catch the swap.
	f := newFixture(t, withSharedSecrets())
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	_, err = f.auth.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidTokenType)
}

func TestSessionCapForcesLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	f.auth.cap.now = func() time.Time { return time.Now().Add(testSessionCap + time.Minute) }

	_, err = f.auth.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The forced logout closed the user's sessions too.
	active, err := f.store.SessionActive(ctx, f.auth.fingerprint(pair.AccessToken))
	require.NoError(t, err)
	assert.False(t, active)

	// And the presented token is denylisted for good.
	revoked, err := f.store.TokenRevoked(ctx, f.auth.fingerprint(pair.RefreshToken))
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessionCapSurvivesRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	// Rotate twice; the lineage start must ride along.
	pair2, err := f.auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	pair3, err := f.auth.Refresh(ctx, pair2.RefreshToken)
	require.NoError(t, err)

	record, err := f.store.RefreshTokenByHash(ctx, f.auth.fingerprint(pair3.RefreshToken))
	require.NoError(t, err)
	first, err := f.store.RefreshTokenByHash(ctx, f.auth.fingerprint(pair.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, first.LineageStartedAt, record.LineageStartedAt)

	// Rotation bought no extra time past the cap.
	f.auth.cap.now = func() time.Time { return time.Now().Add(testSessionCap + time.Minute) }
	_, err = f.auth.Refresh(ctx, pair3.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshUserGone(t *testing.T) {
	f := newFixture(t, withUnlistedRefresh())
	ctx := context.Background()

	ghost := &models.User{
		ID:       uuid.NewString(),
		Email:    gofakeit.Email(),
		Role:     "user",
		IsActive: true,
	}
	token, _, err := f.issuer.IssueRefresh(ghost)
	require.NoError(t, err)

	_, err = f.auth.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUnlistedRefreshRejectedByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	user := f.seedUser(t, email, password)

	token, _, err := f.issuer.IssueRefresh(user)
	require.NoError(t, err)

	_, err = f.auth.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrRefreshNotWhitelisted)
}

func TestUnlistedRefreshMigration(t *testing.T) {
	f := newFixture(t, withUnlistedRefresh())
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	user := f.seedUser(t, email, password)

	// A token issued outside the whitelist still verifies on its own, so
	// the migration path enrolls it and the rotation goes through.
	token, _, err := f.issuer.IssueRefresh(user)
	require.NoError(t, err)

	pair, err := f.auth.Refresh(ctx, token)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	// The migrated token was consumed by its own redemption.
	_, err = f.auth.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrRefreshReused)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	user := f.seedUser(t, email, password)

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)
	require.True(t, f.auth.ValidateToken(ctx, pair.AccessToken))

	require.NoError(t, f.auth.Logout(ctx, user.ID, pair.AccessToken))

	assert.False(t, f.auth.ValidateToken(ctx, pair.AccessToken))

	revoked, err := f.store.TokenRevoked(ctx, f.auth.fingerprint(pair.AccessToken))
	require.NoError(t, err)
	assert.True(t, revoked)

	// Logging out twice stays quiet: the session is gone and the revoke
	// is idempotent.
	require.NoError(t, f.auth.Logout(ctx, user.ID, pair.AccessToken))
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var pairs []*models.TokenPair
	for i := 0; i < 2; i++ {
		email, password := gofakeit.Email(), "Secret-123"
		f.seedUser(t, email, password)
		pair, _, err := f.auth.Login(ctx, email, password)
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}

	revoked, closed, err := f.auth.LogoutAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), revoked) // 2 refresh tokens + 2 session tokens
	assert.Equal(t, int64(2), closed)

	for _, pair := range pairs {
		assert.False(t, f.auth.ValidateToken(ctx, pair.AccessToken))
		_, err := f.auth.Refresh(ctx, pair.RefreshToken)
		assert.ErrorIs(t, err, ErrRefreshReused)
	}
}

func TestValidateToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	assert.False(t, f.auth.ValidateToken(ctx, "garbage"))

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)
	assert.True(t, f.auth.ValidateToken(ctx, pair.AccessToken))

	require.NoError(t, f.store.CloseSessionByToken(ctx, f.auth.fingerprint(pair.AccessToken)))
	assert.False(t, f.auth.ValidateToken(ctx, pair.AccessToken))
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password := gofakeit.Email(), "Secret-123"
	f.seedUser(t, email, password)

	pair, _, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.auth.Refresh(ctx, pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	var successes int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrRefreshReused)
	}
	assert.Equal(t, 1, successes)
}

// Full walkthrough: login, rotate, replay the old token, log out.
func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedUser(t, "a@x.com", "Secret123")

	t1, _, err := f.auth.Login(ctx, "a@x.com", "Secret123")
	require.NoError(t, err)

	t2, err := f.auth.Refresh(ctx, t1.RefreshToken)
	require.NoError(t, err)

	_, err = f.auth.Refresh(ctx, t1.RefreshToken)
	require.ErrorIs(t, err, ErrRefreshReused)

	claims, err := f.issuer.Verify(t2.AccessToken, jwt.TokenTypeAccess)
	require.NoError(t, err)
	require.NoError(t, f.auth.Logout(ctx, claims.Subject, t2.AccessToken))

	assert.False(t, f.auth.ValidateToken(ctx, t2.AccessToken))
}
