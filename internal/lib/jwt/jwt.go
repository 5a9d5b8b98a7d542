package jwt

import (
	"errors"
	"fmt"
	"time"

	"authcore/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the payload carried by both access and refresh tokens.
// Subject holds the user id; the jti is minted fresh on every issuance.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"tokenType"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies access and refresh tokens. The two token kinds
// are signed with distinct secrets so one can never stand in for the other.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

func NewIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

// IssueAccess creates a signed access token for the user.
func (i *Issuer) IssueAccess(user *models.User) (string, time.Time, error) {
	return i.issue(user, TokenTypeAccess, i.accessSecret, i.accessTTL)
}

// IssueRefresh creates a signed refresh token for the user.
func (i *Issuer) IssueRefresh(user *models.User) (string, time.Time, error) {
	return i.issue(user, TokenTypeRefresh, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) issue(user *models.User, tokenType string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		Email:     user.Email,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// Verify parses and validates a token of the given kind, returning its claims.
// Expired tokens fail with ErrTokenExpired, signature and structural problems
// with ErrInvalidToken, a valid token of the other kind with ErrWrongTokenType.
func (i *Issuer) Verify(tokenString, tokenType string) (*Claims, error) {
	secret := i.accessSecret
	if tokenType == TokenTypeRefresh {
		secret = i.refreshSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != tokenType {
		return nil, ErrWrongTokenType
	}

	return claims, nil
}

// Decode reads claims without verifying the signature. Only for pulling the
// expiry off a token that has already been validated elsewhere, e.g. to set
// the lifetime of its denylist entry.
func (i *Issuer) Decode(tokenString string) (*Claims, error) {
	var claims Claims
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
