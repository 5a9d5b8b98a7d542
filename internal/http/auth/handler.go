package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/http/extract"
	"authcore/internal/lib/jwt"
	"authcore/internal/lib/sl"
	authservice "authcore/internal/services/auth"
	"authcore/internal/services/limiter"
)

// AccessCookieName is where the cookie extraction strategy looks for the
// access token when configured.
const AccessCookieName = "access_token"

const (
	refreshCookieName = "refresh_token"
	roleAdmin         = "admin"
)

// Service is the slice of the auth orchestrator the controllers need.
type Service interface {
	Login(ctx context.Context, email, password string) (*models.TokenPair, *models.User, error)
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	Logout(ctx context.Context, userID, accessToken string) error
	LogoutAll(ctx context.Context) (revokedCount, closedCount int64, err error)
	ValidateToken(ctx context.Context, accessToken string) bool
}

// Handler is the thin controller layer: request decoding, the access-token
// guard and error-to-status mapping. All auth decisions live in the service.
type Handler struct {
	logger       *slog.Logger
	service      Service
	issuer       *jwt.Issuer
	accessToken  extract.Strategy
	refreshTTL   time.Duration
	secureCookie bool
}

func NewHandler(
	logger *slog.Logger,
	service Service,
	issuer *jwt.Issuer,
	accessToken extract.Strategy,
	refreshTTL time.Duration,
	secureCookie bool,
) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		issuer:       issuer,
		accessToken:  accessToken,
		refreshTTL:   refreshTTL,
		secureCookie: secureCookie,
	}
}

// Register mounts the auth routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("POST /refresh", h.refresh)
	mux.HandleFunc("POST /logout", h.logout)
	mux.HandleFunc("POST /logout-all", h.logoutAll)
	mux.HandleFunc("GET /validate-token", h.validateToken)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type loginResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         userResponse `json:"user"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.login"
	log := h.logger.With(slog.String("op", op))

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	pair, user, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		var tooMany *limiter.TooManyAttemptsError
		if errors.As(err, &tooMany) {
			w.Header().Set("Retry-After", strconv.Itoa(int(tooMany.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, tooMany.Error())
			return
		}
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			// Unknown email and wrong password look identical on purpose.
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		log.Error("login failed", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User: userResponse{
			ID:    user.ID,
			Email: user.Email,
			Role:  user.Role,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	SessionExpired bool   `json:"sessionExpired,omitempty"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.refresh"
	log := h.logger.With(slog.String("op", op))

	var req refreshRequest
	if r.Body != nil {
		// The token may arrive in the cookie instead, so a missing or
		// empty body is not an error here.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	token := req.RefreshToken
	if token == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			token = cookie.Value
		}
	}

	pair, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, authservice.ErrSessionExpired) {
			h.clearRefreshCookie(w)
			writeJSON(w, http.StatusOK, refreshResponse{SessionExpired: true})
			return
		}
		switch {
		case errors.Is(err, authservice.ErrRefreshMissing),
			errors.Is(err, authservice.ErrRefreshNotWhitelisted),
			errors.Is(err, authservice.ErrRefreshReused),
			errors.Is(err, authservice.ErrInvalidTokenType),
			errors.Is(err, authservice.ErrInvalidToken),
			errors.Is(err, authservice.ErrUserNotFound):
			writeError(w, http.StatusUnauthorized, "invalid token")
		default:
			log.Error("refresh failed", sl.Err(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.logout"
	log := h.logger.With(slog.String("op", op))

	token, claims, ok := h.guard(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), claims.Subject, token); err != nil {
		log.Error("logout failed", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

type logoutAllResponse struct {
	RevokedTokens  int64 `json:"revokedTokens"`
	ClosedSessions int64 `json:"closedSessions"`
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	const op = "http.auth.logoutAll"
	log := h.logger.With(slog.String("op", op))

	_, claims, ok := h.guard(w, r)
	if !ok {
		return
	}
	if claims.Role != roleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	revoked, closed, err := h.service.LogoutAll(r.Context())
	if err != nil {
		log.Error("logout-all failed", sl.Err(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, logoutAllResponse{
		RevokedTokens:  revoked,
		ClosedSessions: closed,
	})
}

func (h *Handler) validateToken(w http.ResponseWriter, r *http.Request) {
	token, ok := h.accessToken.Token(r)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"valid": false})
		return
	}

	valid := h.service.ValidateToken(r.Context(), token)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// guard extracts and verifies the access token, additionally requiring a
// live session. Failures answer 401 and report ok=false.
func (h *Handler) guard(w http.ResponseWriter, r *http.Request) (string, *jwt.Claims, bool) {
	token, ok := h.accessToken.Token(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "access token is required")
		return "", nil, false
	}

	claims, err := h.issuer.Verify(token, jwt.TokenTypeAccess)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", nil, false
	}

	return token, claims, true
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
