// Package session issues and validates the bearer tokens the HTTP
// surface authenticates with. Tokens come in access/refresh pairs
// bound to a session ID; refreshing rotates the pair but keeps the
// session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/financeanalyst/cmdgate/internal/types"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("session: missing authorization token")
	// ErrInvalidToken is returned when the JWT is malformed or signature is invalid.
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("session: token expired")
	// ErrNotRefreshToken is returned when an access token is presented for refresh.
	ErrNotRefreshToken = errors.New("session: not a refresh token")
	// ErrNoSecret is returned when tokens are requested without a signing secret.
	ErrNoSecret = errors.New("session: no signing secret configured")
	// ErrUnknownRole is returned when a token is requested for an unrecognized role.
	ErrUnknownRole = errors.New("session: unknown role")
	// ErrInsufficientRole is returned when the token's role lacks permission.
	ErrInsufficientRole = errors.New("session: insufficient role")
)

type contextKey string

const claimsKey contextKey = "session_claims"

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// Claims is the authenticated identity attached to a request.
type Claims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Verified  bool   `json:"verified"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Context converts claims into the execution context commands are
// evaluated under. A bearer of a valid access token is authenticated;
// session verification carries over from issue time.
func (c *Claims) Context() types.ExecutionContext {
	return types.ExecutionContext{
		UserID:          c.UserID,
		SessionID:       c.SessionID,
		Role:            types.Role(strings.ToLower(c.Role)),
		Authenticated:   true,
		SessionVerified: c.Verified,
	}
}

// jwtClaims wraps Claims for jwt-go compatibility.
type jwtClaims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Verified  bool   `json:"verified"`
	TokenUse  string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenPair is the OAuth2-style response returned by the token endpoint.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Manager signs and validates session tokens.
type Manager struct {
	secret     []byte
	tokenTTL   time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a token manager. A nil or empty secret enables
// dev mode: nothing can be issued and the middleware passes requests
// through unauthenticated.
func NewManager(secret []byte, tokenTTL, refreshTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 72 * time.Hour
	}
	return &Manager{
		secret:     secret,
		tokenTTL:   tokenTTL,
		refreshTTL: refreshTTL,
		logger:     logger.With("component", "session"),
		now:        time.Now,
	}
}

// DevMode reports whether token authentication is disabled.
func (m *Manager) DevMode() bool {
	return len(m.secret) == 0
}

// Issue creates a token pair bound to a fresh session. verified marks
// the session as identity-checked; unverified sessions are still
// authenticated but cannot run sensitive commands.
func (m *Manager) Issue(userID string, role types.Role, verified bool) (*TokenPair, error) {
	if m.DevMode() {
		return nil, ErrNoSecret
	}
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	sessionID := uuid.New().String()
	pair, err := m.pair(userID, sessionID, string(role), verified)
	if err != nil {
		return nil, err
	}

	m.logger.Info("session issued",
		"user", userID,
		"role", role,
		"session", sessionID,
		"verified", verified,
	)
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair on the same session.
func (m *Manager) Refresh(refreshToken string) (*TokenPair, error) {
	if m.DevMode() {
		return nil, ErrNoSecret
	}

	jc, err := m.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if jc.TokenUse != useRefresh {
		return nil, ErrNotRefreshToken
	}

	return m.pair(jc.UserID, jc.SessionID, jc.Role, jc.Verified)
}

// Validate checks an access token and returns its claims. Refresh
// tokens are rejected here so a leaked refresh token cannot be used
// to call the API directly.
func (m *Manager) Validate(tokenStr string) (*Claims, error) {
	jc, err := m.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if jc.TokenUse != useAccess {
		return nil, ErrInvalidToken
	}

	return &Claims{
		UserID:    jc.UserID,
		SessionID: jc.SessionID,
		Role:      jc.Role,
		Verified:  jc.Verified,
		IssuedAt:  jc.IssuedAt.Unix(),
		ExpiresAt: jc.ExpiresAt.Unix(),
	}, nil
}

func (m *Manager) pair(userID, sessionID, role string, verified bool) (*TokenPair, error) {
	access, err := m.sign(userID, sessionID, role, verified, useAccess, m.tokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.sign(userID, sessionID, role, verified, useRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.tokenTTL.Seconds()),
	}, nil
}

func (m *Manager) sign(userID, sessionID, role string, verified bool, use string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := jwtClaims{
		UserID:    userID,
		SessionID: sessionID,
		Role:      role,
		Verified:  verified,
		TokenUse:  use,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) parse(tokenStr string) (*jwtClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return jc, nil
}

// GetClaims extracts validated claims from the request context.
func GetClaims(r *http.Request) (*Claims, error) {
	claims, ok := r.Context().Value(claimsKey).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// Secret returns the signing secret from the environment, or nil (dev mode).
func Secret() []byte {
	s := os.Getenv("CMDGATE_JWT_SECRET")
	if s == "" {
		return nil
	}
	return []byte(s)
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// In dev mode all requests pass through unauthenticated.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.DevMode() {
				m.logger.Warn("token authentication disabled (dev mode): CMDGATE_JWT_SECRET not set")
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, `{"error":"missing authorization token"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := m.Validate(parts[1])
			if err != nil {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that checks the token role against
// allowed roles. Requests without claims pass through; that only
// happens in dev mode, where the auth middleware admits everything.
func RequireRole(roles ...types.Role) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[string(r)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !roleSet[strings.ToLower(claims.Role)] {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, ErrInsufficientRole.Error()), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
