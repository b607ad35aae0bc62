package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"

	"github.com/financeanalyst/cmdgate/internal/session"
	"github.com/financeanalyst/cmdgate/internal/types"
)

// ErrBadCredentials is returned by credential checkers on any failed
// login. Handlers map it to 401 without detail.
var ErrBadCredentials = errors.New("api: invalid credentials")

// CredentialChecker verifies a password grant. Implementations return
// the role and session-verification flag to embed in the issued pair.
type CredentialChecker func(ctx context.Context, username, password string) (types.Role, bool, error)

type userEntry struct {
	PasswordHash string `toml:"passwordHash"`
	Role         string `toml:"role"`
	Verified     bool   `toml:"verified"`
}

type usersFile struct {
	Users map[string]userEntry `toml:"users"`
}

// FileCredentials builds a checker from a TOML user table of bcrypt
// password hashes:
//
//	[users.alice]
//	passwordHash = "$2a$10$..."
//	role = "admin"
//	verified = true
func FileCredentials(path string) (CredentialChecker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var f usersFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	users := make(map[string]userEntry, len(f.Users))
	for name, u := range f.Users {
		if !types.Role(strings.ToLower(u.Role)).IsValid() {
			return nil, fmt.Errorf("user %q has unknown role %q", name, u.Role)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("user %q has no password hash", name)
		}
		users[strings.ToLower(name)] = u
	}

	return func(ctx context.Context, username, password string) (types.Role, bool, error) {
		u, ok := users[strings.ToLower(username)]
		if !ok {
			return "", false, ErrBadCredentials
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return "", false, ErrBadCredentials
		}
		return types.Role(strings.ToLower(u.Role)), u.Verified, nil
	}, nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// handleToken issues token pairs. Supported grants: "password" backed
// by the credential checker, and "refresh_token".
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.GrantType {
	case "password":
		s.passwordGrant(w, r, req)
	case "refresh_token":
		s.refreshGrant(w, req.RefreshToken)
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported grant type %q", req.GrantType))
	}
}

// handleRefresh exchanges a refresh token for a fresh pair.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.refreshGrant(w, req.RefreshToken)
}

func (s *Server) passwordGrant(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	if req.Username == "" || req.Password == "" {
		s.respondError(w, http.StatusBadRequest, "username and password required")
		return
	}
	if s.creds == nil {
		s.logger.Warn("password grant rejected: no credential checker configured")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	role, verified, err := s.creds(r.Context(), req.Username, req.Password)
	if err != nil {
		s.logger.Info("login failed", "user", req.Username)
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := s.sessions.Issue(req.Username, role, verified)
	if err != nil {
		if errors.Is(err, session.ErrNoSecret) {
			s.respondError(w, http.StatusServiceUnavailable, "token issuing disabled (no secret)")
			return
		}
		s.logger.Error("token issue failed", "user", req.Username, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.respondJSON(w, pair)
}

func (s *Server) refreshGrant(w http.ResponseWriter, refreshToken string) {
	if refreshToken == "" {
		s.respondError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	pair, err := s.sessions.Refresh(refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNoSecret) {
			s.respondError(w, http.StatusServiceUnavailable, "token issuing disabled (no secret)")
			return
		}
		s.respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.respondJSON(w, pair)
}
