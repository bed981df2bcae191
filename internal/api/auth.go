package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"sofia/internal/queue"
	"sofia/internal/storage"
)

type ctxKey int

const userKey ctxKey = iota

func userFrom(ctx context.Context) storage.User {
	u, _ := ctx.Value(userKey).(storage.User)
	return u
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.cfg.Sessions.Resolve(r.Context(), requestToken(r))
		if err != nil {
			if !errors.Is(err, queue.ErrTokenNotFound) {
				s.logger.Error().Err(err).Msg("resolve session failed")
			}
			writeErrorString(w, http.StatusUnauthorized, "Not logged in")
			return
		}
		user, err := s.store.GetUserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeErrorString(w, http.StatusUnauthorized, "Not logged in")
				return
			}
			writeErrorString(w, http.StatusInternalServerError, "Could not load account")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.Sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = storage.NormalizeEmail(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") || req.Password == "" {
		writeErrorString(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		s.logger.Error().Err(err).Msg("hash password failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not create account")
		return
	}
	user, err := s.store.CreateUser(r.Context(), storage.User{
		Name:         strings.TrimSpace(req.Name),
		Email:        req.Email,
		PasswordHash: string(hash),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		writeErrorString(w, http.StatusBadRequest, "Email already exists")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("create user failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not create account")
		return
	}
	s.audit(r.Context(), user.ID, "signup")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User created successfully"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Msg("load user failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not log in")
		return
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid email or password")
		return
	}

	token, err := s.cfg.Sessions.Create(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("create session failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not log in")
		return
	}
	s.setSessionCookie(w, token)
	s.audit(r.Context(), user.ID, "login")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Login successful", "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Revoke(r.Context(), requestToken(r)); err != nil {
		s.logger.Error().Err(err).Msg("revoke session failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not log out")
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	n, err := s.cfg.Sessions.RevokeAll(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("revoke all sessions failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not log out")
		return
	}
	s.clearSessionCookie(w)
	s.audit(r.Context(), user.ID, "logout_all")
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out from all devices", "revoked": n})
}

func (s *Server) audit(ctx context.Context, userID, action string) {
	if err := s.store.LogAction(ctx, storage.AuditEntry{UserID: userID, Action: action}); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}
