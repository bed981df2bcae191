package api

import (
	"errors"
	"net/http"
	"net/url"

	"sofia/internal/chat"
	"sofia/internal/queue"
	"sofia/internal/storage"
)

type userInfo struct {
	Name          string           `json:"name,omitempty"`
	Email         string           `json:"email,omitempty"`
	IsAdmin       bool             `json:"isAdmin"`
	IsPremium     bool             `json:"isPremium"`
	UsageCounts   chat.UsageCounts `json:"usageCounts"`
	UsageLimits   chat.UsageLimits `json:"usageLimits"`
	EmailVerified bool             `json:"emailVerified"`
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	counts, err := s.usage.Counts(r.Context(), user.ID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("read usage failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not read usage")
		return
	}
	writeJSON(w, http.StatusOK, userInfo{
		Name:          user.Name,
		Email:         user.Email,
		IsAdmin:       s.isAdmin(user),
		IsPremium:     user.IsPremium,
		UsageCounts:   counts,
		UsageLimits:   s.cfg.Limits,
		EmailVerified: user.EmailVerified,
	})
}

func (s *Server) handleUpdateUsage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	kind := queue.UsageKind(req.Type)
	if !kind.Valid() {
		writeErrorString(w, http.StatusBadRequest, "type must be message or web_search")
		return
	}

	user := userFrom(r.Context())
	now := s.now()
	if _, err := s.usage.Increment(r.Context(), user.ID, kind, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("update usage failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not update usage")
		return
	}
	counts, err := s.usage.Counts(r.Context(), user.ID, now)
	if err != nil {
		writeErrorString(w, http.StatusInternalServerError, "Could not read usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usageCounts": counts})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.store.DeleteUser(r.Context(), user.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("delete account failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not delete account")
		return
	}
	if _, err := s.cfg.Sessions.RevokeAll(r.Context(), user.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("revoke sessions after delete failed")
	}
	if err := s.usage.Reset(r.Context(), user.ID, s.now()); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("reset usage after delete failed")
	}
	s.audit(r.Context(), user.ID, "delete_account")
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Account deleted"})
}

func (s *Server) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if user.EmailVerified {
		writeErrorString(w, http.StatusBadRequest, "Email is already verified")
		return
	}
	if s.cfg.Jobs == nil {
		writeErrorString(w, http.StatusServiceUnavailable, "Email delivery is not configured")
		return
	}

	first, err := s.cfg.Dedupe.MarkIfFirst(r.Context(), "verify:"+user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("verification dedupe failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not send verification email")
		return
	}
	if !first {
		writeErrorString(w, http.StatusTooManyRequests, "A verification email was sent recently. Please wait a minute.")
		return
	}

	token, err := s.cfg.Verify.Issue(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("issue verification token failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not send verification email")
		return
	}
	link := s.cfg.PublicURL + "/verify_email?token=" + url.QueryEscape(token)
	if _, err := s.cfg.Jobs.Enqueue(r.Context(), queue.Job{
		Type:   queue.JobVerificationEmail,
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Link:   link,
	}); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("enqueue verification email failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not send verification email")
		return
	}
	s.metrics.EnqueuedJobs.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Verification email sent"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, err := s.cfg.Verify.Consume(r.Context(), r.URL.Query().Get("token"))
	if errors.Is(err, queue.ErrTokenNotFound) {
		writeErrorString(w, http.StatusBadRequest, "Verification link is invalid or expired")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("consume verification token failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not verify email")
		return
	}
	if err := s.store.SetEmailVerified(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorString(w, http.StatusBadRequest, "Verification link is invalid or expired")
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("set email verified failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not verify email")
		return
	}
	s.audit(r.Context(), userID, "email_verified")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}
