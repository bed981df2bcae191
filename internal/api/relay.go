package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"sofia/internal/chat"
	"sofia/internal/providers"
	"sofia/internal/queue"
)

const (
	MsgServiceUnavailable = "The AI service is currently unavailable. Please try again later."
	MsgProviderQuota      = "Sorry, the daily limit for the AI service has been reached. Please try again tomorrow."
	MsgEmptySubmission    = "Please ask a question or upload a file."

	msgMessageLimit = "You have reached your monthly message limit. Upgrade to continue."
	msgSearchLimit  = "You have reached your daily web search limit. Upgrade to continue."
)

type usageGate struct {
	kind  queue.UsageKind
	limit int64
	msg   string
}

type relayRequest struct {
	Text        string    `json:"text"`
	FileData    string    `json:"fileData,omitempty"`
	FileType    string    `json:"fileType,omitempty"`
	IsTemporary bool      `json:"isTemporary"`
	Mode        chat.Mode `json:"mode"`
}

type relayResponse struct {
	Response string            `json:"response"`
	Usage    *chat.UsageCounts `json:"usage,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.FileData, req.FileType = splitDataURL(req.FileData, req.FileType)
	if strings.TrimSpace(req.Text) == "" && req.FileData == "" {
		writeErrorString(w, http.StatusBadRequest, MsgEmptySubmission)
		return
	}
	if !req.Mode.Valid() {
		writeErrorString(w, http.StatusBadRequest, "unknown mode")
		return
	}

	ctx := r.Context()
	user := userFrom(ctx)
	now := s.now()
	search := req.Mode == chat.ModeWebSearch

	metered := !s.planFor(user).Unmetered()
	// units taken before the provider call; given back if the turn fails
	var reserved []queue.UsageKind
	release := func() {
		for _, kind := range reserved {
			if err := s.usage.Release(context.WithoutCancel(ctx), user.ID, kind, now); err != nil {
				s.logger.Error().Err(err).Str("user_id", user.ID).Str("kind", string(kind)).Msg("release usage failed")
			}
		}
	}

	if metered {
		gates := []usageGate{{queue.UsageMessage, s.cfg.Limits.Messages, msgMessageLimit}}
		if search {
			gates = append(gates, usageGate{queue.UsageWebSearch, s.cfg.Limits.WebSearches, msgSearchLimit})
		}
		for _, g := range gates {
			allowed, _, _, err := s.usage.Reserve(ctx, user.ID, g.kind, g.limit, now)
			if err != nil {
				release()
				s.logger.Error().Err(err).Str("user_id", user.ID).Msg("usage check failed")
				writeErrorString(w, http.StatusInternalServerError, "Could not check usage")
				return
			}
			if !allowed {
				release()
				s.metrics.UsageRejections.WithLabelValues(string(g.kind)).Inc()
				writeErrorString(w, http.StatusTooManyRequests, g.msg)
				return
			}
			reserved = append(reserved, g.kind)
		}
	}

	s.metrics.RelayRequests.Inc()
	resp, err := s.cfg.Provider.Chat(ctx, providers.ChatRequest{
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		UserPrompt:   req.Text,
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
		FileData:     req.FileData,
		FileType:     req.FileType,
		WebSearch:    search,
	})
	if err != nil {
		s.metrics.RelayFailures.Inc()
		release()
		s.logger.Error().Err(err).Str("user_id", user.ID).Str("mode", string(req.Mode)).Msg("provider chat failed")
		msg := MsgServiceUnavailable
		if providers.IsQuota(err) {
			msg = MsgProviderQuota
		}
		writeErrorString(w, http.StatusBadGateway, msg)
		return
	}

	if !metered {
		// unmetered plans are never gated but still counted
		s.countUnmetered(ctx, user.ID, search, now)
	}
	out := relayResponse{}
	if counts, err := s.usage.Counts(ctx, user.ID, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("read usage failed")
	} else {
		out.Usage = &counts
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		text = "Sorry, I couldn't get a response."
	}
	s.logger.Debug().Str("user_id", user.ID).Bool("temporary", req.IsTemporary).Str("mode", string(req.Mode)).Msg("relayed chat turn")
	out.Response = text
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) countUnmetered(ctx context.Context, userID string, search bool, now time.Time) {
	kinds := []queue.UsageKind{queue.UsageMessage}
	if search {
		kinds = append(kinds, queue.UsageWebSearch)
	}
	for _, kind := range kinds {
		if _, err := s.usage.Increment(ctx, userID, kind, now); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Str("kind", string(kind)).Msg("count usage failed")
		}
	}
}

// splitDataURL accepts either raw base64 or a browser data URL and returns
// the bare payload plus its media type.
func splitDataURL(data, fileType string) (string, string) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "data:") {
		return data, fileType
	}
	header, payload, ok := strings.Cut(data, ",")
	if !ok {
		return "", fileType
	}
	if fileType == "" {
		mediaType := strings.TrimPrefix(header, "data:")
		mediaType, _, _ = strings.Cut(mediaType, ";")
		fileType = mediaType
	}
	return payload, fileType
}
