package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sofia/internal/chat"
	"sofia/internal/storage"
)

type chatPayload struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Messages []chat.Turn `json:"messages"`
}

func toPayload(c storage.Chat) (chatPayload, error) {
	out := chatPayload{ID: c.ID, Title: c.Title, Messages: []chat.Turn{}}
	if err := json.Unmarshal([]byte(c.MessagesJSON), &out.Messages); err != nil {
		return chatPayload{}, err
	}
	return out, nil
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	chats, err := s.store.ListChats(r.Context(), user.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("list chats failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not load chats")
		return
	}
	out := make([]chatPayload, 0, len(chats))
	for _, c := range chats {
		p, err := toPayload(c)
		if err != nil {
			s.logger.Warn().Err(err).Str("chat_id", c.ID).Msg("skipping chat with unreadable messages")
			continue
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	c, err := s.store.GetChat(r.Context(), user.ID, chi.URLParam(r, "chatID"))
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorString(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get chat failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not load chat")
		return
	}
	p, err := toPayload(c)
	if err != nil {
		writeErrorString(w, http.StatusInternalServerError, "Could not load chat")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSaveChat(w http.ResponseWriter, r *http.Request) {
	var req chatPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Messages == nil {
		req.Messages = []chat.Turn{}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = chat.Title(req.Messages)
	}
	raw, err := json.Marshal(req.Messages)
	if err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid messages")
		return
	}

	user := userFrom(r.Context())
	created := strings.TrimSpace(req.ID) == ""
	saved, err := s.store.UpsertChat(r.Context(), storage.Chat{
		ID:           strings.TrimSpace(req.ID),
		UserID:       user.ID,
		Title:        title,
		MessagesJSON: string(raw),
	})
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorString(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("save chat failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not save chat")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"id": saved.ID, "title": saved.Title})
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeErrorString(w, http.StatusBadRequest, "title is required")
		return
	}

	user := userFrom(r.Context())
	id := chi.URLParam(r, "chatID")
	err := s.store.RenameChat(r.Context(), user.ID, id, title)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorString(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", id).Msg("rename chat failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not rename chat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "title": title})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	id := chi.URLParam(r, "chatID")
	err := s.store.DeleteChat(r.Context(), user.ID, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorString(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("chat_id", id).Msg("delete chat failed")
		writeErrorString(w, http.StatusInternalServerError, "Could not delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
