package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conv, err := s.chat.CreateConversation(r.Context(), userFrom(r.Context()), payload.Name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	before, err := parseBefore(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.chat.ListConversations(r.Context(), userFrom(r.Context()), before, parseInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []state.Conversation{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.chat.GetConversation(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	before, err := parseBefore(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.chat.ListMessages(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), before, parseInt(r.URL.Query().Get("limit"), 0))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []state.Message{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleListContext(w http.ResponseWriter, r *http.Request) {
	items, err := s.chat.ListContext(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []state.ContextItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleListNotifications replays the journal after ?since=, for clients
// that poll instead of holding a socket.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.chat.GetConversation(r.Context(), userFrom(r.Context()), conversationID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	items, err := s.feed.List(r.Context(), conversationID, eventbus.ListOptions{
		SinceID: strings.TrimSpace(r.URL.Query().Get("since")),
		Limit:   parseInt(r.URL.Query().Get("limit"), 0),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []eventbus.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := s.startTurn(r.Context(), s.base, userFrom(r.Context()), chi.URLParam(r, "id"), payload.Content)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// handleResetSession drops the runtime session so the next turn starts from
// the stored context. It is refused while a turn of the conversation runs.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	conversationID := chi.URLParam(r, "id")
	if _, err := s.chat.GetConversation(r.Context(), userID, conversationID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	release, err := s.locks.TryAcquire(sessions.Key{UserID: userID, ConversationID: conversationID})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer release()
	if err := s.resetter.ResetSession(r.Context(), conversationID, userID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
