// Package chat owns conversations and the user side of the transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/engine"
	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/idgen"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/state"
)

const (
	MaxMessageLength = 16000
	ThinkingText     = "Thinking..."
	defaultPageSize  = 50
	maxPageSize      = 200
)

var (
	ErrForbidden     = errors.New("conversation belongs to another user")
	ErrEmptyMessage  = errors.New("message content is required")
	ErrMessageLength = fmt.Errorf("message content exceeds %d characters", MaxMessageLength)
)

type Store interface {
	CreateConversation(ctx context.Context, ownerID, name string) (state.Conversation, error)
	GetConversation(ctx context.Context, id string) (state.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, before time.Time, limit int) ([]state.Conversation, error)
	CreateMessage(ctx context.Context, in state.NewMessage) (state.Message, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]state.Message, error)
	ListContext(ctx context.Context, conversationID string) ([]state.ContextItem, error)
}

type Service struct {
	store    Store
	notifier engine.Notifier
	log      zerolog.Logger
}

func NewService(store Store, notifier engine.Notifier, log zerolog.Logger) *Service {
	return &Service{store: store, notifier: notifier, log: log}
}

func (s *Service) CreateConversation(ctx context.Context, userID, name string) (state.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, userID, strings.TrimSpace(name))
	if err != nil {
		return state.Conversation{}, err
	}
	s.log.Info().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("conversation created")
	return conv, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, before time.Time, limit int) ([]state.Conversation, error) {
	return s.store.ListConversations(ctx, userID, before, clampLimit(limit))
}

// GetConversation returns state.ErrNotFound for unknown ids and
// ErrForbidden when the conversation belongs to someone else.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (state.Conversation, error) {
	if !idgen.Valid(conversationID) {
		return state.Conversation{}, fmt.Errorf("conversation %q: %w", conversationID, state.ErrNotFound)
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return state.Conversation{}, err
	}
	if conv.OwnerID != userID {
		return state.Conversation{}, ErrForbidden
	}
	return conv, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]state.Message, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, before, clampLimit(limit))
}

func (s *Service) ListContext(ctx context.Context, userID, conversationID string) ([]state.ContextItem, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListContext(ctx, conversationID)
}

// ValidateContent trims content and enforces the message limits.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", ErrMessageLength
	}
	return content, nil
}

// AddUserMessage persists a user message and announces it to listeners.
func (s *Service) AddUserMessage(ctx context.Context, userID, conversationID, content string) (state.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return state.Message{}, err
	}
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return state.Message{}, err
	}
	msg, err := s.store.CreateMessage(ctx, state.NewMessage{
		ConversationID: conversationID,
		Sender:         schema.SenderUser,
		Kind:           schema.KindText,
		Content:        content,
	})
	if err != nil {
		return state.Message{}, err
	}
	s.notifier.Broadcast(ctx, conversationID, eventbus.Notification{
		Type:      schema.NotifyMessage,
		MessageID: msg.ID,
		Content:   msg.Content,
		Kind:      msg.Kind,
		Sender:    msg.Sender,
		CreatedAt: msg.CreatedAt,
	})
	return msg, nil
}

// SendThinking broadcasts the transient thinking indicator. Nothing is
// persisted.
func (s *Service) SendThinking(ctx context.Context, conversationID string) {
	s.notifier.Broadcast(ctx, conversationID, eventbus.Notification{
		Type:      schema.NotifyThinking,
		Content:   ThinkingText,
		Kind:      schema.KindThinking,
		Sender:    schema.SenderAgent,
		CreatedAt: time.Now().UTC(),
	})
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
