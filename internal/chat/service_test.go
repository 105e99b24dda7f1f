package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/state"
	"github.com/flitsinc/go-convo/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	sent []eventbus.Notification
}

func (r *recorder) Broadcast(_ context.Context, conversationID string, n eventbus.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ConversationID = conversationID
	r.sent = append(r.sent, n)
}

func newService(t *testing.T) (*Service, *recorder, *state.Store) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	store := state.NewStore(db)
	rec := &recorder{}
	return NewService(store, rec, zerolog.Nop()), rec, store
}

func TestAddUserMessagePersistsAndBroadcasts(t *testing.T) {
	svc, rec, store := newService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "user-1", "  Bookings  ")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Name != "Bookings" {
		t.Fatalf("name = %q", conv.Name)
	}

	msg, err := svc.AddUserMessage(ctx, "user-1", conv.ID, "  where is booking 98765?  ")
	if err != nil {
		t.Fatalf("AddUserMessage: %v", err)
	}
	if msg.Content != "where is booking 98765?" || msg.Sender != schema.SenderUser {
		t.Fatalf("unexpected message: %+v", msg)
	}

	stored, err := store.ListRecent(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != msg.ID {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}
	if len(rec.sent) != 1 || rec.sent[0].Type != schema.NotifyMessage || rec.sent[0].MessageID != msg.ID {
		t.Fatalf("unexpected notifications: %+v", rec.sent)
	}
}

func TestAddUserMessageValidation(t *testing.T) {
	svc, rec, _ := newService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := svc.AddUserMessage(ctx, "user-1", conv.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.AddUserMessage(ctx, "user-1", conv.ID, strings.Repeat("x", MaxMessageLength+1)); !errors.Is(err, ErrMessageLength) {
		t.Fatalf("expected ErrMessageLength, got %v", err)
	}
	if _, err := svc.AddUserMessage(ctx, "user-2", conv.ID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.AddUserMessage(ctx, "user-1", "missing", "hi"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(rec.sent) != 0 {
		t.Fatalf("unexpected notifications: %+v", rec.sent)
	}
}

func TestSendThinkingIsNotPersisted(t *testing.T) {
	svc, rec, store := newService(t)
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	svc.SendThinking(ctx, conv.ID)

	if len(rec.sent) != 1 || rec.sent[0].Type != schema.NotifyThinking || rec.sent[0].Content != ThinkingText {
		t.Fatalf("unexpected notifications: %+v", rec.sent)
	}
	msgs, err := store.ListRecent(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("thinking indicator was persisted: %+v", msgs)
	}
}

func TestConversationsAreScopedToOwner(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	mine, err := svc.CreateConversation(ctx, "user-1", "mine")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := svc.CreateConversation(ctx, "user-2", "theirs"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	list, err := svc.ListConversations(ctx, "user-1", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 || list[0].ID != mine.ID {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, err := svc.GetConversation(ctx, "user-2", mine.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.ListContext(ctx, "user-2", mine.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	items, err := svc.ListContext(ctx, "user-1", mine.ID)
	if err != nil || len(items) != 0 {
		t.Fatalf("ListContext: %v %v", items, err)
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(0) != defaultPageSize || clampLimit(1000) != maxPageSize || clampLimit(7) != 7 {
		t.Fatal("unexpected clamp")
	}
}
