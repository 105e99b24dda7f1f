package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

// BuildInitialState folds context items into state["context"][source][kind].
// Items are applied in created_at order so the latest item for a
// (source, kind) pair wins.
func BuildInitialState(items []state.ContextItem, userID, conversationID string) map[string]any {
	ordered := make([]state.ContextItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	bySource := map[string]any{}
	for _, item := range ordered {
		kinds, ok := bySource[item.Source].(map[string]any)
		if !ok {
			kinds = map[string]any{}
			bySource[item.Source] = kinds
		}
		kinds[item.Kind] = item.Data
	}

	return map[string]any{
		schema.StateContext:             bySource,
		schema.StateInvocationUserID:    userID,
		schema.StateInvocationSessionID: conversationID,
	}
}

// Bootstrap returns the runtime session for key, creating it from the
// conversation's context items when it does not exist yet. An existing
// session is returned untouched.
func (p *Processor) Bootstrap(ctx context.Context, key sessions.Key) (sessions.Session, error) {
	sess, ok, err := p.sessions.Get(ctx, key)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("get session: %w", err)
	}
	if ok {
		return sess, nil
	}

	items, err := p.contexts.ListContext(ctx, key.ConversationID)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("load context: %w", err)
	}

	sess, created, err := p.sessions.Create(ctx, key, BuildInitialState(items, key.UserID, key.ConversationID))
	if err != nil {
		return sessions.Session{}, fmt.Errorf("create session: %w", err)
	}
	p.log.Debug().
		Str("conversation_id", key.ConversationID).
		Str("user_id", key.UserID).
		Int("context_items", len(items)).
		Bool("created", created).
		Msg("session bootstrapped")
	return sess, nil
}

// ResetSession drops the runtime session of key. The next turn bootstraps a
// fresh one from the conversation's context items and persisted history.
// Callers must not reset a session while one of its turns is running.
func (p *Processor) ResetSession(ctx context.Context, conversationID, userID string) error {
	key := sessions.Key{UserID: userID, ConversationID: conversationID}
	if !key.Valid() {
		return errors.New("conversation and user are required")
	}
	if err := p.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if f, ok := p.runtime.(agentrt.Forgetter); ok {
		f.Forget(key)
	}
	p.log.Info().
		Str("conversation_id", conversationID).
		Str("user_id", userID).
		Msg("session reset")
	return nil
}
