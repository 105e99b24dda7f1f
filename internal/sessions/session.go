package sessions

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Key identifies a runtime session. One session exists per user per conversation.
type Key struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

func (k Key) String() string {
	return k.UserID + "/" + k.ConversationID
}

func (k Key) Valid() bool {
	return k.UserID != "" && k.ConversationID != ""
}

type Session struct {
	Key       Key            `json:"key"`
	State     map[string]any `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store holds runtime sessions.
//
// Create is create-if-absent: when a session already exists for the key it
// is returned unchanged with created=false, so concurrent bootstraps cannot
// overwrite each other.
type Store interface {
	Get(ctx context.Context, key Key) (Session, bool, error)
	Create(ctx context.Context, key Key, state map[string]any) (Session, bool, error)
	// Mutate applies fn to the session state atomically with respect to other
	// Mutate calls on the same key.
	Mutate(ctx context.Context, key Key, fn func(state map[string]any)) (Session, error)
	Delete(ctx context.Context, key Key) error
}

// cloneState deep-copies a JSON-shaped state map.
func cloneState(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
