package eventbus

import (
	"time"

	"github.com/flitsinc/go-convo/internal/schema"
)

// Notification is one event delivered to the listeners of a conversation.
type Notification struct {
	ID             string                  `json:"id,omitempty"`
	ConversationID string                  `json:"conversation_id"`
	Type           schema.NotificationType `json:"type"`
	MessageID      string                  `json:"message_id,omitempty"`
	Content        string                  `json:"content,omitempty"`
	ToolName       string                  `json:"tool_name,omitempty"`
	Kind           schema.MessageKind      `json:"kind,omitempty"`
	Sender         schema.Sender           `json:"sender,omitempty"`

	// Interrupted is set on a stream_end that an error notification follows.
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Frame is the wire envelope written to sockets.
type Frame struct {
	Type    schema.NotificationType `json:"type"`
	Payload Notification            `json:"payload"`
}

func (n Notification) Frame() Frame {
	return Frame{Type: n.Type, Payload: n}
}

type ListOptions struct {
	// SinceID excludes notifications up to and including this id.
	SinceID string
	Limit   int
}
