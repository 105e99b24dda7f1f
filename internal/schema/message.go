package schema

import (
	"fmt"
	"strings"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// ParseSender validates a raw sender string.
func ParseSender(raw string) (Sender, error) {
	switch Sender(strings.ToLower(strings.TrimSpace(raw))) {
	case SenderUser:
		return SenderUser, nil
	case SenderAgent:
		return SenderAgent, nil
	default:
		return "", fmt.Errorf("unknown sender %q", raw)
	}
}

// MessageKind classifies a message in a conversation transcript.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindThinking MessageKind = "thinking"
	KindToolUse  MessageKind = "tool_use"
	KindError    MessageKind = "error"
	KindAction   MessageKind = "action"
)

// ParseMessageKind validates a raw kind. Defaults to KindText when empty.
func ParseMessageKind(raw string) (MessageKind, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return KindText, nil
	}
	switch MessageKind(trimmed) {
	case KindText, KindThinking, KindToolUse, KindError, KindAction:
		return MessageKind(trimmed), nil
	default:
		return "", fmt.Errorf("unknown message kind %q", raw)
	}
}

// Persistent reports whether messages of this kind are written to the
// message store. Thinking indicators only ever travel over the wire.
func (k MessageKind) Persistent() bool {
	return k != KindThinking
}
