// Package agentrt defines the contract between the turn processor and an
// agent runtime: what goes in, the raw events that come out, and the typed
// view the processor dispatches on.
package agentrt

import (
	"context"
	"iter"

	"github.com/flitsinc/go-convo/internal/sessions"
)

// Request starts one turn.
type Request struct {
	UserID         string
	ConversationID string
	Session        sessions.Session
	Input          string
}

// Runtime produces the ordered event stream of a turn. The sequence ends
// when the runtime is done, when ctx is cancelled, or when the consumer stops
// ranging. A non-nil error ends the stream.
type Runtime interface {
	OpenStream(ctx context.Context, req Request) iter.Seq2[RawEvent, error]
}

// Forgetter is implemented by runtimes that keep per-session state of
// their own, such as a cached transcript.
type Forgetter interface {
	Forget(key sessions.Key)
}

// RawEvent is one unit emitted by a runtime. Several fields may be set at
// once; Classify decides which one wins.
type RawEvent struct {
	Author string `json:"author"`

	Partial bool   `json:"partial,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`

	DelegateTarget string       `json:"delegate_target,omitempty"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult carries a tool's raw response. Name is empty when the runtime
// could not attribute the result to a tool.
type ToolResult struct {
	Name     string `json:"name,omitempty"`
	Response any    `json:"response"`
}

// Func adapts a function to Runtime.
type Func func(ctx context.Context, req Request) iter.Seq2[RawEvent, error]

func (f Func) OpenStream(ctx context.Context, req Request) iter.Seq2[RawEvent, error] {
	return f(ctx, req)
}
