package agentrt

// Event is the classified form of a RawEvent. Exactly one concrete type is
// produced per raw event.
type Event interface {
	EventKind() string
	EventAuthor() string
}

type PartialText struct {
	Author string
	Text   string
}

type Delegation struct {
	Author string
	Target string
}

type ToolCallRequest struct {
	Author string
	Calls  []ToolCall
}

type ToolResults struct {
	Author  string
	Results []ToolResult
}

// Final ends the turn. Text is trailing text carried by the terminal event.
type Final struct {
	Author string
	Text   string
}

type Failure struct {
	Author  string
	Code    string
	Message string
}

// Unknown is a runtime event none of the other kinds matched.
type Unknown struct {
	Author string
}

func (PartialText) EventKind() string     { return "partial_text" }
func (Delegation) EventKind() string      { return "delegation" }
func (ToolCallRequest) EventKind() string { return "tool_call" }
func (ToolResults) EventKind() string     { return "tool_result" }
func (Final) EventKind() string           { return "final" }
func (Failure) EventKind() string         { return "error" }
func (Unknown) EventKind() string         { return "unknown" }

func (e PartialText) EventAuthor() string     { return e.Author }
func (e Delegation) EventAuthor() string      { return e.Author }
func (e ToolCallRequest) EventAuthor() string { return e.Author }
func (e ToolResults) EventAuthor() string     { return e.Author }
func (e Final) EventAuthor() string           { return e.Author }
func (e Failure) EventAuthor() string         { return e.Author }
func (e Unknown) EventAuthor() string         { return e.Author }

// Classify decodes a raw event by first-match precedence: partial text,
// delegation, tool call request, tool results, final, error.
func Classify(raw RawEvent) Event {
	switch {
	case raw.Partial && raw.Text != "":
		return PartialText{Author: raw.Author, Text: raw.Text}
	case raw.DelegateTarget != "":
		return Delegation{Author: raw.Author, Target: raw.DelegateTarget}
	case len(raw.ToolCalls) > 0:
		return ToolCallRequest{Author: raw.Author, Calls: raw.ToolCalls}
	case len(raw.ToolResults) > 0:
		return ToolResults{Author: raw.Author, Results: raw.ToolResults}
	case raw.Final:
		return Final{Author: raw.Author, Text: raw.Text}
	case raw.ErrorCode != "" || raw.ErrorMessage != "":
		return Failure{Author: raw.Author, Code: raw.ErrorCode, Message: raw.ErrorMessage}
	default:
		return Unknown{Author: raw.Author}
	}
}
