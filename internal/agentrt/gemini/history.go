package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/state"
)

// HistorySource supplies the persisted transcript of a conversation in
// chronological order.
type HistorySource interface {
	ListRecent(ctx context.Context, conversationID string, limit int) ([]state.Message, error)
}

// historyContents converts persisted messages into model contents. The
// transcript starts at the first user message; actions and errors are not
// part of the model's view. A trailing user message equal to input is
// dropped since input is appended separately for the current turn.
func historyContents(msgs []state.Message, input string) []*genai.Content {
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Sender == schema.SenderUser && last.Content == input {
			msgs = msgs[:n-1]
		}
	}

	start := -1
	for i, m := range msgs {
		if m.Sender == schema.SenderUser {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	var out []*genai.Content
	for _, m := range msgs[start:] {
		if m.Kind != schema.KindText || m.Content == "" {
			continue
		}
		role := genai.RoleModel
		if m.Sender == schema.SenderUser {
			role = genai.RoleUser
		}
		part := &genai.Part{Text: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part)
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}
	return out
}

// trimTranscript keeps at most limit contents and never starts on a model
// turn or a function response.
func trimTranscript(contents []*genai.Content, limit int) []*genai.Content {
	if limit <= 0 || len(contents) <= limit {
		return contents
	}
	contents = contents[len(contents)-limit:]
	for i, c := range contents {
		if c.Role == genai.RoleUser && !hasFunctionResponse(c) {
			return contents[i:]
		}
	}
	return nil
}

func hasFunctionResponse(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p != nil && p.FunctionResponse != nil {
			return true
		}
	}
	return false
}
