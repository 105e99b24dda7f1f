package engine

import (
	"context"

	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
)

// UnknownToolKind is the context kind used when a runtime reports a result
// without naming the tool that produced it.
const UnknownToolKind = "unknown"

// captureToolResults stores each result as a context item and folds it into
// the live session state. Failures are logged and counted, never returned.
func (p *Processor) captureToolResults(ctx context.Context, ts *turnState, ev agentrt.ToolResults) {
	source := ev.Author
	if source == "" {
		source = UnknownToolKind
	}
	for _, res := range ev.Results {
		kind := res.Name
		if kind == "" {
			kind = UnknownToolKind
			ts.log.Warn().Str("source", source).Msg("tool result without tool name stored under unknown kind")
		}
		data, ok := p.safeNormalize(ts, res.Response)
		if !ok {
			p.countCapture("failed")
			continue
		}
		if _, err := p.contexts.AppendContext(ctx, ts.conversationID, source, kind, data); err != nil {
			ts.log.Warn().Err(err).
				Str("source", source).
				Str("kind", kind).
				Msg("capture tool result failed")
			p.countCapture("failed")
			continue
		}
		p.countCapture("stored")

		key := sessions.Key{UserID: ts.userID, ConversationID: ts.conversationID}
		_, err := p.sessions.Mutate(ctx, key, func(st map[string]any) {
			bySource, _ := st[schema.StateContext].(map[string]any)
			if bySource == nil {
				bySource = map[string]any{}
				st[schema.StateContext] = bySource
			}
			kinds, _ := bySource[source].(map[string]any)
			if kinds == nil {
				kinds = map[string]any{}
				bySource[source] = kinds
			}
			kinds[kind] = data
		})
		if err != nil {
			ts.log.Debug().Err(err).Msg("session state not updated with capture")
		}
	}
}

func (p *Processor) safeNormalize(ts *turnState, raw any) (data map[string]any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ts.log.Warn().Interface("panic", r).Msg("normalize tool result panicked")
			data, ok = nil, false
		}
	}()
	return agentrt.NormalizeToolResult(raw), true
}

func (p *Processor) countCapture(status string) {
	p.metrics.Captures.WithLabelValues(status).Inc()
}
