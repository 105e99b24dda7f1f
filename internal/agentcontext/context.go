package agentcontext

import "context"

type contextKey string

const invocationKey contextKey = "invocation"

// Invocation identifies the turn a tool is being called for.
type Invocation struct {
	UserID         string
	ConversationID string
	Agent          string
}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	if inv == (Invocation{}) {
		return ctx
	}
	return context.WithValue(ctx, invocationKey, inv)
}

func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	if ctx == nil {
		return Invocation{}, false
	}
	inv, ok := ctx.Value(invocationKey).(Invocation)
	return inv, ok
}

// ConversationIDFromContext returns "" outside a turn.
func ConversationIDFromContext(ctx context.Context) string {
	inv, _ := InvocationFromContext(ctx)
	return inv.ConversationID
}
