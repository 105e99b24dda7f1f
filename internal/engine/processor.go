package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/idgen"
	"github.com/flitsinc/go-convo/internal/observability"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

const cleanupTimeout = 5 * time.Second

const (
	outcomeCompleted    = "completed"
	outcomeEmpty        = "empty"
	outcomeSilent       = "silent"
	outcomeRuntimeError = "runtime_error"
	outcomeInternal     = "internal_error"
	outcomeCancelled    = "cancelled"
)

type MessageStore interface {
	CreateMessage(ctx context.Context, in state.NewMessage) (state.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
}

type ContextStore interface {
	AppendContext(ctx context.Context, conversationID, source, kind string, data map[string]any) (state.ContextItem, error)
	ListContext(ctx context.Context, conversationID string) ([]state.ContextItem, error)
}

// Notifier delivers notifications to conversation listeners. It must not
// block on slow listeners.
type Notifier interface {
	Broadcast(ctx context.Context, conversationID string, n eventbus.Notification)
}

type Deps struct {
	Messages MessageStore
	Contexts ContextStore
	Notifier Notifier
	Runtime  agentrt.Runtime
	Sessions sessions.Store
}

// Processor drives turns: it bootstraps the runtime session, consumes the
// runtime's event stream and turns each event into transcript writes,
// context captures and notifications.
type Processor struct {
	messages MessageStore
	contexts ContextStore
	notifier Notifier
	runtime  agentrt.Runtime
	sessions sessions.Store

	silence SilencePolicy
	log     zerolog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

type Option func(*Processor)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

func WithSilencePolicy(policy SilencePolicy) Option {
	return func(p *Processor) { p.silence = policy }
}

func NewProcessor(deps Deps, opts ...Option) (*Processor, error) {
	switch {
	case deps.Messages == nil:
		return nil, errors.New("message store is required")
	case deps.Contexts == nil:
		return nil, errors.New("context store is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Runtime == nil:
		return nil, errors.New("runtime is required")
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	}
	p := &Processor{
		messages: deps.Messages,
		contexts: deps.Contexts,
		notifier: deps.Notifier,
		runtime:  deps.Runtime,
		sessions: deps.Sessions,
		silence:  NewSilencePolicy(SilenceAlways, nil),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics(nil)
	}
	if p.tracer == nil {
		p.tracer = observability.NopTracer()
	}
	return p, nil
}

// RunTurn processes one user input to completion. A runtime-reported error
// ends the turn cleanly and returns nil. Internal failures are surfaced to
// listeners as a generic error message and returned as *TurnError. When ctx
// is cancelled, consumption stops, an in-flight stream is flushed, and
// ctx.Err() is returned.
func (p *Processor) RunTurn(ctx context.Context, conversationID, userID, text string) (err error) {
	if conversationID == "" || userID == "" {
		return errors.New("conversation and user are required")
	}

	turnID := idgen.New()
	ts := &turnState{
		conversationID: conversationID,
		userID:         userID,
		outcome:        outcomeCompleted,
		log: p.log.With().
			Str("turn_id", turnID).
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Logger(),
	}

	ctx, span := p.tracer.Start(ctx, "convo.turn",
		attribute.String("convo.turn_id", turnID),
		attribute.String("convo.conversation_id", conversationID),
	)
	defer span.End()

	start := time.Now()
	p.metrics.ActiveTurns.Inc()
	defer func() {
		if r := recover(); r != nil {
			ts.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("turn panicked")
			err = &TurnError{Stage: StagePanic, Err: fmt.Errorf("%v", r)}
		}
		var turnErr *TurnError
		if errors.As(err, &turnErr) {
			ts.outcome = outcomeInternal
			ts.log.Error().Err(err).Msg("turn failed")
			p.surfaceInternalError(ctx, ts)
		}
		observability.RecordError(span, err)
		span.SetAttributes(attribute.String("convo.outcome", ts.outcome), attribute.Int("convo.chunks", ts.chunks))
		p.metrics.ActiveTurns.Dec()
		p.metrics.Turns.WithLabelValues(ts.outcome).Inc()
		p.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		ts.log.Info().Str("outcome", ts.outcome).Dur("duration", time.Since(start)).Msg("turn finished")
	}()

	key := sessions.Key{UserID: userID, ConversationID: conversationID}
	sess, err := p.Bootstrap(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			ts.outcome = outcomeCancelled
			return ctx.Err()
		}
		return &TurnError{Stage: StageBootstrap, Err: err}
	}

	req := agentrt.Request{UserID: userID, ConversationID: conversationID, Session: sess, Input: text}
	var loopErr error
	for raw, streamErr := range p.runtime.OpenStream(ctx, req) {
		if streamErr != nil {
			loopErr = &TurnError{Stage: StageStream, Err: streamErr}
			break
		}
		ev := agentrt.Classify(raw)
		p.metrics.RuntimeEvents.WithLabelValues(ev.EventKind()).Inc()
		done, dispatchErr := p.dispatch(ctx, ts, ev)
		if dispatchErr != nil {
			loopErr = &TurnError{Stage: StageDispatch, Err: dispatchErr}
			break
		}
		if done || ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		ts.outcome = outcomeCancelled
		p.abandon(ctx, ts)
		return ctx.Err()
	}
	if loopErr != nil {
		return loopErr
	}
	if err := p.flushStream(ctx, ts, "", false); err != nil {
		return &TurnError{Stage: StageDispatch, Err: err}
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, ts *turnState, ev agentrt.Event) (bool, error) {
	switch e := ev.(type) {
	case agentrt.PartialText:
		return false, p.appendChunk(ctx, ts, e.Author, e.Text)
	case agentrt.Delegation:
		return false, p.delegate(ctx, ts, e)
	case agentrt.ToolCallRequest:
		for _, call := range e.Calls {
			ts.log.Info().Str("author", e.Author).Str("tool", call.Name).Msg("tool call requested")
		}
		return false, nil
	case agentrt.ToolResults:
		p.captureToolResults(ctx, ts, e)
		return false, nil
	case agentrt.Final:
		return true, p.finish(ctx, ts, e)
	case agentrt.Failure:
		return true, p.fail(ctx, ts, e)
	default:
		ts.log.Debug().Str("author", ev.EventAuthor()).Msg("ignoring unrecognized runtime event")
		return false, nil
	}
}

func (p *Processor) delegate(ctx context.Context, ts *turnState, e agentrt.Delegation) error {
	ts.log.Info().Str("from", e.Author).Str("to", e.Target).Msg("delegation")
	_, err := p.post(ctx, ts, schema.KindAction, fmt.Sprintf("Delegating to %s...", e.Target), e.Target, schema.NotifyMessage)
	return err
}

func (p *Processor) finish(ctx context.Context, ts *turnState, e agentrt.Final) error {
	if p.silence.Silences(e.Author) {
		ts.outcome = outcomeSilent
		ts.log.Debug().Str("author", e.Author).Int("discarded", len(e.Text)).Msg("discarding final text from silent agent")
		return p.flushStream(ctx, ts, "", false)
	}
	if ts.phase == phaseStreaming {
		return p.flushStream(ctx, ts, e.Text, false)
	}
	if e.Text == "" {
		ts.outcome = outcomeEmpty
		ts.log.Debug().Str("author", e.Author).Msg("final event without text")
		return nil
	}
	_, err := p.post(ctx, ts, schema.KindText, e.Text, "", schema.NotifyFinalMessage)
	return err
}

func (p *Processor) fail(ctx context.Context, ts *turnState, e agentrt.Failure) error {
	ts.outcome = outcomeRuntimeError
	text := FormatRuntimeError(e.Code, e.Message)
	ts.log.Error().Str("author", e.Author).Str("code", e.Code).Str("error", e.Message).Msg("runtime reported error")
	if err := p.flushStream(ctx, ts, "", true); err != nil {
		return err
	}
	_, err := p.post(ctx, ts, schema.KindError, text, "", schema.NotifyError)
	return err
}

// post persists an agent message and announces it.
func (p *Processor) post(ctx context.Context, ts *turnState, kind schema.MessageKind, content, toolName string, typ schema.NotificationType) (state.Message, error) {
	msg, err := p.messages.CreateMessage(ctx, state.NewMessage{
		ConversationID: ts.conversationID,
		Sender:         schema.SenderAgent,
		Kind:           kind,
		Content:        content,
		ToolName:       toolName,
	})
	if err != nil {
		return state.Message{}, fmt.Errorf("create %s message: %w", kind, err)
	}
	p.notifier.Broadcast(ctx, ts.conversationID, eventbus.Notification{
		Type:      typ,
		MessageID: msg.ID,
		Content:   content,
		ToolName:  toolName,
		Kind:      kind,
		Sender:    schema.SenderAgent,
		CreatedAt: msg.CreatedAt,
	})
	return msg, nil
}

// surfaceInternalError ends any in-flight stream and posts the generic
// error message. It runs detached from ctx so a failing request can still
// leave the transcript in a terminal state.
func (p *Processor) surfaceInternalError(ctx context.Context, ts *turnState) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.flushStream(cctx, ts, "", true); err != nil {
		ts.log.Warn().Err(err).Msg("flush during error handling failed")
	}
	if _, err := p.post(cctx, ts, schema.KindError, GenericErrorText, "", schema.NotifyError); err != nil {
		ts.log.Error().Err(err).Msg("could not record internal error message")
	}
}

// abandon flushes what was streamed before cancellation. Nothing already
// persisted is rolled back.
func (p *Processor) abandon(ctx context.Context, ts *turnState) {
	if ts.phase != phaseStreaming {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := p.flushStream(cctx, ts, "", false); err != nil {
		ts.log.Warn().Err(err).Msg("flush after cancellation failed")
	}
}
