package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/state"
)

type streamPhase int

const (
	phaseNotStarted streamPhase = iota
	phaseStreaming
	phaseFlushed
)

// turnState lives for one RunTurn call.
type turnState struct {
	conversationID string
	userID         string
	outcome        string
	log            zerolog.Logger

	phase     streamPhase
	messageID string
	text      strings.Builder
	chunks    int

	// withheld counts bytes streamed by silent agents. They reach listeners
	// live but are never written to the transcript.
	withheld int
}

// appendChunk drives the streaming message. The first chunk creates the
// agent message with empty content; later chunks only accumulate in memory.
// Chunks from silent agents are broadcast but not accumulated.
func (p *Processor) appendChunk(ctx context.Context, ts *turnState, author, chunk string) error {
	if ts.phase != phaseFlushed {
		if p.silence.Silences(author) {
			ts.withheld += len(chunk)
		} else {
			ts.text.WriteString(chunk)
		}
	}
	switch ts.phase {
	case phaseNotStarted:
		msg, err := p.messages.CreateMessage(ctx, state.NewMessage{
			ConversationID: ts.conversationID,
			Sender:         schema.SenderAgent,
			Kind:           schema.KindText,
			Content:        "",
		})
		if err != nil {
			return fmt.Errorf("create streaming message: %w", err)
		}
		ts.messageID = msg.ID
		ts.phase = phaseStreaming
		ts.chunks++
		p.notifier.Broadcast(ctx, ts.conversationID, eventbus.Notification{
			Type:      schema.NotifyStreamStart,
			MessageID: msg.ID,
			Content:   chunk,
			Kind:      schema.KindText,
			Sender:    schema.SenderAgent,
		})
	case phaseStreaming:
		ts.chunks++
		p.notifier.Broadcast(ctx, ts.conversationID, eventbus.Notification{
			Type:      schema.NotifyStreamChunk,
			MessageID: ts.messageID,
			Content:   chunk,
		})
	default:
		ts.log.Warn().Msg("partial text after stream was flushed; ignoring")
	}
	return nil
}

// flushStream writes the accumulated text to the streaming message once and
// emits stream_end. trailing is appended first; it is also echoed in the
// stream_end payload. Nothing is written when no text was accumulated, so a
// stream carried only by silent agents keeps its empty content. interrupted
// marks a stream_end that is followed by an error notification. Calling it
// outside the streaming phase is a no-op.
func (p *Processor) flushStream(ctx context.Context, ts *turnState, trailing string, interrupted bool) error {
	if ts.phase != phaseStreaming {
		return nil
	}
	ts.phase = phaseFlushed
	ts.text.WriteString(trailing)

	var err error
	if ts.text.Len() > 0 {
		err = p.messages.UpdateMessageContent(ctx, ts.messageID, ts.text.String())
	}
	p.notifier.Broadcast(ctx, ts.conversationID, eventbus.Notification{
		Type:        schema.NotifyStreamEnd,
		MessageID:   ts.messageID,
		Content:     trailing,
		Interrupted: interrupted,
	})
	if err != nil {
		return fmt.Errorf("flush streaming message: %w", err)
	}
	ts.log.Debug().
		Str("message_id", ts.messageID).
		Int("chunks", ts.chunks).
		Int("length", ts.text.Len()).
		Int("withheld", ts.withheld).
		Msg("stream flushed")
	return nil
}
