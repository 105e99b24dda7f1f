package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/schema"
)

const replayPage = 200

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

type inboundFrame struct {
	Content string `json:"content"`
}

// handleConversationWS streams a conversation's notifications to the socket
// and starts a turn for every {"content": ...} frame the client sends.
// Turns are bound to the connection and are cancelled when it closes.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	conversationID := chi.URLParam(r, "id")
	if _, err := s.chat.GetConversation(r.Context(), userID, conversationID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	log := s.log.With().
		Str("conversation_id", conversationID).
		Str("user_id", userID).
		Str("component", "ws").
		Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before replaying so nothing published in between is lost.
	sub := s.feed.Subscribe(ctx, conversationID)
	after, err := s.replay(ctx, conversationID, strings.TrimSpace(r.URL.Query().Get("since")), conn)
	if err != nil {
		log.Warn().Err(err).Msg("replay failed")
		_ = conn.Close(websocket.StatusInternalError, "replay failed")
		return
	}

	go func() {
		defer cancel()
		s.readFrames(ctx, conn, userID, conversationID, log)
	}()
	if s.pingInterval > 0 {
		go keepAlive(ctx, conn, s.pingInterval, cancel)
	}

	err = streamEvents(ctx, sub, after, conn)
	switch {
	case ctx.Err() != nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case err == nil:
		log.Info().Msg("subscriber fell behind, closing socket")
		_ = conn.Close(websocket.StatusTryAgainLater, "fell behind, reconnect with since")
	default:
		log.Debug().Err(err).Msg("stream write failed")
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

// replay writes journaled notifications newer than since and returns the id
// of the last one written.
func (s *Server) replay(ctx context.Context, conversationID, since string, writer wsWriter) (string, error) {
	if since == "" {
		return "", nil
	}
	after := since
	for {
		page, err := s.feed.List(ctx, conversationID, eventbus.ListOptions{SinceID: after, Limit: replayPage})
		if err != nil {
			return "", err
		}
		for _, n := range page {
			if err := writeFrame(ctx, writer, n); err != nil {
				return "", err
			}
			after = n.ID
		}
		if len(page) < replayPage {
			return after, nil
		}
	}
}

func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, userID, conversationID string, log zerolog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if typ != websocket.MessageText {
			s.sendError(ctx, conn, conversationID, errors.New("expected a text frame"), log)
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(ctx, conn, conversationID, errors.New("invalid frame: expected {\"content\": string}"), log)
			continue
		}
		if _, err := s.startTurn(ctx, ctx, userID, conversationID, frame.Content); err != nil {
			s.sendError(ctx, conn, conversationID, err, log)
		}
	}
}

// sendError writes an error frame to this socket only.
func (s *Server) sendError(ctx context.Context, writer wsWriter, conversationID string, err error, log zerolog.Logger) {
	if statusFor(err) == http.StatusInternalServerError {
		log.Error().Err(err).Msg("socket request failed")
		err = errors.New("internal error")
	}
	n := eventbus.Notification{
		ConversationID: conversationID,
		Type:           schema.NotifyError,
		Content:        err.Error(),
		Kind:           schema.KindError,
		Sender:         schema.SenderAgent,
		CreatedAt:      time.Now().UTC(),
	}
	if werr := writeFrame(ctx, writer, n); werr != nil {
		log.Debug().Err(werr).Msg("write error frame failed")
	}
}

// streamEvents forwards notifications until ctx is done or the subscription
// closes. Journaled notifications at or before after were already replayed.
func streamEvents(ctx context.Context, sub <-chan eventbus.Notification, after string, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub:
			if !ok {
				return nil
			}
			if after != "" && n.Type.Journaled() && n.ID <= after {
				continue
			}
			if err := writeFrame(ctx, writer, n); err != nil {
				return err
			}
		}
	}
}

func writeFrame(ctx context.Context, writer wsWriter, n eventbus.Notification) error {
	payload, err := json.Marshal(n.Frame())
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}

func keepAlive(ctx context.Context, conn *websocket.Conn, every time.Duration, onFail func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, every)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				onFail()
				return
			}
		}
	}
}
