package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/schema"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) frames(t *testing.T) []eventbus.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eventbus.Frame, 0, len(f.messages))
	for _, raw := range f.messages {
		var frame eventbus.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode ws payload: %v", err)
		}
		out = append(out, frame)
	}
	return out
}

func TestStreamEventsSkipsReplayedNotifications(t *testing.T) {
	sub := make(chan eventbus.Notification, 4)
	sub <- eventbus.Notification{ID: "03", Type: schema.NotifyMessage, Content: "replayed"}
	sub <- eventbus.Notification{ID: "04", Type: schema.NotifyStreamChunk, Content: "chunk"}
	sub <- eventbus.Notification{ID: "06", Type: schema.NotifyStreamEnd, Content: "done"}
	close(sub)

	writer := &fakeWSWriter{}
	if err := streamEvents(context.Background(), sub, "05", writer); err != nil {
		t.Fatalf("stream events: %v", err)
	}
	frames := writer.frames(t)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Type != schema.NotifyStreamChunk || frames[1].Type != schema.NotifyStreamEnd {
		t.Fatalf("unexpected frames: %+v", frames)
	}
	if frames[1].Payload.Content != "done" {
		t.Fatalf("payload lost: %+v", frames[1])
	}
}

func TestStreamEventsReturnsWriteError(t *testing.T) {
	sub := make(chan eventbus.Notification, 1)
	sub <- eventbus.Notification{ID: "01", Type: schema.NotifyMessage}
	boom := errors.New("boom")
	if err := streamEvents(context.Background(), sub, "", &fakeWSWriter{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}

func TestStreamEventsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := streamEvents(ctx, make(chan eventbus.Notification), "", &fakeWSWriter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func dialConversation(t *testing.T, ts *httptest.Server, conversationID, token, since string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conversationID + "/ws?token=" + token
	if since != "" {
		url += "&since=" + since
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return websocket.Dial(ctx, url, nil)
}

func readFrame(t *testing.T, conn *websocket.Conn) eventbus.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame eventbus.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestConversationWebSocketStartsTurns(t *testing.T) {
	env := newTestEnv(t, NewAuthenticator(testSecret))
	conv := env.createConversation(t, "alice")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn, _, err := dialConversation(t, ts, conv.ID, env.token(t, "alice"), "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	writeText(t, conn, `{"content":"hi there"}`)
	if got := waitStarted(t, env.runner); got != "hi there" {
		t.Fatalf("runner got %q", got)
	}

	msg := readFrame(t, conn)
	if msg.Type != schema.NotifyMessage || msg.Payload.Content != "hi there" || msg.Payload.Sender != schema.SenderUser {
		t.Fatalf("unexpected first frame: %+v", msg)
	}
	thinking := readFrame(t, conn)
	if thinking.Type != schema.NotifyThinking || thinking.Payload.Content != "Thinking..." {
		t.Fatalf("unexpected second frame: %+v", thinking)
	}

	writeText(t, conn, `not json`)
	if frame := readFrame(t, conn); frame.Type != schema.NotifyError || frame.Payload.Content == "" {
		t.Fatalf("expected error frame, got %+v", frame)
	}

	writeText(t, conn, `{"content":"   "}`)
	if frame := readFrame(t, conn); frame.Type != schema.NotifyError || !strings.Contains(frame.Payload.Content, "required") {
		t.Fatalf("expected validation error frame, got %+v", frame)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestConversationWebSocketReplaysSince(t *testing.T) {
	env := newTestEnv(t, NewAuthenticator(testSecret))
	conv := env.createConversation(t, "alice")
	ctx := context.Background()

	if _, err := env.chat.AddUserMessage(ctx, "alice", conv.ID, "one"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if _, err := env.chat.AddUserMessage(ctx, "alice", conv.ID, "two"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	journal, err := env.bus.List(ctx, conv.ID, eventbus.ListOptions{})
	if err != nil || len(journal) != 2 {
		t.Fatalf("journal = %d, %v", len(journal), err)
	}

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	conn, _, err := dialConversation(t, ts, conv.ID, env.token(t, "alice"), journal[0].ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	frame := readFrame(t, conn)
	if frame.Payload.ID != journal[1].ID || frame.Payload.Content != "two" {
		t.Fatalf("expected replay of second message, got %+v", frame)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestConversationWebSocketRejectsOtherOwner(t *testing.T) {
	env := newTestEnv(t, NewAuthenticator(testSecret))
	conv := env.createConversation(t, "alice")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn, resp, err := dialConversation(t, ts, conv.ID, env.token(t, "bob"), "")
	if err == nil {
		conn.CloseNow()
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestConversationWebSocketChecksOrigin(t *testing.T) {
	env := newTestEnv(t, NewAuthenticator(testSecret))
	conv := env.createConversation(t, "alice")
	allowing, err := NewServer(Deps{Chat: env.chat, Turns: env.runner, Feed: env.bus, Auth: env.auth},
		WithOriginPatterns("app.example.com"))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(allowing.Close)

	dial := func(ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conv.ID + "/ws?token=" + env.token(t, "alice")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	strict := httptest.NewServer(env.server.Handler())
	defer strict.Close()
	conn, resp, err := dial(strict, "https://app.example.com")
	if err == nil {
		conn.CloseNow()
		t.Fatal("cross-origin socket accepted without a matching pattern")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	open := httptest.NewServer(allowing.Handler())
	defer open.Close()
	conn, _, err = dial(open, "https://app.example.com")
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	conn.CloseNow()
}
