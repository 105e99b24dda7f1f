package engine

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/flitsinc/go-convo/internal/agentrt"
	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/schema"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

type fakeMessages struct {
	mu        sync.Mutex
	seq       int
	messages  []state.Message
	updates   map[string]int
	createErr error
	updateErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{updates: map[string]int{}}
}

func (f *fakeMessages) CreateMessage(_ context.Context, in state.NewMessage) (state.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return state.Message{}, f.createErr
	}
	if !in.Kind.Persistent() {
		return state.Message{}, state.ErrEphemeralKind
	}
	f.seq++
	msg := state.Message{
		ID:             "msg-" + string(rune('a'+f.seq-1)),
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Kind:           in.Kind,
		Content:        in.Content,
		ToolName:       in.ToolName,
		CreatedAt:      time.Now().UTC(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeMessages) UpdateMessageContent(_ context.Context, id, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.messages {
		if f.messages[i].ID == id {
			f.messages[i].Content = content
			f.updates[id]++
			return nil
		}
	}
	return state.ErrNotFound
}

func (f *fakeMessages) all() []state.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]state.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeMessages) updateCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[id]
}

type appendCall struct {
	source, kind string
	data         map[string]any
}

type fakeContexts struct {
	mu        sync.Mutex
	items     []state.ContextItem
	appended  []appendCall
	listErr   error
	appendErr error
}

func (f *fakeContexts) AppendContext(_ context.Context, conversationID, source, kind string, data map[string]any) (state.ContextItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, appendCall{source: source, kind: kind, data: data})
	if f.appendErr != nil {
		return state.ContextItem{}, f.appendErr
	}
	item := state.ContextItem{ConversationID: conversationID, Source: source, Kind: kind, Data: data, CreatedAt: time.Now().UTC()}
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeContexts) ListContext(_ context.Context, conversationID string) ([]state.ContextItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []state.ContextItem
	for _, item := range f.items {
		if item.ConversationID == conversationID {
			out = append(out, item)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []eventbus.Notification
	onAdd func(eventbus.Notification)
}

func (r *recordingNotifier) Broadcast(_ context.Context, conversationID string, n eventbus.Notification) {
	r.mu.Lock()
	n.ConversationID = conversationID
	r.sent = append(r.sent, n)
	hook := r.onAdd
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

func (r *recordingNotifier) types() []schema.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.NotificationType, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

func (r *recordingNotifier) all() []eventbus.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// scriptedRuntime replays a fixed event list and records the requests it saw.
type scriptedRuntime struct {
	mu       sync.Mutex
	events   []agentrt.RawEvent
	tailErr  error
	requests []agentrt.Request
	yielded  int
	forgot   []sessions.Key
}

func (s *scriptedRuntime) OpenStream(_ context.Context, req agentrt.Request) iter.Seq2[agentrt.RawEvent, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return func(yield func(agentrt.RawEvent, error) bool) {
		for _, ev := range s.events {
			s.mu.Lock()
			s.yielded++
			s.mu.Unlock()
			if !yield(ev, nil) {
				return
			}
		}
		if s.tailErr != nil {
			yield(agentrt.RawEvent{}, s.tailErr)
		}
	}
}

func (s *scriptedRuntime) Forget(key sessions.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgot = append(s.forgot, key)
}

func (s *scriptedRuntime) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var errBoom = errors.New("boom")

func partial(author, text string) agentrt.RawEvent {
	return agentrt.RawEvent{Author: author, Partial: true, Text: text}
}

func final(author, text string) agentrt.RawEvent {
	return agentrt.RawEvent{Author: author, Final: true, Text: text}
}
