package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/state"
)

const subscriberBuffer = 64

// Bus fans notifications out to per-conversation subscribers. When a
// database is configured, durable notification types are journaled so
// reconnecting listeners can replay them. A Relay extends delivery to other
// processes sharing the same conversations.
type Bus struct {
	db      *sql.DB
	dialect state.Dialect
	log     zerolog.Logger
	relay   Relay
	policy  SlowPolicy
	onDrop  func(conversationID string)

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	conversationID string
	ch             chan Notification
}

type Option func(*Bus)

func WithDialect(d state.Dialect) Option {
	return func(b *Bus) { b.dialect = d }
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

func WithRelay(r Relay) Option {
	return func(b *Bus) { b.relay = r }
}

func WithSlowPolicy(p SlowPolicy) Option {
	return func(b *Bus) { b.policy = p }
}

// WithDropHook is called once per notification a subscriber missed.
func WithDropHook(fn func(conversationID string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus creates a bus. db may be nil, in which case nothing is journaled.
func NewBus(db *sql.DB, opts ...Option) *Bus {
	b := &Bus{
		db:      db,
		dialect: state.DialectSQLite,
		log:     zerolog.Nop(),
		policy:  SlowDisconnect,
		subs:    map[string]*subscriber{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns an id, journals the notification when its type is durable,
// and delivers it to local and relayed subscribers. Delivery is attempted
// even when journaling fails; the journal error is returned.
func (b *Bus) Publish(ctx context.Context, n Notification) (Notification, error) {
	if strings.TrimSpace(n.ConversationID) == "" {
		return Notification{}, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(string(n.Type)) == "" {
		return Notification{}, fmt.Errorf("notification type is required")
	}
	n.ID = ulid.Make().String()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	var errs []error
	if b.db != nil && n.Type.Journaled() {
		if err := b.journal(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}

	b.fanout(n)

	if b.relay != nil {
		if err := b.relay.Publish(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("relay notification: %w", err))
		}
	}
	return n, errors.Join(errs...)
}

// Broadcast is the fire-and-forget form of Publish. Failures are logged.
func (b *Bus) Broadcast(ctx context.Context, conversationID string, n Notification) {
	n.ConversationID = conversationID
	if _, err := b.Publish(ctx, n); err != nil {
		b.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("type", string(n.Type)).
			Msg("broadcast degraded")
	}
}

func (b *Bus) journal(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = b.db.ExecContext(ctx, state.Rebind(b.dialect, `
		INSERT INTO notifications (id, conversation_id, type, message_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), n.ID, n.ConversationID, string(n.Type), nullString(n.MessageID), string(payload), n.CreatedAt.UTC().Format(state.TimeLayout))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List replays journaled notifications of a conversation in publish order.
func (b *Bus) List(ctx context.Context, conversationID string, opts ListOptions) ([]Notification, error) {
	if b.db == nil {
		return nil, nil
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT payload FROM notifications WHERE conversation_id = ?`
	args := []any{conversationID}
	if opts.SinceID != "" {
		query += ` AND id > ?`
		args = append(args, opts.SinceID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, state.Rebind(b.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		var n Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// Subscribe delivers notifications for one conversation until ctx is done or
// the subscriber falls behind under SlowDisconnect. The channel is closed in
// both cases.
func (b *Bus) Subscribe(ctx context.Context, conversationID string) <-chan Notification {
	ch := make(chan Notification, subscriberBuffer)
	id := ulid.Make().String()

	b.mu.Lock()
	b.subs[id] = &subscriber{conversationID: conversationID, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// RunRelay delivers notifications published by other processes to local
// subscribers until ctx is done.
func (b *Bus) RunRelay(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return nil
	}
	return b.relay.Run(ctx, b.fanout)
}

func (b *Bus) fanout(n Notification) {
	var lagging []string

	b.mu.RLock()
	for id, sub := range b.subs {
		if sub.conversationID != n.ConversationID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			if b.onDrop != nil {
				b.onDrop(n.ConversationID)
			}
			if b.policy == SlowDisconnect {
				lagging = append(lagging, id)
			}
		}
	}
	b.mu.RUnlock()

	for _, id := range lagging {
		b.log.Warn().Str("conversation_id", n.ConversationID).Str("subscriber", id).Msg("disconnecting slow subscriber")
		b.remove(id)
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
