package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/go-convo/internal/idgen"
	"github.com/flitsinc/go-convo/internal/schema"
)

// TimeLayout is a fixed-width RFC3339 layout so stored timestamps sort
// lexically in creation order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrNotFound      = errors.New("not found")
	ErrEphemeralKind = errors.New("message kind is not persisted")
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type StoreOption func(*Store)

// WithDialect selects placeholder syntax. Defaults to sqlite.
func WithDialect(d Dialect) StoreOption {
	return func(s *Store) { s.dialect = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, dialect: DialectSQLite, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Sender         schema.Sender      `json:"sender"`
	Kind           schema.MessageKind `json:"kind"`
	Content        string             `json:"content"`
	ToolName       string             `json:"tool_name,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	ConversationID string
	Sender         schema.Sender
	Kind           schema.MessageKind
	Content        string
	ToolName       string
}

type ContextItem struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Source         string         `json:"source"`
	Kind           string         `json:"kind"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (s *Store) stamp() (time.Time, string) {
	now := s.now().UTC()
	return now, now.Format(TimeLayout)
}

func (s *Store) CreateConversation(ctx context.Context, ownerID, name string) (Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Conversation{}, errors.New("owner id is required")
	}
	id := idgen.New()
	now, ts := s.stamp()
	_, err := s.db.ExecContext(ctx, Rebind(s.dialect, `INSERT INTO conversations (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		id, ownerID, nullString(name), ts, ts)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return Conversation{ID: id, OwnerID: ownerID, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, Rebind(s.dialect, `SELECT id, owner_id, name, created_at, updated_at FROM conversations WHERE id = ?`), id)
	var conv Conversation
	var name sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&conv.ID, &conv.OwnerID, &name, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.Name = name.String
	conv.CreatedAt = parseTime(createdAtStr)
	conv.UpdatedAt = parseTime(updatedAtStr)
	return conv, nil
}

// ListConversations returns the owner's conversations, most recently active first.
// A non-zero before restricts the page to conversations updated earlier.
func (s *Store) ListConversations(ctx context.Context, ownerID string, before time.Time, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, owner_id, name, created_at, updated_at FROM conversations WHERE owner_id = ?`
	args := []any{ownerID}
	if !before.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, before.UTC().Format(TimeLayout))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var name sql.NullString
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &name, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Name = name.String
		conv.CreatedAt = parseTime(createdAtStr)
		conv.UpdatedAt = parseTime(updatedAtStr)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// CreateMessage persists one transcript entry and bumps the conversation's
// activity timestamp. Thinking messages are rejected with ErrEphemeralKind.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	if in.ConversationID == "" {
		return Message{}, errors.New("conversation id is required")
	}
	if in.Kind == "" {
		in.Kind = schema.KindText
	}
	if !in.Kind.Persistent() {
		return Message{}, fmt.Errorf("create %s message: %w", in.Kind, ErrEphemeralKind)
	}
	if in.Sender == "" {
		in.Sender = schema.SenderAgent
	}

	id := idgen.New()
	now, ts := s.stamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, Rebind(s.dialect, `INSERT INTO messages (id, conversation_id, sender, kind, content, tool_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, in.ConversationID, string(in.Sender), string(in.Kind), in.Content, nullString(in.ToolName), ts, ts)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, Rebind(s.dialect, `UPDATE conversations SET updated_at = ? WHERE id = ?`), ts, in.ConversationID); err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}

	return Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Kind:           in.Kind,
		Content:        in.Content,
		ToolName:       in.ToolName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// UpdateMessageContent overwrites a message's content in a single statement.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	_, ts := s.stamp()
	res, err := s.db.ExecContext(ctx, Rebind(s.dialect, `UPDATE messages SET content = ?, updated_at = ? WHERE id = ?`), content, ts, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, Rebind(s.dialect, `SELECT id, conversation_id, sender, kind, content, tool_name, created_at, updated_at FROM messages WHERE id = ?`), id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListRecent returns the newest limit messages of a conversation in
// chronological order.
func (s *Store) ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return s.ListMessages(ctx, conversationID, time.Time{}, limit)
}

// ListMessages pages backwards from before (exclusive) and returns the page
// oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, conversation_id, sender, kind, content, tool_name, created_at, updated_at FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, before.UTC().Format(TimeLayout))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AppendContext records a structured fact produced by source. A nil data map
// is stored as an empty object.
func (s *Store) AppendContext(ctx context.Context, conversationID, source, kind string, data map[string]any) (ContextItem, error) {
	if conversationID == "" {
		return ContextItem{}, errors.New("conversation id is required")
	}
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return ContextItem{}, fmt.Errorf("encode context data: %w", err)
	}
	id := idgen.New()
	now, ts := s.stamp()
	_, err = s.db.ExecContext(ctx, Rebind(s.dialect, `INSERT INTO context_items (id, conversation_id, source, kind, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		id, conversationID, source, kind, string(payload), ts)
	if err != nil {
		return ContextItem{}, fmt.Errorf("insert context item: %w", err)
	}
	return ContextItem{ID: id, ConversationID: conversationID, Source: source, Kind: kind, Data: data, CreatedAt: now}, nil
}

// ListContext returns every context item of a conversation, oldest first.
func (s *Store) ListContext(ctx context.Context, conversationID string) ([]ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, Rebind(s.dialect, `SELECT id, conversation_id, source, kind, data, created_at FROM context_items WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list context items: %w", err)
	}
	defer rows.Close()

	var out []ContextItem
	for rows.Next() {
		var item ContextItem
		var dataStr, createdAtStr string
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.Source, &item.Kind, &dataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan context item: %w", err)
		}
		data, err := decodeJSONMap(dataStr)
		if err != nil {
			return nil, fmt.Errorf("decode context item %s: %w", item.ID, err)
		}
		item.Data = data
		item.CreatedAt = parseTime(createdAtStr)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context items: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var sender, kind string
	var toolName sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &kind, &msg.Content, &toolName, &createdAtStr, &updatedAtStr); err != nil {
		return Message{}, err
	}
	msg.Sender = schema.Sender(sender)
	msg.Kind = schema.MessageKind(kind)
	msg.ToolName = toolName.String
	msg.CreatedAt = parseTime(createdAtStr)
	msg.UpdatedAt = parseTime(updatedAtStr)
	return msg, nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// decodeJSONMap fails on corrupt rows so callers can tell an empty object
// from unreadable data.
func decodeJSONMap(v string) (map[string]any, error) {
	if v == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
