// Package sqlquery exposes a read-only SQL database to agents.
package sqlquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/agentcontext"
	"github.com/flitsinc/go-convo/internal/agentrt/gemini"
	"github.com/flitsinc/go-convo/internal/state"
)

const (
	ToolName        = "query_sql_database"
	defaultMaxRows  = 200
	maxQueryLogSize = 200
)

var (
	ErrNotReadOnly    = errors.New("only SELECT or WITH statements are allowed")
	ErrMultiStatement = errors.New("only a single statement is allowed")

	writeKeyword = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|attach|detach|pragma|vacuum|reindex|call|lock|replace\s+into)\b`)
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLit    = regexp.MustCompile(`'(?:[^']|'')*'`)
)

type Tool struct {
	db      *sql.DB
	dialect state.Dialect
	maxRows int
	log     zerolog.Logger
}

type Option func(*Tool)

func WithDialect(d state.Dialect) Option {
	return func(t *Tool) { t.dialect = d }
}

func WithMaxRows(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxRows = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Tool) { t.log = log }
}

func New(db *sql.DB, opts ...Option) *Tool {
	t := &Tool{db: db, dialect: state.DialectSQLite, maxRows: defaultMaxRows, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Definition returns the agent-facing tool.
func (t *Tool) Definition() gemini.Tool {
	return gemini.Tool{
		Name: ToolName,
		Description: "Executes a read-only SQL query against the company database. " +
			"Only a single SELECT (or WITH ... SELECT) statement is accepted. " +
			"Returns {status, data} on success or {status, error_message} on failure.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The exact SQL query to execute.",
				},
			},
			"required": []any{"query"},
		},
		Handler: t.handle,
	}
}

func (t *Tool) handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, _ := args["query"].(string)
	rows, truncated, err := t.Query(ctx, query)
	if err != nil {
		return map[string]any{"status": "error", "error_message": err.Error()}, nil
	}
	out := map[string]any{"status": "success", "data": rows}
	if truncated {
		out["truncated"] = true
	}
	return out, nil
}

// Query validates and runs query, returning at most maxRows rows. The
// second result reports whether rows were cut off.
func (t *Tool) Query(ctx context.Context, query string) ([]map[string]any, bool, error) {
	query = strings.TrimSpace(query)
	if err := Validate(query); err != nil {
		t.log.Warn().Str("query", clip(query)).Err(err).Msg("sql tool rejected query")
		return nil, false, err
	}
	logEvt := t.log.Info().Str("query", clip(query))
	if id := agentcontext.ConversationIDFromContext(ctx); id != "" {
		logEvt = logEvt.Str("conversation_id", id)
	}
	logEvt.Msg("sql tool query")

	tx, err := t.db.BeginTx(ctx, t.txOptions())
	if err != nil {
		return nil, false, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, strings.TrimSuffix(query, ";"))
	if err != nil {
		return nil, false, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, fmt.Errorf("read columns: %w", err)
	}
	out := []map[string]any{}
	truncated := false
	for rows.Next() {
		if len(out) == t.maxRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate rows: %w", err)
	}
	return out, truncated, nil
}

// Validate accepts a single SELECT or WITH statement that contains no
// data-modifying keywords outside string literals.
func Validate(query string) error {
	stripped := stringLit.ReplaceAllString(query, "''")
	stripped = blockComment.ReplaceAllString(stripped, " ")
	stripped = lineComment.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)
	if stripped == "" {
		return errors.New("query is required")
	}

	body := strings.TrimSpace(strings.TrimSuffix(stripped, ";"))
	if strings.Contains(body, ";") {
		return ErrMultiStatement
	}
	first := strings.ToUpper(strings.Fields(body)[0])
	if first != "SELECT" && first != "WITH" {
		return ErrNotReadOnly
	}
	if writeKeyword.MatchString(body) {
		return ErrNotReadOnly
	}
	return nil
}

func (t *Tool) txOptions() *sql.TxOptions {
	// Only postgres gets a read-only transaction; on sqlite Validate is the guard.
	if t.dialect == state.DialectPostgres {
		return &sql.TxOptions{ReadOnly: true}
	}
	return nil
}

func clip(s string) string {
	if len(s) <= maxQueryLogSize {
		return s
	}
	return s[:maxQueryLogSize] + "..."
}
