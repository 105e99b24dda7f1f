package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/agentrt/gemini"
	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/state"
	"github.com/flitsinc/go-convo/internal/tools/sqlquery"
)

const (
	coordinatorAgent = "coordinator"
	dbAgent          = "db-agent"
)

const coordinatorInstruction = `You are the assistant users talk to. Answer directly when you can.
When a question needs data from the company database, transfer to db-agent.
Once data has been gathered, use it to answer the user in plain language.`

const dbAgentInstruction = `You answer data questions by querying the company database with query_sql_database.
Write a single read-only SELECT statement. Inspect the schema first if you do not know it.
When you have the data, transfer back to coordinator. Do not address the user.`

// defaultTeam is the coordinator, plus the database specialist when a
// database tool is available.
func defaultTeam(model string, withSQL bool) (*gemini.Team, error) {
	coordinator := gemini.Agent{
		Name:        coordinatorAgent,
		Description: "Talks to the user and decides who handles each request.",
		Instruction: coordinatorInstruction,
		Model:       model,
	}
	if !withSQL {
		return gemini.NewTeam(coordinatorAgent, coordinator)
	}
	coordinator.SubAgents = []string{dbAgent}
	return gemini.NewTeam(coordinatorAgent, coordinator, gemini.Agent{
		Name:        dbAgent,
		Description: "Answers questions that need data from the company database.",
		Instruction: dbAgentInstruction,
		Model:       model,
		Tools:       []string{sqlquery.ToolName},
	})
}

// openToolDB opens the database agents may query. It is never the
// application database.
func openToolDB(ctx context.Context, cfg config.SQLToolConfig) (*sql.DB, state.Dialect, error) {
	dialect, err := state.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	dsn := cfg.DSN
	if dialect == state.DialectSQLite && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn + "?mode=ro"
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sql tool database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping sql tool database: %w", err)
	}
	return db, dialect, nil
}

// buildRuntime assembles the Gemini team. The returned *sql.DB is the tool
// database, nil when none is configured; the caller closes it.
func buildRuntime(ctx context.Context, cfg config.Config, history gemini.HistorySource, log zerolog.Logger) (*gemini.Runtime, *sql.DB, error) {
	if p := strings.ToLower(cfg.Agent.Provider); p != "" && p != "gemini" {
		return nil, nil, fmt.Errorf("unsupported agent provider %q", cfg.Agent.Provider)
	}
	gen, err := gemini.NewGenerator(ctx, gemini.ClientConfig{APIKey: cfg.Agent.APIKey, Model: cfg.Agent.Model})
	if err != nil {
		return nil, nil, err
	}

	registry, err := gemini.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	var toolDB *sql.DB
	if strings.TrimSpace(cfg.Tools.SQL.DSN) != "" {
		db, dialect, err := openToolDB(ctx, cfg.Tools.SQL)
		if err != nil {
			return nil, nil, err
		}
		toolDB = db
		tool := sqlquery.New(db,
			sqlquery.WithDialect(dialect),
			sqlquery.WithMaxRows(cfg.Tools.SQL.MaxRows),
			sqlquery.WithLogger(log.With().Str("component", "sqlquery").Logger()),
		)
		if err := registry.Register(tool.Definition()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	} else {
		log.Warn().Msg("tools.sql.dsn not set, db-agent disabled")
	}

	team, err := defaultTeam(cfg.Agent.Model, toolDB != nil)
	if err == nil {
		var rt *gemini.Runtime
		rt, err = gemini.New(gen, team, registry, gemini.Config{
			Model:        cfg.Agent.Model,
			MaxSteps:     cfg.Agent.MaxSteps,
			HistoryLimit: cfg.Agent.HistoryLimit,
		},
			gemini.WithLogger(log.With().Str("component", "runtime").Logger()),
			gemini.WithHistory(history),
		)
		if err == nil {
			return rt, toolDB, nil
		}
	}
	if toolDB != nil {
		_ = toolDB.Close()
	}
	return nil, nil, err
}
