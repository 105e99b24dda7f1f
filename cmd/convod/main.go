// Package main is the convod command: it serves conversations between users
// and a team of AI agents over HTTP and WebSocket.
//
//	convod serve --config convod.yaml
//	convod migrate
//	convod context <conversation-id> --user <user-id>
//	convod token <user-id>
//
// Every setting can be overridden with a CONVO_* environment variable; see
// internal/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/observability"
	"github.com/flitsinc/go-convo/internal/state"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "convod",
		Short:         "Conversational agent server",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (default $CONVO_CONFIG)")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		log := observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		return cfg, log, nil
	}

	root.AddCommand(
		buildServeCmd(load),
		buildMigrateCmd(load),
		buildContextCmd(load),
		buildTokenCmd(load),
	)
	return root
}

type loader func() (config.Config, zerolog.Logger, error)

// openDatabase opens and migrates the configured store.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*state.Store, error) {
	dialect, err := state.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := state.OpenDialect(ctx, dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return state.NewStore(db, state.WithDialect(dialect)), nil
}
