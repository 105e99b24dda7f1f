package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/go-convo/internal/api"
	"github.com/flitsinc/go-convo/internal/engine"
)

func buildServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Long: `Start the conversation server.

Conversations, messages and captured context live in the configured database.
With redis.enabled, runtime sessions are shared through Redis and
notifications are relayed to every convod process.

Shutdown on SIGINT/SIGTERM cancels running turns and flushes their
in-flight answers before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log)
		},
	}
}

func buildMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			store, err := openDatabase(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.DB().Close()
			log.Info().Str("driver", string(store.Dialect())).Msg("schema up to date")
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func buildContextCmd(load loader) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "context <conversation-id>",
		Short: "Print the state a new runtime session would start with",
		Long: `Print, as JSON, the initial session state built from a conversation's
captured context items. The latest item for each source and kind wins.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			store, err := openDatabase(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			conv, err := store.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if userID == "" {
				userID = conv.OwnerID
			}
			items, err := store.ListContext(cmd.Context(), conv.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(engine.BuildInitialState(items, userID, conv.ID))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to stamp into the state (default: conversation owner)")
	return cmd
}

func buildTokenCmd(load loader) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.Disabled {
				return fmt.Errorf("auth is disabled; no token needed")
			}
			tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret).Sign(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	return cmd
}
