// holyctl inspects and repairs HolyAnswers state offline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/holyanswers/holyanswers/internal/config"
	"github.com/holyanswers/holyanswers/internal/counter"
	"github.com/holyanswers/holyanswers/internal/kv"
	"github.com/holyanswers/holyanswers/internal/store"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// env holds what every subcommand opens.
type env struct {
	cfg  *config.Config
	repo *store.SQLiteStore
	kv   kv.Store
	done func()
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e := &env{cfg: cfg, repo: repo, kv: repo, done: func() { _ = repo.Close() }}

	if cfg.KV.Backend == config.KVRedis {
		r, err := kv.NewRedis(ctx, cfg.KV.RedisAddr, cfg.KV.Prefix)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("connect key-value redis: %w", err)
		}
		e.kv = r
		e.done = func() {
			_ = r.Close()
			_ = repo.Close()
		}
	}
	return e, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "holyctl",
		Short:        "Inspect HolyAnswers users, sessions and demo counters",
		SilenceUsage: true,
	}
	root.AddCommand(newCounterCommand(), newSessionsCommand(), newUsersCommand())
	return root
}

func newCounterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Read or reset a device's demo message counter",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get DEVICE_ID",
		Short: "Print the counter of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.done()

			c := counter.New(e.kv, e.cfg.Chat.DemoMessageCap)
			count, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"device_id": args[0], "count": count, "max": c.Max()})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset DEVICE_ID",
		Short: "Reset the counter of a device to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.done()

			if err := counter.New(e.kv, e.cfg.Chat.DemoMessageCap).Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "counter reset for %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or delete persisted chat sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list USER_ID",
		Short: "Print the sessions of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.done()

			sessions, err := e.repo.ListSessions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, sessions)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.done()

			if err := e.repo.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s deleted\n", args[0])
			return nil
		},
	})
	return cmd
}

func newUsersCommand() *cobra.Command {
	var ttl time.Duration
	idle := &cobra.Command{
		Use:   "idle",
		Short: "Print users not seen within --ttl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.done()

			if ttl <= 0 {
				ttl = e.cfg.SessionIdleTTL
			}
			users, err := e.repo.GetIdleUsers(cmd.Context(), ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, users)
		},
	}
	idle.Flags().DurationVar(&ttl, "ttl", 0, "idle threshold (defaults to SESSION_IDLE_TTL)")

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Inspect signed-up users",
	}
	cmd.AddCommand(idle)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
