package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flakeflow/auth"
	"flakeflow/config"
	"flakeflow/db"
	"flakeflow/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if err := newRootCmd(config.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "flakeflow",
		Short:         "Staked commitment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("database-url", "", "PostgreSQL connection string (FLAKE_DATABASE_URL)")
	root.PersistentFlags().String("redis-url", "", "Redis URL (FLAKE_REDIS_URL)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (FLAKE_LOG_LEVEL)")
	_ = v.BindPFlag(config.KeyDatabaseURL, root.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag(config.KeyRedisURL, root.PersistentFlags().Lookup("redis-url"))
	_ = v.BindPFlag(config.KeyLogLevel, root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(serveCmd(v))
	root.AddCommand(migrateCmd(v))
	root.AddCommand(sweepCmd(v))
	root.AddCommand(relayCmd(v))
	root.AddCommand(hashOracleKeyCmd())
	root.AddCommand(oracleKeyCmd(v))
	return root
}

// loadConfig reads settings and checks the requirements of one command.
func loadConfig(v *viper.Viper, reqs ...config.Requirement) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(reqs...); err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serveCmd(v *viper.Viper) *cobra.Command {
	var withSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(v, config.NeedDatabase, config.NeedServer, config.NeedChain)
			if err != nil {
				return err
			}
			a, err := bootstrap(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			authService := auth.NewService(auth.NewRepository(a.pool), cfg.CallerJWTSecret, cfg.OracleKeyHash)
			server := NewServer(a.flakes, authService, logger)

			if withSweeper {
				go a.flakes.RunSweeper(ctx, cfg.SweepInterval)
			}

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           server.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      cfg.GatewayTimeout + 30*time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("serving flakeflow api", "addr", cfg.HTTPAddr, "chain_id", cfg.ChainID, "sweeper", withSweeper)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (FLAKE_HTTP_ADDR)")
	_ = v.BindPFlag(config.KeyHTTPAddr, cmd.Flags().Lookup("addr"))
	cmd.Flags().BoolVar(&withSweeper, "with-sweeper", false, "run the expired-flake sweeper in-process")
	return cmd
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(v, config.NeedDatabase)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(applied), "versions", applied)
			return nil
		},
	}
}

func sweepCmd(v *viper.Viper) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Open refunds for flakes whose deadline passed without every stake",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(v, config.NeedDatabase, config.NeedChain)
			if err != nil {
				return err
			}
			a, err := bootstrap(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if !once {
				a.flakes.RunSweeper(ctx, cfg.SweepInterval)
				return nil
			}
			report, err := a.flakes.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened=%d broadcast=%d failed=%d\n", report.Opened, report.Broadcast, report.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().Duration("interval", 0, "sweep interval (FLAKE_SWEEP_INTERVAL)")
	_ = v.BindPFlag(config.KeySweepInterval, cmd.Flags().Lookup("interval"))
	return cmd
}

func relayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish committed outbox rows to a Redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(v, config.NeedDatabase, config.NeedRedis)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 4})
			if err != nil {
				return err
			}
			defer pool.Close()
			rdb, err := db.OpenRedis(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			r := relay.New(pool, relay.NewStreamPublisher(rdb, cfg.RelayStream), logger)
			logger.Info("outbox relay started", "stream", cfg.RelayStream, "interval", cfg.RelayInterval)
			if err := r.Run(ctx, cfg.RelayInterval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("stream", "", "target Redis stream (FLAKE_RELAY_STREAM)")
	_ = v.BindPFlag(config.KeyRelayStream, cmd.Flags().Lookup("stream"))
	return cmd
}

func hashOracleKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-oracle-key",
		Short: "Print the bcrypt hash of an oracle key read from stdin, for FLAKE_ORACLE_KEY_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readKey(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := auth.HashOracleKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func oracleKeyCmd(v *viper.Viper) *cobra.Command {
	parent := &cobra.Command{Use: "oracle-key", Short: "Manage stored oracle keys"}

	var label string
	add := &cobra.Command{
		Use:   "add",
		Short: "Store an oracle key read from stdin under a label",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuth(cmd.Context(), v, func(ctx context.Context, svc *auth.Service, repo *auth.PGRepository) error {
				key, err := readKey(cmd.InOrStdin())
				if err != nil {
					return err
				}
				stored, err := svc.RegisterOracleKey(ctx, label, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored oracle key %q (id %d)\n", stored.Label, stored.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&label, "label", "", "key label")
	_ = add.MarkFlagRequired("label")

	var revokeLabel string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a stored oracle key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuth(cmd.Context(), v, func(ctx context.Context, _ *auth.Service, repo *auth.PGRepository) error {
				if err := repo.RevokeOracleKey(ctx, revokeLabel); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked oracle key %q\n", revokeLabel)
				return nil
			})
		},
	}
	revoke.Flags().StringVar(&revokeLabel, "label", "", "key label")
	_ = revoke.MarkFlagRequired("label")

	parent.AddCommand(add, revoke)
	return parent
}

func withAuth(ctx context.Context, v *viper.Viper, fn func(context.Context, *auth.Service, *auth.PGRepository) error) error {
	cfg, _, err := loadConfig(v, config.NeedDatabase)
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := auth.NewRepository(pool)
	return fn(ctx, auth.NewService(repo, cfg.CallerJWTSecret, cfg.OracleKeyHash), repo)
}

func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("read key: empty input")
	}
	return key, nil
}
