package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"proxy-rental/pkg/config"
	"proxy-rental/pkg/database"
	"proxy-rental/pkg/notify"
	"proxy-rental/pkg/queue"
	"proxy-rental/pkg/reclaim"
)

var (
	debugFlag  bool
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-rental",
	Short: "Proxy rental task dispatch and rental lifecycle",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger = newLogger(cfg.Log, debugFlag)
		slog.SetDefault(logger)
	},
}

func newLogger(c config.LogConfig, debug bool) *slog.Logger {
	var level slog.Level
	if debug {
		level = slog.LevelDebug
	} else if err := level.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Create the schema, default rows and task notification triggers",
	Run: func(cmd *cobra.Command, args []string) {
		db := mustInitDB(cmd.Context())
		defer db.Close()

		if err := db.SeedDefaults(cmd.Context()); err != nil {
			logger.Error("Error seeding defaults", "error", err)
			os.Exit(1)
		}
		logger.Info("Database installed")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reclamation loop, and the redis relay when redis is configured",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db := mustInitDB(ctx)
		defer db.Close()

		rdb := newRedis()
		if rdb != nil {
			defer rdb.Close()
		}

		errc := make(chan error, 2)
		go func() {
			errc <- newReclaimer(db, rdb).Run(ctx)
		}()
		if rdb != nil {
			go func() {
				relay := notify.NewRelay(rdb, cfg.Redis.Channel, logger)
				errc <- notify.NewListener(db.DB, logger).Listen(ctx, relay.Handle(ctx))
			}()
		}

		err := <-errc
		stop()
		if err != nil && ctx.Err() == nil {
			logger.Error("Service stopped", "error", err)
			os.Exit(1)
		}
		logger.Info("Service stopped")
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Expire rentals and free their proxies and ports",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db := mustInitDB(ctx)
		defer db.Close()

		rdb := newRedis()
		if rdb != nil {
			defer rdb.Close()
		}
		r := newReclaimer(db, rdb)

		once, _ := cmd.Flags().GetBool("once")
		if once {
			report := r.RunCycle(ctx)
			fmt.Printf("cycle %s: expired=%d released=%d forced=%d already_released=%d skipped=%d cleanup_failed=%d confirmed=%d unconfirmed=%d lock_held=%t\n",
				report.CycleID, report.Expired, report.Released, report.Forced, report.AlreadyReleased, report.Skipped,
				report.CleanupFailed, report.Confirmed, report.Unconfirmed, report.LockHeld)
			if report.Err != nil {
				logger.Error("Reclamation cycle failed", "error", report.Err)
				os.Exit(1)
			}
			return
		}

		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Reclamation loop failed", "error", err)
			os.Exit(1)
		}
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print task events as the worker receives them",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db := mustInitDB(ctx)
		defer db.Close()

		err := notify.NewListener(db.DB, logger).Listen(ctx, func(m notify.Message) error {
			_, err := fmt.Println(m.Raw)
			return err
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("Listener stopped", "error", err)
			os.Exit(1)
		}
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Republish task events on the configured redis channel",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rdb := newRedis()
		if rdb == nil {
			logger.Error("redis.address is not configured")
			os.Exit(1)
		}
		defer rdb.Close()

		db := mustInitDB(ctx)
		defer db.Close()

		relay := notify.NewRelay(rdb, cfg.Redis.Channel, logger)
		err := notify.NewListener(db.DB, logger).Listen(ctx, relay.Handle(ctx))
		if err != nil && ctx.Err() == nil {
			logger.Error("Relay stopped", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./config.yaml)")
	reclaimCmd.Flags().Bool("once", false, "Run a single cycle and print its report")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reclaimCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(relayCmd)
}

// mustInitDB connects and makes sure schema and triggers exist. The setup is
// idempotent and serialized across processes, so every command runs it.
func mustInitDB(ctx context.Context) *database.DB {
	db, err := initDB(ctx)
	if err != nil {
		logger.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	return db
}

func initDB(ctx context.Context) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.InitSchema(ctx, notify.Install); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func newRedis() *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newQueue(db *database.DB) *queue.Queue {
	return queue.New(db.Store(), logger)
}

func newReclaimer(db *database.DB, rdb *redis.Client) *reclaim.Reclaimer {
	opts := reclaim.Options{
		Interval:    cfg.Reclaim.Interval(),
		WaitTimeout: cfg.Reclaim.WaitTimeout(),
		WaitPoll:    cfg.Reclaim.WaitPoll(),
		LockTTL:     cfg.Reclaim.LockTTL(),
	}
	if rdb != nil {
		opts.Locker = reclaim.NewRedisLocker(rdb)
	}
	return reclaim.New(db.Store(), newQueue(db), opts, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
