/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payment ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve   (default) Start the HTTP server and the sweeper
  repair  Post every verified payment that has no ledger entry, then exit
  token   Print a bearer token and anti-replay token (dev only)

STARTUP SEQUENCE:
  1. Load configuration (defaults, --config file, .env, LEDGER_* env, flags)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build ledger.Service with the store's source adapters
  5. Configure HTTP router, start the sweeper
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server --db ./data/ledger.db

  # Run with in-memory database and demo scenarios
  ./server --db ":memory:" --dev

  # One-off repair sweep
  ./server repair --limit 500

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/payment-ledger/api"
	"github.com/warp/payment-ledger/config"
	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/store/sqlite"
)

// devSecret signs tokens in dev mode when no secret is configured.
const devSecret = "dev-only-secret"

var (
	v          = config.New()
	configFile string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Unified payment ledger and verification workflow",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "ledger.db", `SQLite database path (":memory:" for in-memory)`)
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("dev", false, "development mode: console logs, demo scenarios, dev secrets")
	bind(flags.Lookup("port"), "port")
	bind(flags.Lookup("db"), "db_path")
	bind(flags.Lookup("log-level"), "log_level")
	bind(flags.Lookup("dev"), "dev")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}

	repair := &cobra.Command{
		Use:   "repair",
		Short: "Post verified payments that have no ledger entry",
		Long: `Runs one repair sweep: every verified verification request and every
verified gateway transaction without a ledger entry is posted. Safe to run
while the server is up; postings are idempotent per payment reference.`,
		RunE: runRepair,
	}
	repair.Flags().Int("limit", 1000, "max postings per source")

	token := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token and anti-replay token for local testing",
		RunE:  runToken,
	}
	token.Flags().String("sub", "admin-001", "actor id")
	token.Flags().String("role", string(ledger.RoleAdmin), "actor role (admin or staff)")
	token.Flags().Duration("ttl", 12*time.Hour, "token lifetime")

	root.AddCommand(serve, repair, token)
	return root
}

func bind(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *sqlite.Store
	svc   *ledger.Service
}

func setup() (*app, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Dev {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devSecret
		}
		if cfg.CSRFSecret == "" {
			cfg.CSRFSecret = devSecret
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	svc := ledger.NewService(store, store.Sources()...)
	svc.Logger = logger.Named("ledger")
	svc.Activity = ledger.NewLogActivity(logger.Named("activity"))
	svc.Guard = api.NewHMACGuard([]byte(cfg.CSRFSecret))
	svc.Workers = cfg.BulkWorkers
	svc.Currency = cfg.Currency

	return &app{cfg: cfg, log: logger, store: store, svc: svc}, nil
}

func (a *app) close() {
	a.store.Close()
	a.log.Sync()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.svc, a.store, a.log.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.AllowedOrigins,
		JWTSecret:      []byte(a.cfg.JWTSecret),
		Dev:            a.cfg.Dev,
	})

	sweeper := api.NewSweeper(a.svc, ledger.NewLogNotifier(a.log.Named("notify")), a.log.Named("sweeper"))
	sweeper.Interval = a.cfg.SweepInterval
	sweeper.Enabled = a.cfg.SweepInterval > 0
	sweeper.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.log.Info("server starting",
			zap.Int("port", a.cfg.Port),
			zap.String("db", a.cfg.DBPath),
			zap.Bool("dev", a.cfg.Dev))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errs:
		sweeper.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = server.Shutdown(ctx)
	sweeper.Stop()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.svc.RepairUnposted(cmd.Context(), limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "posted: %d\nfailed: %d\n", report.Posted, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("%d postings failed; see log", report.Failed)
	}
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	sub, _ := cmd.Flags().GetString("sub")
	role, _ := cmd.Flags().GetString("role")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if !cfg.Dev {
		return errors.New("token is only available with --dev")
	}
	secret, csrf := cfg.JWTSecret, cfg.CSRFSecret
	if secret == "" {
		secret = devSecret
	}
	if csrf == "" {
		csrf = devSecret
	}

	actor := ledger.Actor{ID: sub, Role: ledger.Role(role)}
	raw, err := api.IssueToken([]byte(secret), actor, ttl)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Authorization: Bearer %s\n", raw)
	fmt.Fprintf(out, "%s: %s\n", api.CSRFHeader, api.NewHMACGuard([]byte(csrf)).Token(sub))
	return nil
}
