package main

import (
	"context"
	"database/sql"
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

	"github.com/sentinelops/aegis/pkg/adapter"
	"github.com/sentinelops/aegis/pkg/api"
	"github.com/sentinelops/aegis/pkg/approval"
	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/ledger"
	"github.com/sentinelops/aegis/pkg/observability"
	"github.com/sentinelops/aegis/pkg/orchestrator"
	"github.com/sentinelops/aegis/pkg/policy"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the CLI. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerifyCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "aegis", version)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Usage: aegis <server|verify|health|version>\n")
		return 2
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openLedger selects the audit store from configuration.
func openLedger(cfg *config.Config) (ledger.Ledger, func() error, error) {
	switch cfg.LedgerDriver {
	case "memory":
		return ledger.NewMemoryLedger(), func() error { return nil }, nil
	case "file":
		l, err := ledger.NewFileLedger(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(1)
		l, err := ledger.NewSQLLedger(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return l, db.Close, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		l, err := ledger.NewSQLLedger(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return l, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_DRIVER %q", cfg.LedgerDriver)
	}
}

// backendFor returns the HTTP backend for a configured base URL, or the
// in-process simulated backend when none is set.
func backendFor(baseURL string, shared *adapter.MemoryBackend) adapter.Backend {
	if baseURL == "" {
		return shared
	}
	return adapter.NewHTTPBackend(baseURL)
}

func buildRegistry(cfg *config.Config) *adapter.Registry {
	shared := adapter.NewMemoryBackend()
	reg := adapter.NewRegistry()
	reg.Register(adapter.NewEDRAdapter(backendFor(cfg.EDRBaseURL, shared)))
	reg.Register(adapter.NewIDPAdapter(backendFor(cfg.IDPBaseURL, shared)))
	reg.Register(adapter.NewNetworkAdapter(backendFor(cfg.NetworkBaseURL, shared)))
	reg.Register(adapter.NewSIEMAdapter(backendFor(cfg.SIEMBaseURL, shared)))
	return reg
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pol := policy.DefaultPolicy()
	if cfg.PolicyPath != "" {
		var err error
		pol, err = policy.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "policy: %v\n", err)
			return 1
		}
	}
	engine, err := policy.NewEngine(pol)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "policy: %v\n", err)
		return 1
	}

	led, closeLedger, err := openLedger(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ledger: %v\n", err)
		return 1
	}
	defer func() { _ = closeLedger() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.TelemetryEnabled
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(engine, buildRegistry(cfg), led, approval.NewManager(cfg.ApprovalTimeout),
		orchestrator.Options{
			ExecuteTimeout: cfg.ExecuteTimeout,
			Logger:         logger,
			Metrics:        provider.Metrics(),
		})

	var idem api.IdempotencyStorer
	if cfg.RedisAddr != "" {
		store := api.NewRedisIdempotencyStore(cfg.RedisAddr, cfg.RedisPassword, 0, 24*time.Hour, logger)
		defer func() { _ = store.Close() }()
		idem = store
	}
	server := api.NewServer(orch, led, api.ServerOptions{
		JWTSecret:   []byte(cfg.JWTSecret),
		RateRPS:     cfg.RateRPS,
		RateBurst:   cfg.RateBurst,
		Idempotency: idem,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", httpServer.Addr,
			"ledger_driver", cfg.LedgerDriver,
			"auth_enabled", cfg.JWTSecret != "",
			"version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
		return 0
	}
}

// runVerifyCmd checks the audit chain of the configured ledger and exits
// non-zero on tamper evidence.
func runVerifyCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	led, closeLedger, err := openLedger(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ledger: %v\n", err)
		return 1
	}
	defer func() { _ = closeLedger() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := led.VerifyChain(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "audit chain: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "audit chain intact")
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "health: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "ok")
	return 0
}
