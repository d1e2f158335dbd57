package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davidahmann/sovereignty/internal/api"
	"github.com/davidahmann/sovereignty/internal/auth"
	"github.com/davidahmann/sovereignty/internal/config"
	"github.com/davidahmann/sovereignty/internal/kernel"
	"github.com/davidahmann/sovereignty/internal/telemetry"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv, listenAndServe, newServer); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type envFn func(string) string
type listenFn func(*http.Server) error
type cleanupFn func(context.Context) error
type serverFactory func(ctx context.Context, cfg config.Config, getenv envFn, log *slog.Logger) (*http.Server, cleanupFn, error)

func newServer(ctx context.Context, cfg config.Config, getenv envFn, log *slog.Logger) (*http.Server, cleanupFn, error) {
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  firstNonEmpty(cfg.Telemetry.ServiceName, telemetry.DefaultServiceName),
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     getenv("SOVEREIGN_OTLP_INSECURE") == "true",
		Logger:       log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}

	k, err := kernel.BootFromConfig(ctx, cfg, kernel.Options{
		Logger:         log,
		TracerProvider: tel.TracerProvider(),
		MeterProvider:  tel.MeterProvider(),
	})
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, fmt.Errorf("boot kernel: %w", err)
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	h := &api.Handler{
		Auth:   auth.NewAuthenticatorFromEnv(getenv),
		Kernel: k,
		Logger: log,
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(h, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	cleanup := func(ctx context.Context) error {
		return errors.Join(k.Close(), tel.Shutdown(ctx))
	}
	return srv, cleanup, nil
}

func run(args []string, getenv envFn, listen listenFn, factory serverFactory) error {
	fs := flag.NewFlagSet("sovereignd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to sovereign config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := firstNonEmpty(*configPath, getenv("SOVEREIGN_CONFIG_PATH"))

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("SOVEREIGN_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.ManifestPath = firstNonEmpty(getenv("SOVEREIGN_MANIFEST_PATH"), cfg.ManifestPath, "manifests/sovereign.ndjson")
	cfg.SigningKey.PrivateKeyPath = firstNonEmpty(getenv("SOVEREIGN_SIGNING_KEY_PATH"), cfg.SigningKey.PrivateKeyPath)
	if rps := getenv("SOVEREIGN_RATE_LIMIT_RPS"); rps != "" {
		v, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("SOVEREIGN_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RPS = v
		if cfg.RateLimit.Burst == 0 {
			cfg.RateLimit.Burst = int(v) + 1
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.Log, os.Stderr)
	ctx := context.Background()
	server, cleanup, err := factory(ctx, cfg, getenv, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	log.Info("sovereignd listening", "addr", cfg.ListenAddr, "ledger", cfg.LedgerDriver())
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// listenAndServe serves until SIGINT or SIGTERM, then drains connections.
func listenAndServe(server *http.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
