package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/papaburgs/spacetraders-zero/internal/api"
	"github.com/papaburgs/spacetraders-zero/internal/config"
	"github.com/papaburgs/spacetraders-zero/internal/db"
	"github.com/papaburgs/spacetraders-zero/internal/gate"
	"github.com/papaburgs/spacetraders-zero/internal/logging"
	"github.com/papaburgs/spacetraders-zero/internal/telemetry"
	"github.com/papaburgs/spacetraders-zero/internal/trader"
)

const version = "0.3.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("dashboard failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("gui", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ring := logging.NewRing(500, logging.ParseLevel(cfg.LogLevel))
	_, logCloser, err := logging.InitLogger(cfg.LogLevel, cfg.LogFile, ring)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "spacetraders-zero-gui", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	store, err := db.Open(ctx, cfg.DatabaseURL, cfg.DatabaseAuthToken)
	if err != nil {
		return err
	}
	defer store.Close()

	g := gate.New(cfg.GatePerSecond, cfg.GateBurst)
	defer g.Stop()

	client, err := api.New(api.Options{
		BaseURL:           cfg.BaseURL,
		Token:             cfg.Token,
		Timeout:           cfg.RequestTimeout,
		CacheTTL:          cfg.CacheTTL,
		CacheSize:         cfg.CacheSize,
		MaxRetries:        cfg.MaxRetries,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		Gate:              g,
	})
	if err != nil {
		return err
	}
	if !client.HasToken() {
		slog.Warn("no usable agent token, set SPACETRADERS_TOKEN or run register")
	}
	if st, err := client.Status(ctx); err != nil {
		slog.Warn("server status unavailable", "error", err)
	} else {
		slog.Info("server status", "status", st.Status, "version", st.Version, "reset_date", st.ResetDate)
	}

	tr := trader.New(ctx, client, trader.Options{
		Interval:  cfg.PollInterval,
		MaxErrors: cfg.MaxErrors,
		Store:     store,
	})
	defer func() {
		if tr.Running() {
			tr.Stop()
		}
	}()

	a, err := NewApp(ctx, tr, client, store, ring, cfg.RedactedToken())
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	a.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting spacetraders zero", "version", version, "addr", cfg.ListenAddr, "token", cfg.RedactedToken())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server done")
	return nil
}
