// Command trader runs the trading agent without the dashboard until it
// is interrupted or gives up after repeated errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/papaburgs/spacetraders-zero/internal/api"
	"github.com/papaburgs/spacetraders-zero/internal/config"
	"github.com/papaburgs/spacetraders-zero/internal/db"
	"github.com/papaburgs/spacetraders-zero/internal/gate"
	"github.com/papaburgs/spacetraders-zero/internal/logging"
	"github.com/papaburgs/spacetraders-zero/internal/telemetry"
	"github.com/papaburgs/spacetraders-zero/internal/trader"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("trader failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("trader", pflag.ContinueOnError)
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

	_, logCloser, err := logging.InitLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "spacetraders-zero-trader", cfg.OTelEndpoint)
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
		return fmt.Errorf("no usable agent token: %w", api.ErrNoToken)
	}

	serverStatus(ctx, client)

	rep := newStatusReporter()
	tr := trader.New(ctx, client, trader.Options{
		Interval:  cfg.PollInterval,
		MaxErrors: cfg.MaxErrors,
		Store:     store,
		OnStatus:  rep.report,
	})

	slog.Info("starting trader", "token", cfg.RedactedToken(), "interval", cfg.PollInterval)
	if err := tr.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		if err := tr.Stop(); err != nil && !errors.Is(err, trader.ErrNotRunning) {
			return err
		}
		return nil
	case s := <-rep.finished:
		if s.Phase == trader.PhaseFailed {
			return errors.New(s.Message)
		}
		return nil
	}
}

// serverStatus logs what the game server reports about itself. The trader
// starts regardless; a failed lookup is only worth a warning.
func serverStatus(ctx context.Context, client *api.Client) {
	st, err := client.Status(ctx)
	if err != nil {
		slog.Warn("server status unavailable", "error", err)
		return
	}
	slog.Info("server status", "status", st.Status, "version", st.Version, "reset_date", st.ResetDate,
		"next_reset", humanize.Time(st.ServerResets.Next))
}

// statusReporter logs finished cycles and hands the final status to run.
// The trader calls report from more than one goroutine.
type statusReporter struct {
	finished chan trader.Status

	mu        sync.Mutex
	lastPhase trader.Phase
}

func newStatusReporter() *statusReporter {
	return &statusReporter{finished: make(chan trader.Status, 1)}
}

func (r *statusReporter) report(s trader.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case s.Phase == trader.PhaseStopped || s.Phase == trader.PhaseFailed:
		select {
		case r.finished <- s:
		default:
		}
	case s.Phase == r.lastPhase && s.ConsecutiveErrors == 0:
		slog.Info("cycle done",
			"agent", s.Agent.Symbol,
			"credits", humanize.Comma(s.Agent.Credits),
			"cycles", s.State.Cycles,
			"profit", humanize.Comma(s.State.TotalProfits))
	}
	r.lastPhase = s.Phase
}
