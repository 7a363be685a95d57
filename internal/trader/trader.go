// Package trader runs the automated mining and selling loop for an agent.
package trader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("trader already running")
	ErrNotRunning     = errors.New("trader not running")
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultMaxErrors = 5
	DefaultRetention = 7 * 24 * time.Hour
)

// Client is the part of the API client the trader drives. *api.Client
// satisfies it.
type Client interface {
	Agent(ctx context.Context) (types.Agent, error)
	Ships(ctx context.Context) ([]types.Ship, error)
	Ship(ctx context.Context, ship string) (types.Ship, error)
	ShipNav(ctx context.Context, ship string) (types.ShipNav, error)
	Cooldown(ctx context.Context, ship string) (types.Cooldown, error)

	Contracts(ctx context.Context) ([]types.Contract, error)
	NegotiateContract(ctx context.Context, ship string) (types.Contract, error)
	AcceptContract(ctx context.Context, id string) (types.Contract, error)
	DeliverContract(ctx context.Context, id, ship, tradeSymbol string, units int) (types.Contract, error)
	FulfillContract(ctx context.Context, id string) (types.Contract, error)

	Waypoints(ctx context.Context, system string) ([]types.Waypoint, error)
	Waypoint(ctx context.Context, system, waypoint string) (types.Waypoint, error)
	Market(ctx context.Context, system, waypoint string) (types.Market, error)
	Shipyard(ctx context.Context, system, waypoint string) (types.Shipyard, error)

	Dock(ctx context.Context, ship string) (types.ShipNav, error)
	Orbit(ctx context.Context, ship string) (types.ShipNav, error)
	Navigate(ctx context.Context, ship, waypoint string) (types.NavResult, error)
	Refuel(ctx context.Context, ship string) (types.RefuelResult, error)
	Extract(ctx context.Context, ship string) (types.Extraction, error)
	Sell(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error)
	Purchase(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error)
	Jettison(ctx context.Context, ship, symbol string, units int) (types.ShipCargo, error)
	PurchaseShip(ctx context.Context, shipType, waypoint string) (types.Ship, error)
}

// Store persists trader state. *db.Store satisfies it.
type Store interface {
	SaveState(ctx context.Context, state any) (bool, error)
	LatestState(ctx context.Context, v any) (bool, error)
	CleanupStates(ctx context.Context, keep time.Duration) (int64, error)
	RecordAgent(ctx context.Context, symbol string, rec types.AgentRecord) error
}

type Options struct {
	// Interval is the pause between successful cycles.
	Interval time.Duration
	// MaxErrors consecutive failed cycles stop the trader.
	MaxErrors int
	// Retention is how long saved snapshots are kept.
	Retention time.Duration

	Store Store
	// OnStatus is called on every status change. It runs on the caller
	// of Start or Stop as well as on the cycle loop, so it has to do its
	// own locking.
	OnStatus func(Status)
	Logger   *slog.Logger
	Now      func() time.Time
}

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// ShipSummary is one ship as of the last cycle.
type ShipSummary struct {
	Symbol   string
	Status   string
	Waypoint string
	Cargo    int
	Capacity int
	Fuel     int
	FuelCap  int
	Action   string
}

// Status is a point-in-time view of the trader for display.
type Status struct {
	Phase             Phase
	Message           string
	Running           bool
	Started           time.Time
	LastCycle         time.Time
	ConsecutiveErrors int
	LastError         string
	Agent             types.Agent
	Contract          string
	Ships             []ShipSummary
	State             State
	RecentTrades      []Trade
}

type Trader struct {
	client    Client
	store     Store
	interval  time.Duration
	maxErrors int
	retention time.Duration
	onStatus  func(Status)
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	state  State
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a trader and restores the last saved state, if any.
func New(ctx context.Context, client Client, opts Options) *Trader {
	t := &Trader{
		client:    client,
		store:     opts.Store,
		interval:  opts.Interval,
		maxErrors: opts.MaxErrors,
		retention: opts.Retention,
		onStatus:  opts.OnStatus,
		log:       opts.Logger,
		now:       opts.Now,
		status:    Status{Phase: PhaseIdle, Message: "agent idle"},
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.maxErrors <= 0 {
		t.maxErrors = DefaultMaxErrors
	}
	if t.retention <= 0 {
		t.retention = DefaultRetention
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.log = t.log.With("component", "trader")
	if t.now == nil {
		t.now = time.Now
	}

	if t.store != nil {
		var st State
		ok, err := t.store.LatestState(ctx, &st)
		switch {
		case err != nil:
			t.log.Error("failed to load state", "error", err)
		case ok:
			t.state = st
			t.log.Info("state loaded", "cycles", st.Cycles, "trades", len(st.TradeHistory))
		}
	}
	return t
}

// Start launches the trading loop. ctx bounds the loop's lifetime, so it
// should outlive the caller that asked for the start.
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		t.log.Warn("agent already running")
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.status.Started = t.now()
	t.status.ConsecutiveErrors = 0
	t.status.LastError = ""
	t.mu.Unlock()

	t.setPhase(PhaseStarting, "starting agent")
	go t.run(ctx, done)
	return nil
}

// Stop ends the loop and waits for the final state save.
func (t *Trader) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		t.log.Warn("agent already stopped")
		return ErrNotRunning
	}

	t.setPhase(PhaseStopping, "stopping agent")
	cancel()
	<-done
	return nil
}

func (t *Trader) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Trader) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Trader) snapshotLocked() Status {
	s := t.status
	s.Running = t.cancel != nil
	s.Ships = append([]ShipSummary(nil), t.status.Ships...)
	s.State = t.state.clone()
	s.RecentTrades = t.state.recent(10)
	return s
}

func (t *Trader) setPhase(p Phase, msg string) {
	t.mu.Lock()
	t.status.Phase = p
	t.status.Message = msg
	s := t.snapshotLocked()
	t.mu.Unlock()

	t.log.Info(msg, "phase", p)
	t.publish(s)
}

func (t *Trader) publish(s Status) {
	if t.onStatus != nil {
		t.onStatus(s)
	}
}

func (t *Trader) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.interval
	b.MaxInterval = 10 * t.interval

	t.setPhase(PhaseRunning, "agent running")
	finalPhase, finalMsg := PhaseStopped, "agent stopped"
	defer func() { t.finish(finalPhase, finalMsg) }()

	for {
		err := t.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := t.interval
		if err != nil {
			n := t.failed(err)
			t.log.Error("error in automation loop", "error", err, "consecutive", n, "max_errors", t.maxErrors)
			if n >= t.maxErrors {
				t.log.Error("maximum errors reached, stopping automation")
				finalPhase, finalMsg = PhaseFailed, "stopped after repeated errors: "+err.Error()
				return
			}
			wait = b.NextBackOff()
		} else {
			b.Reset()
			t.succeeded()
		}
		t.save(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Trader) failed(err error) int {
	t.mu.Lock()
	t.status.ConsecutiveErrors++
	t.status.LastError = err.Error()
	n := t.status.ConsecutiveErrors
	s := t.snapshotLocked()
	t.mu.Unlock()
	t.publish(s)
	return n
}

func (t *Trader) succeeded() {
	t.mu.Lock()
	t.status.ConsecutiveErrors = 0
	s := t.snapshotLocked()
	t.mu.Unlock()
	t.publish(s)
}

// finish runs once the loop exits: a final save, pruning of old
// snapshots and the last status change.
func (t *Trader) finish(p Phase, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.save(ctx)
	if t.store != nil {
		if _, err := t.store.CleanupStates(ctx, t.retention); err != nil {
			t.log.Error("failed to clean up old states", "error", err)
		}
	}

	// the final status is out before Running reports false
	t.mu.Lock()
	t.status.Phase, t.status.Message = p, msg
	s := t.snapshotLocked()
	s.Running = false
	t.mu.Unlock()
	t.log.Info(msg, "phase", p)
	t.publish(s)

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
}

func (t *Trader) save(ctx context.Context) {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	st := t.state.clone()
	t.mu.Unlock()
	if _, err := t.store.SaveState(ctx, st); err != nil {
		t.log.Error("failed to save state", "error", err)
	}
}
