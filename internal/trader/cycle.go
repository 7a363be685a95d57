package trader

import (
	"context"
	"errors"
	"fmt"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

const (
	traitMarketplace = "MARKETPLACE"
	traitShipyard    = "SHIPYARD"
	fuel             = "FUEL"
)

// round is what one cycle shares between its ships.
type round struct {
	credits  int64
	contract *types.Contract
}

// cycle runs one pass over the agent and its ships. A failure on one ship
// does not stop the others; all of them are reported together.
func (t *Trader) cycle(ctx context.Context) error {
	started := t.now()

	agent, err := t.client.Agent(ctx)
	if err != nil {
		return fmt.Errorf("fetch agent: %w", err)
	}
	t.recordAgent(ctx, agent)

	ships, err := t.client.Ships(ctx)
	if err != nil {
		return fmt.Errorf("fetch ships: %w", err)
	}

	r := &round{credits: agent.Credits}
	r.contract, err = t.ensureContract(ctx, ships)
	if err != nil {
		t.log.Warn("contract negotiation failed", "error", err)
	}
	if err := t.ensureMiner(ctx, r, ships); err != nil {
		t.log.Warn("mining ship purchase failed", "error", err)
	}

	var errs []error
	summaries := make([]ShipSummary, 0, len(ships))
	for i := range ships {
		if err := ctx.Err(); err != nil {
			return err
		}
		ship := &ships[i]
		action, err := t.tend(ctx, r, ship)
		if err != nil {
			errs = append(errs, fmt.Errorf("ship %s: %w", ship.Symbol, err))
			action = "error: " + err.Error()
		}
		summaries = append(summaries, ShipSummary{
			Symbol:   ship.Symbol,
			Status:   ship.Nav.Status,
			Waypoint: ship.Nav.WaypointSymbol,
			Cargo:    ship.Cargo.Units,
			Capacity: ship.Cargo.Capacity,
			Fuel:     ship.Fuel.Current,
			FuelCap:  ship.Fuel.Capacity,
			Action:   action,
		})
	}

	if r.contract != nil && r.contract.Active() && r.contract.Delivered() {
		if err := t.fulfill(ctx, r.contract); err != nil {
			errs = append(errs, err)
		}
	}

	t.mu.Lock()
	t.state.Cycles++
	t.status.Agent = agent
	t.status.Agent.Credits = r.credits
	t.status.Ships = summaries
	t.status.LastCycle = started
	if r.contract != nil {
		t.status.Contract = r.contract.ID
	}
	t.mu.Unlock()

	t.log.Debug("cycle complete", "ships", len(ships), "credits", r.credits, "duration", t.now().Sub(started))
	return errors.Join(errs...)
}

func (t *Trader) recordAgent(ctx context.Context, agent types.Agent) {
	if t.store == nil {
		return
	}
	rec := types.AgentRecord{Timestamp: t.now(), ShipCount: agent.ShipCount, Credits: agent.Credits}
	if err := t.store.RecordAgent(ctx, agent.Symbol, rec); err != nil {
		t.log.Error("failed to record agent", "error", err)
	}
}

// tend decides and performs the next step for one ship and describes
// what it did. ship is updated with what the server reported back.
func (t *Trader) tend(ctx context.Context, r *round, ship *types.Ship) (string, error) {
	l := t.log.With("ship", ship.Symbol)
	if ship.Nav.Status == types.NavInTransit {
		if ship.Nav.Route.Arrival.After(t.now()) {
			l.Debug("in transit", "arrival", ship.Nav.Route.Arrival)
			return "in transit", nil
		}
		// the ship list may predate the arrival
		nav, err := t.client.ShipNav(ctx, ship.Symbol)
		if err != nil {
			return "", fmt.Errorf("nav: %w", err)
		}
		ship.Nav = nav
		if nav.Status == types.NavInTransit {
			return "in transit", nil
		}
	}

	cd, err := t.client.Cooldown(ctx, ship.Symbol)
	if err != nil {
		return "", fmt.Errorf("cooldown: %w", err)
	}
	if cd.RemainingSeconds > 0 {
		l.Debug("on cooldown", "remaining", cd.RemainingSeconds)
		return fmt.Sprintf("cooling down %ds", cd.RemainingSeconds), nil
	}

	wps, err := t.client.Waypoints(ctx, ship.Nav.SystemSymbol)
	if err != nil {
		return "", fmt.Errorf("waypoints: %w", err)
	}
	here, ok := find(wps, ship.Nav.WaypointSymbol)
	if !ok {
		return "", fmt.Errorf("waypoint %s not found in %s", ship.Nav.WaypointSymbol, ship.Nav.SystemSymbol)
	}

	want := wanted(r.contract, wps)
	if deliverableAt(ship, want, here.Symbol) {
		return "delivering contract goods", t.deliver(ctx, r, ship, here, want)
	}

	switch {
	case ship.Cargo.Capacity > 0 && ship.Cargo.Full():
		return t.unload(ctx, ship, here, wps, want)

	case ship.CanMine() && here.IsAsteroid():
		return "extracting", t.extract(ctx, ship)

	case ship.CanMine():
		rock, ok := nearest(here, wps, types.Waypoint.IsAsteroid)
		if !ok {
			l.Warn("no asteroid in system")
			return "no asteroid in system", nil
		}
		return "heading to asteroid " + rock.Symbol, t.navigate(ctx, ship, rock)
	}
	return t.haul(ctx, r, ship, here, wps, want)
}

func (t *Trader) extract(ctx context.Context, ship *types.Ship) error {
	if ship.Nav.Status != types.NavInOrbit {
		nav, err := t.client.Orbit(ctx, ship.Symbol)
		if err != nil {
			return fmt.Errorf("orbit: %w", err)
		}
		ship.Nav = nav
	}

	t.mu.Lock()
	t.state.MiningAttempts++
	t.mu.Unlock()

	res, err := t.client.Extract(ctx, ship.Symbol)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	ship.Cargo = res.Cargo
	y := res.Extraction.Yield
	if y.Units <= 0 {
		t.log.Info("extraction yielded nothing", "ship", ship.Symbol)
		return nil
	}

	t.mu.Lock()
	t.state.MiningSuccesses++
	t.mu.Unlock()
	t.trade(Trade{
		Time:     t.now(),
		Ship:     ship.Symbol,
		Kind:     KindExtract,
		Waypoint: ship.Nav.WaypointSymbol,
		Symbol:   y.Symbol,
		Units:    y.Units,
	})
	t.log.Info("extracted", "ship", ship.Symbol, "good", y.Symbol, "units", y.Units,
		"cargo", res.Cargo.Units, "capacity", res.Cargo.Capacity)
	return nil
}

func (t *Trader) navigate(ctx context.Context, ship *types.Ship, to types.Waypoint) error {
	if ship.Nav.Status == types.NavDocked {
		nav, err := t.client.Orbit(ctx, ship.Symbol)
		if err != nil {
			return fmt.Errorf("orbit: %w", err)
		}
		ship.Nav = nav
	}
	res, err := t.client.Navigate(ctx, ship.Symbol, to.Symbol)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", to.Symbol, err)
	}
	ship.Nav, ship.Fuel = res.Nav, res.Fuel

	t.mu.Lock()
	t.state.visit(to.Symbol)
	t.mu.Unlock()
	t.log.Info("navigating", "ship", ship.Symbol, "to", to.Symbol, "arrival", res.Nav.Route.Arrival, "fuel", res.Fuel.Current)
	return nil
}

func (t *Trader) dock(ctx context.Context, ship *types.Ship) error {
	if ship.Nav.Status == types.NavDocked {
		return nil
	}
	nav, err := t.client.Dock(ctx, ship.Symbol)
	if err != nil {
		return fmt.Errorf("dock: %w", err)
	}
	ship.Nav = nav
	return nil
}

func (t *Trader) trade(tr Trade) {
	t.mu.Lock()
	t.state.addTrade(tr)
	t.mu.Unlock()
	t.log.Info("trade", "ship", tr.Ship, "kind", tr.Kind, "good", tr.Symbol, "units", tr.Units, "total", tr.Total)
}
