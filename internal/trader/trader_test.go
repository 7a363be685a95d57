package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// fakeGame is an in-memory stand-in for the API client. It applies the
// effect of each command to its ships so consecutive cycles behave.
type fakeGame struct {
	mu        sync.Mutex
	agent     types.Agent
	ships     []types.Ship
	contracts []types.Contract
	waypoints []types.Waypoint
	markets   map[string]types.Market
	shipyards map[string]types.Shipyard
	cooldowns map[string]int
	extract   types.Extraction
	fail      map[string]error
	calls     []string
}

func newFakeGame() *fakeGame {
	return &fakeGame{
		agent:     types.Agent{Symbol: "BURG", Credits: 175000, ShipCount: 1},
		markets:   map[string]types.Market{},
		shipyards: map[string]types.Shipyard{},
		cooldowns: map[string]int{},
		fail:      map[string]error{},
	}
}

func (g *fakeGame) record(call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	name, _, _ := strings.Cut(call, " ")
	return g.fail[name]
}

func (g *fakeGame) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func (g *fakeGame) called(name string) int {
	n := 0
	for _, c := range g.Calls() {
		if c == name || strings.HasPrefix(c, name+" ") {
			n++
		}
	}
	return n
}

func (g *fakeGame) ship(symbol string) *types.Ship {
	for i := range g.ships {
		if g.ships[i].Symbol == symbol {
			return &g.ships[i]
		}
	}
	return nil
}

// load moves units of a good into or, when negative, out of the hold.
// The inventory is rebuilt so copies handed out earlier stay untouched.
func load(s *types.Ship, symbol string, units int) {
	inv := make([]types.CargoItem, 0, len(s.Cargo.Inventory)+1)
	found := false
	for _, it := range s.Cargo.Inventory {
		if it.Symbol == symbol {
			it.Units += units
			found = true
		}
		if it.Units > 0 {
			inv = append(inv, it)
		}
	}
	if !found && units > 0 {
		inv = append(inv, types.CargoItem{Symbol: symbol, Units: units})
	}
	s.Cargo.Inventory = inv
	s.Cargo.Units += units
}

func (g *fakeGame) Agent(ctx context.Context) (types.Agent, error) {
	if err := g.record("Agent"); err != nil {
		return types.Agent{}, err
	}
	return g.agent, nil
}

func (g *fakeGame) Ships(ctx context.Context) ([]types.Ship, error) {
	if err := g.record("Ships"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.ships), nil
}

func (g *fakeGame) Ship(ctx context.Context, ship string) (types.Ship, error) {
	if err := g.record("Ship " + ship); err != nil {
		return types.Ship{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := *g.ship(ship)
	s.Cargo.Inventory = slices.Clone(s.Cargo.Inventory)
	return s, nil
}

// ShipNav lands ships whose arrival time has passed.
func (g *fakeGame) ShipNav(ctx context.Context, ship string) (types.ShipNav, error) {
	if err := g.record("ShipNav " + ship); err != nil {
		return types.ShipNav{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	if s.Nav.Status == types.NavInTransit && !s.Nav.Route.Arrival.After(time.Now()) {
		s.Nav.Status = types.NavInOrbit
	}
	return s.Nav, nil
}

func (g *fakeGame) Contracts(ctx context.Context) ([]types.Contract, error) {
	if err := g.record("Contracts"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.contracts), nil
}

func (g *fakeGame) NegotiateContract(ctx context.Context, ship string) (types.Contract, error) {
	if err := g.record("NegotiateContract " + ship); err != nil {
		return types.Contract{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := types.Contract{ID: "c-new", Type: "PROCUREMENT"}
	g.contracts = append(g.contracts, c)
	return c, nil
}

func (g *fakeGame) AcceptContract(ctx context.Context, id string) (types.Contract, error) {
	if err := g.record("AcceptContract " + id); err != nil {
		return types.Contract{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.contracts {
		if g.contracts[i].ID == id {
			g.contracts[i].Accepted = true
			return g.contracts[i], nil
		}
	}
	return types.Contract{}, fmt.Errorf("no contract %s", id)
}

func (g *fakeGame) contract(id string) *types.Contract {
	for i := range g.contracts {
		if g.contracts[i].ID == id {
			return &g.contracts[i]
		}
	}
	return nil
}

func (g *fakeGame) DeliverContract(ctx context.Context, id, ship, symbol string, units int) (types.Contract, error) {
	if err := g.record(fmt.Sprintf("DeliverContract %s %s %s %d", id, ship, symbol, units)); err != nil {
		return types.Contract{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.contract(id)
	for i := range c.Terms.Deliver {
		if c.Terms.Deliver[i].TradeSymbol == symbol {
			c.Terms.Deliver[i].UnitsFulfilled += units
		}
	}
	load(g.ship(ship), symbol, -units)
	out := *c
	out.Terms.Deliver = slices.Clone(c.Terms.Deliver)
	return out, nil
}

func (g *fakeGame) FulfillContract(ctx context.Context, id string) (types.Contract, error) {
	if err := g.record("FulfillContract " + id); err != nil {
		return types.Contract{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.contract(id)
	c.Fulfilled = true
	g.agent.Credits += int64(c.Terms.Payment.OnFulfilled)
	return *c, nil
}

func (g *fakeGame) Cooldown(ctx context.Context, ship string) (types.Cooldown, error) {
	if err := g.record("Cooldown " + ship); err != nil {
		return types.Cooldown{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return types.Cooldown{ShipSymbol: ship, RemainingSeconds: g.cooldowns[ship]}, nil
}

func (g *fakeGame) Waypoints(ctx context.Context, system string) ([]types.Waypoint, error) {
	if err := g.record("Waypoints " + system); err != nil {
		return nil, err
	}
	return g.waypoints, nil
}

func (g *fakeGame) Waypoint(ctx context.Context, system, waypoint string) (types.Waypoint, error) {
	if err := g.record("Waypoint " + waypoint); err != nil {
		return types.Waypoint{}, err
	}
	for _, w := range g.waypoints {
		if w.Symbol == waypoint {
			return w, nil
		}
	}
	return types.Waypoint{}, fmt.Errorf("no waypoint %s", waypoint)
}

func (g *fakeGame) Shipyard(ctx context.Context, system, waypoint string) (types.Shipyard, error) {
	if err := g.record("Shipyard " + waypoint); err != nil {
		return types.Shipyard{}, err
	}
	y, ok := g.shipyards[waypoint]
	if !ok {
		return y, fmt.Errorf("no shipyard at %s", waypoint)
	}
	return y, nil
}

func (g *fakeGame) Market(ctx context.Context, system, waypoint string) (types.Market, error) {
	if err := g.record("Market " + waypoint); err != nil {
		return types.Market{}, err
	}
	m, ok := g.markets[waypoint]
	if !ok {
		return m, fmt.Errorf("no market at %s", waypoint)
	}
	return m, nil
}

func (g *fakeGame) setStatus(ship, status string) types.ShipNav {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	s.Nav.Status = status
	return s.Nav
}

func (g *fakeGame) Dock(ctx context.Context, ship string) (types.ShipNav, error) {
	if err := g.record("Dock " + ship); err != nil {
		return types.ShipNav{}, err
	}
	return g.setStatus(ship, types.NavDocked), nil
}

func (g *fakeGame) Orbit(ctx context.Context, ship string) (types.ShipNav, error) {
	if err := g.record("Orbit " + ship); err != nil {
		return types.ShipNav{}, err
	}
	return g.setStatus(ship, types.NavInOrbit), nil
}

func (g *fakeGame) Refuel(ctx context.Context, ship string) (types.RefuelResult, error) {
	if err := g.record("Refuel " + ship); err != nil {
		return types.RefuelResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	units := s.Fuel.Capacity - s.Fuel.Current
	s.Fuel.Current = s.Fuel.Capacity
	return types.RefuelResult{
		Fuel:        s.Fuel,
		Transaction: types.Transaction{Units: units, PricePerUnit: 2, TotalPrice: 2 * units},
	}, nil
}

func (g *fakeGame) Extract(ctx context.Context, ship string) (types.Extraction, error) {
	if err := g.record("Extract " + ship); err != nil {
		return types.Extraction{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	if y := g.extract.Extraction.Yield; y.Units > 0 {
		load(s, y.Symbol, y.Units)
	}
	res := g.extract
	res.Cargo = s.Cargo
	return res, nil
}

func (g *fakeGame) Sell(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error) {
	if err := g.record(fmt.Sprintf("Sell %s %s %d", ship, symbol, units)); err != nil {
		return types.TradeResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	load(s, symbol, -units)
	g.agent.Credits += int64(10 * units)
	return types.TradeResult{
		Cargo:       s.Cargo,
		Transaction: types.Transaction{TradeSymbol: symbol, Units: units, PricePerUnit: 10, TotalPrice: 10 * units},
	}, nil
}

func (g *fakeGame) Purchase(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error) {
	if err := g.record(fmt.Sprintf("Purchase %s %s %d", ship, symbol, units)); err != nil {
		return types.TradeResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	good, _ := g.markets[s.Nav.WaypointSymbol].Sells(symbol)
	load(s, symbol, units)
	total := good.PurchasePrice * units
	g.agent.Credits -= int64(total)
	return types.TradeResult{
		Cargo:       s.Cargo,
		Transaction: types.Transaction{TradeSymbol: symbol, Units: units, PricePerUnit: good.PurchasePrice, TotalPrice: total},
	}, nil
}

func (g *fakeGame) Jettison(ctx context.Context, ship, symbol string, units int) (types.ShipCargo, error) {
	if err := g.record(fmt.Sprintf("Jettison %s %s %d", ship, symbol, units)); err != nil {
		return types.ShipCargo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	load(s, symbol, -units)
	return s.Cargo, nil
}

func (g *fakeGame) PurchaseShip(ctx context.Context, shipType, waypoint string) (types.Ship, error) {
	if err := g.record("PurchaseShip " + shipType + " " + waypoint); err != nil {
		return types.Ship{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	offer, _ := g.shipyards[waypoint].Listing(shipType)
	s := miner(waypoint, types.NavDocked)
	s.Symbol = fmt.Sprintf("BURG-%d", len(g.ships)+1)
	g.ships = append(g.ships, s)
	g.agent.Credits -= offer.PurchasePrice
	g.agent.ShipCount++
	return s, nil
}

func (g *fakeGame) Navigate(ctx context.Context, ship, waypoint string) (types.NavResult, error) {
	if err := g.record("Navigate " + ship + " " + waypoint); err != nil {
		return types.NavResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.ship(ship)
	s.Nav.Status = types.NavInTransit
	s.Nav.WaypointSymbol = waypoint
	s.Nav.Route.Arrival = time.Now()
	return types.NavResult{Nav: s.Nav, Fuel: s.Fuel}, nil
}

// memStore keeps snapshots as JSON, like the database does.
type memStore struct {
	mu      sync.Mutex
	states  [][]byte
	records []types.AgentRecord
	cleaned int
}

func (m *memStore) SaveState(ctx context.Context, state any) (bool, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.states); n > 0 && string(m.states[n-1]) == string(b) {
		return false, nil
	}
	m.states = append(m.states, b)
	return true, nil
}

func (m *memStore) LatestState(ctx context.Context, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(m.states[len(m.states)-1], v)
}

func (m *memStore) CleanupStates(ctx context.Context, keep time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaned++
	return 0, nil
}

func (m *memStore) RecordAgent(ctx context.Context, symbol string, rec types.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) Saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	hq       = types.Waypoint{Symbol: "X1-HQ", Type: "PLANET", X: 0, Y: 0, Traits: []types.Trait{{Symbol: "MARKETPLACE"}}}
	farRock  = types.Waypoint{Symbol: "X1-FAR", Type: "ASTEROID", X: 40, Y: 30}
	nearRock = types.Waypoint{Symbol: "X1-NEAR", Type: "ENGINEERED_ASTEROID", X: -6, Y: 8}
	moon     = types.Waypoint{Symbol: "X1-MOON", Type: "MOON", X: 1, Y: 1}
	depot    = types.Waypoint{Symbol: "X1-DEPOT", Type: "ORBITAL_STATION", X: 20, Y: 0, Traits: []types.Trait{{Symbol: "MARKETPLACE"}}}
	yard     = types.Waypoint{Symbol: "X1-YARD", Type: "MOON", X: 2, Y: 2, Traits: []types.Trait{{Symbol: "SHIPYARD"}}}
)

func contractFor(id string, deliver ...types.ContractDeliver) types.Contract {
	c := types.Contract{ID: id, Accepted: true}
	c.Terms.Deliver = deliver
	c.Terms.Payment.OnFulfilled = 5000
	return c
}

// hauler is a ship without mining mounts.
func hauler(at string, status string) types.Ship {
	s := miner(at, status)
	s.Mounts = nil
	s.Cargo.Capacity = 40
	return s
}

func miner(at string, status string) types.Ship {
	s := types.Ship{Symbol: "BURG-1"}
	s.Nav = types.ShipNav{SystemSymbol: "X1", WaypointSymbol: at, Status: status}
	s.Cargo = types.ShipCargo{Capacity: 30}
	s.Fuel = types.ShipFuel{Current: 100, Capacity: 100}
	s.Mounts = []types.ShipMount{{Symbol: "MOUNT_MINING_LASER_I"}}
	return s
}

func newTestTrader(t *testing.T, g *fakeGame, store Store) *Trader {
	t.Helper()
	opts := Options{Interval: time.Millisecond, MaxErrors: 3, Logger: quietLogger()}
	if store != nil {
		opts.Store = store
	}
	return New(context.Background(), g, opts)
}

func TestSellsCargoWhenHoldIsFull(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	ship := miner("X1-HQ", types.NavInOrbit)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{
		{Symbol: "IRON_ORE", Units: 25},
		{Symbol: "QUARTZ_SAND", Units: 5},
	}}
	ship.Fuel.Current = 60
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.markets["X1-HQ"] = types.Market{
		Symbol: "X1-HQ",
		TradeGoods: []types.TradeGood{
			{Symbol: "IRON_ORE", TradeVolume: 10},
			{Symbol: "FUEL", TradeVolume: 100},
		},
	}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"Market X1-HQ",
		"Dock BURG-1",
		"Sell BURG-1 IRON_ORE 10",
		"Sell BURG-1 IRON_ORE 10",
		"Sell BURG-1 IRON_ORE 5",
		"Refuel BURG-1",
	}
	calls := g.Calls()
	i := slices.Index(calls, "Market X1-HQ")
	if i < 0 || !slices.Equal(calls[i:], want) {
		t.Errorf("calls = %v, want suffix %v", calls, want)
	}

	st := tr.Status()
	if st.State.TradesCompleted != 3 {
		t.Errorf("trades = %d", st.State.TradesCompleted)
	}
	// 250 from ore, 80 spent on fuel
	if st.State.TotalProfits != 170 {
		t.Errorf("profits = %d", st.State.TotalProfits)
	}
	if st.RecentTrades[0].Kind != KindRefuel {
		t.Errorf("newest trade = %+v", st.RecentTrades[0])
	}
}

func TestFullHoldAwayFromMarketHeadsToMarket(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	ship := miner("X1-NEAR", types.NavInOrbit)
	ship.Cargo.Units = 30
	ship.Cargo.Inventory = []types.CargoItem{{Symbol: "IRON_ORE", Units: 30}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.called("Navigate BURG-1 X1-HQ") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
	if g.called("Extract") != 0 {
		t.Error("extracted with a full hold")
	}
}

func TestExtractsAtAsteroid(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	g.ships = []types.Ship{miner("X1-NEAR", types.NavDocked)}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.extract.Extraction.Yield.Symbol = "IRON_ORE"
	g.extract.Extraction.Yield.Units = 7

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	calls := g.Calls()
	orbit, extract := slices.Index(calls, "Orbit BURG-1"), slices.Index(calls, "Extract BURG-1")
	if orbit < 0 || extract < 0 || orbit > extract {
		t.Errorf("calls = %v, want orbit before extract", calls)
	}
	st := tr.Status()
	if st.State.MiningAttempts != 1 || st.State.MiningSuccesses != 1 {
		t.Errorf("mining = %d/%d", st.State.MiningSuccesses, st.State.MiningAttempts)
	}
	if len(st.Ships) != 1 || st.Ships[0].Action != "extracting" {
		t.Errorf("ships = %+v", st.Ships)
	}
}

func TestNavigatesToNearestAsteroid(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, farRock, moon, nearRock}
	g.ships = []types.Ship{miner("X1-HQ", types.NavDocked)}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.called("Navigate BURG-1 X1-NEAR") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
	if g.called("Orbit BURG-1") != 1 {
		t.Error("docked ship was not put in orbit before navigating")
	}
	if got := tr.Status().State.VisitedWaypoints; !slices.Equal(got, []string{"X1-NEAR"}) {
		t.Errorf("visited = %v", got)
	}
}

func TestSkipsShipsInTransitOrCoolingDown(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	moving := miner("X1-HQ", types.NavInTransit)
	moving.Symbol = "BURG-1"
	moving.Nav.Route.Arrival = time.Now().Add(time.Hour)
	resting := miner("X1-NEAR", types.NavInOrbit)
	resting.Symbol = "BURG-2"
	g.ships = []types.Ship{moving, resting}
	g.cooldowns["BURG-2"] = 40
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, "Extract") || strings.HasPrefix(c, "Navigate") ||
			strings.HasPrefix(c, "Cooldown BURG-1") || strings.HasPrefix(c, "ShipNav") {
			t.Errorf("unexpected call %q", c)
		}
	}
	ships := tr.Status().Ships
	if ships[0].Action != "in transit" || ships[1].Action != "cooling down 40s" {
		t.Errorf("actions = %q, %q", ships[0].Action, ships[1].Action)
	}
}

func TestContractHandling(t *testing.T) {
	tests := []struct {
		name      string
		contracts []types.Contract
		want      []string
		contract  string
	}{
		{"active contract left alone", []types.Contract{{ID: "c-1", Accepted: true}}, nil, "c-1"},
		{"offered contract accepted", []types.Contract{{ID: "c-2"}}, []string{"AcceptContract c-2"}, "c-2"},
		{"none negotiates", nil, []string{"NegotiateContract BURG-1", "AcceptContract c-new"}, "c-new"},
		{"fulfilled negotiates", []types.Contract{{ID: "c-3", Accepted: true, Fulfilled: true}}, []string{"NegotiateContract BURG-1", "AcceptContract c-new"}, "c-new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGame()
			g.waypoints = []types.Waypoint{hq}
			g.ships = []types.Ship{miner("X1-HQ", types.NavInTransit)}
			g.contracts = tt.contracts

			tr := newTestTrader(t, g, nil)
			if err := tr.cycle(context.Background()); err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, c := range g.Calls() {
				if strings.Contains(c, "Contract ") {
					got = append(got, c)
				}
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("contract calls = %v, want %v", got, tt.want)
			}
			if c := tr.Status().Contract; c != tt.contract {
				t.Errorf("contract = %q, want %q", c, tt.contract)
			}
		})
	}
}

func TestNegotiationFailureDoesNotFailCycle(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq}
	g.ships = []types.Ship{miner("X1-HQ", types.NavInTransit)}
	g.fail["NegotiateContract"] = errors.New("400 not at faction hq")

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
}

func TestShipErrorsAreJoined(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	a := miner("X1-NEAR", types.NavInOrbit)
	a.Symbol = "BURG-1"
	b := miner("X1-NEAR", types.NavInOrbit)
	b.Symbol = "BURG-2"
	g.ships = []types.Ship{a, b}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.fail["Extract"] = errors.New("asteroid depleted")

	tr := newTestTrader(t, g, nil)
	err := tr.cycle(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "BURG-1") || !strings.Contains(err.Error(), "BURG-2") {
		t.Errorf("err = %v", err)
	}
	if g.called("Extract") != 2 {
		t.Error("one ship's failure stopped the other")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopsItselfAfterMaxErrors(t *testing.T) {
	g := newFakeGame()
	g.fail["Agent"] = errors.New("server unavailable")
	store := &memStore{}

	var mu sync.Mutex
	var phases []Phase
	tr := New(context.Background(), g, Options{
		Interval:  time.Millisecond,
		MaxErrors: 3,
		Store:     store,
		Logger:    quietLogger(),
		OnStatus: func(s Status) {
			mu.Lock()
			defer mu.Unlock()
			if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
				phases = append(phases, s.Phase)
			}
		},
	})

	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trader to stop", func() bool { return !tr.Running() })

	st := tr.Status()
	if st.Phase != PhaseFailed {
		t.Errorf("phase = %s", st.Phase)
	}
	if st.ConsecutiveErrors != 3 || g.called("Agent") != 3 {
		t.Errorf("errors = %d, agent calls = %d", st.ConsecutiveErrors, g.called("Agent"))
	}
	if !strings.Contains(st.LastError, "server unavailable") {
		t.Errorf("last error = %q", st.LastError)
	}
	if store.cleaned != 1 {
		t.Errorf("cleanup ran %d times", store.cleaned)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhaseStarting, PhaseRunning, PhaseFailed}
	if !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
	if err := tr.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop after self-stop = %v", err)
	}
}

func TestStartStop(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	g.ships = []types.Ship{miner("X1-NEAR", types.NavInOrbit)}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.extract.Extraction.Yield.Symbol = "IRON_ORE"
	g.extract.Extraction.Yield.Units = 1
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}}}
	store := &memStore{}
	tr := newTestTrader(t, g, store)

	if err := tr.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stop before start = %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start = %v", err)
	}
	waitFor(t, "a cycle", func() bool { return tr.Status().State.Cycles >= 2 })

	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}
	if tr.Running() {
		t.Error("still running after stop")
	}
	st := tr.Status()
	if st.Phase != PhaseStopped {
		t.Errorf("phase = %s", st.Phase)
	}
	if store.Saved() == 0 {
		t.Error("state was never saved")
	}
	if len(store.records) == 0 || store.records[0].Credits != 175000 {
		t.Errorf("agent records = %+v", store.records)
	}

	var saved State
	if ok, _ := store.LatestState(context.Background(), &saved); !ok || saved.Cycles != st.State.Cycles {
		t.Errorf("saved cycles = %d, status cycles = %d", saved.Cycles, st.State.Cycles)
	}

	// restartable
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := tr.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestParentContextStopsTrader(t *testing.T) {
	g := newFakeGame()
	g.ships = nil
	tr := newTestTrader(t, g, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitFor(t, "trader to stop", func() bool { return !tr.Running() })
	if tr.Status().Phase != PhaseStopped {
		t.Errorf("phase = %s", tr.Status().Phase)
	}
}

func TestRestoresSavedState(t *testing.T) {
	store := &memStore{}
	prior := State{Cycles: 41, MiningAttempts: 9, TradeHistory: []Trade{{Kind: KindSell, Symbol: "IRON_ORE", Units: 3}}}
	if _, err := store.SaveState(context.Background(), prior); err != nil {
		t.Fatal(err)
	}

	tr := newTestTrader(t, newFakeGame(), store)
	st := tr.Status().State
	if st.Cycles != 41 || st.MiningAttempts != 9 || len(st.TradeHistory) != 1 {
		t.Errorf("restored = %+v", st)
	}
}

func TestTradeHistoryIsCapped(t *testing.T) {
	var s State
	for i := 0; i < historyLimit+25; i++ {
		s.addTrade(Trade{Kind: KindSell, Units: i, Total: 1})
	}
	if len(s.TradeHistory) != historyLimit {
		t.Fatalf("history = %d", len(s.TradeHistory))
	}
	if s.TradeHistory[0].Units != 25 {
		t.Errorf("oldest kept = %d, want 25", s.TradeHistory[0].Units)
	}
	if s.TradesCompleted != historyLimit+25 || s.TotalProfits != historyLimit+25 {
		t.Errorf("counters = %d, %d", s.TradesCompleted, s.TotalProfits)
	}
	if r := s.recent(3); len(r) != 3 || r[0].Units != historyLimit+24 {
		t.Errorf("recent = %+v", r)
	}
}

func TestNearest(t *testing.T) {
	wps := []types.Waypoint{hq, farRock, moon, nearRock}
	tests := []struct {
		name  string
		from  types.Waypoint
		match func(types.Waypoint) bool
		want  string
		found bool
	}{
		{"closest asteroid", hq, types.Waypoint.IsAsteroid, "X1-NEAR", true},
		{"skips itself", nearRock, types.Waypoint.IsAsteroid, "X1-FAR", true},
		{"market", farRock, func(w types.Waypoint) bool { return w.HasTrait("MARKETPLACE") }, "X1-HQ", true},
		{"no match", hq, func(w types.Waypoint) bool { return w.Type == "GAS_GIANT" }, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := nearest(tt.from, wps, tt.match)
			if ok != tt.found || got.Symbol != tt.want {
				t.Errorf("nearest = %q, %v", got.Symbol, ok)
			}
		})
	}
}

func TestUnsellableCargoGoesToAnotherMarket(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, depot, nearRock}
	ship := miner("X1-HQ", types.NavDocked)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{{Symbol: "ALUMINUM_ORE", Units: 30}}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}}}
	g.markets["X1-DEPOT"] = types.Market{Symbol: "X1-DEPOT", TradeGoods: []types.TradeGood{{Symbol: "ALUMINUM_ORE", TradeVolume: 15}}}

	tr := newTestTrader(t, g, nil)
	for range 2 {
		if err := tr.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	calls := g.Calls()
	nav := slices.Index(calls, "Navigate BURG-1 X1-DEPOT")
	sell := slices.Index(calls, "Sell BURG-1 ALUMINUM_ORE 15")
	if nav < 0 || sell < nav {
		t.Fatalf("calls = %v, want navigate to the depot then sell", calls)
	}
	if g.called("Sell BURG-1 ALUMINUM_ORE 15") != 2 {
		t.Errorf("calls = %v", calls)
	}
	if g.called("Jettison") != 0 {
		t.Error("jettisoned cargo another market buys")
	}
	if got := g.ship("BURG-1").Cargo.Units; got != 0 {
		t.Errorf("cargo = %d after selling", got)
	}
}

func TestCargoNoMarketBuysIsJettisoned(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	ship := miner("X1-HQ", types.NavInOrbit)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{{Symbol: "ALUMINUM_ORE", Units: 30}}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}}}

	tr := newTestTrader(t, g, nil)
	for range 2 {
		if err := tr.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if g.called("Sell") != 0 || g.called("Dock") != 0 {
		t.Errorf("calls = %v", g.Calls())
	}
	if g.called("Jettison BURG-1 ALUMINUM_ORE 30") != 1 {
		t.Errorf("calls = %v, want one jettison", g.Calls())
	}
	// the freed hold sends the miner back to work
	if g.called("Navigate BURG-1 X1-NEAR") != 1 {
		t.Errorf("calls = %v, want navigate to asteroid", g.Calls())
	}
	st := tr.Status()
	if st.RecentTrades[0].Kind != KindJettison || st.State.TradesCompleted != 0 {
		t.Errorf("trades = %+v", st.RecentTrades)
	}
}

func TestContractGoodsAreKeptWhenSelling(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, depot, nearRock}
	ship := miner("X1-HQ", types.NavDocked)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{
		{Symbol: "IRON_ORE", Units: 10},
		{Symbol: "QUARTZ_SAND", Units: 20},
	}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{contractFor("c-1", types.ContractDeliver{TradeSymbol: "IRON_ORE", DestinationSymbol: "X1-DEPOT", UnitsRequired: 50})}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}, {Symbol: "QUARTZ_SAND"}}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.called("Sell BURG-1 IRON_ORE") != 0 {
		t.Errorf("sold contract goods: %v", g.Calls())
	}
	if g.called("Sell BURG-1 QUARTZ_SAND 20") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
	if held := g.ship("BURG-1").Cargo.Held("IRON_ORE"); held != 10 {
		t.Errorf("iron ore on board = %d", held)
	}
}

func TestFullHoldOfContractGoodsHeadsToDestination(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, depot, nearRock}
	ship := miner("X1-NEAR", types.NavInOrbit)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{{Symbol: "IRON_ORE", Units: 30}}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{contractFor("c-1", types.ContractDeliver{TradeSymbol: "IRON_ORE", DestinationSymbol: "X1-DEPOT", UnitsRequired: 50})}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", Imports: []types.Trait{{Symbol: "IRON_ORE"}}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.called("Navigate BURG-1 X1-DEPOT") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
	if a := tr.Status().Ships[0].Action; a != "delivering to X1-DEPOT" {
		t.Errorf("action = %q", a)
	}
}

func TestDeliversAndFulfillsContract(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, depot, nearRock}
	ship := miner("X1-DEPOT", types.NavInOrbit)
	ship.Cargo = types.ShipCargo{Capacity: 30, Units: 30, Inventory: []types.CargoItem{
		{Symbol: "IRON_ORE", Units: 20},
		{Symbol: "QUARTZ_SAND", Units: 10},
	}}
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{contractFor("c-1", types.ContractDeliver{TradeSymbol: "IRON_ORE", DestinationSymbol: "X1-DEPOT", UnitsRequired: 20})}
	g.markets["X1-DEPOT"] = types.Market{Symbol: "X1-DEPOT", Imports: []types.Trait{{Symbol: "IRON_ORE"}, {Symbol: "QUARTZ_SAND"}}}

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, "Dock") || strings.Contains(c, "Contract ") || strings.HasPrefix(c, "Ship ") || strings.HasPrefix(c, "Sell") {
			got = append(got, c)
		}
	}
	want := []string{"Dock BURG-1", "DeliverContract c-1 BURG-1 IRON_ORE 20", "Ship BURG-1", "FulfillContract c-1"}
	if !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	st := tr.Status()
	if st.State.ContractsFulfilled != 1 {
		t.Errorf("contracts fulfilled = %d", st.State.ContractsFulfilled)
	}
	if st.Ships[0].Cargo != 10 {
		t.Errorf("cargo after delivery = %d", st.Ships[0].Cargo)
	}
	if st.RecentTrades[0].Kind != KindDeliver || st.RecentTrades[0].Units != 20 {
		t.Errorf("trades = %+v", st.RecentTrades)
	}

	// a new contract is negotiated once the old one is done
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if g.called("NegotiateContract BURG-1") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
}

func TestHaulerBuysAndDeliversContractGoods(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, depot}
	g.ships = []types.Ship{hauler("X1-HQ", types.NavDocked)}
	g.contracts = []types.Contract{contractFor("c-1", types.ContractDeliver{TradeSymbol: "ALUMINUM", DestinationSymbol: "X1-DEPOT", UnitsRequired: 20})}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", TradeGoods: []types.TradeGood{{Symbol: "ALUMINUM", PurchasePrice: 30, TradeVolume: 10}}}

	tr := newTestTrader(t, g, nil)
	for range 4 {
		if err := tr.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for _, c := range g.Calls() {
		if strings.HasPrefix(c, "Purchase ") || strings.HasPrefix(c, "Navigate") || strings.Contains(c, "Contract ") {
			got = append(got, c)
		}
	}
	want := []string{
		"Purchase BURG-1 ALUMINUM 10",
		"Purchase BURG-1 ALUMINUM 10",
		"Navigate BURG-1 X1-DEPOT",
		"DeliverContract c-1 BURG-1 ALUMINUM 20",
		"FulfillContract c-1",
	}
	if !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}

	st := tr.Status().State
	// two purchases of 10 at 30
	if st.TotalProfits != -600 || st.ContractsFulfilled != 1 {
		t.Errorf("profits = %d, fulfilled = %d", st.TotalProfits, st.ContractsFulfilled)
	}
	if g.called("PurchaseShip") != 0 {
		t.Error("bought a ship without a shipyard")
	}
}

func TestHaulerStopsBuyingWhenCreditsRunOut(t *testing.T) {
	g := newFakeGame()
	g.agent.Credits = 50
	g.waypoints = []types.Waypoint{hq, depot}
	g.ships = []types.Ship{hauler("X1-HQ", types.NavDocked)}
	g.contracts = []types.Contract{contractFor("c-1", types.ContractDeliver{TradeSymbol: "ALUMINUM", DestinationSymbol: "X1-DEPOT", UnitsRequired: 20})}
	g.markets["X1-HQ"] = types.Market{Symbol: "X1-HQ", TradeGoods: []types.TradeGood{{Symbol: "ALUMINUM", PurchasePrice: 30, TradeVolume: 10}}}

	tr := newTestTrader(t, g, nil)
	for range 2 {
		if err := tr.cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if g.called("Purchase BURG-1 ALUMINUM 1") != 1 || g.called("Purchase") != 1 {
		t.Errorf("calls = %v", g.Calls())
	}
	if g.agent.Credits < 0 {
		t.Errorf("credits = %d", g.agent.Credits)
	}
}

func TestMiningDronePurchase(t *testing.T) {
	tests := []struct {
		name    string
		credits int64
		bought  int
	}{
		{"affordable", 175000, 1},
		{"too expensive", 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGame()
			g.agent.Credits = tt.credits
			g.waypoints = []types.Waypoint{hq, yard, nearRock}
			g.ships = []types.Ship{hauler("X1-YARD", types.NavInOrbit)}
			g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
			g.shipyards["X1-YARD"] = types.Shipyard{Symbol: "X1-YARD", Ships: []types.ShipyardShip{
				{Type: "SHIP_LIGHT_HAULER", PurchasePrice: 20000},
				{Type: types.ShipMiningDrone, PurchasePrice: 50000},
			}}

			tr := newTestTrader(t, g, nil)
			for range 2 {
				if err := tr.cycle(context.Background()); err != nil {
					t.Fatal(err)
				}
			}

			if n := g.called("PurchaseShip SHIP_MINING_DRONE X1-YARD"); n != tt.bought {
				t.Errorf("drones bought = %d, want %d", n, tt.bought)
			}
			st := tr.Status()
			if st.State.ShipsPurchased != tt.bought {
				t.Errorf("ships purchased = %d", st.State.ShipsPurchased)
			}
			if tt.bought == 0 {
				return
			}
			// the drone is put to work on the next cycle
			if len(st.Ships) != 2 || st.Ships[1].Action != "heading to asteroid X1-NEAR" {
				t.Errorf("ships = %+v", st.Ships)
			}
			if st.State.TotalProfits != -50000 {
				t.Errorf("profits = %d", st.State.TotalProfits)
			}
		})
	}
}

func TestArrivedShipIsReadAgain(t *testing.T) {
	g := newFakeGame()
	g.waypoints = []types.Waypoint{hq, nearRock}
	ship := miner("X1-NEAR", types.NavInTransit)
	ship.Nav.Route.Arrival = time.Now().Add(-time.Minute)
	g.ships = []types.Ship{ship}
	g.contracts = []types.Contract{{ID: "c-1", Accepted: true}}
	g.extract.Extraction.Yield.Symbol = "IRON_ORE"
	g.extract.Extraction.Yield.Units = 4

	tr := newTestTrader(t, g, nil)
	if err := tr.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := g.Calls()
	nav, extract := slices.Index(calls, "ShipNav BURG-1"), slices.Index(calls, "Extract BURG-1")
	if nav < 0 || extract < nav {
		t.Errorf("calls = %v, want nav refresh then extract", calls)
	}
	if a := tr.Status().Ships[0].Action; a != "extracting" {
		t.Errorf("action = %q", a)
	}
}
