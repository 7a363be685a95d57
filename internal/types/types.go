package types

import (
	"strings"
	"time"
)

// Meta is the paging block returned with every list endpoint.
type Meta struct {
	Limit int `json:"limit"`
	Page  int `json:"page"`
	Total int `json:"total"`
}

// ServerStatus is the payload of the root endpoint.
type ServerStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	ResetDate string `json:"resetDate"`
	Health    struct {
		LastMarketUpdate time.Time `json:"lastMarketUpdate"`
	} `json:"health"`
	ServerResets struct {
		Frequency string    `json:"frequency"`
		Next      time.Time `json:"next"`
	} `json:"serverResets"`
	Stats struct {
		Accounts  *int `json:"accounts,omitempty"`
		Agents    int  `json:"agents"`
		Ships     int  `json:"ships"`
		Systems   int  `json:"systems"`
		Waypoints int  `json:"waypoints"`
	} `json:"stats"`
}

type Agent struct {
	// Credits can be negative if funds have been overdrawn.
	Credits         int64  `json:"credits"`
	Headquarters    string `json:"headquarters"`
	ShipCount       int    `json:"shipCount"`
	StartingFaction string `json:"startingFaction"`
	Symbol          string `json:"symbol"`
}

// Registration is returned by the register endpoint. The token is only
// ever shown once by the server.
type Registration struct {
	Agent    Agent    `json:"agent"`
	Contract Contract `json:"contract"`
	Ship     Ship     `json:"ship"`
	Token    string   `json:"token"`
}

// AgentRecord is a point in an agent's credit history.
type AgentRecord struct {
	Timestamp time.Time
	ShipCount int
	Credits   int64
}

const (
	NavInTransit = "IN_TRANSIT"
	NavInOrbit   = "IN_ORBIT"
	NavDocked    = "DOCKED"
)

type ShipNav struct {
	SystemSymbol   string `json:"systemSymbol"`
	WaypointSymbol string `json:"waypointSymbol"`
	Status         string `json:"status"`
	FlightMode     string `json:"flightMode"`
	Route          struct {
		Arrival time.Time `json:"arrival"`
	} `json:"route"`
}

type CargoItem struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Units  int    `json:"units"`
}

type ShipCargo struct {
	Capacity  int         `json:"capacity"`
	Units     int         `json:"units"`
	Inventory []CargoItem `json:"inventory"`
}

// Full reports whether no more units fit. A zero capacity hold is full.
func (c ShipCargo) Full() bool {
	return c.Units >= c.Capacity
}

type ShipFuel struct {
	Current  int `json:"current"`
	Capacity int `json:"capacity"`
}

type ShipMount struct {
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Strength int      `json:"strength"`
	Deposits []string `json:"deposits"`
}

type Ship struct {
	Symbol       string `json:"symbol"`
	Registration struct {
		Name          string `json:"name"`
		FactionSymbol string `json:"factionSymbol"`
		Role          string `json:"role"`
	} `json:"registration"`
	Nav   ShipNav `json:"nav"`
	Frame struct {
		Symbol string `json:"symbol"`
	} `json:"frame"`
	Cargo  ShipCargo   `json:"cargo"`
	Fuel   ShipFuel    `json:"fuel"`
	Mounts []ShipMount `json:"mounts"`
}

// CanMine reports whether the ship carries a mining laser.
func (s Ship) CanMine() bool {
	for _, m := range s.Mounts {
		if strings.Contains(m.Symbol, "MINING_LASER") {
			return true
		}
	}
	return false
}

type Cooldown struct {
	ShipSymbol       string    `json:"shipSymbol"`
	TotalSeconds     int       `json:"totalSeconds"`
	RemainingSeconds int       `json:"remainingSeconds"`
	Expiration       time.Time `json:"expiration"`
}

type Trait struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

type Waypoint struct {
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	SystemSymbol string  `json:"systemSymbol"`
	X            int     `json:"x"`
	Y            int     `json:"y"`
	Traits       []Trait `json:"traits"`
}

// HasTrait reports whether the waypoint carries the given trait symbol.
func (w Waypoint) HasTrait(symbol string) bool {
	for _, t := range w.Traits {
		if t.Symbol == symbol {
			return true
		}
	}
	return false
}

// IsAsteroid matches ASTEROID, ASTEROID_FIELD, ENGINEERED_ASTEROID and
// waypoints tagged with an asteroid trait.
func (w Waypoint) IsAsteroid() bool {
	return strings.Contains(w.Type, "ASTEROID") || w.HasTrait("ASTEROID")
}

type TradeGood struct {
	Symbol        string `json:"symbol"`
	Type          string `json:"type"`
	TradeVolume   int    `json:"tradeVolume"`
	Supply        string `json:"supply"`
	PurchasePrice int    `json:"purchasePrice"`
	SellPrice     int    `json:"sellPrice"`
}

// FreeSpace is how many more units fit in the hold.
func (c ShipCargo) FreeSpace() int {
	if n := c.Capacity - c.Units; n > 0 {
		return n
	}
	return 0
}

// Held returns the units of a good on board.
func (c ShipCargo) Held(symbol string) int {
	for _, it := range c.Inventory {
		if it.Symbol == symbol {
			return it.Units
		}
	}
	return 0
}

type Market struct {
	Symbol     string      `json:"symbol"`
	Imports    []Trait     `json:"imports"`
	Exports    []Trait     `json:"exports"`
	Exchange   []Trait     `json:"exchange"`
	TradeGoods []TradeGood `json:"tradeGoods"`
}

// Buys reports whether the market takes the good, and the trade volume
// per transaction when it is known (0 otherwise).
func (m Market) Buys(symbol string) (bool, int) {
	for _, g := range m.TradeGoods {
		if g.Symbol == symbol {
			return true, g.TradeVolume
		}
	}
	for _, list := range [][]Trait{m.Imports, m.Exchange} {
		for _, t := range list {
			if t.Symbol == symbol {
				return true, 0
			}
		}
	}
	return false, 0
}

// Sells returns the good when the market has it for purchase.
func (m Market) Sells(symbol string) (TradeGood, bool) {
	for _, g := range m.TradeGoods {
		if g.Symbol == symbol && g.PurchasePrice > 0 {
			return g, true
		}
	}
	return TradeGood{}, false
}

type Transaction struct {
	WaypointSymbol string    `json:"waypointSymbol"`
	ShipSymbol     string    `json:"shipSymbol"`
	TradeSymbol    string    `json:"tradeSymbol"`
	Type           string    `json:"type"`
	Units          int       `json:"units"`
	PricePerUnit   int       `json:"pricePerUnit"`
	TotalPrice     int       `json:"totalPrice"`
	Timestamp      time.Time `json:"timestamp"`
}

// TradeResult is the payload of the sell and purchase endpoints.
type TradeResult struct {
	Agent       Agent       `json:"agent"`
	Cargo       ShipCargo   `json:"cargo"`
	Transaction Transaction `json:"transaction"`
}

type Extraction struct {
	Cooldown   Cooldown `json:"cooldown"`
	Extraction struct {
		ShipSymbol string `json:"shipSymbol"`
		Yield      struct {
			Symbol string `json:"symbol"`
			Units  int    `json:"units"`
		} `json:"yield"`
	} `json:"extraction"`
	Cargo ShipCargo `json:"cargo"`
}

type NavResult struct {
	Nav  ShipNav  `json:"nav"`
	Fuel ShipFuel `json:"fuel"`
}

type RefuelResult struct {
	Agent       Agent       `json:"agent"`
	Fuel        ShipFuel    `json:"fuel"`
	Transaction Transaction `json:"transaction"`
}

type ContractDeliver struct {
	TradeSymbol       string `json:"tradeSymbol"`
	DestinationSymbol string `json:"destinationSymbol"`
	UnitsRequired     int    `json:"unitsRequired"`
	UnitsFulfilled    int    `json:"unitsFulfilled"`
}

// Remaining is how many units are still to be delivered.
func (d ContractDeliver) Remaining() int {
	if n := d.UnitsRequired - d.UnitsFulfilled; n > 0 {
		return n
	}
	return 0
}

type Contract struct {
	ID            string `json:"id"`
	FactionSymbol string `json:"factionSymbol"`
	Type          string `json:"type"`
	Terms         struct {
		Deadline time.Time `json:"deadline"`
		Payment  struct {
			OnAccepted  int `json:"onAccepted"`
			OnFulfilled int `json:"onFulfilled"`
		} `json:"payment"`
		Deliver []ContractDeliver `json:"deliver"`
	} `json:"terms"`
	Accepted         bool      `json:"accepted"`
	Fulfilled        bool      `json:"fulfilled"`
	DeadlineToAccept time.Time `json:"deadlineToAccept"`
}

// Active is an accepted contract that still needs work.
func (c Contract) Active() bool {
	return c.Accepted && !c.Fulfilled
}

// Delivered reports whether every delivery term has been met, so the
// contract can be fulfilled. A contract without delivery terms never is.
func (c Contract) Delivered() bool {
	if len(c.Terms.Deliver) == 0 {
		return false
	}
	for _, d := range c.Terms.Deliver {
		if d.Remaining() > 0 {
			return false
		}
	}
	return true
}

const ShipMiningDrone = "SHIP_MINING_DRONE"

// ShipyardShip is a ship on sale. Listings only show up while one of
// the agent's ships is at the shipyard.
type ShipyardShip struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	PurchasePrice int64  `json:"purchasePrice"`
}

type Shipyard struct {
	Symbol    string `json:"symbol"`
	ShipTypes []struct {
		Type string `json:"type"`
	} `json:"shipTypes"`
	Ships []ShipyardShip `json:"ships"`
}

// Listing returns the ship of the given type on sale here.
func (y Shipyard) Listing(shipType string) (ShipyardShip, bool) {
	for _, s := range y.Ships {
		if s.Type == shipType {
			return s, true
		}
	}
	return ShipyardShip{}, false
}
