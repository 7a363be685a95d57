package trader

import (
	"slices"
	"time"
)

// historyLimit is how many trades are kept in saved state.
const historyLimit = 100

const (
	KindSell     = "SELL"
	KindPurchase = "PURCHASE"
	KindRefuel   = "REFUEL"
	KindExtract  = "EXTRACT"
	KindDeliver  = "DELIVER"
	KindJettison = "JETTISON"
)

// Trade is one completed market transaction or extraction.
type Trade struct {
	Time         time.Time `json:"time"`
	Ship         string    `json:"ship"`
	Kind         string    `json:"kind"`
	Waypoint     string    `json:"waypoint,omitempty"`
	Symbol       string    `json:"symbol"`
	Units        int       `json:"units"`
	PricePerUnit int       `json:"price_per_unit,omitempty"`
	Total        int       `json:"total,omitempty"`
}

// State is what survives a restart. It carries no wall-clock fields, so
// an idle agent produces identical snapshots and the store skips them.
type State struct {
	TradeHistory     []Trade  `json:"trade_history"`
	VisitedWaypoints []string `json:"visited_waypoints"`
	Cycles           int      `json:"cycle_count"`
	MiningAttempts   int      `json:"mining_attempts"`
	MiningSuccesses  int      `json:"mining_successes"`
	TradesCompleted  int      `json:"trades_completed"`
	FailedTrades     int      `json:"failed_trades"`
	TotalProfits     int64    `json:"total_profits"`

	// Contract and fleet progress.
	ContractsFulfilled int `json:"contracts_fulfilled"`
	ShipsPurchased     int `json:"ships_purchased"`
}

func (s State) clone() State {
	s.TradeHistory = slices.Clone(s.TradeHistory)
	s.VisitedWaypoints = slices.Clone(s.VisitedWaypoints)
	return s
}

func (s *State) addTrade(tr Trade) {
	s.TradeHistory = append(s.TradeHistory, tr)
	if over := len(s.TradeHistory) - historyLimit; over > 0 {
		s.TradeHistory = slices.Delete(s.TradeHistory, 0, over)
	}
	switch tr.Kind {
	case KindSell:
		s.TradesCompleted++
		s.TotalProfits += int64(tr.Total)
	case KindRefuel, KindPurchase:
		s.TotalProfits -= int64(tr.Total)
	}
}

func (s *State) visit(waypoint string) {
	i, found := slices.BinarySearch(s.VisitedWaypoints, waypoint)
	if !found {
		s.VisitedWaypoints = slices.Insert(s.VisitedWaypoints, i, waypoint)
	}
}

// recent returns up to n of the newest trades, newest first.
func (s State) recent(n int) []Trade {
	h := s.TradeHistory
	if len(h) > n {
		h = h[len(h)-n:]
	}
	out := slices.Clone(h)
	slices.Reverse(out)
	return out
}
