package trader

import (
	"context"
	"fmt"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// ensureMiner buys a mining drone when no ship in the fleet can mine.
// Ships only list at a shipyard one of ours is at, so the ships'
// current waypoints are the candidates.
func (t *Trader) ensureMiner(ctx context.Context, r *round, ships []types.Ship) error {
	for _, s := range ships {
		if s.CanMine() {
			return nil
		}
	}

	for _, s := range ships {
		if s.Nav.Status == types.NavInTransit {
			continue
		}
		wp, err := t.client.Waypoint(ctx, s.Nav.SystemSymbol, s.Nav.WaypointSymbol)
		if err != nil {
			return fmt.Errorf("waypoint %s: %w", s.Nav.WaypointSymbol, err)
		}
		if !wp.HasTrait(traitShipyard) {
			continue
		}
		yard, err := t.client.Shipyard(ctx, s.Nav.SystemSymbol, wp.Symbol)
		if err != nil {
			return fmt.Errorf("shipyard %s: %w", wp.Symbol, err)
		}
		offer, ok := yard.Listing(types.ShipMiningDrone)
		if !ok {
			t.log.Info("no mining drone for sale", "shipyard", wp.Symbol)
			continue
		}
		if r.credits < offer.PurchasePrice {
			t.log.Info("not enough credits for a mining drone", "price", offer.PurchasePrice, "credits", r.credits)
			return nil
		}

		bought, err := t.client.PurchaseShip(ctx, types.ShipMiningDrone, wp.Symbol)
		if err != nil {
			return fmt.Errorf("buy %s at %s: %w", types.ShipMiningDrone, wp.Symbol, err)
		}
		r.credits -= offer.PurchasePrice

		t.mu.Lock()
		t.state.ShipsPurchased++
		t.mu.Unlock()
		t.trade(Trade{
			Time:         t.now(),
			Ship:         bought.Symbol,
			Kind:         KindPurchase,
			Waypoint:     wp.Symbol,
			Symbol:       types.ShipMiningDrone,
			Units:        1,
			PricePerUnit: int(offer.PurchasePrice),
			Total:        int(offer.PurchasePrice),
		})
		return nil
	}
	if len(ships) > 0 {
		t.log.Debug("no ship at a shipyard selling mining drones")
	}
	return nil
}
