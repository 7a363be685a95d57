package trader

import (
	"context"
	"fmt"
	"slices"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// unload frees a full hold. Goods the market here takes are sold on the
// spot. Otherwise contract goods go to their destination and the rest to
// the nearest market that buys it; whatever no market in the system
// wants is jettisoned so the ship can mine again.
func (t *Trader) unload(ctx context.Context, ship *types.Ship, here types.Waypoint, wps []types.Waypoint, want []types.ContractDeliver) (string, error) {
	keep := kept(want)
	if here.HasTrait(traitMarketplace) {
		sold, err := t.sell(ctx, ship, here, keep)
		if err != nil {
			return "selling cargo", err
		}
		if sold > 0 {
			return "selling cargo", nil
		}
	}

	// mostly contract goods: deliver first, sell the rest later
	dest, carrying := destinationFor(ship, want, wps)
	if carrying && 2*heldOf(ship, keep) >= ship.Cargo.Units {
		return "delivering to " + dest.Symbol, t.navigate(ctx, ship, dest)
	}

	market, ok, err := t.buyerFor(ctx, ship, here, wps, keep)
	if err != nil {
		return "", err
	}
	switch {
	case ok:
		return "heading to market " + market.Symbol, t.navigate(ctx, ship, market)
	case carrying:
		return "delivering to " + dest.Symbol, t.navigate(ctx, ship, dest)
	}
	return "jettisoning cargo", t.jettison(ctx, ship, here, keep)
}

// sell sells everything on board the market takes, except goods in keep,
// and refuels when the market sells fuel. It returns the units sold.
func (t *Trader) sell(ctx context.Context, ship *types.Ship, here types.Waypoint, keep map[string]bool) (int, error) {
	market, err := t.client.Market(ctx, ship.Nav.SystemSymbol, here.Symbol)
	if err != nil {
		return 0, fmt.Errorf("market: %w", err)
	}

	var goods []types.CargoItem
	for _, item := range ship.Cargo.Inventory {
		if ok, _ := market.Buys(item.Symbol); ok && !keep[item.Symbol] && item.Units > 0 {
			goods = append(goods, item)
			continue
		}
		t.log.Debug("not selling good here", "ship", ship.Symbol, "good", item.Symbol, "contract", keep[item.Symbol])
	}
	if len(goods) == 0 {
		return 0, nil
	}

	if err := t.dock(ctx, ship); err != nil {
		return 0, err
	}
	sold := 0
	for _, item := range goods {
		_, volume := market.Buys(item.Symbol)
		for remaining := item.Units; remaining > 0; {
			units := remaining
			if volume > 0 && units > volume {
				units = volume
			}
			res, err := t.client.Sell(ctx, ship.Symbol, item.Symbol, units)
			if err != nil {
				t.mu.Lock()
				t.state.FailedTrades++
				t.mu.Unlock()
				return sold, fmt.Errorf("sell %d %s: %w", units, item.Symbol, err)
			}
			ship.Cargo = res.Cargo
			t.trade(Trade{
				Time:         t.now(),
				Ship:         ship.Symbol,
				Kind:         KindSell,
				Waypoint:     here.Symbol,
				Symbol:       item.Symbol,
				Units:        res.Transaction.Units,
				PricePerUnit: res.Transaction.PricePerUnit,
				Total:        res.Transaction.TotalPrice,
			})
			sold += units
			remaining -= units
		}
	}

	if ship.Fuel.Capacity > 0 && ship.Fuel.Current < ship.Fuel.Capacity && sellsFuel(market) {
		res, err := t.client.Refuel(ctx, ship.Symbol)
		if err != nil {
			return sold, fmt.Errorf("refuel: %w", err)
		}
		ship.Fuel = res.Fuel
		t.trade(Trade{
			Time:         t.now(),
			Ship:         ship.Symbol,
			Kind:         KindRefuel,
			Waypoint:     here.Symbol,
			Symbol:       fuel,
			Units:        res.Transaction.Units,
			PricePerUnit: res.Transaction.PricePerUnit,
			Total:        res.Transaction.TotalPrice,
		})
	}
	return sold, nil
}

func sellsFuel(m types.Market) bool {
	for _, g := range m.TradeGoods {
		if g.Symbol == fuel {
			return true
		}
	}
	for _, list := range [][]types.Trait{m.Exports, m.Exchange} {
		for _, tr := range list {
			if tr.Symbol == fuel {
				return true
			}
		}
	}
	return false
}

// buyerFor finds the closest other market that buys something on board
// that is not kept for a contract.
func (t *Trader) buyerFor(ctx context.Context, ship *types.Ship, here types.Waypoint, wps []types.Waypoint, keep map[string]bool) (types.Waypoint, bool, error) {
	hasMarket := func(w types.Waypoint) bool { return w.HasTrait(traitMarketplace) }
	for _, w := range byDistance(here, wps, hasMarket) {
		market, err := t.client.Market(ctx, ship.Nav.SystemSymbol, w.Symbol)
		if err != nil {
			return types.Waypoint{}, false, fmt.Errorf("market %s: %w", w.Symbol, err)
		}
		for _, item := range ship.Cargo.Inventory {
			if ok, _ := market.Buys(item.Symbol); ok && !keep[item.Symbol] && item.Units > 0 {
				return w, true, nil
			}
		}
	}
	return types.Waypoint{}, false, nil
}

// jettison dumps every good on board except those in keep.
func (t *Trader) jettison(ctx context.Context, ship *types.Ship, here types.Waypoint, keep map[string]bool) error {
	for _, item := range slices.Clone(ship.Cargo.Inventory) {
		if keep[item.Symbol] || item.Units <= 0 {
			continue
		}
		cargo, err := t.client.Jettison(ctx, ship.Symbol, item.Symbol, item.Units)
		if err != nil {
			return fmt.Errorf("jettison %d %s: %w", item.Units, item.Symbol, err)
		}
		ship.Cargo = cargo
		t.log.Warn("jettisoned cargo no market in system buys", "ship", ship.Symbol, "good", item.Symbol, "units", item.Units)
		t.trade(Trade{
			Time:     t.now(),
			Ship:     ship.Symbol,
			Kind:     KindJettison,
			Waypoint: here.Symbol,
			Symbol:   item.Symbol,
			Units:    item.Units,
		})
	}
	return nil
}
