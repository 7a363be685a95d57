package trader

import (
	"context"
	"fmt"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// ensureContract makes sure an accepted contract is in progress and
// returns it. An offered contract is accepted before a new one is
// negotiated.
func (t *Trader) ensureContract(ctx context.Context, ships []types.Ship) (*types.Contract, error) {
	contracts, err := t.client.Contracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	for _, c := range contracts {
		if c.Active() {
			return &c, nil
		}
	}
	if len(ships) == 0 {
		return nil, nil
	}

	for _, c := range contracts {
		if !c.Accepted && !c.Fulfilled {
			return t.accept(ctx, c)
		}
	}

	c, err := t.client.NegotiateContract(ctx, ships[0].Symbol)
	if err != nil {
		return nil, fmt.Errorf("negotiate with %s: %w", ships[0].Symbol, err)
	}
	t.log.Info("negotiated contract", "contract", c.ID, "type", c.Type)
	return t.accept(ctx, c)
}

func (t *Trader) accept(ctx context.Context, c types.Contract) (*types.Contract, error) {
	accepted, err := t.client.AcceptContract(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("accept %s: %w", c.ID, err)
	}
	t.log.Info("accepted contract", "contract", accepted.ID, "on_accepted", accepted.Terms.Payment.OnAccepted)
	return &accepted, nil
}

func (t *Trader) fulfill(ctx context.Context, c *types.Contract) error {
	done, err := t.client.FulfillContract(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("fulfill contract %s: %w", c.ID, err)
	}
	*c = done

	t.mu.Lock()
	t.state.ContractsFulfilled++
	t.mu.Unlock()
	t.log.Info("contract fulfilled", "contract", c.ID, "on_fulfilled", c.Terms.Payment.OnFulfilled)
	return nil
}

// wanted lists the deliveries of c still open whose destination is in
// this system. Goods bound elsewhere are treated as ordinary cargo.
func wanted(c *types.Contract, wps []types.Waypoint) []types.ContractDeliver {
	if c == nil || !c.Active() {
		return nil
	}
	var out []types.ContractDeliver
	for _, d := range c.Terms.Deliver {
		if d.Remaining() == 0 {
			continue
		}
		if _, ok := find(wps, d.DestinationSymbol); ok {
			out = append(out, d)
		}
	}
	return out
}

func kept(want []types.ContractDeliver) map[string]bool {
	keep := make(map[string]bool, len(want))
	for _, d := range want {
		keep[d.TradeSymbol] = true
	}
	return keep
}

func heldOf(ship *types.Ship, keep map[string]bool) int {
	n := 0
	for _, item := range ship.Cargo.Inventory {
		if keep[item.Symbol] {
			n += item.Units
		}
	}
	return n
}

// destinationFor returns where the first contract good on board has to
// go.
func destinationFor(ship *types.Ship, want []types.ContractDeliver, wps []types.Waypoint) (types.Waypoint, bool) {
	for _, d := range want {
		if ship.Cargo.Held(d.TradeSymbol) > 0 {
			return find(wps, d.DestinationSymbol)
		}
	}
	return types.Waypoint{}, false
}

func deliverableAt(ship *types.Ship, want []types.ContractDeliver, waypoint string) bool {
	for _, d := range want {
		if d.DestinationSymbol == waypoint && ship.Cargo.Held(d.TradeSymbol) > 0 {
			return true
		}
	}
	return false
}

// deliver hands over every contract good on board that is due here, then
// reads the ship back since the hold changed.
func (t *Trader) deliver(ctx context.Context, r *round, ship *types.Ship, here types.Waypoint, want []types.ContractDeliver) error {
	if err := t.dock(ctx, ship); err != nil {
		return err
	}
	for _, d := range want {
		if d.DestinationSymbol != here.Symbol {
			continue
		}
		units := min(ship.Cargo.Held(d.TradeSymbol), d.Remaining())
		if units <= 0 {
			continue
		}
		updated, err := t.client.DeliverContract(ctx, r.contract.ID, ship.Symbol, d.TradeSymbol, units)
		if err != nil {
			return fmt.Errorf("deliver %d %s: %w", units, d.TradeSymbol, err)
		}
		*r.contract = updated
		t.trade(Trade{
			Time:     t.now(),
			Ship:     ship.Symbol,
			Kind:     KindDeliver,
			Waypoint: here.Symbol,
			Symbol:   d.TradeSymbol,
			Units:    units,
		})
	}

	fresh, err := t.client.Ship(ctx, ship.Symbol)
	if err != nil {
		return fmt.Errorf("reload ship: %w", err)
	}
	*ship = fresh
	return nil
}

// haul works a contract with a ship that cannot mine: it buys the goods
// where the market here sells them, then carries them to the
// destination.
func (t *Trader) haul(ctx context.Context, r *round, ship *types.Ship, here types.Waypoint, wps []types.Waypoint, want []types.ContractDeliver) (string, error) {
	if len(want) == 0 {
		return "idle", nil
	}
	if here.HasTrait(traitMarketplace) && ship.Cargo.FreeSpace() > 0 {
		bought, err := t.procure(ctx, r, ship, here, want)
		if err != nil {
			return "buying contract goods", err
		}
		if bought > 0 {
			return "buying contract goods", nil
		}
	}
	if dest, ok := destinationFor(ship, want, wps); ok {
		return "delivering to " + dest.Symbol, t.navigate(ctx, ship, dest)
	}
	return "idle", nil
}

// procure buys the contract goods still missing from the hold, as far as
// space and credits allow. It returns the units bought.
func (t *Trader) procure(ctx context.Context, r *round, ship *types.Ship, here types.Waypoint, want []types.ContractDeliver) (int, error) {
	market, err := t.client.Market(ctx, ship.Nav.SystemSymbol, here.Symbol)
	if err != nil {
		return 0, fmt.Errorf("market: %w", err)
	}

	bought := 0
	for _, d := range want {
		good, ok := market.Sells(d.TradeSymbol)
		if !ok {
			continue
		}
		units := min(d.Remaining()-ship.Cargo.Held(d.TradeSymbol), ship.Cargo.FreeSpace())
		if good.TradeVolume > 0 {
			units = min(units, good.TradeVolume)
		}
		if afford := r.credits / int64(good.PurchasePrice); int64(units) > afford {
			units = int(afford)
		}
		if units <= 0 {
			t.log.Debug("not buying contract good", "ship", ship.Symbol, "good", d.TradeSymbol, "credits", r.credits)
			continue
		}

		if err := t.dock(ctx, ship); err != nil {
			return bought, err
		}
		res, err := t.client.Purchase(ctx, ship.Symbol, d.TradeSymbol, units)
		if err != nil {
			t.mu.Lock()
			t.state.FailedTrades++
			t.mu.Unlock()
			return bought, fmt.Errorf("buy %d %s: %w", units, d.TradeSymbol, err)
		}
		ship.Cargo = res.Cargo
		r.credits -= int64(res.Transaction.TotalPrice)
		t.trade(Trade{
			Time:         t.now(),
			Ship:         ship.Symbol,
			Kind:         KindPurchase,
			Waypoint:     here.Symbol,
			Symbol:       d.TradeSymbol,
			Units:        res.Transaction.Units,
			PricePerUnit: res.Transaction.PricePerUnit,
			Total:        res.Transaction.TotalPrice,
		})
		bought += units
	}
	return bought, nil
}
