package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

// pageLimit is the largest page the game serves.
const pageLimit = 20

func getData[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T
	resp, err := c.Do(ctx, req)
	if err != nil {
		return out, err
	}
	if err := resp.Data(&out); err != nil {
		return out, fmt.Errorf("decode %s: %w", req.Path, err)
	}
	return out, nil
}

// allPages walks a list endpoint until the meta total is reached.
func allPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("page", strconv.Itoa(page))
		resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: q})
		if err != nil {
			return nil, err
		}
		var items []T
		if err := resp.Data(&items); err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", path, page, err)
		}
		all = append(all, items...)

		meta := resp.Meta()
		limit := meta.Limit
		if limit == 0 {
			limit = pageLimit
		}
		if len(items) == 0 || page*limit >= meta.Total {
			return all, nil
		}
	}
}

func post(path string, body any) Request {
	return Request{Method: http.MethodPost, Path: path, Body: body}
}

func get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

// live is a read that always goes to the server.
func live(path string) Request {
	return Request{Method: http.MethodGet, Path: path, NoCache: true}
}

// Status fetches the server status page. It needs no token.
func (c *Client) Status(ctx context.Context) (types.ServerStatus, error) {
	var s types.ServerStatus
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/", NoAuth: true})
	if err != nil {
		return s, err
	}
	if err := resp.Decode(&s); err != nil {
		return s, fmt.Errorf("decode status: %w", err)
	}
	return s, nil
}

// Register creates a new agent. The client's token, when set, is sent
// as the account token; the returned agent token is not stored anywhere.
func (c *Client) Register(ctx context.Context, symbol, faction string) (types.Registration, error) {
	req := post("register", map[string]string{"symbol": symbol, "faction": faction})
	req.NoAuth = !c.HasToken()
	return getData[types.Registration](ctx, c, req)
}

func (c *Client) Agent(ctx context.Context) (types.Agent, error) {
	return getData[types.Agent](ctx, c, get("my/agent"))
}

func (c *Client) Ships(ctx context.Context) ([]types.Ship, error) {
	return allPages[types.Ship](ctx, c, "my/ships")
}

// Ship reads one ship fresh from the server.
func (c *Client) Ship(ctx context.Context, ship string) (types.Ship, error) {
	return getData[types.Ship](ctx, c, live("my/ships/"+ship))
}

// ShipNav reads the ship's position fresh, arrival is time driven.
func (c *Client) ShipNav(ctx context.Context, ship string) (types.ShipNav, error) {
	return getData[types.ShipNav](ctx, c, live("my/ships/"+ship+"/nav"))
}

// Cooldown returns the ship's reactor cooldown. The server answers 204
// when there is none, which comes back as a zero Cooldown. It is never
// served from the cache.
func (c *Client) Cooldown(ctx context.Context, ship string) (types.Cooldown, error) {
	var cd types.Cooldown
	resp, err := c.Do(ctx, live("my/ships/"+ship+"/cooldown"))
	if err != nil {
		return cd, err
	}
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return cd, nil
	}
	if err := resp.Data(&cd); err != nil {
		return cd, fmt.Errorf("decode cooldown: %w", err)
	}
	return cd, nil
}

func (c *Client) Waypoints(ctx context.Context, system string) ([]types.Waypoint, error) {
	return allPages[types.Waypoint](ctx, c, "systems/"+system+"/waypoints")
}

func (c *Client) Waypoint(ctx context.Context, system, waypoint string) (types.Waypoint, error) {
	return getData[types.Waypoint](ctx, c, get("systems/"+system+"/waypoints/"+waypoint))
}

func (c *Client) Market(ctx context.Context, system, waypoint string) (types.Market, error) {
	return getData[types.Market](ctx, c, get("systems/"+system+"/waypoints/"+waypoint+"/market"))
}

func (c *Client) Shipyard(ctx context.Context, system, waypoint string) (types.Shipyard, error) {
	return getData[types.Shipyard](ctx, c, get("systems/"+system+"/waypoints/"+waypoint+"/shipyard"))
}

func (c *Client) Contracts(ctx context.Context) ([]types.Contract, error) {
	return allPages[types.Contract](ctx, c, "my/contracts")
}

type contractData struct {
	Contract types.Contract `json:"contract"`
}

func (c *Client) AcceptContract(ctx context.Context, id string) (types.Contract, error) {
	d, err := getData[contractData](ctx, c, post("my/contracts/"+id+"/accept", nil))
	return d.Contract, err
}

func (c *Client) DeliverContract(ctx context.Context, id, ship, tradeSymbol string, units int) (types.Contract, error) {
	d, err := getData[contractData](ctx, c, post("my/contracts/"+id+"/deliver", map[string]any{
		"shipSymbol":  ship,
		"tradeSymbol": tradeSymbol,
		"units":       units,
	}))
	return d.Contract, err
}

func (c *Client) FulfillContract(ctx context.Context, id string) (types.Contract, error) {
	d, err := getData[contractData](ctx, c, post("my/contracts/"+id+"/fulfill", nil))
	return d.Contract, err
}

func (c *Client) NegotiateContract(ctx context.Context, ship string) (types.Contract, error) {
	d, err := getData[contractData](ctx, c, post("my/ships/"+ship+"/negotiate/contract", nil))
	return d.Contract, err
}

func (c *Client) Navigate(ctx context.Context, ship, waypoint string) (types.NavResult, error) {
	return getData[types.NavResult](ctx, c, post("my/ships/"+ship+"/navigate", map[string]string{"waypointSymbol": waypoint}))
}

type navData struct {
	Nav types.ShipNav `json:"nav"`
}

func (c *Client) Dock(ctx context.Context, ship string) (types.ShipNav, error) {
	d, err := getData[navData](ctx, c, post("my/ships/"+ship+"/dock", nil))
	return d.Nav, err
}

func (c *Client) Orbit(ctx context.Context, ship string) (types.ShipNav, error) {
	d, err := getData[navData](ctx, c, post("my/ships/"+ship+"/orbit", nil))
	return d.Nav, err
}

func (c *Client) Refuel(ctx context.Context, ship string) (types.RefuelResult, error) {
	return getData[types.RefuelResult](ctx, c, post("my/ships/"+ship+"/refuel", nil))
}

func (c *Client) Extract(ctx context.Context, ship string) (types.Extraction, error) {
	return getData[types.Extraction](ctx, c, post("my/ships/"+ship+"/extract", nil))
}

func (c *Client) Sell(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error) {
	return getData[types.TradeResult](ctx, c, post("my/ships/"+ship+"/sell", map[string]any{"symbol": symbol, "units": units}))
}

func (c *Client) Purchase(ctx context.Context, ship, symbol string, units int) (types.TradeResult, error) {
	return getData[types.TradeResult](ctx, c, post("my/ships/"+ship+"/purchase", map[string]any{"symbol": symbol, "units": units}))
}

type cargoData struct {
	Cargo types.ShipCargo `json:"cargo"`
}

func (c *Client) Jettison(ctx context.Context, ship, symbol string, units int) (types.ShipCargo, error) {
	d, err := getData[cargoData](ctx, c, post("my/ships/"+ship+"/jettison", map[string]any{"symbol": symbol, "units": units}))
	return d.Cargo, err
}

type shipData struct {
	Ship types.Ship `json:"ship"`
}

func (c *Client) PurchaseShip(ctx context.Context, shipType, waypoint string) (types.Ship, error) {
	d, err := getData[shipData](ctx, c, post("my/ships", map[string]string{"shipType": shipType, "waypointSymbol": waypoint}))
	return d.Ship, err
}
