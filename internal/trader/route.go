package trader

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/papaburgs/spacetraders-zero/internal/types"
)

func point(w types.Waypoint) orb.Point {
	return orb.Point{float64(w.X), float64(w.Y)}
}

// nearest finds the closest waypoint to from that satisfies match, not
// counting from itself. Ties go to the earlier waypoint in the list.
func nearest(from types.Waypoint, candidates []types.Waypoint, match func(types.Waypoint) bool) (types.Waypoint, bool) {
	var (
		best  types.Waypoint
		bestD float64
		found bool
	)
	origin := point(from)
	for _, w := range candidates {
		if w.Symbol == from.Symbol || !match(w) {
			continue
		}
		d := planar.Distance(origin, point(w))
		if !found || d < bestD {
			best, bestD, found = w, d, true
		}
	}
	return best, found
}

// byDistance returns the waypoints matching match, closest to from
// first, without from itself.
func byDistance(from types.Waypoint, candidates []types.Waypoint, match func(types.Waypoint) bool) []types.Waypoint {
	origin := point(from)
	var out []types.Waypoint
	for _, w := range candidates {
		if w.Symbol != from.Symbol && match(w) {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return planar.Distance(origin, point(out[i])) < planar.Distance(origin, point(out[j]))
	})
	return out
}

func find(wps []types.Waypoint, symbol string) (types.Waypoint, bool) {
	for _, w := range wps {
		if w.Symbol == symbol {
			return w, true
		}
	}
	return types.Waypoint{}, false
}
