// Package planner computes link-by-link routes over a network using a
// Fibonacci heap. Paths come back in reverse traversal order: the next
// link to enter is the last element.
package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gridlock.dev/internal/fibheap"
	"gridlock.dev/internal/network"
)

var ErrNoPath = errors.New("planner: no path between nodes")

// CostFunc selects the edge cost used by the searches.
type CostFunc int

const (
	// CostLength weights edges by link length in metres.
	CostLength CostFunc = iota
	// CostFreeFlowTime weights edges by free-flow travel time in seconds.
	CostFreeFlowTime
)

// Planner runs shortest-path queries against one network. It is not
// safe for concurrent use; the engine drives it from the tick loop
// only.
type Planner struct {
	net   *network.Network
	cache map[[2]string][]string
}

func New(net *network.Network) *Planner {
	return &Planner{
		net:   net,
		cache: map[[2]string][]string{},
	}
}

func (p *Planner) linkCost(l *network.Link, cost CostFunc) float64 {
	if cost == CostFreeFlowTime {
		return l.FreeFlowTime
	}
	return l.Length
}

// ShortestPath is the plain min-cost search from source to dest.
// Returns an empty path when source equals dest.
func (p *Planner) ShortestPath(source, dest string, cost CostFunc) ([]string, error) {
	if source == dest {
		return nil, nil
	}
	if _, err := p.net.Node(source); err != nil {
		return nil, err
	}
	if _, err := p.net.Node(dest); err != nil {
		return nil, err
	}

	heap := fibheap.New[string, float64]()
	handles := make(map[string]fibheap.Handle, p.net.NumNodes())
	dist := make(map[string]float64, p.net.NumNodes())
	settled := make(map[string]struct{}, p.net.NumNodes())
	prec := map[string]string{}

	// Sorted insertion keeps tie-breaking deterministic across runs.
	ids := make([]string, 0, p.net.NumNodes())
	for id := range p.net.Nodes() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		d := math.Inf(1)
		if id == source {
			d = 0
		}
		handles[id] = heap.Insert(id, d)
		dist[id] = d
	}

	for {
		cur, d, err := heap.ExtractMin()
		if err != nil {
			return nil, fmt.Errorf("%s -> %s: %w", source, dest, ErrNoPath)
		}
		if math.IsInf(d, 1) {
			return nil, fmt.Errorf("%s -> %s: %w", source, dest, ErrNoPath)
		}
		if cur == dest {
			break
		}
		settled[cur] = struct{}{}

		nd, err := p.net.Node(cur)
		if err != nil {
			return nil, err
		}
		for _, linkID := range nd.LinksOut {
			l, err := p.net.Link(linkID)
			if err != nil {
				return nil, err
			}
			next := l.To
			if _, done := settled[next]; done {
				continue
			}
			w := d + p.linkCost(l, cost)
			if w < dist[next] {
				if err := heap.DecreaseKey(handles[next], w); err != nil {
					return nil, err
				}
				dist[next] = w
				prec[next] = linkID
			}
		}
	}

	return p.reconstruct(source, dest, prec)
}

// AStar searches with key g + h, where h is the network's L1 heuristic
// on physical coordinates. Once extracted, a node is never reopened.
func (p *Planner) AStar(source, dest string, cost CostFunc) ([]string, error) {
	if source == dest {
		return nil, nil
	}
	if _, err := p.net.Node(source); err != nil {
		return nil, err
	}
	if _, err := p.net.Node(dest); err != nil {
		return nil, err
	}

	open := fibheap.New[string, float64]()
	handles := map[string]fibheap.Handle{}
	gScore := map[string]float64{}
	closed := map[string]struct{}{}
	prec := map[string]string{}

	h0, err := p.net.HeuristicDistance(source, dest)
	if err != nil {
		return nil, err
	}
	handles[source] = open.Insert(source, h0)
	gScore[source] = 0

	for {
		cur, _, err := open.ExtractMin()
		if err != nil {
			return nil, fmt.Errorf("%s -> %s: %w", source, dest, ErrNoPath)
		}
		if cur == dest {
			break
		}
		closed[cur] = struct{}{}
		delete(handles, cur)
		d := gScore[cur]

		nd, err := p.net.Node(cur)
		if err != nil {
			return nil, err
		}
		for _, linkID := range nd.LinksOut {
			l, err := p.net.Link(linkID)
			if err != nil {
				return nil, err
			}
			next := l.To
			if _, done := closed[next]; done {
				continue
			}
			w := d + p.linkCost(l, cost)
			g, seen := gScore[next]
			if seen && w >= g {
				continue
			}
			prec[next] = linkID
			gScore[next] = w
			h, err := p.net.HeuristicDistance(next, dest)
			if err != nil {
				return nil, err
			}
			f := w + h
			if hd, ok := handles[next]; ok {
				if err := open.DecreaseKey(hd, f); err != nil {
					return nil, err
				}
			} else {
				handles[next] = open.Insert(next, f)
			}
		}
	}

	return p.reconstruct(source, dest, prec)
}

// AStarAvoiding plans from source to dest while steering away from
// avoidLink: the link's cost is inflated to MaxFloat64/2 for the
// duration of the search, then restored. The avoided link is still
// taken when it is the only way through. Not safe against concurrent
// planners; the engine serialises access through the tick loop.
func (p *Planner) AStarAvoiding(source, dest, avoidLink string, cost CostFunc) ([]string, error) {
	l, err := p.net.Link(avoidLink)
	if err != nil {
		return nil, err
	}

	const inflated = math.MaxFloat64 / 2
	if cost == CostFreeFlowTime {
		saved := l.FreeFlowTime
		l.FreeFlowTime = inflated
		defer func() { l.FreeFlowTime = saved }()
	} else {
		saved := l.Length
		l.Length = inflated
		defer func() { l.Length = saved }()
	}

	return p.AStar(source, dest, cost)
}

// CachedAStar memoises per (source,dest) pair. Entries never expire:
// travel times change with occupancy but the cached plans intentionally
// do not, so that initial paths stay reproducible.
func (p *Planner) CachedAStar(source, dest string, cost CostFunc) ([]string, error) {
	key := [2]string{source, dest}
	if path, ok := p.cache[key]; ok {
		return path, nil
	}
	path, err := p.AStar(source, dest, cost)
	if err != nil {
		return nil, err
	}
	p.cache[key] = path
	return path, nil
}

// reconstruct walks the predecessor links from dest back to source,
// producing the reverse-order link path.
func (p *Planner) reconstruct(source, dest string, prec map[string]string) ([]string, error) {
	var path []string
	cur := dest
	for cur != source {
		linkID, ok := prec[cur]
		if !ok {
			return nil, fmt.Errorf("%s -> %s: broken predecessor chain at %s", source, dest, cur)
		}
		path = append(path, linkID)
		l, err := p.net.Link(linkID)
		if err != nil {
			return nil, err
		}
		cur = l.From
	}
	return path, nil
}
