package planner

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"gridlock.dev/internal/network"
)

// grid builds a w x h lattice with unit spacing d metres; link ids are
// "x,y>x',y'". Every edge is present in both directions.
func grid(t *testing.T, w, h int, d float64) *network.Network {
	t.Helper()
	net := network.New()
	id := func(x, y int) string { return fmt.Sprintf("%d,%d", x, y) }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px, py := float64(x)*d, float64(y)*d
			net.AddNode(network.Node{ID: id(x, y), X: px, Y: py, DataX: px, DataY: py})
		}
	}
	addBoth := func(ax, ay, bx, by int) {
		a, b := id(ax, ay), id(bx, by)
		if err := net.AddLink(network.NewLink(a+">"+b, a, b, d, 10, 1000)); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
		if err := net.AddLink(network.NewLink(b+">"+a, b, a, d, 10, 1000)); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x+1 < w {
				addBoth(x, y, x+1, y)
			}
			if y+1 < h {
				addBoth(x, y, x, y+1)
			}
		}
	}
	return net
}

// pathCost walks a reverse-order path from source, checking closure
// and accumulating true cost.
func pathCost(t *testing.T, net *network.Network, source, dest string, path []string, cost CostFunc) float64 {
	t.Helper()
	cur := source
	total := 0.0
	for i := len(path) - 1; i >= 0; i-- {
		l, err := net.Link(path[i])
		if err != nil {
			t.Fatalf("path link %s: %v", path[i], err)
		}
		if l.From != cur {
			t.Fatalf("path broken: at %s, link %s starts at %s", cur, l.ID, l.From)
		}
		if cost == CostFreeFlowTime {
			total += l.FreeFlowTime
		} else {
			total += l.Length
		}
		cur = l.To
	}
	if cur != dest {
		t.Fatalf("path ends at %s, want %s", cur, dest)
	}
	return total
}

func TestShortestPathClosure(t *testing.T) {
	net := grid(t, 4, 4, 100)
	p := New(net)

	path, err := p.ShortestPath("0,0", "3,3", CostLength)
	if err != nil {
		t.Fatalf("ShortestPath: %v", err)
	}
	got := pathCost(t, net, "0,0", "3,3", path, CostLength)
	if got != 600 {
		t.Fatalf("cost = %v, want 600", got)
	}
}

func TestSameSourceDest(t *testing.T) {
	net := grid(t, 2, 2, 100)
	p := New(net)
	for _, plan := range []func() ([]string, error){
		func() ([]string, error) { return p.ShortestPath("0,0", "0,0", CostLength) },
		func() ([]string, error) { return p.AStar("0,0", "0,0", CostLength) },
	} {
		path, err := plan()
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if len(path) != 0 {
			t.Fatalf("path = %v, want empty", path)
		}
	}
}

func TestNoPath(t *testing.T) {
	net := network.New()
	net.AddNode(network.Node{ID: "a"})
	net.AddNode(network.Node{ID: "b"})
	net.AddNode(network.Node{ID: "c"})
	if err := net.AddLink(network.NewLink("ab", "a", "b", 100, 10, 100)); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	p := New(net)
	if _, err := p.ShortestPath("b", "c", CostLength); !errors.Is(err, ErrNoPath) {
		t.Fatalf("dijkstra: %v", err)
	}
	if _, err := p.AStar("b", "c", CostLength); !errors.Is(err, ErrNoPath) {
		t.Fatalf("astar: %v", err)
	}
	if _, err := p.AStar("b", "zz", CostLength); !errors.Is(err, network.ErrUnknownNode) {
		t.Fatalf("unknown dest: %v", err)
	}
}

// A* must agree with the plain search on cost for random pairs over a
// lattice with randomly jittered link lengths.
func TestAStarMatchesDijkstra(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	net := network.New()
	const n = 18
	d := 100.0
	id := func(x, y int) string { return fmt.Sprintf("%d,%d", x, y) }
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			px, py := float64(x)*d, float64(y)*d
			net.AddNode(network.Node{ID: id(x, y), X: px, Y: py, DataX: px, DataY: py})
		}
	}
	add := func(a, b string, length float64) {
		if err := net.AddLink(network.NewLink(a+">"+b, a, b, length, 10, 1000)); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
		if err := net.AddLink(network.NewLink(b+">"+a, b, a, length, 10, 1000)); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			// Length jitter keeps the heuristic admissible (>= L1).
			if x+1 < n {
				add(id(x, y), id(x+1, y), d*(1+rng.Float64()))
			}
			if y+1 < n {
				add(id(x, y), id(x, y+1), d*(1+rng.Float64()))
			}
		}
	}

	p := New(net)
	for i := 0; i < 100; i++ {
		sx, sy := rng.Intn(n), rng.Intn(n)
		dx, dy := rng.Intn(n), rng.Intn(n)
		s, dst := id(sx, sy), id(dx, dy)
		if s == dst {
			continue
		}
		dijkstra, err := p.ShortestPath(s, dst, CostLength)
		if err != nil {
			t.Fatalf("dijkstra %s->%s: %v", s, dst, err)
		}
		astar, err := p.AStar(s, dst, CostLength)
		if err != nil {
			t.Fatalf("astar %s->%s: %v", s, dst, err)
		}
		cd := pathCost(t, net, s, dst, dijkstra, CostLength)
		ca := pathCost(t, net, s, dst, astar, CostLength)
		if math.Abs(cd-ca) > 1e-6 {
			t.Fatalf("%s->%s: dijkstra %v, astar %v", s, dst, cd, ca)
		}
	}
}

func TestAvoidEdgeSoftPreference(t *testing.T) {
	// a -> b via the direct link (100 m) or the detour a -> c -> b
	// (300 m). Avoiding the direct link takes the detour.
	net := network.New()
	for _, nd := range []network.Node{
		{ID: "a", DataX: 0, DataY: 0},
		{ID: "b", DataX: 100, DataY: 0},
		{ID: "c", DataX: 50, DataY: 100},
	} {
		net.AddNode(nd)
	}
	for _, l := range []network.Link{
		network.NewLink("ab", "a", "b", 100, 10, 100),
		network.NewLink("ac", "a", "c", 150, 10, 100),
		network.NewLink("cb", "c", "b", 150, 10, 100),
	} {
		if err := net.AddLink(l); err != nil {
			t.Fatalf("AddLink: %v", err)
		}
	}

	p := New(net)
	path, err := p.AStarAvoiding("a", "b", "ab", CostLength)
	if err != nil {
		t.Fatalf("AStarAvoiding: %v", err)
	}
	if got := pathCost(t, net, "a", "b", path, CostLength); got != 300 {
		t.Fatalf("detour cost = %v, want 300", got)
	}

	// The avoided link's cost must be restored.
	ab, _ := net.Link("ab")
	if ab.Length != 100 {
		t.Fatalf("link cost not restored: %v", ab.Length)
	}

	// When the avoided link is the only way through, it is still used
	// and is strictly cheaper than any alternative (there is none).
	solo := network.New()
	solo.AddNode(network.Node{ID: "a"})
	solo.AddNode(network.Node{ID: "b"})
	if err := solo.AddLink(network.NewLink("ab", "a", "b", 100, 10, 100)); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	sp := New(solo)
	path, err = sp.AStarAvoiding("a", "b", "ab", CostLength)
	if err != nil {
		t.Fatalf("AStarAvoiding sole link: %v", err)
	}
	if len(path) != 1 || path[0] != "ab" {
		t.Fatalf("path = %v, want [ab]", path)
	}
}

func TestCacheNeverInvalidates(t *testing.T) {
	net := grid(t, 3, 3, 100)
	p := New(net)

	first, err := p.CachedAStar("0,0", "2,2", CostLength)
	if err != nil {
		t.Fatalf("CachedAStar: %v", err)
	}

	// Occupancy changes do not touch cached plans.
	for _, l := range net.Links() {
		_ = net.IncrementOccupancy(l.ID)
	}
	second, err := p.CachedAStar("0,0", "2,2", CostLength)
	if err != nil {
		t.Fatalf("CachedAStar: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("cached path changed: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached path changed at %d: %v vs %v", i, first, second)
		}
	}
}
