package sim_test

import (
	"io"
	"log"
	"math"
	"sync"
	"testing"

	"gridlock.dev/internal/network"
	"gridlock.dev/internal/planner"
	"gridlock.dev/internal/sim"
	"gridlock.dev/internal/strategy"
	"gridlock.dev/internal/transport"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig() sim.Config {
	return sim.Config{
		TimeTolerance:           0.001,
		RecordIntervalAggregate: 15,
		RecordIntervalSnapshot:  60,
		Cost:                    planner.CostLength,
	}
}

type testNode struct {
	id         string
	strip      int // partition strip; coordinate becomes strip+0.5
	dataX      float64
	dataY      float64
}

type testLink struct {
	id       string
	from, to string
	length   float64
	speed    float64
	capacity float64
}

// buildNet assembles a pre-shuffled network: partition coordinates are
// set directly from the strip index.
func buildNet(t *testing.T, nodes []testNode, links []testLink) *network.Network {
	t.Helper()
	net := network.New()
	for _, nd := range nodes {
		net.AddNode(network.Node{
			ID:    nd.id,
			X:     float64(nd.strip) + 0.5,
			Y:     0.5,
			DataX: nd.dataX,
			DataY: nd.dataY,
		})
	}
	for _, l := range links {
		if err := net.AddLink(network.NewLink(l.id, l.from, l.to, l.length, l.speed, l.capacity)); err != nil {
			t.Fatalf("AddLink %s: %v", l.id, err)
		}
	}
	return net
}

func newSoloEngine(t *testing.T, net *network.Network, cfg sim.Config) *sim.Engine {
	t.Helper()
	members := transport.NewInprocGroup(1)
	eng, err := sim.NewEngine(cfg, net, members[0], quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

// stepAll advances every engine one tick in lockstep.
func stepAll(t *testing.T, engines []*sim.Engine) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(engines))
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e *sim.Engine) {
			defer wg.Done()
			errs[i] = e.Step()
		}(i, e)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d step: %v", i, err)
		}
	}
}

// moveRecorder keeps movement events in memory.
type moveRecorder struct {
	events []sim.MoveEvent
}

func (r *moveRecorder) WriteMove(ev sim.MoveEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func checkInvariants(t *testing.T, eng *sim.Engine) {
	t.Helper()
	part := eng.Partition()

	traversing := 0
	for _, id := range part.IDs() {
		a := part.Agent(id)
		if a.RemainingTime < 0 {
			t.Fatalf("agent %s: remaining time %v", a.ID, a.RemainingTime)
		}
		if !part.Contains(a.X, a.Y) {
			t.Fatalf("agent %s at (%v,%v) outside partition %d", a.ID, a.X, a.Y, part.Rank)
		}
		if a.EnRoute && !a.AtNode {
			traversing++
		}
	}

	occupancy := 0
	for _, l := range eng.Network().Links() {
		occupancy += l.Occupancy()
	}
	if occupancy != traversing {
		t.Fatalf("occupancy sum %d != %d traversing agents", occupancy, traversing)
	}
}

// One agent, one link: arrival after the free-flow time, fitness near
// 1.
func TestTwoNodeTrip(t *testing.T) {
	net := buildNet(t,
		[]testNode{{id: "A", dataX: 0}, {id: "B", dataX: 1000}},
		[]testLink{{id: "AB", from: "A", to: "B", length: 1000, speed: 10, capacity: 1e9}},
	)
	eng := newSoloEngine(t, net, testConfig())

	if err := eng.AddAgent(sim.NewAgent("a1", 0, []sim.Trip{{Origin: "A", Destination: "B", Start: 0}})); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	for eng.LocalAgents() > 0 {
		stepAll(t, []*sim.Engine{eng})
		checkInvariants(t, eng)
		if eng.Tick() > 500 {
			t.Fatal("agent did not retire")
		}
	}

	// Departs at tick 1, rides for ~100 s.
	if eng.Tick() != 101 {
		t.Fatalf("retired at tick %d, want 101", eng.Tick())
	}
	fit, ok := eng.FitnessByAgent()["a1"]
	if !ok {
		t.Fatal("no fitness recorded")
	}
	if math.Abs(fit-100.0/101.0) > 1e-6 {
		t.Fatalf("fitness = %v, want ~%v", fit, 100.0/101.0)
	}

	rows := eng.TickSeries()
	last := rows[len(rows)-1]
	if last.TripsPerformed != 1 || last.Moving != 0 || last.Agents != 0 {
		t.Fatalf("final aggregates: %+v", last)
	}
}

// Ten agents on a capacity-2 link: the BPR penalty stretches the last
// arrival to tFree * (1 + 0.15 * 5^4).
func TestCongestionPenalty(t *testing.T) {
	net := buildNet(t,
		[]testNode{{id: "A", dataX: 0}, {id: "B", dataX: 1000}},
		[]testLink{{id: "AB", from: "A", to: "B", length: 1000, speed: 10, capacity: 2}},
	)
	cfg := testConfig()
	eng := newSoloEngine(t, net, cfg)

	rec := &moveRecorder{}
	eng.SetMoveLogger(rec)

	ids := []string{"a01", "a02", "a03", "a04", "a05", "a06", "a07", "a08", "a09", "a10"}
	for _, id := range ids {
		if err := eng.AddAgent(sim.NewAgent(id, 0, []sim.Trip{{Origin: "A", Destination: "B", Start: 0}})); err != nil {
			t.Fatalf("AddAgent: %v", err)
		}
	}

	for eng.LocalAgents() > 0 {
		stepAll(t, []*sim.Engine{eng})
		checkInvariants(t, eng)
		if eng.Tick() > 20000 {
			t.Fatal("agents did not retire")
		}
	}

	// All ten depart on tick 1 in id order; the k-th sees k agents on
	// the link (itself included).
	if len(rec.events) != 10 {
		t.Fatalf("%d move events, want 10", len(rec.events))
	}
	for k, ev := range rec.events {
		want := 100 * (1 + 0.15*math.Pow(float64(k+1)/2, 4))
		if math.Abs(ev.TimeOnLink-want) > 1e-6 {
			t.Fatalf("agent %s time on link = %v, want %v", ev.AgentID, ev.TimeOnLink, want)
		}
	}

	slowest := 100 * (1 + 0.15*math.Pow(5, 4)) // 9475
	wantTick := uint64(1 + int(math.Ceil(slowest-cfg.TimeTolerance)))
	if eng.Tick() != wantTick {
		t.Fatalf("last retirement at tick %d, want %d", eng.Tick(), wantTick)
	}
}

func rerouteWorld(t *testing.T) *network.Network {
	return buildNet(t,
		[]testNode{
			{id: "A", dataX: 0, dataY: 0},
			{id: "B", dataX: 50, dataY: 0},
			{id: "C", dataX: 70, dataY: 30},
			{id: "D", dataX: 140, dataY: 0},
		},
		[]testLink{
			{id: "AB", from: "A", to: "B", length: 100, speed: 10, capacity: 100},
			{id: "BD", from: "B", to: "D", length: 90, speed: 10, capacity: 1},
			{id: "BC", from: "B", to: "C", length: 50, speed: 10, capacity: 100},
			{id: "AC", from: "A", to: "C", length: 160, speed: 10, capacity: 100},
			{id: "CD", from: "C", to: "D", length: 100, speed: 10, capacity: 100},
		},
	)
}

// Saturated planned link: the strategy fires at the intermediate node
// and the agent detours.
func TestRerouteUnderCongestion(t *testing.T) {
	net := rerouteWorld(t)
	eng := newSoloEngine(t, net, testConfig())

	rec := &moveRecorder{}
	eng.SetMoveLogger(rec)

	a := sim.NewAgent("a1", 0, []sim.Trip{{Origin: "A", Destination: "D", Start: 0}})
	a.Strategy = strategy.New(0, 0)
	if err := eng.AddAgent(a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	// Background congestion on the planned link.
	for i := 0; i < 10; i++ {
		if err := net.IncrementOccupancy("BD"); err != nil {
			t.Fatalf("occupancy: %v", err)
		}
	}

	for eng.LocalAgents() > 0 {
		stepAll(t, []*sim.Engine{eng})
		if eng.Tick() > 5000 {
			t.Fatal("agent did not retire")
		}
	}

	var links []string
	for _, ev := range rec.events {
		links = append(links, ev.Link)
	}
	want := []string{"AB", "BC", "CD"}
	if len(links) != len(want) {
		t.Fatalf("links taken: %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("links taken: %v, want %v", links, want)
		}
	}

	rows := eng.TickSeries()
	if got := rows[len(rows)-1].Rerouting; got != 1 {
		t.Fatalf("rerouting counter = %d, want 1", got)
	}
}

// An empty planned link never triggers a reroute, whatever the
// strategy says.
func TestRerouteSuppressedOnEmptyLink(t *testing.T) {
	net := rerouteWorld(t)
	eng := newSoloEngine(t, net, testConfig())

	rec := &moveRecorder{}
	eng.SetMoveLogger(rec)

	a := sim.NewAgent("a1", 0, []sim.Trip{{Origin: "A", Destination: "D", Start: 0}})
	a.Strategy = strategy.New(0, 0)
	if err := eng.AddAgent(a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	for eng.LocalAgents() > 0 {
		stepAll(t, []*sim.Engine{eng})
		if eng.Tick() > 5000 {
			t.Fatal("agent did not retire")
		}
	}

	var links []string
	for _, ev := range rec.events {
		links = append(links, ev.Link)
	}
	if len(links) != 2 || links[0] != "AB" || links[1] != "BD" {
		t.Fatalf("links taken: %v, want [AB BD]", links)
	}
	rows := eng.TickSeries()
	if got := rows[len(rows)-1].Rerouting; got != 0 {
		t.Fatalf("rerouting counter = %d, want 0", got)
	}
}

// Two partitions: an agent crossing the strip boundary leaves one
// worker and appears on the other at the same tick boundary.
func TestMigrationAcrossPartitions(t *testing.T) {
	nodes := []testNode{
		{id: "A", strip: 0, dataX: 0},
		{id: "C", strip: 1, dataX: 100},
		{id: "E", strip: 1, dataX: 200},
	}
	links := []testLink{
		{id: "AC", from: "A", to: "C", length: 100, speed: 10, capacity: 100},
		{id: "CE", from: "C", to: "E", length: 100, speed: 10, capacity: 100},
	}

	members := transport.NewInprocGroup(2)
	engines := make([]*sim.Engine, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			// Each worker owns its own copy of the network.
			net := buildNet(t, nodes, links)
			eng, err := sim.NewEngine(testConfig(), net, members[rank], quietLogger())
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			engines[rank] = eng
		}(rank)
	}
	wg.Wait()
	if engines[0] == nil || engines[1] == nil {
		t.Fatal("engine construction failed")
	}

	if err := engines[0].AddAgent(sim.NewAgent("a1", 0, []sim.Trip{{Origin: "A", Destination: "E", Start: 0}})); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	migrationTick := uint64(0)
	for tick := 1; tick <= 100; tick++ {
		stepAll(t, engines)
		for _, e := range engines {
			checkInvariants(t, e)
		}
		if migrationTick == 0 && engines[1].LocalAgents() == 1 {
			migrationTick = engines[1].Tick()
			if engines[0].LocalAgents() != 0 {
				t.Fatalf("agent on both workers at tick %d", migrationTick)
			}
		}
		if engines[0].LocalAgents()+engines[1].LocalAgents() == 0 {
			break
		}
	}

	// Departs tick 1, arrives at the boundary node ~tick 11.
	if migrationTick != 11 {
		t.Fatalf("migration at tick %d, want 11", migrationTick)
	}
	if engines[0].LocalAgents()+engines[1].LocalAgents() != 0 {
		t.Fatal("agent never retired")
	}
	// The trip finished on the new worker.
	if _, ok := engines[1].FitnessByAgent()["a1"]; !ok {
		t.Fatal("fitness not recorded on destination worker")
	}
}

// A finished world stops within one termination-check window.
func TestTerminationWithinWindow(t *testing.T) {
	net := buildNet(t,
		[]testNode{{id: "A", dataX: 0}, {id: "B", dataX: 1000}},
		[]testLink{{id: "AB", from: "A", to: "B", length: 1000, speed: 10, capacity: 1e9}},
	)
	eng := newSoloEngine(t, net, testConfig())
	if err := eng.AddAgent(sim.NewAgent("a1", 0, []sim.Trip{{Origin: "A", Destination: "B", Start: 0}})); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	if err := eng.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Travel takes ~101 ticks; the all-reduce runs every 100.
	if eng.Tick() > 101+100 {
		t.Fatalf("stopped at tick %d, want <= %d", eng.Tick(), 101+100)
	}
	if eng.LocalAgents() != 0 {
		t.Fatalf("agents left: %d", eng.LocalAgents())
	}
}

// Multi-trip agents over a chain, invariants checked after every tick.
func TestChainedTripsInvariants(t *testing.T) {
	net := buildNet(t,
		[]testNode{
			{id: "A", dataX: 0},
			{id: "B", dataX: 500},
			{id: "C", dataX: 1000},
		},
		[]testLink{
			{id: "AB", from: "A", to: "B", length: 500, speed: 10, capacity: 10},
			{id: "BA", from: "B", to: "A", length: 500, speed: 10, capacity: 10},
			{id: "BC", from: "B", to: "C", length: 500, speed: 10, capacity: 10},
			{id: "CB", from: "C", to: "B", length: 500, speed: 10, capacity: 10},
		},
	)
	eng := newSoloEngine(t, net, testConfig())

	if err := eng.AddAgent(sim.NewAgent("a1", 0, []sim.Trip{
		{Origin: "A", Destination: "C", Start: 0},
		{Origin: "C", Destination: "A", Start: 300},
	})); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := eng.AddAgent(sim.NewAgent("a2", 0, []sim.Trip{
		{Origin: "B", Destination: "C", Start: 50},
		{Origin: "C", Destination: "B", Start: 60}, // late start, clamped to 0 wait
	})); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	for eng.LocalAgents() > 0 {
		stepAll(t, []*sim.Engine{eng})
		checkInvariants(t, eng)
		if eng.Tick() > 5000 {
			t.Fatal("agents did not retire")
		}
	}

	rows := eng.TickSeries()
	last := rows[len(rows)-1]
	if last.TripsPerformed != 4 {
		t.Fatalf("trips performed = %d, want 4", last.TripsPerformed)
	}
	fits := eng.FitnessByAgent()
	if len(fits) != 2 {
		t.Fatalf("fitness entries = %d, want 2", len(fits))
	}
	for id, f := range fits {
		if f <= 0 || f > 1 {
			t.Fatalf("agent %s fitness %v outside (0,1]", id, f)
		}
	}
}
