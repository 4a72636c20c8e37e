package sim

import (
	"fmt"
	"log"

	"gridlock.dev/internal/network"
	"gridlock.dev/internal/planner"
	"gridlock.dev/internal/protocol"
	"gridlock.dev/internal/rng"
	"gridlock.dev/internal/strategy"
	"gridlock.dev/internal/transport"
)

// Config carries the engine's tunable parameters, read from the model
// properties file.
type Config struct {
	// TimeTolerance is the transition threshold epsilon in seconds.
	TimeTolerance float64
	// RecordIntervalAggregate is the aggregate bucket width in minutes.
	RecordIntervalAggregate int
	// RecordIntervalSnapshot is the snapshot cadence in minutes.
	RecordIntervalSnapshot int
	// Cost selects the planner cost function.
	Cost planner.CostFunc
	// PropStrategicAgents is the fraction of agents drawing an
	// optimised strategy.
	PropStrategicAgents float64
}

const minutesPerDay = 1440

// termCheckEvery is the tick cadence of the global agent-count
// all-reduce that decides termination.
const termCheckEvery = 100

// MoveEvent is one link entry, appended to the per-worker movement
// log.
type MoveEvent struct {
	AgentID    string  `json:"id"`
	Link       string  `json:"link"`
	EnterTime  float64 `json:"enter_time"`
	TimeOnLink float64 `json:"time_on_link"`
	PathIdx    int     `json:"path_idx"`
	LinkIdx    int     `json:"link_idx"`
}

// MoveLogger consumes movement events. Implemented in
// internal/persistence/movelog; may be nil.
type MoveLogger interface {
	WriteMove(MoveEvent) error
}

// TickStats is one worker's aggregate counters at one tick. Rows are
// summed across workers when sim_out.csv is written.
type TickStats struct {
	Tick           uint64
	Agents         int64
	Moving         int64
	TripsPerformed int64
	Rerouting      int64
}

// Engine advances one partition of the simulation. Single-threaded;
// all cross-worker traffic happens in the collectives at the end of a
// tick.
type Engine struct {
	cfg     Config
	log     *log.Logger
	net     *network.Network
	plan    *planner.Planner
	part    *Partition
	cluster transport.Cluster
	rng     *rng.Source

	nodeOwner map[string]int

	now  float64
	tick uint64

	moving         int64
	tripsPerformed int64
	rerouting      int64

	pendingMigrations map[string]int

	aggBuckets   int
	snapBuckets  int
	linkLoad     map[string][]int
	linkSnapshot map[string][]int

	tripStarts []float64
	fitness    map[string]float64
	tickSeries []TickStats

	moveLog MoveLogger
}

// NewEngine builds a worker's engine over an already-shuffled network.
// The partition owns the nodes whose partitioning coordinate falls in
// its strip; link recording is set up for links originating there.
func NewEngine(cfg Config, net *network.Network, cluster transport.Cluster, logger *log.Logger) (*Engine, error) {
	if cfg.RecordIntervalAggregate <= 0 || cfg.RecordIntervalSnapshot <= 0 {
		return nil, fmt.Errorf("record intervals must be positive")
	}
	e := &Engine{
		cfg:               cfg,
		log:               logger,
		net:               net,
		plan:              planner.New(net),
		part:              NewPartition(cluster.Rank()),
		cluster:           cluster,
		rng:               rng.NewForRank(cluster.Rank()),
		pendingMigrations: map[string]int{},
		aggBuckets:        minutesPerDay / cfg.RecordIntervalAggregate,
		snapBuckets:       minutesPerDay / cfg.RecordIntervalSnapshot,
		linkLoad:          map[string][]int{},
		linkSnapshot:      map[string][]int{},
		fitness:           map[string]float64{},
	}

	local := map[string]int{}
	for id, nd := range net.Nodes() {
		if e.part.Contains(nd.X, nd.Y) {
			local[id] = e.part.Rank
		}
	}
	owners, err := cluster.ExchangeNodeOwners(local)
	if err != nil {
		return nil, fmt.Errorf("node owner exchange: %w", err)
	}
	e.nodeOwner = owners

	for id, l := range net.Links() {
		if _, ok := local[l.From]; ok {
			e.linkLoad[id] = make([]int, e.aggBuckets)
			e.linkSnapshot[id] = make([]int, e.snapBuckets)
		}
	}

	logger.Printf("partition [%g,%g]x[%g,%g]: %d nodes, %d links watched",
		e.part.MinX, e.part.MaxX, e.part.MinY, e.part.MaxY, len(local), len(e.linkLoad))
	return e, nil
}

func (e *Engine) SetMoveLogger(l MoveLogger) { e.moveLog = l }

func (e *Engine) Rank() int         { return e.part.Rank }
func (e *Engine) Now() float64      { return e.now }
func (e *Engine) Tick() uint64      { return e.tick }
func (e *Engine) LocalAgents() int  { return e.part.Len() }
func (e *Engine) Partition() *Partition { return e.part }

// Owns reports whether the trip's first origin lies in this worker's
// strip; agent construction at startup is filtered through it.
func (e *Engine) Owns(nodeID string) (bool, error) {
	nd, err := e.net.Node(nodeID)
	if err != nil {
		return false, err
	}
	return e.part.Contains(nd.X, nd.Y), nil
}

// AddAgent registers a startup agent, positions it at its first
// origin, and plans the first trip's path through the memoised
// planner.
func (e *Engine) AddAgent(a *Agent) error {
	if len(a.Trips) == 0 {
		return fmt.Errorf("agent %s has no trips", a.ID)
	}
	first := a.Trips[0]
	nd, err := e.net.Node(first.Origin)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	a.X, a.Y = nd.X, nd.Y

	path, err := e.plan.CachedAStar(first.Origin, first.Destination, e.cfg.Cost)
	if err != nil {
		return fmt.Errorf("agent %s initial path: %w", a.ID, err)
	}
	a.Path = append([]string(nil), path...)
	e.part.Add(a)
	return nil
}

// AssignStrategies draws each local agent against the strategic-agent
// fraction and hands winners a random strategy from the catalog.
func (e *Engine) AssignStrategies(catalog []strategy.Strategy) int {
	if len(catalog) == 0 {
		return 0
	}
	n := 0
	for _, id := range e.part.IDs() {
		if e.rng.Float64() < e.cfg.PropStrategicAgents {
			e.part.Agent(id).Strategy = catalog[e.rng.Intn(len(catalog))]
			n++
		}
	}
	return n
}

// Run drives ticks until the global agent count reaches zero.
func (e *Engine) Run() error {
	for {
		if err := e.Step(); err != nil {
			return err
		}
		if e.tick%termCheckEvery == 0 {
			total, err := e.cluster.AllReduceInt(int64(e.part.Len()))
			if err != nil {
				return fmt.Errorf("termination check: %w", err)
			}
			if e.part.Rank == 0 {
				e.log.Printf("tick=%d time=%gs remaining agents=%d", e.tick, e.now, total)
			}
			if total == 0 {
				return nil
			}
		}
	}
}

// Step advances the simulation clock by one second and processes every
// local agent, then synchronises migrations.
func (e *Engine) Step() error {
	for id := range e.pendingMigrations {
		delete(e.pendingMigrations, id)
	}

	e.now += 1.0
	e.tick++

	bucket := (int(e.now) / (60 * e.cfg.RecordIntervalAggregate)) % e.aggBuckets

	for _, id := range e.part.IDs() {
		a := e.part.Agent(id)
		if a == nil {
			continue
		}
		a.DecreaseRemainingTime(1.0)
		if a.RemainingTime > e.cfg.TimeTolerance {
			continue
		}

		if a.AtNode {
			if err := e.departNode(a, bucket); err != nil {
				return err
			}
			continue
		}
		retire, err := e.arriveNode(a)
		if err != nil {
			return err
		}
		if retire {
			e.part.Remove(a.ID)
			delete(e.pendingMigrations, a.ID)
		}
	}

	if int(e.now)%(60*e.cfg.RecordIntervalSnapshot) == 0 {
		e.snapshotLinks()
	}

	e.tickSeries = append(e.tickSeries, TickStats{
		Tick:           e.tick,
		Agents:         int64(e.part.Len()),
		Moving:         e.moving,
		TripsPerformed: e.tripsPerformed,
		Rerouting:      e.rerouting,
	})

	return e.syncAgents()
}

// departNode starts a trip if needed, then pushes the agent onto its
// next link, rerouting first when the strategy fires.
func (e *Engine) departNode(a *Agent, bucket int) error {
	if !a.EnRoute {
		a.EnRoute = true
		e.moving++
		e.tripStarts = append(e.tripStarts, e.now)
	}

	if len(a.Path) == 0 {
		return fmt.Errorf("agent %s at %g,%g: empty path on departure", a.ID, a.X, a.Y)
	}
	a.AtNode = false
	linkID := a.NextLink()
	a.CurrentLink = linkID

	if a.Strategy.Optimized {
		fire, err := e.shouldReroute(a)
		if err != nil {
			return err
		}
		if fire {
			l, err := e.net.Link(linkID)
			if err != nil {
				return err
			}
			nd, err := e.net.Node(l.From)
			if err != nil {
				return err
			}
			if len(nd.LinksOut) > 1 {
				e.rerouting++
				newPath, err := e.plan.AStarAvoiding(l.From, a.Trips[0].Destination, linkID, e.cfg.Cost)
				if err != nil {
					return fmt.Errorf("agent %s reroute at %s: %w", a.ID, l.From, err)
				}
				a.Path = newPath
				linkID = a.NextLink()
				a.CurrentLink = linkID
			}
		}
	}

	l, err := e.net.Link(linkID)
	if err != nil {
		return err
	}
	a.DTheo += l.FreeFlowTime
	if err := e.net.IncrementOccupancy(linkID); err != nil {
		return err
	}
	a.RemainingTime = l.TravelTime()

	if row, ok := e.linkLoad[linkID]; ok {
		row[bucket]++
	}
	if e.moveLog != nil {
		ev := MoveEvent{
			AgentID:    a.ID,
			Link:       linkID,
			EnterTime:  e.now,
			TimeOnLink: a.RemainingTime,
			PathIdx:    a.PathCount,
			LinkIdx:    a.LinkInPath,
		}
		if err := e.moveLog.WriteMove(ev); err != nil {
			return fmt.Errorf("movement log: %w", err)
		}
	}
	return nil
}

// shouldReroute computes the strategy inputs for the link the agent is
// about to enter. Rerouting around an empty link is suppressed.
func (e *Engine) shouldReroute(a *Agent) (bool, error) {
	l, err := e.net.Link(a.CurrentLink)
	if err != nil {
		return false, err
	}
	x2 := float64(l.Occupancy()) / l.Capacity
	if x2 <= 0 {
		return false, nil
	}
	x1 := 0.0
	if a.DTheo > 0 {
		x1 = (e.now - a.Trips[0].Start) / a.DTheo
	}
	return a.Strategy.Reroute(x1, x2), nil
}

// arriveNode completes a link traversal: either stop at the link's end
// node, or finish the trip. The returned flag asks the caller to
// retire the agent.
func (e *Engine) arriveNode(a *Agent) (bool, error) {
	if len(a.Path) > 0 {
		if err := e.net.DecrementOccupancy(a.CurrentLink); err != nil {
			return false, err
		}
		l, err := e.net.Link(a.CurrentLink)
		if err != nil {
			return false, err
		}
		nd, err := e.net.Node(l.To)
		if err != nil {
			return false, err
		}
		a.X, a.Y = nd.X, nd.Y
		a.AtNode = true

		if !e.part.Contains(a.X, a.Y) {
			owner, ok := e.nodeOwner[l.To]
			if !ok {
				return false, fmt.Errorf("%s: node %s has no owner", protocol.ErrCodeMigration, l.To)
			}
			e.pendingMigrations[a.ID] = owner
		}
		return false, nil
	}

	// Trip complete.
	trip := a.Trips[0]
	duration := e.now - trip.Start
	if duration > 0 {
		a.RecordFitness(a.DTheo / duration)
		e.fitness[a.ID] = a.Fitness
	}
	a.TripsDone++
	e.tripsPerformed++
	e.moving--
	if err := e.net.DecrementOccupancy(a.CurrentLink); err != nil {
		return false, err
	}

	if len(a.Trips) > 1 {
		if err := e.setNextTrip(a); err != nil {
			return false, err
		}
		if !e.part.Contains(a.X, a.Y) {
			owner, ok := e.nodeOwner[a.Trips[0].Origin]
			if !ok {
				return false, fmt.Errorf("%s: node %s has no owner", protocol.ErrCodeMigration, a.Trips[0].Origin)
			}
			e.pendingMigrations[a.ID] = owner
		}
		return false, nil
	}
	return true, nil
}

// setNextTrip pops the finished trip and stages the next one: plain
// min-cost plan (uncached), agent parked at the new origin until the
// scheduled start.
func (e *Engine) setNextTrip(a *Agent) error {
	a.Trips = a.Trips[1:]
	next := a.Trips[0]

	path, err := e.plan.ShortestPath(next.Origin, next.Destination, e.cfg.Cost)
	if err != nil {
		return fmt.Errorf("agent %s next trip: %w", a.ID, err)
	}
	a.Path = path

	nd, err := e.net.Node(next.Origin)
	if err != nil {
		return err
	}
	a.X, a.Y = nd.X, nd.Y
	a.EnRoute = false
	a.AtNode = true
	a.CurrentLink = ""
	a.DTheo = 0
	a.RemainingTime = next.Start - e.now
	if a.RemainingTime < 0 {
		a.RemainingTime = 0
	}
	a.PathCount++
	a.LinkInPath = 0
	return nil
}

// snapshotLinks samples where every en-route agent currently is.
func (e *Engine) snapshotLinks() {
	idx := (int(e.now) / (60 * e.cfg.RecordIntervalSnapshot)) % e.snapBuckets
	for _, id := range e.part.IDs() {
		a := e.part.Agent(id)
		if !a.EnRoute || a.CurrentLink == "" {
			continue
		}
		if row, ok := e.linkSnapshot[a.CurrentLink]; ok {
			row[idx]++
		}
	}
}

// syncAgents packages every agent marked for migration, runs the
// all-to-all exchange, and adopts the inbound agents.
func (e *Engine) syncAgents() error {
	outgoing := map[int][]protocol.AgentPackage{}
	for id, dest := range e.pendingMigrations {
		a := e.part.Agent(id)
		if a == nil {
			return fmt.Errorf("%s: agent %s pending but not local", protocol.ErrCodeMigration, id)
		}
		if dest == e.part.Rank {
			continue
		}
		outgoing[dest] = append(outgoing[dest], a.Package())
		e.part.Remove(id)
	}

	inbound, err := e.cluster.ExchangeAgents(e.tick, outgoing)
	if err != nil {
		return fmt.Errorf("%s: %w", protocol.ErrCodeMigration, err)
	}
	for _, pkg := range inbound {
		e.part.Add(Unpack(pkg, e.part.Rank))
	}
	return nil
}

// Recording accessors for the output writers.

func (e *Engine) TickSeries() []TickStats        { return e.tickSeries }
func (e *Engine) LinkLoad() map[string][]int     { return e.linkLoad }
func (e *Engine) LinkSnapshot() map[string][]int { return e.linkSnapshot }
func (e *Engine) TripStarts() []float64          { return e.tripStarts }
func (e *Engine) FitnessByAgent() map[string]float64 { return e.fitness }
func (e *Engine) Network() *network.Network      { return e.net }
func (e *Engine) AggregateBuckets() int          { return e.aggBuckets }
func (e *Engine) SnapshotBuckets() int           { return e.snapBuckets }

// GatherTickSeries reduces the per-tick aggregate counters across
// workers: rank 0 receives the element-wise sums, others nil. Workers
// run in lockstep, so every rank contributes the same number of rows.
func (e *Engine) GatherTickSeries() ([]TickStats, error) {
	flat := make([]float64, 0, len(e.tickSeries)*4)
	for _, r := range e.tickSeries {
		flat = append(flat, float64(r.Agents), float64(r.Moving), float64(r.TripsPerformed), float64(r.Rerouting))
	}
	all, err := e.cluster.Gather(flat)
	if err != nil {
		return nil, err
	}
	if e.part.Rank != 0 {
		return nil, nil
	}

	out := make([]TickStats, len(e.tickSeries))
	for i := range out {
		out[i].Tick = e.tickSeries[i].Tick
	}
	for _, series := range all {
		if len(series) != len(out)*4 {
			return nil, fmt.Errorf("tick series length mismatch: %d vs %d rows", len(series)/4, len(out))
		}
		for i := range out {
			out[i].Agents += int64(series[i*4])
			out[i].Moving += int64(series[i*4+1])
			out[i].TripsPerformed += int64(series[i*4+2])
			out[i].Rerouting += int64(series[i*4+3])
		}
	}
	return out, nil
}

// GatherTripStarts collects every worker's trip start times on rank 0.
func (e *Engine) GatherTripStarts() ([]float64, error) {
	all, err := e.cluster.Gather(e.tripStarts)
	if err != nil {
		return nil, err
	}
	if e.part.Rank != 0 {
		return nil, nil
	}
	var merged []float64
	for _, vs := range all {
		merged = append(merged, vs...)
	}
	return merged, nil
}
