// Command gridlock runs one traffic simulation. Usage:
//
//	gridlock <runtime.properties> <model.properties>
//
// In inproc mode every partition runs as a goroutine of this process;
// in ws mode this process is one rank of a websocket cluster.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gridlock.dev/internal/config"
	"gridlock.dev/internal/network"
	"gridlock.dev/internal/persistence/movelog"
	"gridlock.dev/internal/persistence/report"
	"gridlock.dev/internal/persistence/resultsdb"
	"gridlock.dev/internal/planner"
	"gridlock.dev/internal/sim"
	"gridlock.dev/internal/strategy"
	"gridlock.dev/internal/transport"
	"gridlock.dev/internal/transport/ws"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gridlock <runtime.properties> <model.properties>")
	fmt.Fprintln(os.Stderr, "  runtime.properties: run.mode, run.topology, run.output_dir, run.rank")
	fmt.Fprintln(os.Stderr, "  model.properties:   par.* simulation parameters and file.* inputs")
}

func main() {
	if len(os.Args) != 3 {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[gridlock] ", log.LstdFlags|log.Lmicroseconds)

	rt, err := config.LoadRuntime(os.Args[1])
	if err != nil {
		logger.Fatalf("%v", err)
	}
	model, err := config.LoadModel(os.Args[2])
	if err != nil {
		logger.Fatalf("%v", err)
	}

	if err := os.MkdirAll(rt.OutputDir, 0o755); err != nil {
		logger.Fatalf("output dir: %v", err)
	}

	started := time.Now()
	switch rt.Mode {
	case "inproc":
		runInproc(rt, model, started)
	case "ws":
		runWS(rt, model, started)
	}
}

func runInproc(rt config.Runtime, model config.Model, started time.Time) {
	size := model.Processes()
	members := transport.NewInprocGroup(size)

	results := make([]runResult, size)
	errs := make(chan error, size)
	for rank := 0; rank < size; rank++ {
		go func(rank int) {
			logger := workerLogger(rank)
			res, err := runWorker(members[rank], rt, model, started, logger)
			results[rank] = res
			errs <- err
		}(rank)
	}
	for i := 0; i < size; i++ {
		if err := <-errs; err != nil {
			log.Fatalf("[gridlock] worker: %v", err)
		}
	}

	// All partitions live here, so the results database can take
	// every rank's fitness in one pass.
	db, err := resultsdb.Open(filepath.Join(rt.OutputDir, "results.db"), size)
	if err != nil {
		log.Fatalf("[gridlock] results db: %v", err)
	}
	defer db.Close()
	for rank, res := range results {
		if err := db.InsertFitness(rank, res.eng.FitnessByAgent()); err != nil {
			log.Fatalf("[gridlock] results db fitness: %v", err)
		}
	}
	if err := finishResults(db, results[0]); err != nil {
		log.Fatalf("[gridlock] results db: %v", err)
	}
}

func runWS(rt config.Runtime, model config.Model, started time.Time) {
	logger := workerLogger(rt.Rank)

	topo, err := config.LoadTopology(rt.TopologyPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if topo.WorldSize != model.Processes() {
		logger.Fatalf("topology world_size %d != par.proc_x*par.proc_y %d", topo.WorldSize, model.Processes())
	}
	if rt.Rank < 0 || rt.Rank >= topo.WorldSize {
		logger.Fatalf("run.rank %d outside [0,%d)", rt.Rank, topo.WorldSize)
	}

	var cluster transport.Cluster
	if rt.Rank == 0 {
		hub, err := ws.NewHub(topo.HubAddr, topo.WorldSize, logger)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		if err := hub.AwaitPeers(5 * time.Minute); err != nil {
			logger.Fatalf("%v", err)
		}
		cluster = hub
	} else {
		client, err := ws.Dial("ws://"+topo.HubAddr+"/cluster", rt.Rank, topo.WorldSize, logger)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		cluster = client
	}
	defer cluster.Close()

	res, err := runWorker(cluster, rt, model, started, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	// Only rank 0 writes the results database in ws mode; its fitness
	// table covers rank 0's agents, the CSVs cover everyone.
	if rt.Rank == 0 {
		db, err := resultsdb.Open(filepath.Join(rt.OutputDir, "results.db"), topo.WorldSize)
		if err != nil {
			logger.Fatalf("results db: %v", err)
		}
		defer db.Close()
		if err := db.InsertFitness(0, res.eng.FitnessByAgent()); err != nil {
			logger.Fatalf("results db fitness: %v", err)
		}
		if err := finishResults(db, res); err != nil {
			logger.Fatalf("results db: %v", err)
		}
	}
}

func workerLogger(rank int) *log.Logger {
	return log.New(os.Stdout, fmt.Sprintf("[worker %d] ", rank), log.LstdFlags|log.Lmicroseconds)
}

// runResult is what one rank carries out of the tick loop for the
// results database.
type runResult struct {
	eng         *sim.Engine
	reduced     []sim.TickStats // rank 0 only
	totalAgents int64
}

// runWorker is one rank's whole life: parse inputs, build the
// partition, run the tick loop, write the shared outputs.
func runWorker(cluster transport.Cluster, rt config.Runtime, model config.Model, started time.Time, logger *log.Logger) (runResult, error) {
	size := cluster.Size()

	var (
		net *network.Network
		err error
	)
	if model.NetworkFormat == "matsim" {
		net, err = network.ReadMATSim(model.NetworkMATSim, size)
	} else {
		net, err = network.ReadTransims(model.NodesTransims, model.LinksTransims, size)
	}
	if err != nil {
		return runResult{}, err
	}
	logger.Printf("network: %d nodes, %d links", net.NumNodes(), net.NumLinks())

	eng, err := sim.NewEngine(sim.Config{
		TimeTolerance:           model.TimeTolerance,
		RecordIntervalAggregate: model.RecordIntervalAggregate,
		RecordIntervalSnapshot:  model.RecordIntervalSnapshot,
		Cost:                    planner.CostLength,
		PropStrategicAgents:     model.PropStrategicAgents,
	}, net, cluster, logger)
	if err != nil {
		return runResult{}, err
	}

	var (
		agents []*sim.Agent
		nTrips int
	)
	if model.NetworkFormat == "matsim" {
		agents, nTrips, err = sim.LoadPlansMATSim(model.TripsMATSim, cluster.Rank(), eng.Owns)
	} else {
		var actLoc map[string]string
		actLoc, err = network.ReadActivityLocations(model.ActivitiesTransims)
		if err != nil {
			return runResult{}, err
		}
		agents, nTrips, err = sim.LoadTripsTransims(model.TripsTransims, cluster.Rank(), actLoc,
			sim.TransimsTripOptions{CorrectStartTime: model.CorrectStartTime}, eng.Owns)
	}
	if err != nil {
		return runResult{}, err
	}
	for _, a := range agents {
		if err := eng.AddAgent(a); err != nil {
			return runResult{}, err
		}
	}
	totalAgents, err := cluster.AllReduceInt(int64(len(agents)))
	if err != nil {
		return runResult{}, err
	}
	logger.Printf("%d local agents (%d total), %d trips parsed", len(agents), totalAgents, nTrips)

	nStrategic := int64(0)
	if model.PropStrategicAgents > 0 {
		catalog, err := strategy.ReadCatalog(model.Strategies)
		if err != nil {
			return runResult{}, err
		}
		nStrategic = int64(eng.AssignStrategies(catalog))
	}
	totalStrategic, err := cluster.AllReduceInt(nStrategic)
	if err != nil {
		return runResult{}, err
	}
	if cluster.Rank() == 0 {
		logger.Printf("strategic agents in the simulation: %d", totalStrategic)
	}

	moves, err := movelog.NewWriter(rt.OutputDir, cluster.Rank())
	if err != nil {
		return runResult{}, err
	}
	defer moves.Close()
	eng.SetMoveLogger(moves)

	if err := eng.Run(); err != nil {
		return runResult{}, err
	}
	logger.Printf("done after %d ticks (%.1fs simulated)", eng.Tick(), eng.Now())

	reduced, err := writeOutputs(eng, cluster, rt.OutputDir, started, totalAgents, totalStrategic)
	if err != nil {
		return runResult{}, err
	}
	return runResult{eng: eng, reduced: reduced, totalAgents: totalAgents}, nil
}

func writeOutputs(eng *sim.Engine, cluster transport.Cluster, dir string, started time.Time, totalAgents, totalStrategic int64) ([]sim.TickStats, error) {
	rows, err := eng.GatherTickSeries()
	if err != nil {
		return nil, err
	}
	if cluster.Rank() == 0 {
		if err := report.WriteSimOut(dir, rows); err != nil {
			return nil, err
		}
	}

	series := []report.LinkSeries{
		{Filename: "links_flows.csv", Buckets: eng.AggregateBuckets(), Series: eng.LinkLoad()},
		{Filename: "links_saturation.csv", Buckets: eng.AggregateBuckets(), Series: eng.LinkLoad(), Saturation: true},
		{Filename: "links_flows_snapshot.csv", Buckets: eng.SnapshotBuckets(), Series: eng.LinkSnapshot()},
		{Filename: "links_saturation_snapshot.csv", Buckets: eng.SnapshotBuckets(), Series: eng.LinkSnapshot(), Saturation: true},
	}
	for _, s := range series {
		if err := report.WriteLinkSeries(dir, s, eng.Network(), cluster); err != nil {
			return nil, err
		}
	}

	starts, err := eng.GatherTripStarts()
	if err != nil {
		return nil, err
	}
	if cluster.Rank() == 0 {
		if err := report.WriteStartingTimes(dir, starts); err != nil {
			return nil, err
		}
	}

	if err := report.WriteAgentFitness(dir, eng.FitnessByAgent(), cluster); err != nil {
		return nil, err
	}

	if cluster.Rank() == 0 {
		entries := []report.RunLogEntry{
			{Key: "date_time.run", Value: started.UTC().Format(time.RFC3339)},
			{Key: "process.count", Value: fmt.Sprintf("%d", cluster.Size())},
			{Key: "run.time", Value: fmt.Sprintf("%.3fs", time.Since(started).Seconds())},
			{Key: "number.nodes", Value: fmt.Sprintf("%d", eng.Network().NumNodes())},
			{Key: "number.links", Value: fmt.Sprintf("%d", eng.Network().NumLinks())},
			{Key: "number.agents", Value: fmt.Sprintf("%d", totalAgents)},
			{Key: "number.strat_agents", Value: fmt.Sprintf("%d", totalStrategic)},
			{Key: "number.ticks", Value: fmt.Sprintf("%d", eng.Tick())},
		}
		if err := report.WriteRunLog(dir, entries); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func finishResults(db *resultsdb.DB, res runResult) error {
	if err := db.InsertTickStats(res.reduced); err != nil {
		return err
	}
	var tripsDone, reroutings int64
	if n := len(res.reduced); n > 0 {
		tripsDone = res.reduced[n-1].TripsPerformed
		reroutings = res.reduced[n-1].Rerouting
	}
	net := res.eng.Network()
	return db.FinishRun(net.NumNodes(), net.NumLinks(), int(res.totalAgents), res.eng.Tick(), tripsDone, reroutings)
}
