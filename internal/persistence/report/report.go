// Package report writes the end-of-run CSV outputs. Shared files are
// built cooperatively: rank 0 writes the header, then every rank
// appends its own rows in rank order, serialised by collective
// barriers.
package report

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gridlock.dev/internal/network"
	"gridlock.dev/internal/sim"
	"gridlock.dev/internal/transport"
)

// barrier rides an all-reduce; every rank must call it.
func barrier(cluster transport.Cluster) error {
	_, err := cluster.AllReduceInt(0)
	return err
}

// WriteSimOut writes the per-tick aggregate totals. rows must already
// be reduced across ranks; only rank 0 calls this.
func WriteSimOut(dir string, rows []sim.TickStats) error {
	f, err := os.Create(filepath.Join(dir, "sim_out.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "total_agents;total_moving_agents;total_trips_performed;total_reroutings")
	for _, r := range rows {
		fmt.Fprintf(w, "%d;%d;%d;%d\n", r.Agents, r.Moving, r.TripsPerformed, r.Rerouting)
	}
	return w.Flush()
}

// LinkSeries describes one of the four link state outputs.
type LinkSeries struct {
	Filename   string
	Buckets    int
	Series     map[string][]int
	Saturation bool // divide by link capacity
}

// WriteLinkSeries writes one link time-series file cooperatively
// across all ranks.
func WriteLinkSeries(dir string, s LinkSeries, net *network.Network, cluster transport.Cluster) error {
	path := filepath.Join(dir, s.Filename)

	if cluster.Rank() == 0 {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		fmt.Fprint(w, "LINK")
		for i := 0; i < s.Buckets; i++ {
			fmt.Fprintf(w, ";t_%d", i)
		}
		fmt.Fprintln(w)
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	for p := 0; p < cluster.Size(); p++ {
		if err := barrier(cluster); err != nil {
			return err
		}
		if cluster.Rank() != p {
			continue
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)

		ids := make([]string, 0, len(s.Series))
		for id := range s.Series {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			row := s.Series[id]
			fmt.Fprint(w, id)
			if s.Saturation {
				l, err := net.Link(id)
				if err != nil {
					f.Close()
					return err
				}
				for _, v := range row {
					fmt.Fprintf(w, ";%g", float64(v)/l.Capacity)
				}
			} else {
				for _, v := range row {
					fmt.Fprintf(w, ";%d", v)
				}
			}
			fmt.Fprintln(w)
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// WriteStartingTimes writes the gathered, sorted trip start times.
// Only rank 0 calls this.
func WriteStartingTimes(dir string, times []float64) error {
	sort.Float64s(times)

	f, err := os.Create(filepath.Join(dir, "starting_times.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "STARTING_TIME")
	for _, t := range times {
		fmt.Fprintf(w, "%g\n", t)
	}
	return w.Flush()
}

// WriteAgentFitness appends every rank's agent fitness rows in rank
// order.
func WriteAgentFitness(dir string, fitness map[string]float64, cluster transport.Cluster) error {
	path := filepath.Join(dir, "agents_fitness.csv")

	if cluster.Rank() == 0 {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(f, "AGENT ID;FITNESS"); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	for p := 0; p < cluster.Size(); p++ {
		if err := barrier(cluster); err != nil {
			return err
		}
		if cluster.Rank() != p {
			continue
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)

		ids := make([]string, 0, len(fitness))
		for id := range fitness {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(w, "%s;%g\n", id, fitness[id])
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// RunLogEntry is one key;value row of the run log.
type RunLogEntry struct {
	Key   string
	Value string
}

// WriteRunLog writes log_simulation.csv on rank 0.
func WriteRunLog(dir string, entries []RunLogEntry) error {
	f, err := os.Create(filepath.Join(dir, "log_simulation.csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintf(w, "%s;%s\n", e.Key, e.Value)
	}
	return w.Flush()
}
