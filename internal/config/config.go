// Package config loads the two properties files named on the command
// line plus the yaml cluster topology used for multi-process runs.
package config

import (
	"fmt"
	"os"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// Runtime is the first CLI argument: how this process participates in
// the run.
type Runtime struct {
	// Mode is "inproc" (all partitions as goroutines in one process)
	// or "ws" (one process per partition, websocket star).
	Mode string
	// TopologyPath locates the yaml cluster topology (ws mode).
	TopologyPath string
	// OutputDir receives every output file.
	OutputDir string
	// Rank is this process's rank in ws mode; ignored inproc.
	Rank int
}

// Model is the second CLI argument: the simulation parameters.
type Model struct {
	TimeTolerance           float64
	RecordIntervalAggregate int
	RecordIntervalSnapshot  int
	ProcX, ProcY            int
	NetworkFormat           string
	CorrectStartTime        bool
	PropStrategicAgents     float64

	NetworkMATSim      string
	TripsMATSim        string
	NodesTransims      string
	LinksTransims      string
	ActivitiesTransims string
	TripsTransims      string
	Strategies         string
}

// Processes is the world size, par.proc_x * par.proc_y.
func (m Model) Processes() int { return m.ProcX * m.ProcY }

func LoadRuntime(path string) (Runtime, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Runtime{}, fmt.Errorf("runtime properties %s: %w", path, err)
	}
	r := Runtime{
		Mode:         p.GetString("run.mode", "inproc"),
		TopologyPath: p.GetString("run.topology", ""),
		OutputDir:    p.GetString("run.output_dir", "output"),
		Rank:         p.GetInt("run.rank", 0),
	}
	if r.Mode != "inproc" && r.Mode != "ws" {
		return Runtime{}, fmt.Errorf("runtime properties %s: run.mode %q (want inproc or ws)", path, r.Mode)
	}
	if r.Mode == "ws" && r.TopologyPath == "" {
		return Runtime{}, fmt.Errorf("runtime properties %s: ws mode needs run.topology", path)
	}
	return r, nil
}

func LoadModel(path string) (Model, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Model{}, fmt.Errorf("model properties %s: %w", path, err)
	}

	m := Model{
		TimeTolerance:           p.GetFloat64("par.time_tolerance", 0.001),
		RecordIntervalAggregate: p.GetInt("par.record_interval_aggregate", 15),
		RecordIntervalSnapshot:  p.GetInt("par.record_interval_snapshot", 60),
		ProcX:                   p.GetInt("par.proc_x", 1),
		ProcY:                   p.GetInt("par.proc_y", 1),
		NetworkFormat:           p.GetString("par.network_format", "transims"),
		CorrectStartTime:        p.GetString("par.correct_start_time", "n") == "y",
		PropStrategicAgents:     p.GetFloat64("par.prop_strategic_agents", 0),

		NetworkMATSim:      p.GetString("file.network_matsim", ""),
		TripsMATSim:        p.GetString("file.trips_matsim", ""),
		NodesTransims:      p.GetString("file.nodes_transims", ""),
		LinksTransims:      p.GetString("file.links_transims", ""),
		ActivitiesTransims: p.GetString("file.activities_transims", ""),
		TripsTransims:      p.GetString("file.trips_transims", ""),
		Strategies:         p.GetString("file.strategies", ""),
	}

	if m.ProcX <= 0 || m.ProcY <= 0 {
		return Model{}, fmt.Errorf("model properties %s: par.proc_x/par.proc_y must be positive", path)
	}
	if m.RecordIntervalAggregate <= 0 || m.RecordIntervalSnapshot <= 0 {
		return Model{}, fmt.Errorf("model properties %s: record intervals must be positive", path)
	}
	if m.PropStrategicAgents < 0 || m.PropStrategicAgents > 1 {
		return Model{}, fmt.Errorf("model properties %s: par.prop_strategic_agents outside [0,1]", path)
	}
	if m.NetworkFormat == "matsim" {
		if m.NetworkMATSim == "" || m.TripsMATSim == "" {
			return Model{}, fmt.Errorf("model properties %s: matsim format needs file.network_matsim and file.trips_matsim", path)
		}
	} else {
		if m.NodesTransims == "" || m.LinksTransims == "" || m.TripsTransims == "" || m.ActivitiesTransims == "" {
			return Model{}, fmt.Errorf("model properties %s: transims format needs file.nodes_transims, file.links_transims, file.activities_transims and file.trips_transims", path)
		}
	}
	return m, nil
}

// Topology describes the websocket star for multi-process runs.
type Topology struct {
	WorldSize int    `yaml:"world_size"`
	HubAddr   string `yaml:"hub_addr"`
}

func LoadTopology(path string) (Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, err
	}
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	if t.WorldSize < 1 {
		return Topology{}, fmt.Errorf("topology %s: world_size %d", path, t.WorldSize)
	}
	if t.HubAddr == "" {
		return Topology{}, fmt.Errorf("topology %s: missing hub_addr", path)
	}
	return t, nil
}
