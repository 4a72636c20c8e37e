package sim

import (
	"gridlock.dev/internal/protocol"
	"gridlock.dev/internal/strategy"
)

// Agent is one driver. Trips is the remaining trip list, front first.
// Path holds the planned links of the current trip in reverse
// traversal order: the next link to enter is the last element.
type Agent struct {
	ID          string
	HomeRank    int
	CurrentRank int

	Trips []Trip

	X, Y          float64
	RemainingTime float64
	Strategy      strategy.Strategy

	Path        []string
	EnRoute     bool
	AtNode      bool
	CurrentLink string

	// DTheo accumulates the free-flow times of the links traversed on
	// the current trip.
	DTheo float64

	PathCount  int // 1-based index of the current trip's path
	LinkInPath int // links popped off the current path by NextLink, including one dropped by a reroute

	Fitness    float64
	FitnessSet bool
	TripsDone  int
}

// NewAgent places a fresh agent at a node, waiting for its first trip.
func NewAgent(id string, rank int, trips []Trip) *Agent {
	a := &Agent{
		ID:          id,
		HomeRank:    rank,
		CurrentRank: rank,
		Trips:       trips,
		AtNode:      true,
		PathCount:   1,
	}
	if len(trips) > 0 {
		a.RemainingTime = trips[0].Start
	}
	return a
}

// NextLink pops the next planned link off the path.
func (a *Agent) NextLink() string {
	link := a.Path[len(a.Path)-1]
	a.Path = a.Path[:len(a.Path)-1]
	a.LinkInPath++
	return link
}

// DecreaseRemainingTime advances the agent's timer by dt, clamped at
// zero.
func (a *Agent) DecreaseRemainingTime(dt float64) {
	a.RemainingTime -= dt
	if a.RemainingTime < 0 {
		a.RemainingTime = 0
	}
}

// RecordFitness folds one trip's fitness sample into the running
// value: first sample replaces, later samples average with equal
// weight.
func (a *Agent) RecordFitness(sample float64) {
	if !a.FitnessSet {
		a.Fitness = sample
		a.FitnessSet = true
		return
	}
	a.Fitness = (a.Fitness + sample) * 0.5
}

// Package serialises the agent for migration.
func (a *Agent) Package() protocol.AgentPackage {
	trips := make([]protocol.TripState, len(a.Trips))
	for i, t := range a.Trips {
		trips[i] = protocol.TripState{Origin: t.Origin, Destination: t.Destination, Start: t.Start}
	}
	return protocol.AgentPackage{
		ID:            a.ID,
		HomeRank:      a.HomeRank,
		CurrentRank:   a.CurrentRank,
		Trips:         trips,
		X:             a.X,
		Y:             a.Y,
		RemainingTime: a.RemainingTime,
		Strategy: protocol.StrategyState{
			SinAlpha:  a.Strategy.SinAlpha,
			CosAlpha:  a.Strategy.CosAlpha,
			Theta:     a.Strategy.Theta,
			Optimized: a.Strategy.Optimized,
		},
		Path:        append([]string(nil), a.Path...),
		EnRoute:     a.EnRoute,
		AtNode:      a.AtNode,
		CurrentLink: a.CurrentLink,
		DTheo:       a.DTheo,
		PathCount:   a.PathCount,
		LinkInPath:  a.LinkInPath,
		Fitness:     a.Fitness,
		FitnessSet:  a.FitnessSet,
		TripsDone:   a.TripsDone,
	}
}

// Unpack reconstructs an agent from a migration package on the
// receiving rank.
func Unpack(p protocol.AgentPackage, rank int) *Agent {
	trips := make([]Trip, len(p.Trips))
	for i, t := range p.Trips {
		trips[i] = Trip{Origin: t.Origin, Destination: t.Destination, Start: t.Start}
	}
	return &Agent{
		ID:            p.ID,
		HomeRank:      p.HomeRank,
		CurrentRank:   rank,
		Trips:         trips,
		X:             p.X,
		Y:             p.Y,
		RemainingTime: p.RemainingTime,
		Strategy: strategy.Strategy{
			SinAlpha:  p.Strategy.SinAlpha,
			CosAlpha:  p.Strategy.CosAlpha,
			Theta:     p.Strategy.Theta,
			Optimized: p.Strategy.Optimized,
		},
		Path:        append([]string(nil), p.Path...),
		EnRoute:     p.EnRoute,
		AtNode:      p.AtNode,
		CurrentLink: p.CurrentLink,
		DTheo:       p.DTheo,
		PathCount:   p.PathCount,
		LinkInPath:  p.LinkInPath,
		Fitness:     p.Fitness,
		FitnessSet:  p.FitnessSet,
		TripsDone:   p.TripsDone,
	}
}
