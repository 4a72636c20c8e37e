package transport

import (
	"fmt"
	"sync"

	"gridlock.dev/internal/protocol"
)

// CollectiveHub synchronises one round of each collective across size
// participants. Rounds are keyed by (kind, seq); every participant of
// a round blocks until the last contribution arrives, then reads its
// share of the merged result. The hub is shared by the in-process
// cluster and by the websocket hub, which contributes on behalf of
// remote ranks.
type CollectiveHub struct {
	size int

	mu     sync.Mutex
	rounds map[roundKey]*round
}

type roundKey struct {
	kind string
	seq  uint64
}

const (
	kindNodeMap = "node_map"
	kindMigrate = "migrate"
	kindReduce  = "reduce"
	kindGather  = "gather"
)

type round struct {
	arrived int
	done    chan struct{}

	owners   map[string]int
	inbound  map[int][]protocol.AgentPackage
	sum      int64
	gathered [][]float64
}

func NewCollectiveHub(size int) *CollectiveHub {
	return &CollectiveHub{
		size:   size,
		rounds: map[roundKey]*round{},
	}
}

func (h *CollectiveHub) Size() int { return h.size }

// enter contributes to a round and blocks until it completes.
func (h *CollectiveHub) enter(kind string, seq uint64, contribute func(r *round)) *round {
	h.mu.Lock()
	key := roundKey{kind, seq}
	r, ok := h.rounds[key]
	if !ok {
		r = &round{
			done:     make(chan struct{}),
			owners:   map[string]int{},
			inbound:  map[int][]protocol.AgentPackage{},
			gathered: make([][]float64, h.size),
		}
		h.rounds[key] = r
	}
	contribute(r)
	r.arrived++
	if r.arrived == h.size {
		delete(h.rounds, key)
		close(r.done)
	}
	h.mu.Unlock()

	<-r.done
	return r
}

// SubmitNodeOwners merges a rank's ownership map; returns the union.
func (h *CollectiveHub) SubmitNodeOwners(seq uint64, owners map[string]int) map[string]int {
	r := h.enter(kindNodeMap, seq, func(r *round) {
		for id, rank := range owners {
			r.owners[id] = rank
		}
	})
	return r.owners
}

// SubmitMigrations routes outgoing packages; returns those addressed
// to rank.
func (h *CollectiveHub) SubmitMigrations(seq uint64, rank int, outgoing map[int][]protocol.AgentPackage) ([]protocol.AgentPackage, error) {
	for dest := range outgoing {
		if dest < 0 || dest >= h.size {
			return nil, fmt.Errorf("%s: destination rank %d out of range", protocol.ErrCodeMigration, dest)
		}
	}
	r := h.enter(kindMigrate, seq, func(r *round) {
		for dest, pkgs := range outgoing {
			r.inbound[dest] = append(r.inbound[dest], pkgs...)
		}
	})
	return r.inbound[rank], nil
}

// SubmitReduce adds a rank's value; returns the sum over all ranks.
func (h *CollectiveHub) SubmitReduce(seq uint64, v int64) int64 {
	r := h.enter(kindReduce, seq, func(r *round) {
		r.sum += v
	})
	return r.sum
}

// SubmitGather records a rank's series; returns the full set (indexed
// by rank) so the caller can hand it to rank 0.
func (h *CollectiveHub) SubmitGather(seq uint64, rank int, values []float64) [][]float64 {
	r := h.enter(kindGather, seq, func(r *round) {
		r.gathered[rank] = values
	})
	return r.gathered
}
