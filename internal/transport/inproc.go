package transport

import "gridlock.dev/internal/protocol"

// InprocCluster is one worker's membership in a shared in-process
// CollectiveHub. Used for single-machine runs and by the tests.
type InprocCluster struct {
	hub  *CollectiveHub
	rank int

	seqNodeMap uint64
	seqMigrate uint64
	seqReduce  uint64
	seqGather  uint64
}

// NewInprocGroup wires size members onto one hub.
func NewInprocGroup(size int) []*InprocCluster {
	hub := NewCollectiveHub(size)
	members := make([]*InprocCluster, size)
	for i := range members {
		members[i] = &InprocCluster{hub: hub, rank: i}
	}
	return members
}

func (c *InprocCluster) Rank() int { return c.rank }
func (c *InprocCluster) Size() int { return c.hub.Size() }

func (c *InprocCluster) ExchangeNodeOwners(local map[string]int) (map[string]int, error) {
	seq := c.seqNodeMap
	c.seqNodeMap++
	return c.hub.SubmitNodeOwners(seq, local), nil
}

func (c *InprocCluster) ExchangeAgents(tick uint64, outgoing map[int][]protocol.AgentPackage) ([]protocol.AgentPackage, error) {
	seq := c.seqMigrate
	c.seqMigrate++
	return c.hub.SubmitMigrations(seq, c.rank, outgoing)
}

func (c *InprocCluster) AllReduceInt(v int64) (int64, error) {
	seq := c.seqReduce
	c.seqReduce++
	return c.hub.SubmitReduce(seq, v), nil
}

func (c *InprocCluster) Gather(values []float64) ([][]float64, error) {
	seq := c.seqGather
	c.seqGather++
	all := c.hub.SubmitGather(seq, c.rank, values)
	if c.rank != 0 {
		return nil, nil
	}
	return all, nil
}

func (c *InprocCluster) Close() error { return nil }
