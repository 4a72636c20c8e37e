package sim

import "sort"

// Partition is one worker's slice of the strip decomposition: worker p
// owns [p, p+1] x [0,1] of the partitioning coordinate space and every
// agent currently inside it.
type Partition struct {
	Rank int

	MinX, MaxX float64
	MinY, MaxY float64

	agents map[string]*Agent
}

func NewPartition(rank int) *Partition {
	return &Partition{
		Rank:   rank,
		MinX:   float64(rank),
		MaxX:   float64(rank) + 1,
		MinY:   0,
		MaxY:   1,
		agents: map[string]*Agent{},
	}
}

// Contains reports whether (x,y) falls inside the partition bounds
// (borders inclusive).
func (p *Partition) Contains(x, y float64) bool {
	return p.MinX <= x && x <= p.MaxX && p.MinY <= y && y <= p.MaxY
}

func (p *Partition) Add(a *Agent) {
	a.CurrentRank = p.Rank
	p.agents[a.ID] = a
}

func (p *Partition) Remove(id string) {
	delete(p.agents, id)
}

func (p *Partition) Agent(id string) *Agent { return p.agents[id] }

func (p *Partition) Len() int { return len(p.agents) }

// IDs returns the local agent ids in sorted order; the tick loop walks
// agents strictly in this order.
func (p *Partition) IDs() []string {
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
