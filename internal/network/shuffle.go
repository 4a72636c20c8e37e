package network

import "sort"

// ShufflePartitionCoords assigns every node a partitioning coordinate
// ((i mod P) + 0.5, 0.5), spreading nodes round-robin over P vertical
// strips of [0,P] x [0,1]. Physical coordinates are saved to
// DataX/DataY first. Nodes are visited in sorted-id order so the
// assignment is deterministic across workers.
func (n *Network) ShufflePartitionCoords(numPartitions int) {
	ids := make([]string, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		nd := n.nodes[id]
		nd.DataX = nd.X
		nd.DataY = nd.Y

		nd.X = float64(i%numPartitions) + 0.5
		nd.Y = 0.5
	}
}
