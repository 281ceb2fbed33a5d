package collcomm

import (
	"github.com/gomlx/exceptions"
	"github.com/unixpickle/blinkplus/simulator"
)

// Comms is one device's view of a single collective run
// over a set of devices.
//
// A new Comms object should be used for each run, thus
// automatically separating the messages of different runs.
type Comms struct {
	// Handle is the device's main Goroutine's handle on
	// the event loop.
	Handle *simulator.Handle

	// Port is the current device's port.
	Port *simulator.Port

	// Ports contains ports to all the devices in the run,
	// including the current device, in rank order.
	Ports []*simulator.Port

	// Network is the interconnect joining the devices.
	Network simulator.Network

	// ElemSize is the size in bytes of one element of the
	// data being moved. Data is only ever split on element
	// boundaries.
	ElemSize int

	// Parents, if set, is a spanning tree over the ranks
	// made of the fastest links of the network. Parents[i]
	// is the parent of rank i, or -1 for the tree's root.
	//
	// Without it, Route and Chain fall back to a binary
	// heap and to rank order.
	Parents []int
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	elemSize int, f func(c *Comms)) {
	SpawnTreeComms(loop, network, nodes, elemSize, nil, f)
}

// SpawnTreeComms is like SpawnComms, but routes follow the
// given spanning tree. See Comms.Parents.
func SpawnTreeComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	elemSize int, parents []int, f func(c *Comms)) {
	if parents != nil && len(parents) != len(nodes) {
		exceptions.Panicf("tree has %d nodes but there are %d", len(parents), len(nodes))
	}
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	loop.GoEach(len(nodes), func(h *simulator.Handle, i int) {
		f(&Comms{
			Handle:   h,
			Port:     ports[i],
			Ports:    ports,
			Network:  network,
			ElemSize: elemSize,
			Parents:  parents,
		})
	})
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Bcast sends a vector to every other node.
func (c *Comms) Bcast(vec []byte) {
	messages := make([]*simulator.Message, 0, len(c.Ports)-1)
	for _, port := range c.Ports {
		if port == c.Port {
			continue
		}
		messages = append(messages, &simulator.Message{
			Source:  c.Port,
			Dest:    port,
			Message: vec,
			Size:    float64(len(vec)),
		})
	}
	c.Network.Send(c.Handle, messages...)
}

// Send schedules a vector to be sent to the destination.
func (c *Comms) Send(dst *simulator.Port, vec []byte) {
	c.SendMessage(dst, vec, float64(len(vec)))
}

// SendMessage schedules an arbitrary message of the given
// size (in bytes) to be sent to the destination.
func (c *Comms) SendMessage(dst *simulator.Port, msg interface{}, size float64) {
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    dst,
		Message: msg,
		Size:    size,
	})
}

// Recv receives the next vector.
func (c *Comms) Recv() ([]byte, *simulator.Port) {
	res := c.Port.Recv(c.Handle)
	vec, ok := res.Message.([]byte)
	if !ok {
		exceptions.Panicf("expected a vector but got %T", res.Message)
	}
	return vec, res.Source
}

// RecvMessage receives the next message of any kind.
func (c *Comms) RecvMessage() (interface{}, *simulator.Port) {
	res := c.Port.Recv(c.Handle)
	return res.Message, res.Source
}

// Index returns the current node's index in the list of
// nodes.
func (c *Comms) Index() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any node's index.
func (c *Comms) IndexOf(p *simulator.Port) int {
	for i, port := range c.Ports {
		if port == p {
			return i
		}
	}
	panic("unreachable")
}

// NumElems returns the number of elements in a vector.
func (c *Comms) NumElems(vec []byte) int {
	return len(vec) / c.ElemSize
}

// Chunkify splits a vector into at most numChunks pieces
// of whole elements. Every piece but the last has the
// same size.
func (c *Comms) Chunkify(vec []byte, numChunks int) [][]byte {
	numElems := c.NumElems(vec)
	chunkElems := numElems / max(numChunks, 1)
	if chunkElems < 1 {
		chunkElems = 1
	}
	chunkSize := chunkElems * c.ElemSize
	var res [][]byte
	for i := 0; i < len(vec); i += chunkSize {
		if i+chunkSize > len(vec) {
			res = append(res, vec[i:])
		} else {
			res = append(res, vec[i:i+chunkSize])
		}
	}
	return res
}

// TreePosition arranges n nodes in a binary heap and
// returns the parent (-1 for the root) and children of the
// node at index idx.
func TreePosition(idx, n int) (parent int, children []int) {
	parent = -1
	if idx > 0 {
		parent = (idx - 1) / 2
	}
	for _, child := range []int{2*idx + 1, 2*idx + 2} {
		if child < n {
			children = append(children, child)
		}
	}
	return
}

// Route returns the parent (-1 at the root) and the
// children of the current node in a tree that spans every
// node and is rooted at root.
//
// The tree is Parents hung from root, or a binary heap over
// the ranks starting at root if there is no Parents.
func (c *Comms) Route(root int) (parent int, children []int) {
	idx, n := c.Index(), c.Size()
	if c.Parents == nil {
		relParent, relChildren := TreePosition((idx-root+n)%n, n)
		parent = -1
		if relParent >= 0 {
			parent = (relParent + root) % n
		}
		for _, child := range relChildren {
			children = append(children, (child+root)%n)
		}
		return
	}
	parents := c.rootedParents(root)
	for i, p := range parents {
		if p == idx {
			children = append(children, i)
		}
	}
	return parents[idx], children
}

// Chain lists every rank once, starting at root.
//
// With Parents, the order is a depth-first walk of the tree
// hung from root, so that most consecutive ranks share a
// tree link. Otherwise it is rank order from root.
func (c *Comms) Chain(root int) []int {
	n := c.Size()
	res := make([]int, 0, n)
	if c.Parents == nil {
		for i := 0; i < n; i++ {
			res = append(res, (root+i)%n)
		}
		return res
	}
	parents := c.rootedParents(root)
	var visit func(i int)
	visit = func(i int) {
		res = append(res, i)
		for child, p := range parents {
			if p == i {
				visit(child)
			}
		}
	}
	visit(root)
	return res
}

// rootedParents hangs the Parents tree from a new root.
func (c *Comms) rootedParents(root int) []int {
	n := len(c.Parents)
	neighbors := make([][]int, n)
	for child, parent := range c.Parents {
		if parent >= 0 {
			neighbors[child] = append(neighbors[child], parent)
			neighbors[parent] = append(neighbors[parent], child)
		}
	}

	res := make([]int, n)
	seen := make([]bool, n)
	res[root] = -1
	seen[root] = true
	queue := []int{root}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, j := range neighbors[i] {
			if !seen[j] {
				seen[j] = true
				res[j] = i
				queue = append(queue, j)
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			exceptions.Panicf("rank %d is not connected to the tree", i)
		}
	}
	return res
}
