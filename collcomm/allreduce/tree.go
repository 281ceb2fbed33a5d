package allreduce

import "github.com/unixpickle/blinkplus/collcomm"

// A TreeAllreducer arranges the Ports in a binary tree
// and performs a reduction by going up the tree to a
// root device, and then back down to every device.
//
// The way down follows the run's spanning tree when the
// Comms have one. The way up always uses the binary heap,
// so the rounding of the result does not depend on the
// spanning tree.
type TreeAllreducer struct{}

// Allreduce calls fn on vectors along a tree and returns
// the resulting reduced vector.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []byte,
	fn collcomm.ReduceFn) []byte {
	if len(c.Ports) == 1 {
		return data
	}

	parent, children := collcomm.TreePosition(c.Index(), len(c.Ports))

	// Children are reduced in rank order so that every run
	// rounds the same way.
	messages := make([][]byte, len(children)+1)
	messages[0] = data
	for range children {
		msg, source := c.Recv()
		for i, child := range children {
			if c.Ports[child] == source {
				messages[i+1] = msg
			}
		}
	}

	finalVector := fn(c.Handle, messages...)
	if parent >= 0 {
		c.Send(c.Ports[parent], finalVector)
	}

	// Every reduction message has arrived before the root
	// starts sending the result.
	downParent, downChildren := c.Route(0)
	if downParent >= 0 {
		finalVector, _ = c.Recv()
	}
	for _, child := range downChildren {
		c.Send(c.Ports[child], finalVector)
	}

	return finalVector
}
