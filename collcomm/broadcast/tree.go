package broadcast

import "github.com/unixpickle/blinkplus/collcomm"

// A TreeBroadcaster forwards the vector down a tree rooted
// at the root device, from each device to its children.
//
// The tree follows the run's spanning tree when the Comms
// have one, and is a binary heap otherwise.
type TreeBroadcaster struct{}

// Broadcast sends or receives the root's vector.
func (t TreeBroadcaster) Broadcast(c *collcomm.Comms, data []byte, root int) []byte {
	if c.Size() == 1 {
		return data
	}
	parent, children := c.Route(root)
	if parent >= 0 {
		data, _ = c.Recv()
	}
	for _, child := range children {
		c.Send(c.Ports[child], data)
	}
	return data
}
