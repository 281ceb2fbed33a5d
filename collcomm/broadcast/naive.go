package broadcast

import "github.com/unixpickle/blinkplus/collcomm"

// A NaiveBroadcaster sends the whole vector from the root
// to every other device at once.
type NaiveBroadcaster struct{}

// Broadcast sends or receives the root's vector.
func (n NaiveBroadcaster) Broadcast(c *collcomm.Comms, data []byte, root int) []byte {
	if c.Size() == 1 {
		return data
	}
	if c.Index() == root {
		c.Bcast(data)
		return data
	}
	vec, _ := c.Recv()
	return vec
}
