// Package broadcast implements algorithms for copying one
// device's vector to every other connected device.
package broadcast

import "github.com/unixpickle/blinkplus/collcomm"

// Broadcaster is an algorithm that copies the root's
// vector to every device.
//
// On the root, data is the vector to send. On every other
// device only len(data) is used, and it must match the
// root's length.
//
// Like an Allreducer, a Broadcaster needs a fresh Comms
// object for every run.
type Broadcaster interface {
	Broadcast(c *collcomm.Comms, data []byte, root int) []byte
}
