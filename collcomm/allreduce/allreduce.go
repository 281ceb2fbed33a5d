// Package allreduce implements algorithms for reducing
// vectors across many different connected devices, so that
// every device ends up with the same reduced vector.
package allreduce

import "github.com/unixpickle/blinkplus/collcomm"

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across devices.
//
// Every device must pass a vector of the same length.
//
// It is not safe to call Allreduce() multiple times in a
// row with the same Comms object.
// A new set of ports must be used every time to avoid
// interference.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []byte, fn collcomm.ReduceFn) []byte
}
