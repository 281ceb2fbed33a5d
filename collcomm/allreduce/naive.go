package allreduce

import "github.com/unixpickle/blinkplus/collcomm"

// A NaiveAllreducer sends every vector from every device
// to every other device.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the devices' vectors on
// every device.
//
// Vectors are always reduced in rank order, so every
// device computes bit-identical results.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []byte,
	fn collcomm.ReduceFn) []byte {
	if len(c.Ports) == 1 {
		return data
	}

	gatheredVecs := make([][]byte, len(c.Ports))

	c.Bcast(data)

	for i := 0; i < len(gatheredVecs)-1; i++ {
		incoming, source := c.Recv()
		gatheredVecs[c.IndexOf(source)] = incoming
	}

	gatheredVecs[c.Index()] = data

	return fn(c.Handle, gatheredVecs...)
}
