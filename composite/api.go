package composite

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/unixpickle/blinkplus/collcomm"
)

// CommDestroy destroys c. See (*Comm).Destroy.
func CommDestroy(c *Comm) error {
	return c.Destroy()
}

// Broadcast is (*Comm).Broadcast in function form.
func Broadcast(c *Comm, devices []int, send, recv *Buffers, count int, dtype dtypes.DType,
	root int) error {
	return c.Broadcast(devices, send, recv, count, dtype, root)
}

// AllReduce is (*Comm).AllReduce in function form.
func AllReduce(c *Comm, devices []int, send, recv *Buffers, count int, dtype dtypes.DType,
	op collcomm.ReduceOp) error {
	return c.AllReduce(devices, send, recv, count, dtype, op)
}

// StreamSynchronize waits for all work dispatched on c.
func StreamSynchronize(c *Comm) error {
	return c.StreamSynchronize()
}
