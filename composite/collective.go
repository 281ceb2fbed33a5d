package composite

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/comm"
	"github.com/unixpickle/blinkplus/status"
	"k8s.io/klog/v2"
)

// Broadcast copies count elements from the root device's
// send buffers to the receive buffers of every device.
//
// Each group moves its own range of the plan from its send
// region on the root to its receive region on every
// device. Only the root's send regions are read.
//
// devices must be nil or the composite communicator's
// device list. Broadcast does not wait for the transfer;
// call StreamSynchronize before reading the results.
func (c *Comm) Broadcast(devices []int, send, recv *Buffers, count int, dtype dtypes.DType,
	root int) error {
	if c == nil {
		return status.Errorf(status.InvalidArgument, "nil communicator")
	}
	rootRank, ok := c.desc.Rank(root)
	if !ok {
		return status.Errorf(status.InvalidArgument, "root %d is not one of the devices %v", root,
			c.desc.Devices())
	}
	return c.dispatch(comm.KindBroadcast, devices, send, []int{rootRank}, recv, count, dtype,
		func(g *comm.Group, cm *comm.Comm, send, recv []byte, n int) {
			g.Broadcast(cm, send, recv, n, dtype, rootRank)
		})
}

// AllReduce reduces count elements with op across every
// device, leaving the result in the receive buffers of
// every device.
//
// Each group reduces its own range of the plan. The send
// and receive buffers may be the same.
//
// devices must be nil or the composite communicator's
// device list. AllReduce does not wait for the reduction;
// call StreamSynchronize before reading the results.
func (c *Comm) AllReduce(devices []int, send, recv *Buffers, count int, dtype dtypes.DType,
	op collcomm.ReduceOp) error {
	if c == nil {
		return status.Errorf(status.InvalidArgument, "nil communicator")
	}
	if _, err := collcomm.NewReduceFn(dtype, op); err != nil {
		return status.New(status.InvalidArgument, err)
	}
	allRanks := make([]int, c.desc.Size())
	for i := range allRanks {
		allRanks[i] = i
	}
	return c.dispatch(comm.KindAllReduce, devices, send, allRanks, recv, count, dtype,
		func(g *comm.Group, cm *comm.Comm, send, recv []byte, n int) {
			g.AllReduce(cm, send, recv, n, dtype, op)
		})
}

// addFunc adds one rank's call to a group's collective.
type addFunc func(g *comm.Group, cm *comm.Comm, send, recv []byte, n int)

// dispatch partitions a collective and launches one
// sub-collective per group with a non-empty range, without
// waiting for any of them.
func (c *Comm) dispatch(kind comm.Kind, devices []int, send *Buffers, sendRanks []int, recv *Buffers,
	count int, dtype dtypes.DType, add addFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.destroyed {
		return status.Errorf(status.InvalidArgument, "communicator is destroyed")
	}
	if devices != nil && !slices.Equal(devices, c.desc.Devices()) {
		return status.Errorf(status.InvalidArgument, "devices %v do not match the communicator's %v",
			devices, c.desc.Devices())
	}
	elemSize := collcomm.ElemSize(dtype)
	if elemSize <= 0 {
		return status.Errorf(status.InvalidArgument, "unsupported data type %s", dtype)
	}

	op := newOperation(kind, count, len(c.groups))
	plan, err := Partition(count, len(c.groups))
	if err != nil {
		return err
	}
	if err := plan.Validate(count); err != nil {
		return err
	}
	if err := checkBuffers(plan, elemSize, c.desc.Size(), send, sendRanks, recv); err != nil {
		return err
	}
	op.partitioned(plan)

	var firstErr error
	for _, r := range plan.Active() {
		var g comm.Group
		for rank, cm := range c.groups[r.Group] {
			var sendRegion []byte
			if send != nil {
				sendRegion = send.At(r.Group, rank)
			}
			add(&g, cm, sendRegion, recv.At(r.Group, rank), r.Length)
		}
		coll, err := g.Launch()
		if err != nil {
			err = errors.Wrapf(err, "group %d", r.Group)
			if firstErr == nil {
				firstErr = err
			}
		}
		op.dispatched(r.Group, coll, err)
	}
	c.pending = append(c.pending, op)

	klog.V(2).Infof("%s of %d elements dispatched to %d of %d groups", kind, count, len(plan.Active()),
		len(c.groups))
	if firstErr != nil {
		return status.Wrap(status.CollectiveFailure, firstErr, "dispatch")
	}
	return nil
}
