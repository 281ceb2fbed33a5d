package comm

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/status"
)

// Kind is the kind of a collective.
type Kind int

const (
	KindBroadcast Kind = iota
	KindAllReduce
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindAllReduce:
		return "allreduce"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// A call is one rank's part of a collective.
type call struct {
	comm  *Comm
	kind  Kind
	send  []byte
	recv  []byte
	count int
	dtype dtypes.DType
	root  int
	op    collcomm.ReduceOp
}

// A Group gathers the calls every rank of a clique makes
// for one collective, so that they can be launched
// together.
//
// The zero value is an empty Group.
type Group struct {
	calls []*call
}

// Broadcast adds one rank's part of a broadcast of count
// elements from rank root's send buffer to the recv buffer
// of every rank.
//
// Only the root's send buffer is read; send may be nil on
// other ranks. The buffers may be the same.
func (g *Group) Broadcast(c *Comm, send, recv []byte, count int, dtype dtypes.DType, root int) {
	g.calls = append(g.calls, &call{
		comm:  c,
		kind:  KindBroadcast,
		send:  send,
		recv:  recv,
		count: count,
		dtype: dtype,
		root:  root,
	})
}

// AllReduce adds one rank's part of an allreduce of count
// elements with the operator op.
//
// The buffers may be the same.
func (g *Group) AllReduce(c *Comm, send, recv []byte, count int, dtype dtypes.DType, op collcomm.ReduceOp) {
	g.calls = append(g.calls, &call{
		comm:  c,
		kind:  KindAllReduce,
		send:  send,
		recv:  recv,
		count: count,
		dtype: dtype,
		op:    op,
	})
}

// Launch validates the gathered calls and enqueues the
// collective on the stream of every rank.
//
// The calls must cover every rank of one clique exactly
// once and agree on everything but the buffers. Nothing is
// enqueued if validation fails, and the error has code
// InvalidArgument.
//
// The Group is emptied by Launch.
func (g *Group) Launch() (*Collective, error) {
	calls := g.calls
	g.calls = nil

	coll, err := newCollective(calls)
	if err != nil {
		return nil, err
	}

	cl := coll.clique
	cl.launchLock.Lock()
	defer cl.launchLock.Unlock()

	for _, c := range coll.calls {
		c.comm.lock.Lock()
		defer c.comm.lock.Unlock()
		if c.comm.destroyed {
			return nil, status.Errorf(status.InvalidArgument, "communicator %s/%d is destroyed",
				cl.id, c.comm.rank)
		}
	}

	coll.arrived.Add(len(coll.calls))
	for _, c := range coll.calls {
		c.comm.stream.enqueue(coll.rankTask)
	}
	go coll.run()
	return coll, nil
}

// validateCalls checks a set of calls and orders them by
// rank.
func validateCalls(calls []*call) ([]*call, collcomm.ReduceFn, error) {
	if len(calls) == 0 {
		return nil, nil, status.Errorf(status.InvalidArgument, "empty group")
	}
	first := calls[0]
	if first.comm == nil {
		return nil, nil, status.Errorf(status.InvalidArgument, "nil communicator")
	}
	cl := first.comm.clique
	byRank := make([]*call, len(cl.comms))
	for _, c := range calls {
		if c.comm == nil || c.comm.clique != cl {
			return nil, nil, status.Errorf(status.InvalidArgument,
				"group mixes communicators of different cliques")
		}
		if byRank[c.comm.rank] != nil {
			return nil, nil, status.Errorf(status.InvalidArgument, "rank %d called twice", c.comm.rank)
		}
		byRank[c.comm.rank] = c
		if c.kind != first.kind || c.count != first.count || c.dtype != first.dtype ||
			c.root != first.root || c.op != first.op {
			return nil, nil, status.Errorf(status.InvalidArgument,
				"rank %d disagrees with rank %d on the collective", c.comm.rank, first.comm.rank)
		}
	}
	for rank, c := range byRank {
		if c == nil {
			return nil, nil, status.Errorf(status.InvalidArgument, "rank %d is missing", rank)
		}
	}

	if first.count < 0 {
		return nil, nil, status.Errorf(status.InvalidArgument, "negative count %d", first.count)
	}
	elemSize := collcomm.ElemSize(first.dtype)
	if elemSize <= 0 {
		return nil, nil, status.Errorf(status.InvalidArgument, "unsupported data type %s", first.dtype)
	}

	var reduce collcomm.ReduceFn
	switch first.kind {
	case KindBroadcast:
		if first.root < 0 || first.root >= len(byRank) {
			return nil, nil, status.Errorf(status.InvalidArgument, "root rank %d out of range", first.root)
		}
	case KindAllReduce:
		var err error
		reduce, err = collcomm.NewReduceFn(first.dtype, first.op)
		if err != nil {
			return nil, nil, status.New(status.InvalidArgument, err)
		}
	default:
		return nil, nil, status.Errorf(status.InvalidArgument, "unknown collective %s", first.kind)
	}

	size := first.count * elemSize
	for _, c := range byRank {
		needSend := c.kind == KindAllReduce || c.comm.rank == c.root
		if needSend && len(c.send) < size {
			return nil, nil, status.New(status.InvalidArgument,
				errors.Errorf("rank %d: send buffer holds %d bytes but %d are needed", c.comm.rank,
					len(c.send), size))
		}
		if len(c.recv) < size {
			return nil, nil, status.New(status.InvalidArgument,
				errors.Errorf("rank %d: recv buffer holds %d bytes but %d are needed", c.comm.rank,
					len(c.recv), size))
		}
	}
	return byRank, reduce, nil
}
