package comm

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/unixpickle/blinkplus/status"
	"k8s.io/klog/v2"
)

// A Collective is one launched collective.
//
// It runs once the stream of every rank has reached it,
// and every stream moves past it once it is done.
type Collective struct {
	clique *clique
	calls  []*call
	reduce collcomm.ReduceFn

	arrived sync.WaitGroup
	done    chan struct{}
	err     error
	elapsed float64
}

func newCollective(calls []*call) (*Collective, error) {
	byRank, reduce, err := validateCalls(calls)
	if err != nil {
		return nil, err
	}
	return &Collective{
		clique: byRank[0].comm.clique,
		calls:  byRank,
		reduce: reduce,
		done:   make(chan struct{}),
	}, nil
}

// Done returns a channel that is closed when the
// collective has finished, successfully or not.
func (c *Collective) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the collective has finished and
// returns its error.
func (c *Collective) Wait() error {
	<-c.done
	return c.err
}

// Err returns the error of a finished collective.
func (c *Collective) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Elapsed returns the virtual time the collective took.
// It is 0 until the collective has finished.
func (c *Collective) Elapsed() float64 {
	select {
	case <-c.done:
		return c.elapsed
	default:
		return 0
	}
}

// rankTask is the stream task of every rank: it signals
// that the rank is ready and waits for the whole
// collective.
func (c *Collective) rankTask() (float64, error) {
	c.arrived.Done()
	<-c.done
	return c.elapsed, c.err
}

func (c *Collective) run() {
	c.arrived.Wait()
	defer close(c.done)

	first := c.calls[0]
	if first.count == 0 {
		return
	}
	c.elapsed, c.err = c.execute()
	if c.err != nil {
		klog.Warningf("clique %s: %s of %d elements on channel %d failed: %v", c.clique.id, first.kind,
			first.count, c.clique.channel, c.err)
	} else {
		klog.V(3).Infof("clique %s: %s of %d elements on channel %d took %g", c.clique.id, first.kind,
			first.count, c.clique.channel, c.elapsed)
	}
}

// execute runs the collective on a fresh simulated
// interconnect made of the clique's channel and the host
// path, with one Goroutine per rank. Routes follow the
// channel's spanning tree.
func (c *Collective) execute() (float64, error) {
	cl := c.clique
	cfg := cl.config
	n := len(c.calls)
	elemSize := collcomm.ElemSize(c.calls[0].dtype)
	size := c.calls[0].count * elemSize

	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(cl.desc.Devices())
	switcher := &simulator.LinkSwitcher{
		Links:    cl.desc.ChannelRates(cl.channel),
		HostRate: cl.desc.HostRate(),
	}
	network := simulator.NewSwitcherNetwork(switcher, nodes, cfg.Latency)

	allreducer, err := cfg.allreducer()
	if err != nil {
		return 0, status.Wrap(status.InternalError, err, "allreduce algorithm")
	}
	broadcaster, err := cfg.broadcaster()
	if err != nil {
		return 0, status.Wrap(status.InternalError, err, "broadcast algorithm")
	}

	results := make([][]byte, n)
	rankErrs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	parents := cl.desc.ChannelTree(cl.channel)
	collcomm.SpawnTreeComms(loop, network, nodes, elemSize, parents, func(comms *collcomm.Comms) {
		defer wg.Done()
		rank := comms.Index()
		part := c.calls[rank]
		rankErrs[rank] = exceptions.TryCatch[error](func() {
			if cfg.Fault != nil {
				if err := cfg.Fault(cl.channel, rank); err != nil {
					panic(errors.Wrapf(err, "rank %d", rank))
				}
			}
			switch part.kind {
			case KindBroadcast:
				data := part.recv[:size]
				if rank == part.root {
					data = part.send[:size]
				}
				results[rank] = broadcaster.Broadcast(comms, data, part.root)
			case KindAllReduce:
				results[rank] = allreducer.Allreduce(comms, part.send[:size], c.reduce)
			}
		})
	})
	loopErr := loop.Run()
	wg.Wait()
	elapsed := loop.Time()

	for _, err := range rankErrs {
		if err != nil && !errors.Is(err, simulator.ErrAborted) {
			return elapsed, status.Wrapf(status.CollectiveFailure, err, "channel %d", cl.channel)
		}
	}
	if loopErr != nil {
		return elapsed, status.Wrapf(status.CollectiveFailure, loopErr, "channel %d", cl.channel)
	}

	for rank := range c.calls {
		if len(results[rank]) != size {
			return elapsed, status.Errorf(status.InternalError, "rank %d produced %d bytes but expected %d",
				rank, len(results[rank]), size)
		}
	}
	for rank, part := range c.calls {
		copy(part.recv[:size], results[rank])
	}
	return elapsed, nil
}
