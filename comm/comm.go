// Package comm is a collective communication library for
// a fixed set of devices.
//
// A clique of communicators, one per device, is created
// with InitAll on one logical channel of a topology. Each
// communicator owns a Stream, and collectives are launched
// on every communicator of the clique at once through a
// Group. They run on a simulated interconnect in the
// background and are awaited with Stream.Synchronize.
package comm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/status"
	"github.com/unixpickle/blinkplus/topology"
	"k8s.io/klog/v2"
)

// A clique is the state shared by the communicators
// created by one InitAll call.
type clique struct {
	id      uuid.UUID
	fabric  *topology.Fabric
	desc    *topology.Descriptor
	channel int
	config  Config

	// launchLock makes the enqueueing of one collective on
	// every rank's stream atomic with respect to others.
	launchLock sync.Mutex

	comms []*Comm
}

// A Comm is one device's communicator in a clique.
type Comm struct {
	clique *clique
	rank   int
	stream *Stream

	lock      sync.Mutex
	destroyed bool
}

// InitAll creates one communicator per device of desc, in
// rank order, on the given logical channel.
//
// Every device must have a free channel on the fabric;
// otherwise no channel is kept and a ResourceExhausted
// error is returned.
func InitAll(fabric *topology.Fabric, desc *topology.Descriptor, channel int, cfg Config) ([]*Comm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if channel < 0 {
		return nil, status.Errorf(status.InvalidArgument, "negative channel %d", channel)
	}

	devices := desc.Devices()
	for i, device := range devices {
		if err := fabric.AcquireChannel(device); err != nil {
			for _, acquired := range devices[:i] {
				fabric.ReleaseChannel(acquired)
			}
			return nil, errors.Wrapf(err, "init channel %d", channel)
		}
	}

	cl := &clique{
		id:      uuid.New(),
		fabric:  fabric,
		desc:    desc,
		channel: channel,
		config:  cfg,
	}
	cl.comms = make([]*Comm, len(devices))
	for rank := range devices {
		cl.comms[rank] = &Comm{clique: cl, rank: rank, stream: newStream()}
	}
	klog.V(1).Infof("clique %s: %d communicators on channel %d for devices %v", cl.id, len(devices),
		channel, devices)
	return append([]*Comm{}, cl.comms...), nil
}

// ID returns the identifier shared by every communicator
// of the clique.
func (c *Comm) ID() uuid.UUID {
	return c.clique.id
}

// Rank returns the communicator's rank in its clique.
func (c *Comm) Rank() int {
	return c.rank
}

// Size returns the number of communicators in the clique.
func (c *Comm) Size() int {
	return len(c.clique.comms)
}

// Device returns the device the communicator runs on.
func (c *Comm) Device() int {
	return c.clique.desc.Devices()[c.rank]
}

// Channel returns the logical channel of the clique.
func (c *Comm) Channel() int {
	return c.clique.channel
}

// Stream returns the communicator's stream.
func (c *Comm) Stream() *Stream {
	return c.stream
}

// Destroyed reports whether Destroy has succeeded.
func (c *Comm) Destroyed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.destroyed
}

// Destroy releases the communicator's channel.
//
// It fails with Busy if the stream still has unfinished
// work, in which case nothing is released. Destroying a
// destroyed communicator does nothing.
func (c *Comm) Destroy() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return nil
	}
	if !c.stream.Query() {
		return status.Errorf(status.Busy, "communicator %s/%d has work in flight", c.clique.id, c.rank)
	}
	c.destroyed = true
	c.clique.fabric.ReleaseChannel(c.Device())
	klog.V(3).Infof("clique %s: destroyed rank %d", c.clique.id, c.rank)
	return nil
}
