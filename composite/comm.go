// Package composite aggregates the bandwidth of several
// independent link paths by running every collective over
// a primary communicator group and a number of helper
// groups at once.
//
// Every group spans the same devices on its own logical
// channel. A collective's elements are partitioned among
// the groups, each group moves its own range concurrently
// with the others, and the results are identical to those
// of a single-group run.
package composite

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/comm"
	"github.com/unixpickle/blinkplus/status"
	"github.com/unixpickle/blinkplus/topology"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// GetHelperCount returns how many helper groups a device
// set can profitably use on a fabric.
//
// It has no side effects.
func GetHelperCount(fabric *topology.Fabric, devices []int) (int, error) {
	desc, err := fabric.Describe(devices)
	if err != nil {
		return 0, err
	}
	return desc.MaxHelpers(), nil
}

// A Comm is a composite communicator: one primary group
// and some helper groups of communicators over the same
// devices.
type Comm struct {
	fabric *topology.Fabric
	desc   *topology.Descriptor
	config comm.Config

	lock      sync.Mutex
	groups    [][]*comm.Comm
	pending   []*Operation
	resolved  []*Operation
	destroyed bool
}

// CommInitAll creates a composite communicator over the
// devices, with the given number of helper groups.
//
// Either every group is created or none is: if any group
// fails, the channels of those already created are
// released before returning.
func CommInitAll(fabric *topology.Fabric, devices []int, helpers int, cfg comm.Config) (*Comm, error) {
	desc, err := fabric.Describe(devices)
	if err != nil {
		return nil, err
	}
	if helpers < 0 || helpers > desc.MaxHelpers() {
		return nil, status.Errorf(status.InvalidArgument, "%d helper groups requested but devices %v support %d",
			helpers, devices, desc.MaxHelpers())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	groups := make([][]*comm.Comm, helpers+1)
	var eg errgroup.Group
	for g := range groups {
		eg.Go(func() error {
			comms, err := comm.InitAll(fabric, desc, g, cfg)
			if err != nil {
				return errors.Wrapf(err, "init group %d", g)
			}
			groups[g] = comms
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, comms := range groups {
			for _, c := range comms {
				if destroyErr := c.Destroy(); destroyErr != nil {
					klog.Warningf("rollback of rank %d on channel %d: %v", c.Rank(), c.Channel(), destroyErr)
				}
			}
		}
		return nil, err
	}

	klog.V(1).Infof("composite communicator over devices %v with %d helper groups", devices, helpers)
	return &Comm{
		fabric: fabric,
		desc:   desc,
		config: cfg,
		groups: groups,
	}, nil
}

// Devices returns the device set, in rank order.
func (c *Comm) Devices() []int {
	return c.desc.Devices()
}

// NumDevices returns the number of devices.
func (c *Comm) NumDevices() int {
	return c.desc.Size()
}

// Helpers returns the number of helper groups.
func (c *Comm) Helpers() int {
	return len(c.groups) - 1
}

// NumGroups returns the number of groups, including the
// primary one.
func (c *Comm) NumGroups() int {
	return len(c.groups)
}

// Communicators returns the communicators of a device, the
// primary one first, or nil if the device is not part of
// the composite communicator.
func (c *Comm) Communicators(device int) []*comm.Comm {
	rank, ok := c.desc.Rank(device)
	if !ok {
		return nil
	}
	res := make([]*comm.Comm, len(c.groups))
	for g, comms := range c.groups {
		res[g] = comms[rank]
	}
	return res
}

// Plan returns the partition a collective of count
// elements would use.
func (c *Comm) Plan(count int) (Plan, error) {
	return Partition(count, len(c.groups))
}

// Elapsed returns the virtual time consumed so far by the
// busiest communicator.
func (c *Comm) Elapsed() float64 {
	var res float64
	c.forEach(func(cm *comm.Comm) {
		res = max(res, cm.Stream().Elapsed())
	})
	return res
}

// Destroy tears down every communicator of every group.
//
// It fails with Busy, without releasing anything, while
// any communicator still has work in flight. Otherwise it
// synchronizes, then releases everything even if some
// communicator fails, and reports the first error.
//
// Destroying a destroyed Comm does nothing.
func (c *Comm) Destroy() error {
	if c == nil {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return nil
	}

	busy := false
	c.forEach(func(cm *comm.Comm) {
		busy = busy || !cm.Stream().Query()
	})
	if busy {
		return status.Errorf(status.Busy, "composite communicator over devices %v has operations in flight",
			c.desc.Devices())
	}

	firstErr := c.resolvePending()
	c.forEach(func(cm *comm.Comm) {
		if err := cm.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	c.destroyed = true
	klog.V(1).Infof("destroyed composite communicator over devices %v", c.desc.Devices())
	return firstErr
}

func (c *Comm) forEach(f func(cm *comm.Comm)) {
	for _, comms := range c.groups {
		for _, cm := range comms {
			f(cm)
		}
	}
}
