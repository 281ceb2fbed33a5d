package composite

import (
	"github.com/unixpickle/blinkplus/comm"
	"github.com/unixpickle/blinkplus/status"
	"k8s.io/klog/v2"
)

// StreamSynchronize blocks until every communicator of
// every group has finished the work dispatched so far.
//
// If any group of any operation failed, every result of
// that operation is unusable and the error has code
// CollectiveFailure. Failed operations are not retried;
// the caller has to issue them again.
func (c *Comm) StreamSynchronize() error {
	if c == nil {
		return status.Errorf(status.InvalidArgument, "nil communicator")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return status.Errorf(status.InvalidArgument, "communicator is destroyed")
	}
	return c.resolvePending()
}

// resolvePending synchronizes every stream and settles the
// pending operations. The caller holds c.lock.
func (c *Comm) resolvePending() error {
	var streamErr error
	c.forEach(func(cm *comm.Comm) {
		if err := cm.Stream().Synchronize(); err != nil && streamErr == nil {
			streamErr = err
		}
	})

	ops := c.pending
	c.pending = nil
	if len(ops) > 0 {
		c.resolved = ops
	}

	var firstErr error
	for _, op := range ops {
		if err := op.resolve(); err != nil && firstErr == nil {
			firstErr = status.Wrapf(status.CollectiveFailure, err, "%s of %d elements failed in groups %v",
				op.Kind(), op.Count(), op.failedGroups())
		}
	}
	if firstErr == nil && streamErr != nil {
		firstErr = status.Wrap(status.CollectiveFailure, streamErr, "stream")
	}
	if firstErr != nil {
		klog.Warningf("synchronize devices %v: %v", c.desc.Devices(), firstErr)
	}
	return firstErr
}

// Operations returns the operations dispatched since the
// last synchronization, oldest first.
func (c *Comm) Operations() []*Operation {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Operation{}, c.pending...)
}

// Synchronized returns the operations resolved by the last
// synchronization that had any, oldest first. Destroy
// counts as a synchronization.
func (c *Comm) Synchronized() []*Operation {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Operation{}, c.resolved...)
}
