package composite

import (
	"fmt"
	"sync"

	"github.com/unixpickle/blinkplus/comm"
)

// Phase is the progress of one composite collective.
type Phase int

const (
	PhasePending Phase = iota
	PhasePartitioned
	PhaseDispatched
	PhaseSynchronizing
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhasePartitioned:
		return "partitioned"
	case PhaseDispatched:
		return "dispatched"
	case PhaseSynchronizing:
		return "synchronizing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// GroupState is the progress of one group's part of a
// composite collective.
type GroupState int

const (
	GroupPending GroupState = iota
	GroupDispatched
	GroupComplete
	GroupFailed
)

func (g GroupState) String() string {
	switch g {
	case GroupPending:
		return "pending"
	case GroupDispatched:
		return "dispatched"
	case GroupComplete:
		return "complete"
	case GroupFailed:
		return "failed"
	}
	return fmt.Sprintf("GroupState(%d)", int(g))
}

// An Operation tracks one Broadcast or AllReduce call
// until it is resolved by a synchronization.
type Operation struct {
	kind  comm.Kind
	plan  Plan
	count int

	lock   sync.Mutex
	phase  Phase
	groups []GroupState
	colls  []*comm.Collective
	err    error
}

func newOperation(kind comm.Kind, count, numGroups int) *Operation {
	return &Operation{
		kind:   kind,
		count:  count,
		phase:  PhasePending,
		groups: make([]GroupState, numGroups),
		colls:  make([]*comm.Collective, numGroups),
	}
}

// Kind returns the kind of collective.
func (o *Operation) Kind() comm.Kind {
	return o.kind
}

// Count returns the number of elements.
func (o *Operation) Count() int {
	return o.count
}

// Plan returns the partition of the elements, or nil
// before the operation is partitioned.
func (o *Operation) Plan() Plan {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.plan
}

// Phase returns the current phase.
func (o *Operation) Phase() Phase {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.phase
}

// Groups returns the state of every group's part.
func (o *Operation) Groups() []GroupState {
	o.lock.Lock()
	defer o.lock.Unlock()
	return append([]GroupState{}, o.groups...)
}

// Done reports whether every dispatched group has finished,
// without waiting. Group states only change on
// synchronization.
func (o *Operation) Done() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	for _, coll := range o.colls {
		if coll == nil {
			continue
		}
		select {
		case <-coll.Done():
		default:
			return false
		}
	}
	return true
}

// Err returns the first group error of a failed operation.
func (o *Operation) Err() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.err
}

func (o *Operation) partitioned(plan Plan) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.plan = plan
	o.phase = PhasePartitioned
	for _, r := range plan {
		if r.Length == 0 {
			o.groups[r.Group] = GroupComplete
		}
	}
}

func (o *Operation) dispatched(group int, coll *comm.Collective, err error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.phase = PhaseDispatched
	if err != nil {
		o.groups[group] = GroupFailed
		if o.err == nil {
			o.err = err
		}
		return
	}
	o.groups[group] = GroupDispatched
	o.colls[group] = coll
}

// resolve waits for every dispatched group and settles the
// final phase.
func (o *Operation) resolve() error {
	o.lock.Lock()
	o.phase = PhaseSynchronizing
	colls := append([]*comm.Collective{}, o.colls...)
	o.lock.Unlock()

	errs := make([]error, len(colls))
	for g, coll := range colls {
		if coll != nil {
			errs[g] = coll.Wait()
		}
	}

	o.lock.Lock()
	defer o.lock.Unlock()
	for g, coll := range colls {
		if coll == nil {
			continue
		}
		if errs[g] != nil {
			o.groups[g] = GroupFailed
			if o.err == nil {
				o.err = errs[g]
			}
		} else {
			o.groups[g] = GroupComplete
		}
	}
	if o.err != nil {
		o.phase = PhaseFailed
	} else {
		o.phase = PhaseComplete
	}
	return o.err
}

// failedGroups lists the groups in GroupFailed.
func (o *Operation) failedGroups() []int {
	o.lock.Lock()
	defer o.lock.Unlock()
	var res []int
	for g, s := range o.groups {
		if s == GroupFailed {
			res = append(res, g)
		}
	}
	return res
}
