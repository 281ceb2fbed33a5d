package composite

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/unixpickle/blinkplus/status"
)

// Buffers maps every (group, rank) pair to the memory that
// group reads or writes on the device of that rank.
//
// A region only needs to hold the group's range of the
// Plan; it is addressed from its own start.
type Buffers struct {
	regions [][][]byte
}

// NewBuffers creates an empty mapping for the given
// number of groups and devices.
func NewBuffers(groups, devices int) *Buffers {
	regions := make([][][]byte, groups)
	for g := range regions {
		regions[g] = make([][]byte, devices)
	}
	return &Buffers{regions: regions}
}

// SplitBuffers maps one whole buffer per device onto the
// groups of a plan, so that the region of each group
// starts at the first byte of its range.
//
// The buffers must hold at least plan.Count() elements of
// elemSize bytes. A nil buffer is allowed, and maps to nil
// regions.
func SplitBuffers(plan Plan, elemSize int, perDevice [][]byte) (*Buffers, error) {
	b := NewBuffers(len(plan), len(perDevice))
	size := plan.Count() * elemSize
	for rank, buf := range perDevice {
		if buf == nil {
			continue
		}
		if len(buf) < size {
			return nil, status.Errorf(status.InvalidArgument,
				"buffer of rank %d holds %d bytes but %d are needed", rank, len(buf), size)
		}
		for _, r := range plan {
			b.Set(r.Group, rank, buf[r.Offset*elemSize:r.End()*elemSize])
		}
	}
	return b, nil
}

// Groups returns the number of groups.
func (b *Buffers) Groups() int {
	return len(b.regions)
}

// Devices returns the number of devices.
func (b *Buffers) Devices() int {
	if len(b.regions) == 0 {
		return 0
	}
	return len(b.regions[0])
}

// Set assigns the region of a group on a device.
func (b *Buffers) Set(group, rank int, region []byte) {
	b.regions[group][rank] = region
}

// At returns the region of a group on a device.
func (b *Buffers) At(group, rank int) []byte {
	return b.regions[group][rank]
}

// span is the bytes one group touches on one device.
type span struct {
	group int
	start uintptr
	end   uintptr
}

// checkBuffers makes sure the mappings fit a plan: the
// regions of the given ranks hold their range, and no two
// groups touch the same bytes of a device.
//
// Send regions are only checked for sendRanks. A group's
// send and receive regions may be the same memory.
func checkBuffers(plan Plan, elemSize int, numDevices int, send *Buffers, sendRanks []int,
	recv *Buffers) error {
	if err := checkShape("recv", recv, len(plan), numDevices); err != nil {
		return err
	}
	if len(sendRanks) > 0 {
		if err := checkShape("send", send, len(plan), numDevices); err != nil {
			return err
		}
	}

	for rank := 0; rank < numDevices; rank++ {
		var spans []span
		addSpan := func(name string, b *Buffers, r Range) error {
			region := b.At(r.Group, rank)
			need := r.Length * elemSize
			if len(region) < need {
				return status.New(status.InvalidArgument,
					errors.Errorf("%s region of group %d on rank %d holds %d bytes but %d are needed",
						name, r.Group, rank, len(region), need))
			}
			if need > 0 {
				start := uintptr(unsafe.Pointer(unsafe.SliceData(region)))
				spans = append(spans, span{group: r.Group, start: start, end: start + uintptr(need)})
			}
			return nil
		}
		for _, r := range plan.Active() {
			if err := addSpan("recv", recv, r); err != nil {
				return err
			}
			if lo.Contains(sendRanks, rank) {
				if err := addSpan("send", send, r); err != nil {
					return err
				}
			}
		}
		for i, a := range spans {
			for _, b := range spans[i+1:] {
				if a.group != b.group && a.start < b.end && b.start < a.end {
					return status.Errorf(status.InvalidArgument,
						"groups %d and %d overlap on rank %d", a.group, b.group, rank)
				}
			}
		}
	}
	return nil
}

func checkShape(name string, b *Buffers, groups, devices int) error {
	if b == nil {
		return status.Errorf(status.InvalidArgument, "missing %s buffers", name)
	}
	if b.Groups() != groups || b.Devices() != devices {
		return status.Errorf(status.InvalidArgument,
			"%s buffers are %d groups by %d devices but %d by %d are needed",
			name, b.Groups(), b.Devices(), groups, devices)
	}
	return nil
}
