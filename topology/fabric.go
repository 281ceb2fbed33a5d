// Package topology describes the devices of a machine and
// the links between them, and sizes how many independent
// communication planes those links can carry.
package topology

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/unixpickle/blinkplus/status"
)

const (
	// DefaultLinkRate is the rate of one link lane, in
	// bytes per virtual second.
	DefaultLinkRate = 25e9

	// DefaultHostRate is the rate of the shared host path
	// of one device, in bytes per virtual second.
	DefaultHostRate = 12e9

	// DefaultMaxChannels is the number of communicator
	// channels each device can hold at once.
	DefaultMaxChannels = 32
)

// ErrInvalidTopology is wrapped by every error caused by
// a device list that does not fit the Fabric.
var ErrInvalidTopology = errors.New("invalid topology")

// A Fabric describes one machine: its devices, how many
// physical links connect every ordered pair of devices,
// and how many communicator channels every device has
// left.
//
// Links are directed; a link is usable for collectives in
// both directions only up to the smaller of the two
// directed counts.
type Fabric struct {
	// LinkRate is the rate of a single link lane.
	LinkRate float64

	// HostRate is the rate of the fallback path used
	// between devices without a free direct lane.
	HostRate float64

	// MaxChannels bounds the channels held per device.
	MaxChannels int

	lock     sync.Mutex
	links    *simulator.ConnMat
	offline  []bool
	channels []int
}

// NewFabric creates a Fabric of unconnected devices
// numbered 0 through numDevices-1.
func NewFabric(numDevices int) *Fabric {
	return &Fabric{
		LinkRate:    DefaultLinkRate,
		HostRate:    DefaultHostRate,
		MaxChannels: DefaultMaxChannels,
		links:       simulator.NewConnMat(numDevices),
		offline:     make([]bool, numDevices),
		channels:    make([]int, numDevices),
	}
}

// NumDevices returns the number of devices.
func (f *Fabric) NumDevices() int {
	return f.links.NumNodes()
}

// Connect sets the number of links between a and b, in
// both directions.
func (f *Fabric) Connect(a, b, links int) {
	f.SetLinks(a, b, links)
	f.SetLinks(b, a, links)
}

// SetLinks sets the number of links from src to dst.
func (f *Fabric) SetLinks(src, dst, links int) {
	if src == dst {
		panic("cannot link a device to itself")
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.links.Set(src, dst, float64(links))
}

// Links returns the number of links from src to dst.
func (f *Fabric) Links(src, dst int) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return int(f.links.Get(src, dst))
}

// Lanes returns the number of links usable in both
// directions between a and b.
func (f *Fabric) Lanes(a, b int) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lanes(a, b)
}

func (f *Fabric) lanes(a, b int) int {
	return int(min(f.links.Get(a, b), f.links.Get(b, a)))
}

// SetOnline marks a device as reachable or unreachable.
func (f *Fabric) SetOnline(device int, online bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.offline[device] = !online
}

// Online reports whether a device exists and is reachable.
func (f *Fabric) Online(device int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.online(device)
}

func (f *Fabric) online(device int) bool {
	return device >= 0 && device < len(f.offline) && !f.offline[device]
}

// AcquireChannel reserves a communicator channel on a
// device.
func (f *Fabric) AcquireChannel(device int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.online(device) {
		return status.New(status.InvalidArgument,
			errors.Wrapf(ErrInvalidTopology, "device %d is unreachable", device))
	}
	if f.channels[device] >= f.MaxChannels {
		return status.Errorf(status.ResourceExhausted,
			"device %d has no free channel (%d in use)", device, f.channels[device])
	}
	f.channels[device]++
	return nil
}

// ReleaseChannel returns a channel acquired with
// AcquireChannel.
func (f *Fabric) ReleaseChannel(device int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.channels[device] == 0 {
		panic("channel released more times than acquired")
	}
	f.channels[device]--
}

// ChannelsInUse returns the number of channels currently
// held on a device.
func (f *Fabric) ChannelsInUse(device int) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.channels[device]
}
