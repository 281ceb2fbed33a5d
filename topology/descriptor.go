package topology

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/unixpickle/blinkplus/status"
	"k8s.io/klog/v2"
)

// A Tree is a spanning tree over the devices of a
// Descriptor, made of link lanes no other Tree uses.
//
// Parent[i] is the rank of the parent of rank i, or -1 for
// the root (always rank 0).
type Tree struct {
	Parent []int
}

// Edges returns the (child, parent) rank pairs.
func (t Tree) Edges() [][2]int {
	var res [][2]int
	for child, parent := range t.Parent {
		if parent >= 0 {
			res = append(res, [2]int{child, parent})
		}
	}
	return res
}

// A Descriptor is the topology of one ordered device set,
// computed once from a Fabric and queried afterwards.
//
// Ranks index the device set in the order it was given.
type Descriptor struct {
	devices  []int
	trees    []Tree
	linkRate float64
	hostRate float64
}

// Describe validates a device set against the Fabric and
// packs edge-disjoint spanning trees over the link lanes
// joining it.
//
// Each tree is an independent path set that one helper
// group can use without sharing a lane with another group.
func (f *Fabric) Describe(devices []int) (*Descriptor, error) {
	if len(devices) == 0 {
		return nil, status.New(status.InvalidArgument,
			errors.Wrap(ErrInvalidTopology, "empty device list"))
	}
	if dups := lo.FindDuplicates(devices); len(dups) > 0 {
		return nil, status.New(status.InvalidArgument,
			errors.Wrapf(ErrInvalidTopology, "duplicate devices %v", dups))
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	for _, d := range devices {
		if !f.online(d) {
			return nil, status.New(status.InvalidArgument,
				errors.Wrapf(ErrInvalidTopology, "device %d is unreachable", d))
		}
	}
	if f.HostRate <= 0 {
		return nil, status.New(status.InvalidArgument,
			errors.Wrapf(ErrInvalidTopology, "host rate %g leaves devices without a path", f.HostRate))
	}

	links := f.links.Submatrix(devices)
	lanes := simulator.NewConnMat(len(devices))
	for i := range devices {
		for j := range devices {
			lanes.Set(i, j, min(links.Get(i, j), links.Get(j, i)))
		}
	}
	desc := &Descriptor{
		devices:  append([]int{}, devices...),
		trees:    packTrees(lanes),
		linkRate: f.LinkRate,
		hostRate: f.HostRate,
	}
	klog.V(2).Infof("topology for devices %v: %d disjoint spanning trees", devices, len(desc.trees))
	return desc, nil
}

// Devices returns the device set, in rank order.
func (d *Descriptor) Devices() []int {
	return append([]int{}, d.devices...)
}

// Size returns the number of devices.
func (d *Descriptor) Size() int {
	return len(d.devices)
}

// Rank returns the rank of a device in the set.
func (d *Descriptor) Rank(device int) (int, bool) {
	for i, x := range d.devices {
		if x == device {
			return i, true
		}
	}
	return 0, false
}

// NumTrees returns the number of disjoint spanning trees.
func (d *Descriptor) NumTrees() int {
	return len(d.trees)
}

// Tree returns one of the spanning trees.
func (d *Descriptor) Tree(i int) Tree {
	return d.trees[i]
}

// MaxHelpers returns how many helper groups the device set
// can profitably use on top of the primary group.
//
// The result is 0 for a single device and never exceeds
// the device count minus one.
func (d *Descriptor) MaxHelpers() int {
	if len(d.devices) == 1 {
		return 0
	}
	return min(max(len(d.trees)-1, 0), len(d.devices)-1)
}

// HostRate returns the rate of the fallback path.
func (d *Descriptor) HostRate() float64 {
	return d.hostRate
}

// ChannelRates returns the dedicated link rates available
// to a logical channel, indexed by rank.
//
// Channel i owns the lanes of tree i. Channels past the
// last tree only have the host path, so every entry is 0.
func (d *Descriptor) ChannelRates(channel int) *simulator.ConnMat {
	rates := simulator.NewConnMat(len(d.devices))
	if channel < 0 || channel >= len(d.trees) {
		return rates
	}
	for _, edge := range d.trees[channel].Edges() {
		rates.Set(edge[0], edge[1], d.linkRate)
		rates.Set(edge[1], edge[0], d.linkRate)
	}
	return rates
}

// ChannelTree returns the parent of every rank in the
// spanning tree owned by a logical channel, or nil if the
// channel has no tree.
func (d *Descriptor) ChannelTree(channel int) []int {
	if channel < 0 || channel >= len(d.trees) {
		return nil
	}
	return append([]int{}, d.trees[channel].Parent...)
}

// packTrees greedily removes spanning trees from a lane
// multigraph until none is left, returning at most one
// tree per node.
func packTrees(lanes *simulator.ConnMat) []Tree {
	lanes = lanes.Clone()
	n := lanes.NumNodes()
	if n < 2 {
		return nil
	}
	var trees []Tree
	for len(trees) < n {
		tree, ok := growTree(lanes)
		if !ok {
			break
		}
		for _, edge := range tree.Edges() {
			lanes.Add(edge[0], edge[1], -1)
			lanes.Add(edge[1], edge[0], -1)
		}
		trees = append(trees, tree)
	}
	return trees
}

// growTree builds a spanning tree rooted at rank 0 in the
// style of Prim's algorithm, always attaching through the
// in-tree node with the most spare lanes so that no single
// node is drained by one tree.
func growTree(lanes *simulator.ConnMat) (Tree, bool) {
	n := lanes.NumNodes()
	degree := make([]float64, n)
	for i := range degree {
		degree[i] = lanes.SumSource(i)
	}

	parent := make([]int, n)
	inTree := make([]bool, n)
	for i := range parent {
		parent[i] = -1
	}
	inTree[0] = true

	for added := 1; added < n; added++ {
		bestU, bestV := -1, -1
		for u := 0; u < n; u++ {
			if !inTree[u] {
				continue
			}
			for v := 0; v < n; v++ {
				if inTree[v] || lanes.Get(u, v) < 1 {
					continue
				}
				if bestU < 0 || degree[u] > degree[bestU] ||
					(degree[u] == degree[bestU] && degree[v] > degree[bestV]) {
					bestU, bestV = u, v
				}
			}
		}
		if bestU < 0 {
			return Tree{}, false
		}
		parent[bestV] = bestU
		inTree[bestV] = true
		degree[bestU]--
		degree[bestV]--
	}
	return Tree{Parent: parent}, true
}
