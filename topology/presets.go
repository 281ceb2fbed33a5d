package topology

// FullyConnected creates a Fabric where every pair of
// devices shares the given number of links.
func FullyConnected(numDevices, links int) *Fabric {
	f := NewFabric(numDevices)
	for a := 0; a < numDevices; a++ {
		for b := a + 1; b < numDevices; b++ {
			f.Connect(a, b, links)
		}
	}
	return f
}

// Ring creates a Fabric where device i shares the given
// number of links with device i+1 (mod numDevices).
func Ring(numDevices, links int) *Fabric {
	f := NewFabric(numDevices)
	if numDevices < 2 {
		return f
	}
	for a := 0; a < numDevices; a++ {
		b := (a + 1) % numDevices
		if a != b {
			f.Connect(a, b, links)
		}
	}
	return f
}

// HostOnly creates a Fabric without any direct links, so
// all traffic uses the host path.
func HostOnly(numDevices int) *Fabric {
	return NewFabric(numDevices)
}

// DGX1 creates the eight-device hybrid cube-mesh of a
// DGX-1 with V100 devices, where every device has six link
// lanes spread over four peers.
func DGX1() *Fabric {
	f := NewFabric(8)
	for _, link := range [][3]int{
		{0, 1, 1}, {0, 2, 1}, {0, 3, 2}, {0, 4, 2},
		{1, 2, 2}, {1, 3, 1}, {1, 5, 2},
		{2, 3, 2}, {2, 6, 1},
		{3, 7, 1},
		{4, 5, 1}, {4, 6, 1}, {4, 7, 2},
		{5, 6, 2}, {5, 7, 1},
		{6, 7, 2},
	} {
		f.Connect(link[0], link[1], link[2])
	}
	return f
}

// Preset looks up a Fabric constructor by name.
// Names are "dgx1", "full", "ring" and "host".
func Preset(name string, numDevices int) (*Fabric, bool) {
	switch name {
	case "dgx1":
		return DGX1(), true
	case "full":
		return FullyConnected(numDevices, 1), true
	case "ring":
		return Ring(numDevices, 2), true
	case "host":
		return HostOnly(numDevices), true
	}
	return nil, false
}
