package simulator

// A Switcher is a switching algorithm that determines how
// rapidly data flows in a graph of nodes.
// One job of the Switcher is to decide how to deal with
// oversubscription.
type Switcher interface {
	// Apply the switching algorithm to compute the
	// transfer rates of every connection.
	//
	// The mat argument is passed in with 1's wherever a
	// node wants to send data to another node, and 0's
	// everywhere else.
	//
	// When the function returns, mat indicates the rate
	// of data between every pair of nodes.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher emulates a switch where outgoing
// data is spread evenly across a node's outputs, and
// inputs to a node are dropped uniformly at random when a
// node is oversubscribed.
//
// This is equivalent to first normalizing the rows of a
// connection matrix, and then normalizing the columns.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher with
// uniform upload and download rates across all nodes.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &GreedyDropSwitcher{
		SendRates: rates,
		RecvRates: rates,
	}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic("unexpected number of nodes")
	}

	// Split upload traffic evenly across sockets.
	for src := 0; src < g.NumNodes(); src++ {
		numDests := mat.SumSource(src)
		if numDests > 0 {
			mat.ScaleSource(src, g.SendRates[src]/numDests)
		}
	}

	// Drop download traffic in proportion to the number
	// of incoming packets from each socket.
	for dst := 0; dst < g.NumNodes(); dst++ {
		incomingRate := mat.SumDest(dst)
		if incomingRate > g.RecvRates[dst] {
			mat.ScaleDest(dst, g.RecvRates[dst]/incomingRate)
		}
	}
}

// A LinkSwitcher emulates a point-to-point interconnect
// where some pairs of nodes share dedicated links and every
// other pair goes through a slower shared host path.
//
// A dedicated link carries traffic at its full rate no
// matter what else is in flight on other links, while the
// host path of each source node is split evenly between
// its concurrent host-path destinations.
type LinkSwitcher struct {
	// Links holds the rate of the dedicated link from the
	// source (row) to the destination (column), or 0 when
	// there is none.
	Links *ConnMat

	// HostRate is the per-node rate of the fallback path.
	// It must be positive.
	HostRate float64
}

// NumNodes gets the number of nodes the switch expects.
func (l *LinkSwitcher) NumNodes() int {
	return l.Links.NumNodes()
}

// SwitchedRates performs the switching algorithm.
func (l *LinkSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != l.NumNodes() {
		panic("unexpected number of nodes")
	}
	if l.HostRate <= 0 {
		panic("host rate must be positive")
	}
	for src := 0; src < l.NumNodes(); src++ {
		var hostDests float64
		for dst := 0; dst < l.NumNodes(); dst++ {
			if mat.Get(src, dst) != 0 && l.Links.Get(src, dst) == 0 {
				hostDests++
			}
		}
		for dst := 0; dst < l.NumNodes(); dst++ {
			if mat.Get(src, dst) == 0 {
				continue
			}
			if rate := l.Links.Get(src, dst); rate > 0 {
				mat.Set(src, dst, rate)
			} else {
				mat.Set(src, dst, l.HostRate/hostDests)
			}
		}
	}
}
