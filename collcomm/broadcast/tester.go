package broadcast

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/simulator"
)

// RunBroadcasterTests runs a battery of tests on a
// Broadcaster.
func RunBroadcasterTests(t *testing.T, b Broadcaster) {
	for _, numNodes := range []int{1, 2, 5, 16, 17} {
		for _, size := range []int{0, 1, 1337} {
			for _, randomized := range []bool{false, true} {
				for _, spanning := range []bool{false, true} {
					root := numNodes / 2
					testName := fmt.Sprintf("Nodes=%d,Size=%d,Root=%d,Random=%v,Tree=%v", numNodes, size,
						root, randomized, spanning)
					t.Run(testName, func(t *testing.T) {
						var parents []int
						if spanning {
							parents = randomTree(numNodes)
						}
						runBroadcaster(t, b, numNodes, size, root, randomized, parents)
					})
				}
			}
		}
	}
}

func runBroadcaster(t *testing.T, b Broadcaster, numNodes, size, root int, randomized bool,
	parents []int) {
	const elemSize = 4
	payload := make([]byte, size*elemSize)
	rand.Read(payload)

	loop := simulator.NewEventLoop()
	devices := make([]int, numNodes)
	for i := range devices {
		devices[i] = i
	}
	nodes := simulator.NewNodes(devices)

	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		switcher := simulator.NewGreedyDropSwitcher(numNodes, 1.0)
		network = simulator.NewSwitcherNetwork(switcher, nodes, 0.1)
	}

	results := make([][]byte, numNodes)
	collcomm.SpawnTreeComms(loop, network, nodes, elemSize, parents, func(c *collcomm.Comms) {
		data := make([]byte, len(payload))
		if c.Index() == root {
			data = payload
		}
		results[c.Index()] = b.Broadcast(c, data, root)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	for i, res := range results {
		if !bytes.Equal(res, payload) {
			t.Errorf("device %d did not receive the root's vector", i)
		}
	}
}

// randomTree returns the parents of a random tree over n
// ranks, rooted at rank 0.
func randomTree(n int) []int {
	parents := make([]int, n)
	parents[0] = -1
	for i := 1; i < n; i++ {
		parents[i] = rand.Intn(i)
	}
	return parents
}
