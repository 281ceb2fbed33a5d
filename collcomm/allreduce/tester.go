package allreduce

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/simulator"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
//
// Randomized runs also route along a random spanning tree.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 5, 15, 16, 17} {
		for _, size := range []int{0, 1, 1337} {
			for _, randomized := range []bool{false, true} {
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Random=%v", numNodes, size, randomized)
				t.Run(testName, func(t *testing.T) {
					var parents []int
					if randomized {
						parents = randomTree(numNodes)
					}
					vectors := make([][]float64, numNodes)
					sum := make([]float64, size)
					for i := range vectors {
						vectors[i] = make([]float64, size)
						for j := range vectors[i] {
							vectors[i][j] = rand.NormFloat64()
							sum[j] += vectors[i][j]
						}
					}
					results := runAllreducer(t, reducer, numNodes, randomized, parents, dtypes.F64,
						collcomm.Sum, func(i int) []byte { return collcomm.Bytes(vectors[i]) })
					verifyReductionResults(t, results, sum)
				})
			}
		}
	}

	t.Run("Max", func(t *testing.T) {
		const numNodes, size = 6, 101
		expected := make([]int32, size)
		results := runAllreducer(t, reducer, numNodes, false, nil, dtypes.S32, collcomm.Max, func(i int) []byte {
			vec := make([]int32, size)
			for j := range vec {
				vec[j] = int32((i*31 + j*7) % 50)
				expected[j] = max(expected[j], vec[j])
			}
			return collcomm.Bytes(vec)
		})
		for i, res := range results {
			got := collcomm.View[int32](res)
			for j, x := range expected {
				if got[j] != x {
					t.Fatalf("node %d: expected %d but got %d at component %d", i, x, got[j], j)
				}
			}
		}
	})
}

func runAllreducer(t *testing.T, reducer Allreducer, numNodes int, randomized bool, parents []int,
	dtype dtypes.DType, op collcomm.ReduceOp, input func(i int) []byte) [][]byte {
	inputs := make([][]byte, numNodes)
	for i := range inputs {
		inputs[i] = input(i)
	}

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

	fn := must.M1(collcomm.NewReduceFn(dtype, op))
	results := make([][]byte, numNodes)
	collcomm.SpawnTreeComms(loop, network, nodes, collcomm.ElemSize(dtype), parents, func(c *collcomm.Comms) {
		results[c.Index()] = reducer.Allreduce(c, inputs[c.Index()], fn)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	return results
}

func verifyReductionResults(t *testing.T, rawResults [][]byte, expected []float64) {
	results := make([][]float64, len(rawResults))
	for i, raw := range rawResults {
		results[i] = collcomm.View[float64](raw)
	}
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
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
