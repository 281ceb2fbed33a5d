package composite

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/comm"
	"github.com/unixpickle/blinkplus/status"
	"github.com/unixpickle/blinkplus/topology"
)

// testFabric has four devices joined by two lanes each,
// enough for three helper groups.
func testFabric() *topology.Fabric {
	return topology.FullyConnected(4, 2)
}

var testDevices = []int{0, 1, 2, 3}

// split gives every device its own buffer of count
// elements and maps it onto the plan of c.
func split[T any](t *testing.T, c *Comm, count int, fill func(rank, i int) T) ([][]T, *Buffers) {
	plan := must.M1(c.Plan(count))
	bufs := make([][]T, c.NumDevices())
	raw := make([][]byte, c.NumDevices())
	for rank := range bufs {
		bufs[rank] = make([]T, count)
		for i := range bufs[rank] {
			bufs[rank][i] = fill(rank, i)
		}
		raw[rank] = collcomm.Bytes(bufs[rank])
	}
	var zero T
	b, err := SplitBuffers(plan, len(collcomm.Bytes([]T{zero})), raw)
	require.NoError(t, err)
	return bufs, b
}

func TestGetHelperCount(t *testing.T) {
	fabric := testFabric()
	for n := 1; n <= 4; n++ {
		helpers, err := GetHelperCount(fabric, testDevices[:n])
		require.NoError(t, err)
		if n == 1 {
			require.Equal(t, 0, helpers)
		} else {
			require.Equal(t, n-1, helpers)
		}
	}
	require.Equal(t, 0, must.M1(GetHelperCount(topology.HostOnly(4), testDevices)))

	_, err := GetHelperCount(fabric, []int{0, 0})
	require.True(t, errors.Is(err, topology.ErrInvalidTopology))
	require.Equal(t, 0, fabric.ChannelsInUse(0))
}

func TestCommInitAll(t *testing.T) {
	fabric := testFabric()
	c, err := CommInitAll(fabric, testDevices, 2, comm.DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, 2, c.Helpers())
	require.Equal(t, 3, c.NumGroups())
	for _, device := range testDevices {
		comms := c.Communicators(device)
		require.Len(t, comms, 3)
		for g, cm := range comms {
			require.Equal(t, g, cm.Channel())
			require.Equal(t, device, cm.Device())
		}
		require.Equal(t, 3, fabric.ChannelsInUse(device))
	}
	require.Nil(t, c.Communicators(9))

	require.NoError(t, c.Destroy())
	for _, device := range testDevices {
		require.Equal(t, 0, fabric.ChannelsInUse(device))
	}
}

func TestCommInitAllInvalid(t *testing.T) {
	fabric := testFabric()
	_, err := CommInitAll(fabric, testDevices, 4, comm.DefaultConfig())
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
	_, err = CommInitAll(fabric, testDevices, -1, comm.DefaultConfig())
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
	_, err = CommInitAll(fabric, []int{0, 7}, 0, comm.DefaultConfig())
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	cfg := comm.DefaultConfig()
	cfg.AllreduceAlgo = "bogus"
	_, err = CommInitAll(fabric, testDevices, 0, cfg)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestCommInitAllRollback(t *testing.T) {
	fabric := testFabric()
	fabric.MaxChannels = 2
	_, err := CommInitAll(fabric, testDevices, 3, comm.DefaultConfig())
	require.Equal(t, status.ResourceExhausted, status.CodeOf(err))
	for _, device := range testDevices {
		require.Equal(t, 0, fabric.ChannelsInUse(device))
	}

	c, err := CommInitAll(fabric, testDevices, 1, comm.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, c.Destroy())
}

func TestBroadcast(t *testing.T) {
	for _, helpers := range []int{0, 1, 3} {
		for _, count := range []int{0, 2, 1001} {
			for _, root := range []int{0, 2} {
				name := fmt.Sprintf("Helpers=%d,Count=%d,Root=%d", helpers, count, root)
				t.Run(name, func(t *testing.T) {
					c := must.M1(CommInitAll(testFabric(), testDevices, helpers, comm.DefaultConfig()))
					defer func() { require.NoError(t, c.Destroy()) }()

					sendBufs, send := split(t, c, count, func(rank, i int) float32 {
						return float32(rank*100000 + i)
					})
					recvBufs, recv := split(t, c, count, func(rank, i int) float32 { return -1 })

					require.NoError(t, c.Broadcast(testDevices, send, recv, count, dtypes.F32, root))
					require.NoError(t, c.StreamSynchronize())
					for rank, buf := range recvBufs {
						require.Equal(t, sendBufs[root], buf, "rank %d", rank)
					}
				})
			}
		}
	}
}

func TestAllReduce(t *testing.T) {
	for _, helpers := range []int{0, 1, 3} {
		for _, count := range []int{1, 3, 7, 1000, 1001} {
			t.Run(fmt.Sprintf("Helpers=%d,Count=%d", helpers, count), func(t *testing.T) {
				c := must.M1(CommInitAll(testFabric(), testDevices, helpers, comm.DefaultConfig()))
				defer func() { require.NoError(t, c.Destroy()) }()

				value := func(i int) float64 { return float64(i%17) + 0.5 }
				_, send := split(t, c, count, func(rank, i int) float64 { return value(i) })
				recvBufs, recv := split(t, c, count, func(rank, i int) float64 { return 0 })

				require.NoError(t, c.AllReduce(nil, send, recv, count, dtypes.F64, collcomm.Sum))
				require.NoError(t, c.StreamSynchronize())
				for rank, buf := range recvBufs {
					for i, x := range buf {
						require.Equal(t, 4*value(i), x, "rank %d element %d", rank, i)
					}
				}
			})
		}
	}
}

func TestAllReduceInPlace(t *testing.T) {
	c := must.M1(CommInitAll(testFabric(), testDevices, 2, comm.DefaultConfig()))
	defer c.Destroy()

	const count = 10
	bufs, b := split(t, c, count, func(rank, i int) int16 { return int16(rank*10 + i) })
	require.NoError(t, c.AllReduce(testDevices, b, b, count, dtypes.S16, collcomm.Min))
	require.NoError(t, c.StreamSynchronize())
	for _, buf := range bufs {
		for i, x := range buf {
			require.Equal(t, int16(i), x)
		}
	}
}

func TestNoPartitionEquivalence(t *testing.T) {
	const count = 777
	rng := rand.New(rand.NewSource(1337))
	inputs := make([][]float32, len(testDevices))
	for rank := range inputs {
		inputs[rank] = make([]float32, count)
		for i := range inputs[rank] {
			inputs[rank][i] = float32(rng.NormFloat64())
		}
	}

	for _, algo := range comm.AllreduceAlgos {
		t.Run(algo, func(t *testing.T) {
			var results [][][]float32
			for _, helpers := range []int{0, 1, 3} {
				cfg := comm.DefaultConfig()
				cfg.AllreduceAlgo = algo
				c := must.M1(CommInitAll(testFabric(), testDevices, helpers, cfg))
				_, send := split(t, c, count, func(rank, i int) float32 { return inputs[rank][i] })
				recvBufs, recv := split(t, c, count, func(rank, i int) float32 { return 0 })
				require.NoError(t, c.AllReduce(nil, send, recv, count, dtypes.F32, collcomm.Sum))
				require.NoError(t, c.StreamSynchronize())
				require.NoError(t, c.Destroy())
				results = append(results, recvBufs)
			}
			for _, res := range results[1:] {
				require.Equal(t, results[0], res)
			}
		})
	}
}

func TestHelpersAggregateBandwidth(t *testing.T) {
	run := func(helpers int) float64 {
		c := must.M1(CommInitAll(testFabric(), testDevices, helpers, comm.DefaultConfig()))
		defer c.Destroy()
		const count = 1 << 22
		_, send := split(t, c, count, func(rank, i int) uint8 { return uint8(i) })
		_, recv := split(t, c, count, func(rank, i int) uint8 { return 0 })
		require.NoError(t, c.Broadcast(nil, send, recv, count, dtypes.U8, 0))
		require.NoError(t, c.StreamSynchronize())
		return c.Elapsed()
	}
	require.Less(t, run(3), run(0))
}

func TestHelpersFollowTrees(t *testing.T) {
	devices := []int{0, 1, 2, 3, 4, 5, 6, 7}
	run := func(fabric *topology.Fabric, algo string, helpers int) float64 {
		cfg := comm.DefaultConfig()
		cfg.BroadcastAlgo = algo
		c := must.M1(CommInitAll(fabric, devices, helpers, cfg))
		defer c.Destroy()
		const count = 1 << 20
		_, send := split(t, c, count, func(rank, i int) uint8 { return uint8(i + rank) })
		recvBufs, recv := split(t, c, count, func(rank, i int) uint8 { return 0 })
		require.NoError(t, c.Broadcast(nil, send, recv, count, dtypes.U8, 0))
		require.NoError(t, c.StreamSynchronize())
		last := count - 1
		for _, buf := range recvBufs {
			require.Equal(t, uint8(last), buf[count-1])
		}
		return c.Elapsed()
	}

	maxHelpers := must.M1(GetHelperCount(topology.DGX1(), devices))
	require.Greater(t, maxHelpers, 0)
	for _, algo := range []string{"tree", "chain"} {
		alone := run(topology.DGX1(), algo, 0)
		require.LessOrEqual(t, run(topology.DGX1(), algo, maxHelpers), alone, algo)
		require.Less(t, alone, run(topology.HostOnly(8), algo, 0), algo)
	}
}

func TestDispatchInvalid(t *testing.T) {
	c := must.M1(CommInitAll(testFabric(), testDevices, 1, comm.DefaultConfig()))
	_, send := split(t, c, 8, func(rank, i int) float32 { return 1 })
	_, recv := split(t, c, 8, func(rank, i int) float32 { return 0 })

	cases := map[string]error{
		"BadRoot":       c.Broadcast(nil, send, recv, 8, dtypes.F32, 9),
		"NegativeCount": c.Broadcast(nil, send, recv, -1, dtypes.F32, 0),
		"BadDevices":    c.AllReduce([]int{3, 2, 1, 0}, send, recv, 8, dtypes.F32, collcomm.Sum),
		"BoolSum":       c.AllReduce(nil, send, recv, 8, dtypes.Bool, collcomm.Sum),
		"BadOp":         c.AllReduce(nil, send, recv, 8, dtypes.F32, collcomm.ReduceOp(9)),
		"TooLong":       c.AllReduce(nil, send, recv, 9, dtypes.F32, collcomm.Sum),
		"MissingRecv":   c.AllReduce(nil, send, nil, 8, dtypes.F32, collcomm.Sum),
		"MissingSend":   c.Broadcast(nil, nil, recv, 8, dtypes.F32, 1),
	}
	for name, err := range cases {
		require.Equal(t, status.InvalidArgument, status.CodeOf(err), "%s: %v", name, err)
	}
	require.Empty(t, c.Operations())

	overlapping := NewBuffers(2, 4)
	shared := make([]byte, 64)
	for rank := 0; rank < 4; rank++ {
		overlapping.Set(0, rank, shared[:16])
		overlapping.Set(1, rank, shared[8:])
	}
	err := c.AllReduce(nil, overlapping, overlapping, 8, dtypes.F32, collcomm.Sum)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	require.NoError(t, c.Destroy())
}

func TestDestroy(t *testing.T) {
	fabric := testFabric()
	c := must.M1(CommInitAll(fabric, testDevices, 2, comm.DefaultConfig()))
	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())
	for _, device := range testDevices {
		require.Equal(t, 0, fabric.ChannelsInUse(device))
	}

	_, send := split(t, c, 4, func(rank, i int) int32 { return 1 })
	err := c.AllReduce(nil, send, send, 4, dtypes.S32, collcomm.Sum)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
	err = c.Broadcast(nil, send, send, 4, dtypes.S32, 0)
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
	require.Equal(t, status.InvalidArgument, status.CodeOf(c.StreamSynchronize()))

	var nilComm *Comm
	require.NoError(t, nilComm.Destroy())
}

func TestDestroyBusy(t *testing.T) {
	release := make(chan struct{})
	cfg := comm.DefaultConfig()
	cfg.Fault = func(channel, rank int) error {
		<-release
		return nil
	}
	fabric := testFabric()
	c := must.M1(CommInitAll(fabric, testDevices, 1, cfg))
	_, send := split(t, c, 6, func(rank, i int) int32 { return int32(rank) })
	require.NoError(t, c.AllReduce(nil, send, send, 6, dtypes.S32, collcomm.Sum))

	err := c.Destroy()
	require.Equal(t, status.Busy, status.CodeOf(err))
	require.Equal(t, 2, fabric.ChannelsInUse(0))
	require.Len(t, c.Operations(), 1)
	require.Equal(t, PhaseDispatched, c.Operations()[0].Phase())
	require.False(t, c.Operations()[0].Done())

	close(release)
	op := c.Operations()[0]
	require.NoError(t, c.StreamSynchronize())
	require.True(t, op.Done())
	require.NoError(t, c.Destroy())
	require.Equal(t, 0, fabric.ChannelsInUse(0))
	require.Len(t, c.Synchronized(), 1)
	require.Equal(t, PhaseComplete, c.Synchronized()[0].Phase())
}

func TestFailureIsolation(t *testing.T) {
	injected := errors.New("helper channel lost")
	var failing atomic.Bool
	failing.Store(true)
	cfg := comm.DefaultConfig()
	cfg.Fault = func(channel, rank int) error {
		if failing.Load() && channel == 1 && rank == 2 {
			return injected
		}
		return nil
	}
	c := must.M1(CommInitAll(testFabric(), testDevices, 2, cfg))
	defer c.Destroy()

	const count = 30
	recvBufs, recv := split(t, c, count, func(rank, i int) float64 { return 0 })
	_, send := split(t, c, count, func(rank, i int) float64 { return 1 })
	require.NoError(t, c.AllReduce(nil, send, recv, count, dtypes.F64, collcomm.Sum))

	err := c.StreamSynchronize()
	require.Equal(t, status.CollectiveFailure, status.CodeOf(err))
	require.True(t, errors.Is(err, injected))

	ops := c.Synchronized()
	require.Len(t, ops, 1)
	require.Equal(t, PhaseFailed, ops[0].Phase())
	require.Equal(t, []GroupState{GroupComplete, GroupFailed, GroupComplete}, ops[0].Groups())
	require.True(t, errors.Is(ops[0].Err(), injected))

	// The failed range was never written.
	plan := ops[0].Plan()
	for _, buf := range recvBufs {
		for i := plan[1].Offset; i < plan[1].End(); i++ {
			require.Equal(t, 0.0, buf[i])
		}
	}

	// Nothing is left outstanding, and a re-issued call
	// succeeds.
	require.NoError(t, c.StreamSynchronize())
	failing.Store(false)
	require.NoError(t, c.AllReduce(nil, send, recv, count, dtypes.F64, collcomm.Sum))
	require.NoError(t, c.StreamSynchronize())
	for _, buf := range recvBufs {
		for _, x := range buf {
			require.Equal(t, 4.0, x)
		}
	}
}

func TestBroadcastFailureIsolation(t *testing.T) {
	injected := errors.New("helper channel lost")
	cfg := comm.DefaultConfig()
	cfg.Fault = func(channel, rank int) error {
		if channel == 2 && rank == 1 {
			return injected
		}
		return nil
	}
	c := must.M1(CommInitAll(testFabric(), testDevices, 2, cfg))
	defer c.Destroy()

	const count = 31
	_, send := split(t, c, count, func(rank, i int) int64 { return int64(100*rank + i) })
	recvBufs, recv := split(t, c, count, func(rank, i int) int64 { return -1 })
	require.NoError(t, c.Broadcast(nil, send, recv, count, dtypes.S64, 3))

	err := c.StreamSynchronize()
	require.Equal(t, status.CollectiveFailure, status.CodeOf(err))
	require.True(t, errors.Is(err, injected))

	ops := c.Synchronized()
	require.Len(t, ops, 1)
	require.Equal(t, comm.KindBroadcast, ops[0].Kind())
	require.Equal(t, PhaseFailed, ops[0].Phase())
	require.Equal(t, []GroupState{GroupComplete, GroupComplete, GroupFailed}, ops[0].Groups())

	plan := ops[0].Plan()
	for rank, buf := range recvBufs {
		for _, r := range plan {
			for i := r.Offset; i < r.End(); i++ {
				if r.Group == 2 {
					require.Equal(t, int64(-1), buf[i], "rank %d element %d", rank, i)
				} else {
					require.Equal(t, int64(300+i), buf[i], "rank %d element %d", rank, i)
				}
			}
		}
	}
}

func TestSynchronizeIdempotent(t *testing.T) {
	c := must.M1(CommInitAll(testFabric(), testDevices, 1, comm.DefaultConfig()))
	defer c.Destroy()
	require.NoError(t, c.StreamSynchronize())
	require.NoError(t, c.StreamSynchronize())
	require.Empty(t, c.Synchronized())

	_, b := split(t, c, 5, func(rank, i int) uint32 { return uint32(i) })
	require.NoError(t, c.AllReduce(nil, b, b, 5, dtypes.U32, collcomm.Max))
	require.NoError(t, c.AllReduce(nil, b, b, 5, dtypes.U32, collcomm.Prod))
	require.Len(t, c.Operations(), 2)
	require.NoError(t, c.StreamSynchronize())
	require.Len(t, c.Synchronized(), 2)
	require.Empty(t, c.Operations())
	for _, op := range c.Synchronized() {
		require.Equal(t, PhaseComplete, op.Phase())
	}

	// Settling nothing keeps the last history.
	require.NoError(t, c.StreamSynchronize())
	require.Len(t, c.Synchronized(), 2)
	require.NoError(t, c.Destroy())
	require.Len(t, c.Synchronized(), 2)
}

func TestFunctionForms(t *testing.T) {
	c := must.M1(CommInitAll(testFabric(), testDevices, 1, comm.DefaultConfig()))
	bufs, b := split(t, c, 64, func(rank, i int) int32 {
		if rank == 1 {
			return int32(i)
		}
		return -1
	})
	require.NoError(t, Broadcast(c, testDevices, b, b, 64, dtypes.S32, 1))
	require.NoError(t, AllReduce(c, testDevices, b, b, 64, dtypes.S32, collcomm.Max))
	require.NoError(t, StreamSynchronize(c))
	for rank, buf := range bufs {
		for i, x := range buf {
			require.Equal(t, int32(i), x, "rank %d element %d", rank, i)
		}
	}
	require.NoError(t, CommDestroy(c))
	require.Error(t, StreamSynchronize(c))
	require.NoError(t, CommDestroy(nil))
}
