package comm

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/status"
	"github.com/unixpickle/blinkplus/topology"
)

func setupClique(t *testing.T, fabric *topology.Fabric, devices []int, cfg Config) []*Comm {
	desc := must.M1(fabric.Describe(devices))
	comms, err := InitAll(fabric, desc, 0, cfg)
	require.NoError(t, err)
	return comms
}

func synchronizeAll(comms []*Comm) error {
	var firstErr error
	for _, c := range comms {
		if err := c.Stream().Synchronize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func TestInitAllDestroy(t *testing.T) {
	fabric := topology.FullyConnected(4, 1)
	comms := setupClique(t, fabric, []int{3, 1, 2}, DefaultConfig())
	require.Len(t, comms, 3)
	for rank, c := range comms {
		require.Equal(t, rank, c.Rank())
		require.Equal(t, 3, c.Size())
		require.Equal(t, comms[0].ID(), c.ID())
		require.Equal(t, 1, fabric.ChannelsInUse(c.Device()))
	}
	require.Equal(t, 3, comms[0].Device())
	require.Equal(t, 0, fabric.ChannelsInUse(0))

	for _, c := range comms {
		require.NoError(t, c.Destroy())
		require.NoError(t, c.Destroy())
		require.True(t, c.Destroyed())
	}
	for d := 0; d < 4; d++ {
		require.Equal(t, 0, fabric.ChannelsInUse(d))
	}
}

func TestInitAllExhausted(t *testing.T) {
	fabric := topology.FullyConnected(4, 1)
	fabric.MaxChannels = 1
	setupClique(t, fabric, []int{2}, DefaultConfig())

	desc := must.M1(fabric.Describe([]int{0, 1, 2, 3}))
	_, err := InitAll(fabric, desc, 1, DefaultConfig())
	require.Equal(t, status.ResourceExhausted, status.CodeOf(err))
	require.Equal(t, 0, fabric.ChannelsInUse(0))
	require.Equal(t, 0, fabric.ChannelsInUse(1))
	require.Equal(t, 1, fabric.ChannelsInUse(2))
}

func TestAllReduce(t *testing.T) {
	for _, algo := range AllreduceAlgos {
		t.Run(algo, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.AllreduceAlgo = algo
			comms := setupClique(t, topology.FullyConnected(4, 1), []int{0, 1, 2, 3}, cfg)

			const count = 103
			sends := make([][]float32, len(comms))
			recvs := make([][]float32, len(comms))
			expected := make([]float32, count)
			var g Group
			for rank, c := range comms {
				sends[rank] = make([]float32, count)
				recvs[rank] = make([]float32, count)
				for i := range sends[rank] {
					sends[rank][i] = float32(rank*count + i)
					expected[i] += sends[rank][i]
				}
				g.AllReduce(c, collcomm.Bytes(sends[rank]), collcomm.Bytes(recvs[rank]), count,
					dtypes.F32, collcomm.Sum)
			}
			coll, err := g.Launch()
			require.NoError(t, err)
			require.NoError(t, synchronizeAll(comms))
			require.NoError(t, coll.Err())
			require.Greater(t, coll.Elapsed(), 0.0)
			for rank := range comms {
				require.Equal(t, expected, recvs[rank], "rank %d", rank)
				require.True(t, comms[rank].Stream().Query())
			}
		})
	}
}

func TestBroadcast(t *testing.T) {
	for _, algo := range BroadcastAlgos {
		for root := 0; root < 3; root++ {
			t.Run(fmt.Sprintf("%s/Root=%d", algo, root), func(t *testing.T) {
				cfg := DefaultConfig()
				cfg.BroadcastAlgo = algo
				cfg.Granularity = 3
				comms := setupClique(t, topology.Ring(3, 1), []int{0, 1, 2}, cfg)

				const count = 50
				payload := make([]int64, count)
				for i := range payload {
					payload[i] = int64(i * i)
				}
				recvs := make([][]int64, len(comms))
				var g Group
				for rank, c := range comms {
					recvs[rank] = make([]int64, count)
					var send []byte
					if rank == root {
						send = collcomm.Bytes(payload)
					}
					g.Broadcast(c, send, collcomm.Bytes(recvs[rank]), count, dtypes.S64, root)
				}
				_, err := g.Launch()
				require.NoError(t, err)
				require.NoError(t, synchronizeAll(comms))
				for rank := range comms {
					require.Equal(t, payload, recvs[rank], "rank %d", rank)
				}
			})
		}
	}
}

func TestInPlace(t *testing.T) {
	comms := setupClique(t, topology.HostOnly(3), []int{0, 1, 2}, DefaultConfig())
	bufs := [][]float64{{1, 2}, {3, 4}, {5, 6}}
	var g Group
	for rank, c := range comms {
		buf := collcomm.Bytes(bufs[rank])
		g.AllReduce(c, buf, buf, 2, dtypes.F64, collcomm.Max)
	}
	must.M1(g.Launch())
	require.NoError(t, synchronizeAll(comms))
	for _, buf := range bufs {
		require.Equal(t, []float64{5, 6}, buf)
	}

	for rank, c := range comms {
		buf := collcomm.Bytes(bufs[rank])
		g.Broadcast(c, buf, buf, 2, dtypes.F64, 0)
	}
	bufs[0][0] = -1
	must.M1(g.Launch())
	require.NoError(t, synchronizeAll(comms))
	for _, buf := range bufs {
		require.Equal(t, []float64{-1, 6}, buf)
	}
}

func TestLaunchValidation(t *testing.T) {
	fabric := topology.FullyConnected(3, 1)
	comms := setupClique(t, fabric, []int{0, 1, 2}, DefaultConfig())
	others := setupClique(t, fabric, []int{0, 1, 2}, DefaultConfig())
	buf := func() []byte { return make([]byte, 16) }

	cases := map[string]func(g *Group){
		"Empty": func(g *Group) {},
		"MissingRank": func(g *Group) {
			for _, c := range comms[1:] {
				g.AllReduce(c, buf(), buf(), 4, dtypes.F32, collcomm.Sum)
			}
		},
		"DuplicateRank": func(g *Group) {
			for _, c := range append(comms, comms[0]) {
				g.AllReduce(c, buf(), buf(), 4, dtypes.F32, collcomm.Sum)
			}
		},
		"MixedCliques": func(g *Group) {
			for _, c := range []*Comm{comms[0], comms[1], others[2]} {
				g.AllReduce(c, buf(), buf(), 4, dtypes.F32, collcomm.Sum)
			}
		},
		"MismatchedCount": func(g *Group) {
			for rank, c := range comms {
				g.AllReduce(c, buf(), buf(), 3+rank%2, dtypes.F32, collcomm.Sum)
			}
		},
		"ShortBuffer": func(g *Group) {
			for _, c := range comms {
				g.AllReduce(c, buf(), buf(), 5, dtypes.F32, collcomm.Sum)
			}
		},
		"NegativeCount": func(g *Group) {
			for _, c := range comms {
				g.AllReduce(c, buf(), buf(), -1, dtypes.F32, collcomm.Sum)
			}
		},
		"UnsupportedType": func(g *Group) {
			for _, c := range comms {
				g.AllReduce(c, buf(), buf(), 4, dtypes.Bool, collcomm.Sum)
			}
		},
		"BadRoot": func(g *Group) {
			for _, c := range comms {
				g.Broadcast(c, buf(), buf(), 4, dtypes.F32, 3)
			}
		},
		"MissingRootSend": func(g *Group) {
			for _, c := range comms {
				g.Broadcast(c, nil, buf(), 4, dtypes.F32, 1)
			}
		},
	}
	for name, fill := range cases {
		t.Run(name, func(t *testing.T) {
			var g Group
			fill(&g)
			_, err := g.Launch()
			require.Equal(t, status.InvalidArgument, status.CodeOf(err), "%v", err)
			for _, c := range comms {
				require.True(t, c.Stream().Query())
			}
		})
	}

	require.NoError(t, comms[2].Destroy())
	var g Group
	for _, c := range comms {
		g.AllReduce(c, buf(), buf(), 4, dtypes.F32, collcomm.Sum)
	}
	_, err := g.Launch()
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestFault(t *testing.T) {
	injected := errors.New("link reset")
	cfg := DefaultConfig()
	cfg.Fault = func(channel, rank int) error {
		if rank == 1 {
			return injected
		}
		return nil
	}
	for _, algo := range AllreduceAlgos {
		t.Run(algo, func(t *testing.T) {
			cfg.AllreduceAlgo = algo
			comms := setupClique(t, topology.FullyConnected(4, 1), []int{0, 1, 2, 3}, cfg)
			recvs := make([][]int32, len(comms))
			var g Group
			for rank, c := range comms {
				recvs[rank] = []int32{7, 7}
				g.AllReduce(c, collcomm.Bytes([]int32{1, 2}), collcomm.Bytes(recvs[rank]), 2,
					dtypes.S32, collcomm.Sum)
			}
			coll := must.M1(g.Launch())
			for _, c := range comms {
				err := c.Stream().Synchronize()
				require.Equal(t, status.CollectiveFailure, status.CodeOf(err))
				require.True(t, errors.Is(err, injected))
			}
			require.True(t, errors.Is(coll.Wait(), injected))
			for _, recv := range recvs {
				require.Equal(t, []int32{7, 7}, recv)
			}

			// The error is reported once per stream.
			require.NoError(t, synchronizeAll(comms))
		})
	}
}

func TestDestroyBusy(t *testing.T) {
	release := make(chan struct{})
	cfg := DefaultConfig()
	cfg.Fault = func(channel, rank int) error {
		<-release
		return nil
	}
	comms := setupClique(t, topology.FullyConnected(2, 1), []int{0, 1}, cfg)
	var g Group
	for _, c := range comms {
		g.AllReduce(c, make([]byte, 8), make([]byte, 8), 2, dtypes.F32, collcomm.Sum)
	}
	must.M1(g.Launch())

	err := comms[0].Destroy()
	require.Equal(t, status.Busy, status.CodeOf(err))
	require.False(t, comms[0].Destroyed())
	require.False(t, comms[0].Stream().Query())

	close(release)
	require.NoError(t, synchronizeAll(comms))
	for _, c := range comms {
		require.NoError(t, c.Destroy())
	}
}

func TestStreamOrder(t *testing.T) {
	comms := setupClique(t, topology.Ring(4, 1), []int{0, 1, 2, 3}, DefaultConfig())
	bufs := make([][]int32, len(comms))
	for rank := range bufs {
		bufs[rank] = []int32{int32(rank + 1)}
	}

	var colls []*Collective
	for i := 0; i < 3; i++ {
		var g Group
		for rank, c := range comms {
			buf := collcomm.Bytes(bufs[rank])
			g.AllReduce(c, buf, buf, 1, dtypes.S32, collcomm.Sum)
		}
		colls = append(colls, must.M1(g.Launch()))
	}
	require.NoError(t, synchronizeAll(comms))

	// 10, then 40, then 160.
	for _, buf := range bufs {
		require.Equal(t, []int32{160}, buf)
	}
	var total float64
	for _, coll := range colls {
		total += coll.Elapsed()
	}
	require.InDelta(t, total, comms[0].Stream().Elapsed(), 1e-12)
}

func TestZeroCount(t *testing.T) {
	comms := setupClique(t, topology.FullyConnected(2, 1), []int{0, 1}, DefaultConfig())
	var g Group
	for _, c := range comms {
		g.Broadcast(c, nil, nil, 0, dtypes.F32, 0)
	}
	coll := must.M1(g.Launch())
	require.NoError(t, coll.Wait())
	require.Equal(t, 0.0, coll.Elapsed())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(AllreduceAlgoEnv, "stream")
	t.Setenv(GranularityEnv, "4")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "stream", cfg.AllreduceAlgo)
	require.Equal(t, "chain", cfg.BroadcastAlgo)
	require.Equal(t, 4, cfg.Granularity)

	t.Setenv(BroadcastAlgoEnv, "carrier-pigeon")
	_, err = ConfigFromEnv()
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))

	t.Setenv(BroadcastAlgoEnv, "")
	t.Setenv(GranularityEnv, "many")
	_, err = ConfigFromEnv()
	require.Equal(t, status.InvalidArgument, status.CodeOf(err))
}
