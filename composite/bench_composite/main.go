// Command bench_composite measures how much virtual time
// composite collectives take as helper groups are added.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/comm"
	"github.com/unixpickle/blinkplus/composite"
	"github.com/unixpickle/blinkplus/topology"
)

func main() {
	var (
		fabricNames []string
		numDevices  int
		sizes       []int
		kind        string
	)
	root := &cobra.Command{
		Use:   "bench_composite",
		Short: "Print a markdown table of composite collective timings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := comm.ConfigFromEnv()
			if err != nil {
				return err
			}
			return benchHelpers(fabricNames, numDevices, sizes, kind, cfg)
		},
	}
	root.Flags().StringSliceVar(&fabricNames, "fabric", []string{"dgx1", "full", "ring"},
		"fabric presets to measure (dgx1, full, ring, host)")
	root.Flags().IntVar(&numDevices, "devices", 8, "number of devices")
	root.Flags().IntSliceVar(&sizes, "size", []int{1 << 10, 1 << 20, 1 << 26}, "float32 elements per collective")
	root.Flags().StringVar(&kind, "op", "allreduce", "collective to measure (allreduce or broadcast)")

	var (
		algoFabrics []string
		algoDevices int
		algoSizes   []int
	)
	algos := &cobra.Command{
		Use:   "algos",
		Short: "Compare the allreduce algorithms without helper groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return benchAlgorithms(algoFabrics, algoDevices, algoSizes)
		},
	}
	algos.Flags().StringSliceVar(&algoFabrics, "fabric", []string{"dgx1", "ring"}, "fabric presets to measure")
	algos.Flags().IntVar(&algoDevices, "devices", 8, "number of devices")
	algos.Flags().IntSliceVar(&algoSizes, "size", []int{10, 10000, 10000000}, "float32 elements per collective")
	root.AddCommand(algos)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func benchHelpers(fabricNames []string, numDevices int, sizes []int, kind string, cfg comm.Config) error {
	maxHelpers := 0
	for _, name := range fabricNames {
		fabric, devices, err := presetDevices(name, numDevices)
		if err != nil {
			return err
		}
		maxHelpers = max(maxHelpers, must.M1(composite.GetHelperCount(fabric, devices)))
	}

	// Markdown table header.
	fmt.Print("| Fabric | Size ")
	for h := 0; h <= maxHelpers; h++ {
		fmt.Printf("| Helpers=%d ", h)
	}
	fmt.Println("|")
	for i := 0; i < 2+maxHelpers+1; i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, name := range fabricNames {
		for _, size := range sizes {
			fabric, devices, _ := presetDevices(name, numDevices)
			helpers := must.M1(composite.GetHelperCount(fabric, devices))
			fmt.Printf("| %s | %s ", name, humanize.Bytes(uint64(size*4)))
			for h := 0; h <= maxHelpers; h++ {
				if h > helpers {
					fmt.Print("| - ")
					continue
				}
				elapsed, err := runCollective(fabric, devices, h, size, kind, cfg)
				if err != nil {
					return err
				}
				fmt.Printf("| %s (%s) ", humanize.SIWithDigits(elapsed, 2, "s"),
					humanize.SIWithDigits(float64(size*4)/elapsed, 2, "B/s"))
			}
			fmt.Println("|")
		}
	}
	return nil
}

func benchAlgorithms(fabricNames []string, numDevices int, sizes []int) error {
	// Markdown table header.
	fmt.Print("| Fabric | Size ")
	for _, algo := range comm.AllreduceAlgos {
		fmt.Printf("| %s ", algo)
	}
	fmt.Println("|")
	for i := 0; i < 2+len(comm.AllreduceAlgos); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, name := range fabricNames {
		for _, size := range sizes {
			fmt.Printf("| %s | %s ", name, humanize.Bytes(uint64(size*4)))
			for _, algo := range comm.AllreduceAlgos {
				fabric, devices, err := presetDevices(name, numDevices)
				if err != nil {
					return err
				}
				cfg := comm.DefaultConfig()
				cfg.AllreduceAlgo = algo
				elapsed, err := runCollective(fabric, devices, 0, size, "allreduce", cfg)
				if err != nil {
					return err
				}
				fmt.Printf("| %f ", elapsed)
			}
			fmt.Println("|")
		}
	}
	return nil
}

func presetDevices(name string, numDevices int) (*topology.Fabric, []int, error) {
	fabric, ok := topology.Preset(name, numDevices)
	if !ok {
		return nil, nil, errors.Errorf("unknown fabric %q", name)
	}
	devices := make([]int, min(numDevices, fabric.NumDevices()))
	for i := range devices {
		devices[i] = i
	}
	return fabric, devices, nil
}

// runCollective times one collective of size float32
// elements and returns its virtual duration.
func runCollective(fabric *topology.Fabric, devices []int, helpers, size int, kind string,
	cfg comm.Config) (float64, error) {
	c, err := composite.CommInitAll(fabric, devices, helpers, cfg)
	if err != nil {
		return 0, err
	}
	defer c.Destroy()

	plan, err := c.Plan(size)
	if err != nil {
		return 0, err
	}
	raw := make([][]byte, len(devices))
	for i := range raw {
		raw[i] = make([]byte, size*4)
	}
	bufs, err := composite.SplitBuffers(plan, 4, raw)
	if err != nil {
		return 0, err
	}

	switch kind {
	case "allreduce":
		err = c.AllReduce(nil, bufs, bufs, size, dtypes.F32, collcomm.Sum)
	case "broadcast":
		err = c.Broadcast(nil, bufs, bufs, size, dtypes.F32, devices[0])
	default:
		err = errors.Errorf("unknown collective %q", kind)
	}
	if err != nil {
		return 0, err
	}
	if err := c.StreamSynchronize(); err != nil {
		return 0, err
	}
	return c.Elapsed(), nil
}
