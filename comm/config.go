package comm

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/collcomm/allreduce"
	"github.com/unixpickle/blinkplus/collcomm/broadcast"
	"github.com/unixpickle/blinkplus/status"
)

// Environment variables read by ConfigFromEnv.
const (
	AllreduceAlgoEnv = "BLINKPLUS_ALLREDUCE_ALGO"
	BroadcastAlgoEnv = "BLINKPLUS_BCAST_ALGO"
	GranularityEnv   = "BLINKPLUS_GRANULARITY"
)

// Names of the supported algorithms.
var (
	AllreduceAlgos = []string{"tree", "stream", "naive"}
	BroadcastAlgos = []string{"chain", "tree", "naive"}
)

// Config controls how communicators run collectives.
type Config struct {
	// AllreduceAlgo names the allreduce algorithm, one of
	// AllreduceAlgos.
	AllreduceAlgo string

	// BroadcastAlgo names the broadcast algorithm, one of
	// BroadcastAlgos.
	BroadcastAlgo string

	// Granularity is the number of chunks per device that
	// pipelined algorithms split data into.
	Granularity int

	// Latency is the virtual time added to every message.
	Latency float64

	// Fault, if set, is called by every rank of every
	// collective before it starts. A non-nil error makes
	// that rank abandon the collective.
	Fault func(channel, rank int) error
}

// DefaultConfig returns the configuration used when none
// is given.
func DefaultConfig() Config {
	return Config{
		AllreduceAlgo: "tree",
		BroadcastAlgo: "chain",
		Granularity:   1,
		Latency:       1e-6,
	}
}

// ConfigFromEnv returns DefaultConfig with overrides from
// the environment.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv(AllreduceAlgoEnv); v != "" {
		cfg.AllreduceAlgo = v
	}
	if v := os.Getenv(BroadcastAlgoEnv); v != "" {
		cfg.BroadcastAlgo = v
	}
	if v := os.Getenv(GranularityEnv); v != "" {
		g, err := strconv.Atoi(v)
		if err != nil {
			return cfg, status.Wrapf(status.InvalidArgument, err, "parse %s", GranularityEnv)
		}
		cfg.Granularity = g
	}
	return cfg, cfg.Validate()
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	if _, err := c.allreducer(); err != nil {
		return err
	}
	if _, err := c.broadcaster(); err != nil {
		return err
	}
	if c.Granularity < 0 {
		return status.Errorf(status.InvalidArgument, "negative granularity %d", c.Granularity)
	}
	if c.Latency < 0 {
		return status.Errorf(status.InvalidArgument, "negative latency %g", c.Latency)
	}
	return nil
}

func (c Config) allreducer() (allreduce.Allreducer, error) {
	switch c.AllreduceAlgo {
	case "tree":
		return allreduce.TreeAllreducer{}, nil
	case "stream":
		return allreduce.StreamAllreducer{Granularity: c.Granularity}, nil
	case "naive":
		return allreduce.NaiveAllreducer{}, nil
	}
	return nil, status.New(status.InvalidArgument,
		errors.Errorf("unknown allreduce algorithm %q (expected one of %v)", c.AllreduceAlgo, AllreduceAlgos))
}

func (c Config) broadcaster() (broadcast.Broadcaster, error) {
	switch c.BroadcastAlgo {
	case "chain":
		return broadcast.ChainBroadcaster{Granularity: c.Granularity}, nil
	case "tree":
		return broadcast.TreeBroadcaster{}, nil
	case "naive":
		return broadcast.NaiveBroadcaster{}, nil
	}
	return nil, status.New(status.InvalidArgument,
		errors.Errorf("unknown broadcast algorithm %q (expected one of %v)", c.BroadcastAlgo, BroadcastAlgos))
}
