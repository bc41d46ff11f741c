package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// byteSize is a flag.Value accepting plain byte counts or K/M/G suffixes
type byteSize struct{ p *uint64 }

func (b byteSize) String() string {
	if b.p == nil {
		return "0"
	}
	return strconv.FormatUint(*b.p, 10)
}

func (b byteSize) Set(s string) error {
	v, err := ParseSize(s)
	if err != nil {
		return err
	}
	*b.p = v
	return nil
}

// ParseSize parses "64M", "1g", "4096" and similar into bytes
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = KB
	case 'm', 'M':
		mult = MB
	case 'g', 'G':
		mult = GB
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v * mult, nil
}

// RegisterFlags binds the commonly tuned options to fs. Values parsed later
// override whatever the configuration file set.
func (c *HeapConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(byteSize{&c.RegionSize}, "region-size", "region size (power of two, 0 = ergonomic)")
	fs.Var(byteSize{&c.InitialHeapSize}, "initial-heap", "initial committed heap size")
	fs.Var(byteSize{&c.MaxHeapSize}, "max-heap", "maximum heap size")
	fs.Float64Var(&c.PauseTimeGoalMs, "pause-goal-ms", c.PauseTimeGoalMs, "pause time goal in milliseconds")
	fs.IntVar(&c.ParallelGCThreads, "parallel-gc-threads", c.ParallelGCThreads, "evacuation worker count (0 = ergonomic)")
	fs.IntVar(&c.ConcGCThreads, "conc-gc-threads", c.ConcGCThreads, "concurrent marking worker count (0 = ergonomic)")
	fs.IntVar(&c.ConcRefinementThreads, "conc-refinement-threads", c.ConcRefinementThreads, "refinement goroutines (0 = ergonomic)")
	fs.IntVar(&c.InitiatingHeapOccupancyPercent, "ihop", c.InitiatingHeapOccupancyPercent, "old occupancy percent that starts a marking cycle")
	fs.BoolVar(&c.EagerReclaimHumongous, "eager-reclaim-humongous", c.EagerReclaimHumongous, "reclaim dead humongous objects at every pause")
	fs.IntVar(&c.MaxTenuringThreshold, "max-tenuring", c.MaxTenuringThreshold, "survivor age at which objects are promoted")
	fs.BoolVar(&c.ExplicitGCInvokesConcurrent, "explicit-gc-concurrent", c.ExplicitGCInvokesConcurrent, "explicit collections start a marking cycle instead of a full GC")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error, off")
}

// Options lists the JSON names of every option, in declaration order
func Options() []string {
	return optionNames()
}

// Get returns the value of the named option formatted as a string
func (c *HeapConfig) Get(name string) (string, error) {
	v, ok := c.fields()[name]
	if !ok {
		return "", fmt.Errorf("unknown option %q", name)
	}
	return v.get(), nil
}

// Set parses value into the named option
func (c *HeapConfig) Set(name, value string) error {
	v, ok := c.fields()[name]
	if !ok {
		return fmt.Errorf("unknown option %q", name)
	}
	return v.set(value)
}
