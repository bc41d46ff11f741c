// Command regiongc runs a synthetic allocation workload against the
// region-based heap and reports the collector's counters.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/regiongc/internal/cli"
	"github.com/orizon-lang/regiongc/internal/config"
	"github.com/orizon-lang/regiongc/internal/runtime/gc"
	"github.com/orizon-lang/regiongc/internal/runtime/netstack"
	"github.com/orizon-lang/regiongc/internal/runtime/telemetry"
)

func main() {
	var (
		showVersion bool
		jsonOutput  bool
		configFile  string
		watch       bool
		metricsAddr string
		metricsH3   string
		metricsCert string
		metricsKey  string
		mutators    int
		duration    time.Duration
		liveSet     int
		seed        int64
	)

	cfg := config.Default()

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "print the final statistics as JSON")
	flag.StringVar(&configFile, "config", "", "heap configuration file")
	flag.BoolVar(&watch, "watch", false, "reload manageable options when the configuration file changes")
	flag.StringVar(&metricsAddr, "metrics", "", "serve metrics over HTTP on this address")
	flag.StringVar(&metricsH3, "metrics-h3", "", "serve metrics over HTTP/3 on this UDP address")
	flag.StringVar(&metricsCert, "metrics-cert", "", "PEM certificate for the metrics endpoints")
	flag.StringVar(&metricsKey, "metrics-key", "", "PEM key for --metrics-cert")
	flag.IntVar(&mutators, "mutators", 4, "number of allocating goroutines")
	flag.DurationVar(&duration, "duration", 10*time.Second, "how long to run the workload")
	flag.IntVar(&liveSet, "live", 4096, "objects each mutator keeps reachable")
	flag.Int64Var(&seed, "seed", 1, "workload random seed")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs an allocation workload on a region-based heap.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --max-heap 512m --duration 30s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config heap.json --watch --metrics :9090\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --metrics-h3 :9443 --metrics-cert gc.crt --metrics-key gc.key\n", os.Args[0])
	}

	// The configuration file is read before the remaining flags are applied
	// so that flags override it.
	if path := preScanConfig(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			cli.ExitWithError("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if showVersion {
		cli.PrintVersion("regiongc", jsonOutput)
		return
	}
	if mutators <= 0 {
		cli.ExitWithError("--mutators must be positive")
	}

	log := cli.NewLevelLogger(os.Stderr, cli.ParseLevel(cfg.LogLevel))
	h, err := gc.NewHeap(gc.Options{
		Config: cfg,
		Logger: log,
		FatalHandler: func(err error) {
			cli.ExitWithCode(3, "fatal heap error: %v", err)
		},
	})
	if err != nil {
		cli.ExitWithError("Failed to create heap: %v", err)
	}
	defer h.Close()

	if watch {
		if configFile == "" {
			cli.ExitWithError("--watch needs --config")
		}
		w, err := config.NewWatcher(configFile, h.Config(), func(next *config.HeapConfig) {
			if err := h.UpdateConfig(*next); err != nil {
				log.Warn("config reload rejected: %v", err)
				return
			}
			log.SetLevel(cli.ParseLevel(next.LogLevel))
			log.Info("configuration reloaded from %s", configFile)
		})
		if err != nil {
			cli.ExitWithError("Failed to watch config: %v", err)
		}
		defer w.Close()
		go func() {
			for err := range w.Errors() {
				log.Warn("config watch: %v", err)
			}
		}()
	}

	if metricsAddr != "" || metricsH3 != "" {
		tlsCfg, err := metricsTLS(metricsCert, metricsKey)
		if err != nil {
			cli.ExitWithError("Failed to load metrics certificate: %v", err)
		}
		exp := telemetry.NewExporter()
		exp.RegisterHeap("regiongc_heap", h)
		srv, err := telemetry.Start(exp, telemetry.ServerOptions{Addr: metricsAddr, H3Addr: metricsH3, TLS: tlsCfg, Logger: log})
		if err != nil {
			cli.ExitWithError("Failed to start metrics server: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < mutators; i++ {
		rng := rand.New(rand.NewSource(seed + int64(i)))
		g.Go(func() error { return runMutator(gctx, h, rng, liveSet) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cli.ExitWithError("Workload failed: %v", err)
	}

	vctx, vcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer vcancel()
	if err := h.Verify(vctx); err != nil {
		cli.ExitWithError("Heap verification failed: %v", err)
	}

	st := h.Stats()
	if jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return
	}
	printStats(st)
}

// metricsTLS loads the endpoint certificate. Without one, HTTP is served in
// the clear and HTTP/3 falls back to a self-signed certificate.
func metricsTLS(certFile, keyFile string) (*tls.Config, error) {
	switch {
	case certFile == "" && keyFile == "":
		return nil, nil
	case certFile == "" || keyFile == "":
		return nil, errors.New("--metrics-cert and --metrics-key go together")
	}
	return netstack.LoadServerTLS(certFile, keyFile)
}

// preScanConfig finds the value of -config before the full flag set exists
func preScanConfig(args []string) string {
	for i, a := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func printStats(st gc.Stats) {
	fmt.Printf("collections:   %d (young %d, mixed %d, full %d)\n",
		st.TotalCollections, st.YoungCollections, st.MixedCollections, st.FullCollections)
	fmt.Printf("marking:       %d started, %d completed, %d aborted\n",
		st.ConcurrentCyclesStarted, st.ConcurrentCyclesCompleted, st.ConcurrentCyclesAborted)
	fmt.Printf("humongous:     %d reclaimed\n", st.HumongousReclaimed)
	fmt.Printf("evac failures: %d\n", st.EvacuationFailures)
	fmt.Printf("allocated:     %s\n", cli.FormatBytes(st.AllocatedBytes))
	fmt.Printf("used:          %s of %s committed (max %s)\n",
		cli.FormatBytes(st.UsedBytes), cli.FormatBytes(st.CommittedBytes), cli.FormatBytes(st.MaxBytes))
	fmt.Printf("regions:       %d eden, %d survivor, %d old, %d humongous, %d free\n",
		st.Regions.Eden, st.Regions.Survivor, st.Regions.Old, st.Regions.Humongous(), st.Regions.Free)
	fmt.Printf("pause time:    %v total, last %.2fms (%s, %s)\n",
		st.TotalPauseTime, st.LastPause.TotalMs, st.LastPause.Kind, st.LastPause.Cause)
}
