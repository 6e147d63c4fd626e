// Command tetrad runs a local training cluster: it spawns one goroutine
// per rank of the configured 4D topology, wires them over an in-process
// fabric, and trains until the configured stopping point.
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"sync"
	"time"

	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"

	"github.com/tinyscale/tetrad/config"
	"github.com/tinyscale/tetrad/memnet"
	"github.com/tinyscale/tetrad/train"
)

var configPath = flag.String("config", "", "Path to the JSON run configuration. Empty uses the defaults.")
var totalTrainSteps = flag.Int("steps", -1, "Override for the number of training steps, -1 keeps the configured value.")
var schedule = flag.String("schedule", "", "Override for the pipeline schedule (afab or 1f1b).")
var pprofAddr = flag.String("pprof-addr", "localhost:6060", "Address of the pprof server, empty disables it.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	atexit.Register(klog.Flush)

	if *pprofAddr != "" {
		go func() {
			fmt.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fail(err)
		}
	}
	if *totalTrainSteps != -1 {
		cfg.TotalTrainSteps = *totalTrainSteps
	}
	if *schedule != "" {
		cfg.PipelineSchedule = *schedule
	}

	world := cfg.TensorSize * cfg.ContextSize * cfg.PipelineSize * cfg.DataSize
	if err := cfg.Validate(world); err != nil {
		fail(err)
	}
	if cfg.UseWandb {
		klog.Info("use_wandb is set; metrics upload is not supported, logging locally only")
	}
	klog.Infof("starting %d ranks: tp=%d cp=%d pp=%d dp=%d schedule=%s",
		world, cfg.TensorSize, cfg.ContextSize, cfg.PipelineSize, cfg.DataSize,
		cfg.PipelineSchedule)

	fabric := memnet.NewFabric(world)
	errs := make([]error, world)
	start := time.Now()

	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			topo, err := cfg.Topology(rank, world)
			if err != nil {
				errs[rank] = err
				return
			}
			trainer, err := train.New(cfg, topo, fabric.Endpoint(rank))
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = trainer.Run()
		}(r)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			klog.Errorf("rank %d failed: %v", rank, err)
			atexit.Exit(1)
		}
	}
	fmt.Printf("Training time: %s\n", time.Since(start))
	atexit.Exit(0)
}

func fail(err error) {
	klog.Errorf("%v", err)
	atexit.Exit(1)
}
