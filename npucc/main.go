package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/codegen"
	"github.com/sarchlab/npucc/costmodel"
	"github.com/sarchlab/npucc/estimate"
	"github.com/sarchlab/npucc/group"
	"github.com/sarchlab/npucc/pipeline"
	"github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"
)

var modelDir = flag.String("model-dir", "./",
	"The directory where the graph files are located.")
var modelFile = flag.String("model-file", "",
	"The file to write the compiled model binary to, empty to keep it in memory.")
var weightMapFile = flag.String("weight-map-file", "weight_map.csv",
	"The file to write the weight-map CSV to, empty to skip.")
var dynamic = flag.Bool("dynamic", false,
	"Compile dynamic-shaped operations into their own subnets.")
var opt = flag.Int("opt", 2,
	"The layer grouping policy. 1: greedy, 2: optimal.")
var reuseAddr = flag.Bool("reuse-addr", true,
	"Let tensors with disjoint live ranges share global addresses.")
var mergeWeight = flag.Bool("merge-weight", false,
	"Lay weights feeding the same operation out contiguously.")
var compressWeight = flag.Bool("compress-weight", true,
	"Persist weights compressed when that saves space.")
var quantInput = flag.Bool("quant-input", false,
	"Record that input boundary quantization was stripped upstream.")
var quantOutput = flag.Bool("quant-output", false,
	"Record that output boundary quantization was stripped upstream.")
var localMem = flag.Int("local-mem", 22,
	"The local memory capacity of the device, (1 << local-mem) bytes.")
var globalMem = flag.Int("global-mem", 32,
	"The global memory capacity of the device, (1 << global-mem) bytes.")
var estimateTime = flag.Bool("estimate", false,
	"Replay the compiled programs to predict execution time.")
var verbose = flag.Bool("verbose", false, "Enable debug logging.")

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// Server for pprof
	go func() {
		fmt.Println(http.ListenAndServe("localhost:6060", nil))
	}()

	g := loadGraph()
	cfg := buildConfig()

	start := time.Now()
	compiled, err := pipeline.NewCompiler(cfg).Compile(g)
	if err != nil {
		logrus.WithError(err).Error("compilation failed")
		atexit.Exit(1)
	}
	elapsed := time.Since(start)
	fmt.Printf("Compilation time: %s\n", elapsed)

	reportStats(g, compiled)
	writeModel(compiled)
	writeWeightMap(compiled)

	if *estimateTime {
		reportEstimate(g, compiled, cfg.Hardware)
	}
	atexit.Exit(0)
}

func loadGraph() *npucc.Graph {
	loader := npucc.GraphLoader{
		Dir: *modelDir,
	}

	g, err := loader.Load()
	if err != nil {
		logrus.WithError(err).Error("cannot load graph")
		atexit.Exit(1)
	}

	return g
}

func buildConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()

	hw := npucc.DefaultHardware()
	hw.LocalMemBytes = 1 << *localMem
	hw.GlobalMemBytes = 1 << *globalMem

	cfg.Hardware = hw
	cfg.Dynamic = *dynamic
	cfg.Policy = group.Policy(*opt)
	cfg.ReuseAddr = *reuseAddr
	cfg.MergeWeight = *mergeWeight
	cfg.CompressWeight = *compressWeight
	cfg.QuantInput = *quantInput
	cfg.QuantOutput = *quantOutput

	return cfg
}

func reportStats(g *npucc.Graph, compiled *pipeline.Compiled) {
	groups := 0
	traffic := 0.0
	for _, grouping := range compiled.Groupings {
		groups += len(grouping.Groups)
		traffic += grouping.TrafficCost
	}

	fmt.Printf("Ops %d, subnets %d, groups %d\n",
		len(g.Ops), len(compiled.Subnets), groups)
	fmt.Printf("Boundary traffic cost %.0f, global bytes %d\n",
		traffic, compiled.Artifact.GlobalBytes)
}

func writeModel(compiled *pipeline.Compiled) {
	if *modelFile == "" {
		return
	}

	f, err := os.Create(*modelFile)
	if err != nil {
		logrus.WithError(err).Error("cannot create model file")
		atexit.Exit(1)
	}
	defer func() {
		err := f.Close()
		if err != nil {
			panic(err)
		}
	}()

	err = compiled.Artifact.Encode(f)
	if err != nil {
		logrus.WithError(err).Error("cannot write model file")
		atexit.Exit(1)
	}

	fmt.Printf("Model written to %s, %d programs, %d global bytes\n",
		*modelFile, len(compiled.Artifact.Programs),
		compiled.Artifact.GlobalBytes)
}

func writeWeightMap(compiled *pipeline.Compiled) {
	if *weightMapFile == "" {
		return
	}

	f, err := os.Create(*weightMapFile)
	if err != nil {
		logrus.WithError(err).Error("cannot create weight-map file")
		atexit.Exit(1)
	}
	defer func() {
		err := f.Close()
		if err != nil {
			panic(err)
		}
	}()

	err = codegen.WriteWeightMap(f, compiled.WeightMap)
	if err != nil {
		logrus.WithError(err).Error("cannot write weight-map file")
		atexit.Exit(1)
	}
}

func reportEstimate(
	g *npucc.Graph,
	compiled *pipeline.Compiled,
	hw npucc.Hardware,
) {
	report, err := estimate.Run(g, compiled.Artifact.Programs, hw,
		&costmodel.RecordedCycleEstimator{})
	if err != nil {
		logrus.WithError(err).Error("estimation failed")
		atexit.Exit(1)
	}

	for _, sn := range compiled.Subnets {
		fmt.Printf("Subnet %d estimated time ms, %.10f\n",
			sn.ID, report.SubnetTimeInSec[sn.ID]*1000)
	}
	fmt.Printf("Estimated execution time ms, %.10f\n",
		report.TotalTimeInSec*1000)
}
