package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"mn5ddp/internal/bench"
)

var (
	flagDevice     = flag.String("device", bench.DeviceAuto, "Device: auto, cpu, cuda or mps")
	flagMatmulSize = flag.Int("matmul_size", 1024, "Matrix size for the matmul benchmark")
	flagVectorSize = flag.Int("vector_size", 10_000_000, "Number of float64 elements for the vector add benchmark")
	flagOut        = flag.String("out", "benchmark_results.json", "Output JSON file")
	flagProgress   = flag.Bool("progress", true, "Show a progress bar")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	opts := bench.Options{
		Device:     *flagDevice,
		MatmulSize: *flagMatmulSize,
		VectorSize: *flagVectorSize,
	}
	if *flagProgress {
		opts.Progress = os.Stderr
	}
	res := must.M1(bench.Run(context.Background(), opts))
	must.M(bench.WriteResult(*flagOut, res))
	fmt.Printf("\nResults saved to %s\n", *flagOut)
	klog.Flush()
}
