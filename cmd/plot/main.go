package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/internal/report"
)

var flagOut = flag.String("out", "benchmark_comparison.png", "Output PNG file")

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-out file.png] [Label=]result.json ...\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Without arguments the four standard result files under benchmarks/ are used.")
		flag.PrintDefaults()
	}
	flag.Parse()

	series := report.DefaultSeries()
	if flag.NArg() > 0 {
		series = series[:0]
		for _, arg := range flag.Args() {
			series = append(series, report.ParseSeries(arg))
		}
	}

	err := report.Plot(series, *flagOut)
	if errors.Is(err, report.ErrNoData) {
		fmt.Println("No data found!")
		os.Exit(1)
	}
	must.M(err)
	fmt.Printf("Plot saved to %s\n", *flagOut)
	klog.Flush()
}
