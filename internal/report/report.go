// Package report 把多份基准测试结果画成并排的柱状图.
package report

import (
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"

	"mn5ddp/internal/bench"
	"mn5ddp/pkg/atomicfile"
	"mn5ddp/pkg/model"
)

// ErrNoData 没有任何可用的结果文件
var ErrNoData = errors.New("no benchmark data found")

// Series 一个结果文件和它在图上的名字
type Series struct {
	Label string
	Path  string
}

// ParseSeries 接受 "Label=path" 或者只有 path (名字取文件名)
func ParseSeries(arg string) Series {
	if label, path, ok := strings.Cut(arg, "="); ok && label != "" {
		return Series{Label: label, Path: path}
	}
	base := filepath.Base(arg)
	return Series{Label: strings.TrimSuffix(base, filepath.Ext(base)), Path: arg}
}

// DefaultSeries 本地 Mac 和 MN5 的四组结果
func DefaultSeries() []Series {
	return []Series{
		{Label: "Local Mac (MPS)", Path: "benchmarks/local_mps_results.json"},
		{Label: "Local Mac (CPU)", Path: "benchmarks/local_cpu_results.json"},
		{Label: "MN5 CPU (GPP)", Path: "benchmarks/mn5_cpu_results.json"},
		{Label: "MN5 GPU (H100)", Path: "benchmarks/mn5_gpu_results.json"},
	}
}

// Entry 一个已加载的结果
type Entry struct {
	Label  string
	Result *model.BenchmarkResult
}

// Load 按顺序读取, 不存在的文件只警告并跳过
func Load(series []Series) ([]Entry, error) {
	var entries []Entry
	for _, s := range series {
		res, err := bench.ReadResult(s.Path)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				klog.Warningf("[Report] Warning: %s not found.", s.Path)
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{Label: s.Label, Result: res})
	}
	if len(entries) == 0 {
		return nil, ErrNoData
	}
	return entries, nil
}

// Values 两张图的数据, 缺失的测试记为 0
func Values(entries []Entry) (labels []string, tflops, bandwidth []float64) {
	for _, e := range entries {
		labels = append(labels, e.Label)
		var t, b float64
		if e.Result.Matmul != nil {
			t = e.Result.Matmul.TFLOPS
		}
		if e.Result.Bandwidth != nil {
			b = e.Result.Bandwidth.BandwidthGBs
		}
		tflops = append(tflops, t)
		bandwidth = append(bandwidth, b)
	}
	return
}

var palette = []color.Color{
	color.RGBA{R: 135, G: 206, B: 235, A: 255}, // skyblue
	color.RGBA{R: 144, G: 238, B: 144, A: 255}, // lightgreen
	color.RGBA{R: 255, G: 165, B: 0, A: 255},   // orange
	color.RGBA{R: 255, A: 255},                 // red
}

// barPlot 每个柱子单独一个 BarChart, 这样可以各自上色
func barPlot(title, yLabel string, labels []string, values []float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = yLabel
	p.Y.Min = 0

	grid := plotter.NewGrid()
	grid.Vertical.Color = nil
	grid.Horizontal.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(grid)

	for i, v := range values {
		bar, err := plotter.NewBarChart(plotter.Values{v}, vg.Points(40))
		if err != nil {
			return nil, errors.Wrapf(err, "bar for %s", labels[i])
		}
		bar.XMin = float64(i)
		bar.Color = palette[i%len(palette)]
		bar.LineStyle.Width = 0
		p.Add(bar)
	}
	p.NominalX(labels...)
	return p, nil
}

// Render 把 TFLOPS 和带宽两张图并排画到 w, PNG 格式
func Render(entries []Entry, w io.Writer) error {
	if len(entries) == 0 {
		return ErrNoData
	}
	labels, tflops, bandwidth := Values(entries)
	left, err := barPlot("Compute Performance (TFLOPS)", "TFLOPS (Higher is Better)", labels, tflops)
	if err != nil {
		return err
	}
	right, err := barPlot("Memory Bandwidth", "GB/s (Higher is Better)", labels, bandwidth)
	if err != nil {
		return err
	}

	img := vgimg.New(12*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: 1, Cols: 2,
		PadX: vg.Millimeter * 5, PadY: vg.Millimeter * 5,
		PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2,
		PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 2,
	}
	canvases := plot.Align([][]*plot.Plot{{left, right}}, tiles, dc)
	left.Draw(canvases[0][0])
	right.Draw(canvases[0][1])

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return errors.Wrap(err, "encoding png")
	}
	return nil
}

// Plot 加载 series 并原子地写出 PNG
func Plot(series []Series, out string) error {
	entries, err := Load(series)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(out, func(w io.Writer) error { return Render(entries, w) }); err != nil {
		return errors.Wrapf(err, "saving plot %s", out)
	}
	klog.Infof("[Report] Plot saved to %s", out)
	return nil
}
