// Package bench 测量本机的矩阵乘法吞吐和内存带宽, 结果写成 JSON 供绘图比较.
package bench

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/atomicfile"
	"mn5ddp/pkg/model"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"

	MatmulWarmup     = 2
	MatmulIterations = 5
	VectorWarmup     = 1
	VectorIterations = 10

	// bytesPerElement float64
	bytesPerElement = 8
)

// Options 零值字段使用默认值
type Options struct {
	Device     string
	MatmulSize int // 默认 1024
	VectorSize int // 默认 10_000_000 个元素
	Seed       uint64
	// Progress 不为 nil 时显示进度条
	Progress io.Writer
}

func (o *Options) defaults() {
	if o.Device == "" {
		o.Device = DeviceAuto
	}
	if o.MatmulSize == 0 {
		o.MatmulSize = 1024
	}
	if o.VectorSize == 0 {
		o.VectorSize = 10_000_000
	}
}

// ResolveDevice auto 在这个构建里总是 cpu, 加速器只能显式指定
func ResolveDevice(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", DeviceAuto, DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA, DeviceMPS:
		return strings.ToLower(name), nil
	default:
		return "", errors.Errorf("unknown device %q: want auto, cpu, cuda or mps", name)
	}
}

// available 只有 cpu 可以测
func available(device string) bool { return device == DeviceCPU }

// Run 跑完所有测试, 不可用的设备对应字段为 nil
func Run(ctx context.Context, opts Options) (*model.BenchmarkResult, error) {
	opts.defaults()
	if opts.MatmulSize < 1 || opts.VectorSize < 1 {
		return nil, errors.Errorf("sizes must be positive, got matmul %d, vector %d", opts.MatmulSize, opts.VectorSize)
	}
	device, err := ResolveDevice(opts.Device)
	if err != nil {
		return nil, err
	}
	klog.Infof("[Bench] Target Device: %s", device)

	res := &model.BenchmarkResult{
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		Device:     device,
		SystemInfo: SystemInfo(),
		DeviceName: DeviceName(device),
	}
	if !available(device) {
		klog.Warningf("[Bench] %s not available in this build, skipping.", strings.ToUpper(device))
		return res, nil
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	if res.Matmul, err = Matmul(ctx, opts.MatmulSize, rng, opts.Progress); err != nil {
		return nil, err
	}
	if res.Bandwidth, err = VectorAdd(ctx, opts.VectorSize, rng, opts.Progress); err != nil {
		return nil, err
	}
	return res, nil
}

func newBar(w io.Writer, n int, desc string) *progressbar.ProgressBar {
	if w == nil {
		return nil
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
}

func advance(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Add(1)
	}
}

func randomDense(n int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(n, n, data)
}

// Matmul n x n 的矩阵乘法. TFLOPS = 2n^3 / t / 1e12
func Matmul(ctx context.Context, n int, rng *rand.Rand, progress io.Writer) (*model.MatmulResult, error) {
	klog.Infof("[Bench] Benchmarking Matrix Multiplication (%dx%d) on cpu", n, n)
	a, b := randomDense(n, rng), randomDense(n, rng)
	var c mat.Dense

	bar := newBar(progress, MatmulWarmup+MatmulIterations, "matmul")
	for i := 0; i < MatmulWarmup; i++ {
		c.Mul(a, b)
		advance(bar)
	}
	var elapsed time.Duration
	for i := 0; i < MatmulIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		c.Mul(a, b)
		elapsed += time.Since(start)
		advance(bar)
	}

	avg := max(elapsed.Seconds()/MatmulIterations, time.Nanosecond.Seconds())
	ops := 2 * float64(n) * float64(n) * float64(n)
	res := &model.MatmulResult{Size: n, AvgTimeSeconds: avg, TFLOPS: ops / avg / 1e12}
	klog.Infof("[Bench] Average Time: %.4f s, Performance: %.4f TFLOPS", res.AvgTimeSeconds, res.TFLOPS)
	return res, nil
}

// VectorAdd c = a + b, 读 a, 读 b, 写 c. GB/s = 3 * n * 8 / t / 1e9
func VectorAdd(ctx context.Context, n int, rng *rand.Rand, progress io.Writer) (*model.BandwidthResult, error) {
	klog.Infof("[Bench] Benchmarking Memory Bandwidth (Vector Add, %s elems, %s) on cpu",
		humanize.Comma(int64(n)), humanize.Bytes(uint64(3*n*bytesPerElement)))
	a, b, c := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := range a {
		a[i], b[i] = rng.NormFloat64(), rng.NormFloat64()
	}

	bar := newBar(progress, VectorWarmup+VectorIterations, "vector add")
	for i := 0; i < VectorWarmup; i++ {
		floats.AddTo(c, a, b)
		advance(bar)
	}
	var elapsed time.Duration
	for i := 0; i < VectorIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		floats.AddTo(c, a, b)
		elapsed += time.Since(start)
		advance(bar)
	}

	// 计时器精度不够时避免除零
	avg := max(elapsed.Seconds()/VectorIterations, time.Nanosecond.Seconds())
	res := &model.BandwidthResult{
		SizeElements:   n,
		AvgTimeSeconds: avg,
		BandwidthGBs:   float64(3*n*bytesPerElement) / avg / 1e9,
	}
	klog.Infof("[Bench] Average Time: %.6f s, Bandwidth: %.2f GB/s", res.AvgTimeSeconds, res.BandwidthGBs)
	return res, nil
}

// SystemInfo 尽量收集, 拿不到的字段写 "Unknown"
func SystemInfo() map[string]any {
	info := map[string]any{
		"system":            runtime.GOOS,
		"processor":         runtime.GOARCH,
		"cpu_count_logical": runtime.NumCPU(),
		"go_version":        runtime.Version(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if total, ok := totalMemory(); ok {
		info["ram_gb"] = float64(int(float64(total)/(1<<30)*100)) / 100
	} else {
		info["ram_gb"] = "Unknown"
	}
	return info
}

// totalMemory 读 /proc/meminfo 的 MemTotal, 只在 Linux 上有
func totalMemory() (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, false
			}
			return kb * 1024, true
		}
	}
	return 0, false
}

// DeviceName 写进结果里的设备描述
func DeviceName(device string) string {
	switch device {
	case DeviceCUDA:
		return "CUDA (unavailable)"
	case DeviceMPS:
		return "Apple Metal (MPS)"
	}
	return runtime.GOARCH
}

// WriteResult 原子地写入 JSON, 缩进 4 个空格
func WriteResult(path string, res *model.BenchmarkResult) error {
	err := atomicfile.Write(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(res)
	})
	if err != nil {
		return errors.Wrapf(err, "writing benchmark result %s", path)
	}
	klog.Infof("[Bench] Results saved to %s", path)
	return nil
}

// ReadResult 读取 WriteResult 写的文件
func ReadResult(path string) (*model.BenchmarkResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res model.BenchmarkResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, errors.Wrapf(err, "decoding benchmark result %s", path)
	}
	return &res, nil
}
