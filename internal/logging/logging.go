// Package logging 配置 klog, 让每个 rank 有自己的日志文件.
package logging

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/atomicfile"
	"mn5ddp/pkg/model"
)

// FileName 每个 rank 目录下的日志文件名
const FileName = "train.log"

// RankLogPath <dir>/rank_<N>/train.log
func RankLogPath(dir string, rank int) string {
	return filepath.Join(dir, "rank_"+strconv.Itoa(rank), FileName)
}

// Options klog 的输出设置
type Options struct {
	// File 为空时只写 stderr
	File string
	// Verbosity 对应 klog 的 -v
	Verbosity int
}

// Setup 按 opts 重新配置 klog 的全局输出
// 写文件时同时输出到 stderr, 这样本地启动器也能看到每个 rank 的日志
func Setup(opts Options) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)

	settings := map[string]string{
		"v":               strconv.Itoa(opts.Verbosity),
		"logtostderr":     "true",
		"alsologtostderr": "false",
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), atomicfile.DirPermMode); err != nil {
			return errors.Wrapf(err, "creating log directory for %s", opts.File)
		}
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "true"
		settings["log_file"] = opts.File
		settings["skip_log_headers"] = "true"
	}
	for name, value := range settings {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "setting klog flag -%s", name)
		}
	}
	return nil
}

// ForRank 返回带 rank 信息的 logger, 结构化日志里每一行都带上这几个字段
func ForRank(id model.ProcessIdentity) klog.Logger {
	return klog.LoggerWithValues(klog.Background(),
		"rank", id.GlobalRank,
		"local_rank", id.LocalRank,
		"node", id.NodeRank,
	)
}
