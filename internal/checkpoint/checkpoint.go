// Package checkpoint 安全地保存/加载训练状态.
//
// 保存时先写同目录下的临时文件, 再原子 rename 到目标路径: 作业在写的过程中
// 被杀掉 (例如到了时间限制), 目标路径上要么是旧的完整记录, 要么是新的完整记录,
// 不会出现写了一半的文件. 旧 checkpoint 的清理策略由调用方决定, 见 Prune.
package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/atomicfile"
	"mn5ddp/pkg/model"
)

// Ext checkpoint 文件的扩展名
const Ext = ".ckpt"

// SerializeError 保存失败, 目标文件保持原样, 调用方可以整体重试
type SerializeError struct {
	Path string
	Err  error
}

func (e *SerializeError) Error() string {
	return fmt.Sprintf("saving checkpoint %s: %v", e.Path, e.Err)
}

func (e *SerializeError) Unwrap() error { return e.Err }
func (e *SerializeError) Cause() error  { return e.Err }

// CorruptCheckpointError 文件存在但无法解析. 原子 rename 保证了这种情况
// 只会在外部篡改时出现, 所以必须大声失败, 不做部分恢复
type CorruptCheckpointError struct {
	Path string
	Err  error
}

func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %s: %v", e.Path, e.Err)
}

func (e *CorruptCheckpointError) Unwrap() error { return e.Err }
func (e *CorruptCheckpointError) Cause() error  { return e.Err }

// Writer 负责保存. 零值可用
type Writer struct {
	// HalfPrecision 模型参数按 float16 保存, 文件小一半, 有精度损失
	HalfPrecision bool

	hooks atomicfile.Hooks
}

// NewWriter 默认 float32 保存
func NewWriter() *Writer {
	return &Writer{}
}

// Save 原子地把 rec 写到 dest
func (w *Writer) Save(rec *model.CheckpointRecord, dest string) error {
	if rec == nil {
		return &SerializeError{Path: dest, Err: errors.New("nil record")}
	}
	if err := rec.Validate(); err != nil {
		return &SerializeError{Path: dest, Err: err}
	}

	klog.Infof("[Checkpoint] Saving epoch %d to %s (via temporary file)", rec.Epoch, dest)
	err := atomicfile.WriteWithHooks(dest, func(out io.Writer) error {
		return encode(out, rec, w.HalfPrecision)
	}, w.hooks)
	if err != nil {
		klog.Errorf("[Checkpoint] Failed to save checkpoint: %v", err)
		return &SerializeError{Path: dest, Err: err}
	}
	klog.Infof("[Checkpoint] Successfully renamed to: %s", dest)
	return nil
}

// Load 读取 path 上的记录
// 文件不存在是正常情况 (从头开始训练), 返回 (false, nil, nil)
func Load(path string) (bool, *model.CheckpointRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Infof("[Checkpoint] No checkpoint found at %s. Starting from scratch.", path)
			return false, nil, nil
		}
		return false, nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}
	rec, err := decode(data)
	if err != nil {
		return false, nil, &CorruptCheckpointError{Path: path, Err: err}
	}
	klog.Infof("[Checkpoint] Loaded epoch %d from %s", rec.Epoch, path)
	return true, rec, nil
}

// EpochPath dir/<prefix><epoch 三位补零>.ckpt
func EpochPath(dir, prefix string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%03d%s", prefix, epoch, Ext))
}

type epochFile struct {
	epoch int
	path  string
}

// listEpochs 按 epoch 升序列出 dir 下匹配 prefix 的 checkpoint, 临时文件不算
func listEpochs(dir, prefix string) ([]epochFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing checkpoints in %s", dir)
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)` + regexp.QuoteMeta(Ext) + `$`)
	var files []epochFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, epochFile{epoch: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].epoch < files[j].epoch })
	return files, nil
}

// Latest 返回 epoch 最大的 checkpoint 路径
func Latest(dir, prefix string) (string, bool, error) {
	files, err := listEpochs(dir, prefix)
	if err != nil || len(files) == 0 {
		return "", false, err
	}
	return files[len(files)-1].path, true, nil
}

// Prune 只保留最新的 keep 个 checkpoint, keep < 0 表示全部保留
// MN5 的 scratch 有文件数限制, 记得清理
func Prune(dir, prefix string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, nil
	}
	files, err := listEpochs(dir, prefix)
	if err != nil || len(files) <= keep {
		return nil, err
	}
	var removed []string
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "removing old checkpoint %s", f.path)
		}
		removed = append(removed, f.path)
	}
	return removed, nil
}

// CleanStaleTemps 清理被中断的保存留下的临时文件
func CleanStaleTemps(dir string) (int, error) {
	n, err := atomicfile.CleanStaleTemps(dir)
	if n > 0 {
		klog.Warningf("[Checkpoint] Removed %d temporary file(s) left by interrupted saves in %s", n, dir)
	}
	return n, err
}
