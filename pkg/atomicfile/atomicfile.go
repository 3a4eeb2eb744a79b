// Package atomicfile 写临时文件再原子 rename, 读者永远看不到写了一半的文件
//
// rename 只有在同一个文件系统内才是原子的, 所以临时文件总是放在目标文件旁边.
package atomicfile

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TempSuffix 临时文件保留的后缀
	TempSuffix = ".tmp"

	// DirPermMode 创建父目录时的权限 (umask 之前)
	DirPermMode = os.FileMode(0770)

	// FilePermMode 最终文件的权限
	FilePermMode = os.FileMode(0640)
)

// Hooks 测试时用来模拟在 rename 之前进程被杀
type Hooks struct {
	// BeforeRename 临时文件已经完整落盘, 还没有 rename
	// 返回错误时直接中止, 临时文件保留在磁盘上 (和真实的崩溃一样)
	BeforeRename func(tmpPath string) error
}

// WriteError 序列化或写临时文件失败, 目标文件没有被改动
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return "writing " + e.Path + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error { return e.Err }
func (e *WriteError) Cause() error  { return e.Err }

// TempPath 生成本次写入独有的临时文件名: <path>.<uuid>.tmp
func TempPath(path string) string {
	return path + "." + uuid.NewString() + TempSuffix
}

// IsTemp 判断文件名是不是 TempPath 生成的
func IsTemp(name string) bool {
	if !strings.HasSuffix(name, TempSuffix) {
		return false
	}
	trimmed := strings.TrimSuffix(name, TempSuffix)
	dot := strings.LastIndexByte(trimmed, '.')
	if dot < 0 {
		return false
	}
	_, err := uuid.Parse(trimmed[dot+1:])
	return err == nil
}

// Write 原子地把 write 产生的内容写到 path
func Write(path string, write func(w io.Writer) error) error {
	return WriteWithHooks(path, write, Hooks{})
}

// WriteWithHooks 同 Write, 可以注入 Hooks
func WriteWithHooks(path string, write func(w io.Writer) error, hooks Hooks) error {
	// 1. 确保父目录存在 (幂等)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "creating directory %q", dir)
	}

	// 2. 写临时文件
	tmpPath := TempPath(path)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FilePermMode)
	if err != nil {
		return &WriteError{Path: path, Err: errors.Wrapf(err, "creating temporary file %q", tmpPath)}
	}
	if err := writeAndSync(f, write); err != nil {
		_ = os.Remove(tmpPath)
		return &WriteError{Path: path, Err: err}
	}

	if hooks.BeforeRename != nil {
		if err := hooks.BeforeRename(tmpPath); err != nil {
			return err
		}
	}

	// 3. 原子 rename: 要么是旧文件, 要么是新文件
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, path)
	}

	// 4. 目录项也落盘, 失败不影响已经可见的结果
	if err := syncDir(dir); err != nil {
		klog.V(1).Infof("[AtomicFile] fsync of directory %q failed: %v", dir, err)
	}
	return nil
}

func writeAndSync(f *os.File, write func(w io.Writer) error) error {
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "fsync %q", f.Name())
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q", f.Name())
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// CleanStaleTemps 删除 dir 下被中断的写入留下的临时文件, 返回删除的个数
func CleanStaleTemps(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "listing %q", dir)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !IsTemp(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "removing stale temporary file %q", p)
		}
		removed++
	}
	return removed, nil
}
