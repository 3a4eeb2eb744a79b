package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executor 执行一个 rank, 返回它的全部输出 (stdout 和 stderr 合并)
type Executor interface {
	Run(ctx context.Context, jobID string, r RankSpec) (string, error)
}

// LocalExecutor 把 rank 作为本机子进程启动, 继承当前进程的环境
type LocalExecutor struct {
	// Stream 不为 nil 时, 输出同时按行加上 rank 前缀实时写到这里
	Stream io.Writer

	mu sync.Mutex
}

func (e *LocalExecutor) Run(ctx context.Context, jobID string, r RankSpec) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	// 后出现的同名变量覆盖继承的值
	cmd.Env = append(os.Environ(), r.Env...)

	var buf bytes.Buffer
	var out io.Writer = &buf
	var pw *prefixWriter
	if e.Stream != nil {
		pw = &prefixWriter{
			mu:     &e.mu,
			w:      e.Stream,
			prefix: fmt.Sprintf("[rank %d] ", r.Identity.GlobalRank),
		}
		out = io.MultiWriter(&buf, pw)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	klog.V(1).Infof("[Launcher] Starting rank %d of job %s: %v", r.Identity.GlobalRank, jobID, r.Command)
	err := cmd.Run()
	if pw != nil {
		// 最后一行可能没有换行符
		if ferr := pw.Close(); ferr != nil {
			klog.Warningf("[Launcher] Failed to stream output of rank %d: %v", r.Identity.GlobalRank, ferr)
		}
	}
	if err != nil {
		return buf.String(), errors.Wrapf(err, "rank %d", r.Identity.GlobalRank)
	}
	return buf.String(), nil
}

// prefixWriter 每行前面加 prefix; 多个 rank 共用一把锁, 行不会交错
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	line   []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	for _, c := range b {
		p.line = append(p.line, c)
		if c == '\n' {
			if err := p.flush(); err != nil {
				return 0, err
			}
		}
	}
	return len(b), nil
}

// Close 把没有换行结尾的剩余内容补一个换行写出去
func (p *prefixWriter) Close() error {
	if len(p.line) == 0 {
		return nil
	}
	p.line = append(p.line, '\n')
	return p.flush()
}

func (p *prefixWriter) flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.w, p.prefix+string(p.line))
	p.line = p.line[:0]
	return err
}
