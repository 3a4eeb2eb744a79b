package launcher

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/store"
)

// Result 一个 rank 的运行结果
type Result struct {
	Rank     int
	Output   string
	Err      error
	Duration time.Duration
}

// Launcher 并发运行一个作业的所有 rank
type Launcher struct {
	Spec     Spec
	Executor Executor
	// Store 可选, 不为 nil 时把每个 rank 的输出存进去
	Store store.Store
}

func New(spec Spec, exec Executor, st store.Store) *Launcher {
	return &Launcher{Spec: spec, Executor: exec, Store: st}
}

// Run 的流程:
// 1. 生成每个 rank 的环境
// 2. 并发启动 (最多 MaxParallel 个), 任意一个失败就取消其余的,
//    因为剩下的 rank 会卡在 barrier 上
// 3. 保存日志, 汇总错误
func (l *Launcher) Run(ctx context.Context) ([]Result, error) {
	ranks, err := Plan(l.Spec)
	if err != nil {
		return nil, err
	}
	klog.Infof("[Launcher] Launching job %s: %d node(s) x %d proc(s) = %d rank(s), backend %s",
		l.Spec.JobID, l.Spec.Nodes, l.Spec.ProcsPerNode, len(ranks), l.Spec.Backend)

	results := make([]Result, len(ranks))
	g, gctx := errgroup.WithContext(ctx)
	if l.Spec.MaxParallel > 0 {
		g.SetLimit(l.Spec.MaxParallel)
	}
	for i, r := range ranks {
		g.Go(func() error {
			start := time.Now()
			out, err := l.Executor.Run(gctx, l.Spec.JobID, r)
			res := Result{Rank: r.Identity.GlobalRank, Output: out, Err: err, Duration: time.Since(start)}

			results[i] = res

			l.saveLog(res)
			if err != nil {
				klog.Errorf("[Launcher] Rank %d failed after %v: %v", res.Rank, res.Duration.Round(time.Millisecond), err)
				return err
			}
			klog.Infof("[Launcher] Rank %d finished in %v", res.Rank, res.Duration.Round(time.Millisecond))
			return nil
		})
	}
	// 第一个失败的 rank 才是原因, 其余的多半是被取消的
	first := g.Wait()

	var failed []int
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Rank)
		}
	}
	if len(failed) > 0 {
		sort.Ints(failed)
		return results, errors.Wrapf(first, "%d of %d rank(s) failed %v", len(failed), len(ranks), failed)
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (l *Launcher) saveLog(res Result) {
	if l.Store == nil || res.Output == "" {
		return
	}
	// 作业被取消时日志也要保存, 所以不用 gctx
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Store.SaveRankLog(ctx, l.Spec.JobID, res.Rank, res.Output); err != nil {
		klog.Warningf("[Launcher] Failed to save log of rank %d: %v", res.Rank, err)
		return
	}
	klog.V(1).Infof("[Launcher] Log of rank %d saved for job %s", res.Rank, l.Spec.JobID)
}
