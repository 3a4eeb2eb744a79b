package comm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/model"
	"mn5ddp/pkg/store"
)

// DefaultHeartbeatInterval 成员心跳间隔
const DefaultHeartbeatInterval = 3 * time.Second

// EtcdBackend 用 Store 做 rendezvous 和 barrier.
// 每次 Init 都属于作业的一次运行 (model.Run): rank 0 开一个新的运行,
// 其他 rank 跟着当前运行登记, 直到 rank 0 在 Ready 里写上自己的 nonce 才算加入
type EtcdBackend struct {
	deps Deps

	mu         sync.Mutex
	id         model.ProcessIdentity
	nonce      string
	runID      string
	generation int64
	stop       context.CancelFunc
	done       chan struct{}
}

func (b *EtcdBackend) Name() string { return BackendEtcd }

// Init 的流程:
// 1. rank 0 开启新的运行, 清掉同一作业以前的成员和 barrier
// 2. 启动心跳
// 3. rendezvous: 所有 rank 在同一个运行下到齐
func (b *EtcdBackend) Init(ctx context.Context, id model.ProcessIdentity, ep model.RendezvousEndpoint) error {
	if err := id.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.stop != nil {
		b.mu.Unlock()
		return errors.New("backend already initialized")
	}
	b.id, b.nonce, b.runID, b.generation = id, uuid.NewString(), "", 0
	b.mu.Unlock()
	klog.Infof("[%s] Joining job %s via %s", id, b.deps.JobID, ep)

	var run *model.Run
	if id.IsLeader() {
		run = &model.Run{
			ID:        uuid.NewString(),
			JobID:     b.deps.JobID,
			WorldSize: id.WorldSize,
			Leader:    b.deps.Hostname,
			StartedAt: time.Now().Unix(),
		}
		if err := b.deps.Store.StartRun(ctx, run); err != nil {
			return err
		}
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.stop, b.done = cancel, done
	b.mu.Unlock()
	go b.startHeartbeat(hbCtx, done)

	var err error
	if run != nil {
		err = b.leadRendezvous(ctx, run)
	} else {
		err = b.followRendezvous(ctx)
	}
	if err != nil {
		b.stopHeartbeat()
		return err
	}
	klog.Infof("[%s] Rendezvous complete: %d rank(s) ready in run %s", id, id.WorldSize, b.currentRun())
	return nil
}

func (b *EtcdBackend) currentRun() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runID
}

// join 改到 runID 下登记, 并撤掉旧运行里的登记
func (b *EtcdBackend) join(ctx context.Context, runID string) error {
	b.mu.Lock()
	old := b.runID
	b.runID = runID
	b.mu.Unlock()

	if old != "" {
		if err := b.deps.Store.RemoveMember(ctx, b.deps.JobID, old, b.id.GlobalRank); err != nil {
			klog.Warningf("[%s] Failed to leave run %s: %v", b.id, old, err)
		}
		klog.Infof("[%s] Job %s restarted, switching from run %s to %s", b.id, b.deps.JobID, old, runID)
	}
	return b.register(ctx)
}

func (b *EtcdBackend) register(ctx context.Context) error {
	b.mu.Lock()
	m := model.NewMember(b.deps.JobID, b.deps.Hostname, b.id)
	m.RunID, m.Nonce = b.runID, b.nonce
	b.mu.Unlock()
	if m.RunID == "" {
		return nil
	}
	return errors.Wrap(b.deps.Store.RegisterMember(ctx, m), "registering member")
}

func (b *EtcdBackend) startHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.deps.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.register(ctx); err != nil && ctx.Err() == nil {
				klog.Warningf("[%s] Heartbeat failed: %v", b.id, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *EtcdBackend) stopHeartbeat() {
	b.mu.Lock()
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// leadRendezvous rank 0: 等 WorldSize 个成员在 run 下到齐, 然后写 Ready
func (b *EtcdBackend) leadRendezvous(ctx context.Context, run *model.Run) error {
	if err := b.join(ctx, run.ID); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// 先 watch 再计数, 否则两步之间到达的成员会被漏掉
	changes := b.deps.Store.WatchMembers(watchCtx, b.deps.JobID, run.ID)
	var members []*model.Member
	err := waitUntil(ctx, changes, run.WorldSize, func() (int, error) {
		var err error
		members, err = b.deps.Store.ListMembers(ctx, b.deps.JobID, run.ID)
		return len(members), err
	})
	if err != nil {
		return err
	}

	run.Ready = make(map[int]string, len(members))
	for _, m := range members {
		run.Ready[m.Rank] = m.Nonce
	}
	return b.deps.Store.UpdateRun(ctx, run)
}

// followRendezvous 其他 rank: 跟着当前运行登记, 运行换了就跟着换,
// 直到当前运行的 Ready 里有自己这个进程
func (b *EtcdBackend) followRendezvous(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runs := b.deps.Store.WatchRun(watchCtx, b.deps.JobID)

	run, err := b.deps.Store.CurrentRun(ctx, b.deps.JobID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for {
		// 可能是上一次运行的残留; rank 0 开新运行后这里会收到新的记录
		if run != nil && run.ID != b.currentRun() {
			if err := b.join(ctx, run.ID); err != nil {
				return err
			}
		}
		if run.Admits(b.id.GlobalRank, b.nonce) {
			return nil
		}

		select {
		case next, ok := <-runs:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("watch closed before rendezvous completed")
			}
			run = next
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitUntil 每次 changes 有消息就重新 count, 直到 count >= want
func waitUntil[T any](ctx context.Context, changes <-chan T, want int, count func() (int, error)) error {
	for {
		n, err := count()
		if err != nil {
			return err
		}
		if n >= want {
			return nil
		}
		select {
		case _, ok := <-changes:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("watch closed before all ranks arrived")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Barrier 每次调用使用新的一代 key, 所以 barrier 可以重复使用
func (b *EtcdBackend) Barrier(ctx context.Context) error {
	b.mu.Lock()
	if b.stop == nil {
		b.mu.Unlock()
		return errors.New("barrier before init")
	}
	b.generation++
	gen, runID, id := b.generation, b.runID, b.id
	b.mu.Unlock()

	b.deps.Sim.EnterBarrier(ctx, id)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	arrivals := b.deps.Store.WatchBarrier(watchCtx, b.deps.JobID, runID, gen)
	if err := b.deps.Store.ArriveBarrier(ctx, b.deps.JobID, runID, gen, id.GlobalRank); err != nil {
		return err
	}
	err := waitUntil(ctx, arrivals, id.WorldSize, func() (int, error) {
		return b.deps.Store.BarrierArrivals(ctx, b.deps.JobID, runID, gen)
	})
	if err != nil {
		return errors.Wrapf(err, "barrier %d", gen)
	}

	b.deps.Sim.ExitBarrier(ctx, id)
	return nil
}

// AllReduceGradients 梯度走 etcd 不现实, 这里只同步进度, 数值与 sim 后端相同
func (b *EtcdBackend) AllReduceGradients(ctx context.Context, grads map[string]*model.Tensor) error {
	klog.V(2).Infof("[%s] All-reduce of %d tensor(s) across %d rank(s)", b.id, len(grads), b.id.WorldSize)
	return ctx.Err()
}

// Close 停止心跳并注销
func (b *EtcdBackend) Close() error {
	b.mu.Lock()
	initialized, runID, rank := b.stop != nil, b.runID, b.id.GlobalRank
	b.mu.Unlock()
	if !initialized {
		return nil
	}
	b.stopHeartbeat()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.deps.Store.RemoveMember(ctx, b.deps.JobID, runID, rank)
}
