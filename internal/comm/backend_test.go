package comm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"mn5ddp/internal/sim"
	"mn5ddp/pkg/model"
	"mn5ddp/pkg/store"
)

func TestNew(t *testing.T) {
	b, err := New("", Deps{})
	require.NoError(t, err)
	assert.Equal(t, BackendSim, b.Name())

	for _, name := range []string{"nccl", "GLOO"} {
		_, err := New(name, Deps{})
		assert.True(t, errors.Is(err, ErrExternalBackend), name)
	}

	_, err = New("mpi", Deps{})
	assert.Error(t, err)
	_, err = New(BackendEtcd, Deps{JobID: "j"})
	assert.Error(t, err, "etcd without a store")
	_, err = New(BackendEtcd, Deps{Store: store.NewMemoryStore()})
	assert.Error(t, err, "etcd without a job id")
}

func TestSimBackend(t *testing.T) {
	var events []sim.EventType
	s := &sim.Simulator{OnEvent: func(ev sim.Event) { events = append(events, ev.Type) }}
	b, err := New(BackendSim, Deps{Sim: s})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, b.Barrier(ctx))
	require.NoError(t, b.Init(ctx, model.StandaloneIdentity(), model.StandaloneEndpoint()))
	require.NoError(t, b.Barrier(ctx))
	require.NoError(t, b.AllReduceGradients(ctx, map[string]*model.Tensor{"w": model.NewTensor(2)}))
	require.NoError(t, b.Close())
	assert.Equal(t, []sim.EventType{sim.EventConnect, sim.EventEnterBarrier, sim.EventExitBarrier}, events)
}

func newEtcdRanks(t *testing.T, st store.Store, nodes, ppn int) []Backend {
	var out []Backend
	for node := 0; node < nodes; node++ {
		for local := 0; local < ppn; local++ {
			b, err := New(BackendEtcd, Deps{
				Sim:               &sim.Simulator{},
				Store:             st,
				JobID:             "job-42",
				Hostname:          "node",
				HeartbeatInterval: 10 * time.Millisecond,
			})
			require.NoError(t, err)
			out = append(out, b)
		}
	}
	return out
}

func TestEtcdBackend_RendezvousAndBarriers(t *testing.T) {
	const nodes, ppn = 2, 2
	st := store.NewMemoryStore()
	defer st.Close()
	ranks := newEtcdRanks(t, st, nodes, ppn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var passed [3]atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range ranks {
		id, err := model.NewIdentity(i/ppn, i%ppn, nodes, ppn)
		require.NoError(t, err)
		g.Go(func() error {
			if err := b.Init(gctx, id, model.RendezvousEndpoint{Address: "node01", Port: model.ManagedPort}); err != nil {
				return err
			}
			for gen := range passed {
				if err := b.Barrier(gctx); err != nil {
					return err
				}
				passed[gen].Add(1)
				// 下一代 barrier 不能在所有 rank 通过这一代之前放行
				if gen > 0 && passed[gen-1].Load() != int32(nodes*ppn) {
					return errors.Errorf("rank %d passed barrier %d early", id.GlobalRank, gen)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	run, err := st.CurrentRun(ctx, "job-42")
	require.NoError(t, err)
	assert.Len(t, run.Ready, nodes*ppn)
	members, err := st.ListMembers(ctx, "job-42", run.ID)
	require.NoError(t, err)
	assert.Len(t, members, nodes*ppn)

	for _, b := range ranks {
		require.NoError(t, b.Close())
	}
	members, err = st.ListMembers(ctx, "job-42", run.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

// initRanks 并发 Init 一组 rank, 全部成功才返回
func initRanks(t *testing.T, ctx context.Context, ranks []Backend, nodes, ppn int) {
	t.Helper()
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range ranks {
		id, err := model.NewIdentity(i/ppn, i%ppn, nodes, ppn)
		require.NoError(t, err)
		g.Go(func() error { return b.Init(gctx, id, model.StandaloneEndpoint()) })
	}
	require.NoError(t, g.Wait())
}

func TestEtcdBackend_RerunSameJobStartsFreshBarriers(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 第一次运行: 两个 rank 都过了第 1 代 barrier 后退出
	first := newEtcdRanks(t, st, 1, 2)
	initRanks(t, ctx, first, 1, 2)
	var wg sync.WaitGroup
	for _, b := range first {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Barrier(ctx))
		}()
	}
	wg.Wait()
	for _, b := range first {
		require.NoError(t, b.Close())
	}
	firstRun, err := st.CurrentRun(ctx, "job-42")
	require.NoError(t, err)

	// 同一个作业 ID 重跑
	second := newEtcdRanks(t, st, 1, 2)
	initRanks(t, ctx, second, 1, 2)
	secondRun, err := st.CurrentRun(ctx, "job-42")
	require.NoError(t, err)
	assert.NotEqual(t, firstRun.ID, secondRun.ID)

	released := make(chan error, 1)
	go func() { released <- second[0].Barrier(ctx) }()
	select {
	case err := <-released:
		t.Fatalf("barrier 1 of the rerun released by the previous run's arrivals: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, second[1].Barrier(ctx))
	require.NoError(t, <-released)
	for _, b := range second {
		require.NoError(t, b.Close())
	}
}

func TestEtcdBackend_RerunIgnoresStaleMembers(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 第一次运行被杀掉: 没有 Close, 成员和 Ready 记录都还在
	killed := newEtcdRanks(t, st, 1, 2)
	initRanks(t, ctx, killed, 1, 2)
	for _, b := range killed {
		b.(*EtcdBackend).stopHeartbeat()
	}
	stale, err := st.CurrentRun(ctx, "job-42")
	require.NoError(t, err)

	// rank 1 先启动, 不能和残留的成员完成 rendezvous
	rerun := newEtcdRanks(t, st, 1, 2)
	follower, err := model.NewIdentity(0, 1, 1, 2)
	require.NoError(t, err)
	joined := make(chan error, 1)
	go func() { joined <- rerun[1].Init(ctx, follower, model.StandaloneEndpoint()) }()

	select {
	case err := <-joined:
		t.Fatalf("rank 1 joined the killed run %s: %v", stale.ID, err)
	case <-time.After(100 * time.Millisecond):
	}

	leader, err := model.NewIdentity(0, 0, 1, 2)
	require.NoError(t, err)
	require.NoError(t, rerun[0].Init(ctx, leader, model.StandaloneEndpoint()))
	require.NoError(t, <-joined)

	run, err := st.CurrentRun(ctx, "job-42")
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, run.ID)
	members, err := st.ListMembers(ctx, "job-42", stale.ID)
	require.NoError(t, err)
	assert.Empty(t, members, "starting a run drops the killed run's members")

	var wg sync.WaitGroup
	for _, b := range rerun {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Barrier(ctx))
		}()
	}
	wg.Wait()
	for _, b := range rerun {
		require.NoError(t, b.Close())
	}
}

func TestEtcdBackend_InitTwice(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	b := newEtcdRanks(t, st, 1, 1)[0]
	ctx := context.Background()

	require.NoError(t, b.Init(ctx, model.StandaloneIdentity(), model.StandaloneEndpoint()))
	assert.Error(t, b.Init(ctx, model.StandaloneIdentity(), model.StandaloneEndpoint()))
	require.NoError(t, b.Barrier(ctx))
	require.NoError(t, b.Close())
	assert.Error(t, b.Barrier(ctx), "closed backend")
}

func TestEtcdBackend_BarrierWaitsForEveryRank(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ranks := newEtcdRanks(t, st, 1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i, b := range ranks {
		id, err := model.NewIdentity(0, i, 1, 2)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Init(ctx, id, model.StandaloneEndpoint()))
		}()
	}
	wg.Wait()

	released := make(chan error, 1)
	go func() { released <- ranks[0].Barrier(ctx) }()

	select {
	case err := <-released:
		t.Fatalf("barrier released with one rank missing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, ranks[1].Barrier(ctx))
	require.NoError(t, <-released)

	for _, b := range ranks {
		require.NoError(t, b.Close())
	}
}

func TestEtcdBackend_InitCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	b := newEtcdRanks(t, st, 1, 1)[0]

	id, err := model.NewIdentity(0, 0, 2, 1) // 另一个节点永远不会出现
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = b.Init(ctx, id, model.StandaloneEndpoint())
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Error(t, b.Barrier(context.Background()))
}
