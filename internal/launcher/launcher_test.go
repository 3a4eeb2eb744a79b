package launcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mn5ddp/internal/comm"
	"mn5ddp/internal/config"
	"mn5ddp/internal/identity"
	"mn5ddp/pkg/store"
)

func TestPlan_RankEnvironments(t *testing.T) {
	spec := DefaultSpec()
	spec.JobID = "demo"
	spec.Env = map[string]string{"DDP_EPOCHS": "5", config.EnvNodeRank: "99"}

	ranks, err := Plan(spec)
	require.NoError(t, err)
	require.Len(t, ranks, 8)

	// 每个 rank 的环境交给 resolver 后能还原出同一个身份
	for i, r := range ranks {
		assert.Equal(t, i, r.Identity.GlobalRank)
		cfg, err := config.FromEnviron(r.Env)
		require.NoError(t, err)
		res, err := identity.NewResolver(cfg)
		require.NoError(t, err)
		topo, err := res.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, r.Identity, topo.Identity)
		assert.Equal(t, "localhost:12355", topo.Endpoint.String())
		assert.Equal(t, "demo", cfg.JobID)
		assert.Equal(t, 5, cfg.Epochs)
		assert.Contains(t, r.Env, "RANK="+strconv.Itoa(i))
		assert.Contains(t, r.Env, "WORLD_SIZE=8")
	}
	assert.Contains(t, ranks[5].Env, "NODE_RANK=1", "launcher values win over user env")
	assert.Contains(t, ranks[5].Env, "LOCAL_RANK=1")
}

func TestSpec_Validate(t *testing.T) {
	cases := map[string]func(*Spec){
		"no nodes":          func(s *Spec) { s.Nodes = 0 },
		"no procs":          func(s *Spec) { s.ProcsPerNode = -1 },
		"bad port":          func(s *Spec) { s.MasterPort = 70000 },
		"empty command":     func(s *Spec) { s.Command = nil },
		"unknown executor":  func(s *Spec) { s.Executor = "k8s" },
		"docker no image":   func(s *Spec) { s.Executor, s.Image = ExecutorDocker, "" },
		"etcd too narrow":   func(s *Spec) { s.Backend, s.MaxParallel = comm.BackendEtcd, 3 },
		"negative parallel": func(s *Spec) { s.MaxParallel = -1 },
		"empty job id":      func(s *Spec) { s.JobID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := DefaultSpec()
			mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
	assert.NoError(t, DefaultSpec().Validate())
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
job_id: yaml-job
nodes: 3
procs_per_node: 2
backend: etcd
etcd_endpoints: [etcd-0:2379, etcd-1:2379]
command: [ddp-sim, -epochs, "4"]
env:
  DDP_STEP_DELAY: 10ms
`), 0o600))

	s, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml-job", s.JobID)
	assert.Equal(t, 6, s.WorldSize())
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, s.EtcdEndpoints)
	assert.Equal(t, "10ms", s.Env["DDP_STEP_DELAY"])
	assert.Equal(t, "localhost", s.MasterAddr, "unset fields keep defaults")
	assert.Equal(t, ExecutorLocal, s.Executor)

	require.NoError(t, os.WriteFile(path, []byte("nodez: 3\n"), 0o600))
	_, err = LoadProfile(path)
	assert.Error(t, err, "unknown fields are rejected")

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	s, err = LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSpec(), s)
}

type fakeExecutor struct {
	fail    int
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeExecutor) Run(ctx context.Context, jobID string, r RankSpec) (string, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.Identity.GlobalRank == f.fail {
		return "boom\n", errors.New("exit status 1")
	}
	return "hello from " + jobID + "\n", ctx.Err()
}

func TestLauncher_RunSavesLogs(t *testing.T) {
	st := store.NewMemoryStore()
	spec := DefaultSpec()
	spec.MaxParallel = 2
	exec := &fakeExecutor{fail: -1}

	results, err := New(spec, exec, st).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 8)
	assert.LessOrEqual(t, exec.peak.Load(), int32(2))

	for _, res := range results {
		got, err := st.GetRankLog(context.Background(), "local", res.Rank)
		require.NoError(t, err)
		assert.Equal(t, "hello from local\n", got)
	}
}

func TestLauncher_RunReportsFailedRanks(t *testing.T) {
	st := store.NewMemoryStore()
	spec := DefaultSpec()
	spec.MaxParallel = 1

	results, err := New(spec, &fakeExecutor{fail: 0}, st).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Contains(t, err.Error(), "rank(s) failed")
	assert.Error(t, results[0].Err)

	got, err := st.GetRankLog(context.Background(), "local", 0)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", got, "failed rank logs are kept")
}

func TestLocalExecutor(t *testing.T) {
	var stream bytes.Buffer
	var mu sync.Mutex
	exec := &LocalExecutor{Stream: &lockedWriter{w: &stream, mu: &mu}}

	spec := DefaultSpec()
	spec.Nodes, spec.ProcsPerNode = 1, 2
	spec.Command = []string{"sh", "-c", `echo "rank=$RANK node=$NODE_RANK mode=$DDP_MODE"`}

	results, err := New(spec, exec, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rank=0 node=0 mode=simulated\n", results[0].Output)
	assert.Equal(t, "rank=1 node=0 mode=simulated\n", results[1].Output)

	mu.Lock()
	assert.Contains(t, stream.String(), "[rank 1] rank=1 node=0 mode=simulated\n")
	mu.Unlock()

	spec.Command = []string{"sh", "-c", "echo oops; exit 3"}
	results, err = New(spec, exec, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, results[0].Output+results[1].Output, "oops")
}

func TestLocalExecutor_StreamsUnterminatedLastLine(t *testing.T) {
	var stream bytes.Buffer
	var mu sync.Mutex
	exec := &LocalExecutor{Stream: &lockedWriter{w: &stream, mu: &mu}}

	spec := DefaultSpec()
	spec.Nodes, spec.ProcsPerNode = 1, 1
	spec.Command = []string{"sh", "-c", "echo first; printf done"}

	results, err := New(spec, exec, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first\ndone", results[0].Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "[rank 0] first\n[rank 0] done\n", stream.String())
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
