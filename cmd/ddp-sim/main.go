package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"mn5ddp/internal/comm"
	"mn5ddp/internal/config"
	"mn5ddp/internal/identity"
	"mn5ddp/internal/logging"
	"mn5ddp/internal/sim"
	"mn5ddp/internal/trainer"
	"mn5ddp/pkg/model"
	"mn5ddp/pkg/store"
)

func main() {
	// --- 1. 定义命令行参数, 没给的用环境变量里的值 ---
	epochs := flag.Int("epochs", -1, "Number of epochs (default $DDP_EPOCHS or 2)")
	steps := flag.Int("steps", -1, "Training steps per epoch (default $DDP_STEPS_PER_EPOCH or 3)")
	keep := flag.Int("keep", -2, "Checkpoints to keep, -1 keeps all (default $DDP_KEEP or 3)")
	ckptDir := flag.String("checkpoint-dir", "", "Checkpoint directory (default $DDP_CHECKPOINT_DIR)")
	logDir := flag.String("log-dir", "", "Per-rank log directory (default $DDP_LOG_DIR)")
	half := flag.Bool("half", false, "Store model parameters as float16")
	demo := flag.Bool("demo", false, "Only narrate connect, one barrier and one training step")
	verbosity := flag.Int("v", 0, "Log verbosity")
	flag.Parse()

	if err := run(*epochs, *steps, *keep, *ckptDir, *logDir, *half, *demo, *verbosity); err != nil {
		klog.Errorf("[DDP] %v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(epochs, steps, keep int, ckptDir, logDir string, half, demo bool, verbosity int) error {
	// 2. 环境变量只在这里读一次
	cfg, err := config.FromEnviron(os.Environ())
	if err != nil {
		return err
	}
	if epochs >= 0 {
		cfg.Epochs = epochs
	}
	if steps >= 0 {
		cfg.StepsPerEpoch = steps
	}
	if keep >= -1 {
		cfg.Keep = keep
	}
	if ckptDir != "" {
		cfg.CheckpointDir = ckptDir
	}
	if logDir != "" {
		cfg.LogDir = logDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 解析身份, 失败直接退出: 没有身份什么都做不了
	resolver, err := identity.NewResolver(cfg)
	if err != nil {
		return err
	}
	topo, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	id := topo.Identity

	// 4. 每个 rank 写自己的日志文件
	if err := logging.Setup(logging.Options{
		File:      logging.RankLogPath(cfg.LogDir, id.GlobalRank),
		Verbosity: verbosity,
	}); err != nil {
		return err
	}
	describe(topo)
	if err := identity.Export(topo, nil); err != nil {
		return err
	}

	// 5. 优雅退出 (Graceful Shutdown): SIGTERM 是 SLURM 时间到了的信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		klog.Warningf("[%s] Received %s, shutting down...", id, sig)
		cancel()
	}()

	// 6. 建立通信后端
	simulator := &sim.Simulator{BarrierDelay: cfg.BarrierDelay, StepDelay: cfg.StepDelay}
	deps := comm.Deps{Sim: simulator, JobID: cfg.JobID, Hostname: hostname()}
	if cfg.Backend == comm.BackendEtcd {
		st, err := newStore(cfg.EtcdEndpoints, id)
		if err != nil {
			return err
		}
		defer st.Close()
		deps.Store = st
	}
	backend, err := comm.New(cfg.Backend, deps)
	if err != nil {
		return err
	}
	if err := backend.Init(ctx, id, topo.Endpoint); err != nil {
		return err
	}
	defer backend.Close()

	if demo {
		return runDemo(ctx, simulator, backend, id)
	}

	// 7. 训练
	t := trainer.New(id, backend, simulator, logging.ForRank(id), trainer.Options{
		CheckpointDir: cfg.CheckpointDir,
		Epochs:        cfg.Epochs,
		StepsPerEpoch: cfg.StepsPerEpoch,
		Keep:          cfg.Keep,
		HalfPrecision: half,
	})
	sum, err := t.Run(ctx)
	if err != nil {
		return err
	}
	klog.Infof("[%s] Simulation Complete (epochs %d..%d, %d checkpoint(s) saved). Exiting.",
		id, sum.StartEpoch, sum.EndEpoch, len(sum.Saved))
	return nil
}

// runDemo 和最早的假启动器脚本一样: 一次 barrier, 一个训练步骤
func runDemo(ctx context.Context, s *sim.Simulator, backend comm.Backend, id model.ProcessIdentity) error {
	klog.Infof("[%s] Simulating Distributed Barrier...", id)
	if err := backend.Barrier(ctx); err != nil {
		return err
	}
	klog.Infof("[%s] SLURM Context (Concept): SLURM_PROCID would be %d, SLURM_LOCALID would be %d, SLURM_NODEID would be %d",
		id, id.GlobalRank, id.LocalRank, id.NodeRank)
	if err := s.TrainStep(ctx, id, 1); err != nil {
		return err
	}
	klog.Infof("[%s] Simulation Complete. Exiting.", id)
	return nil
}

func describe(topo *model.Topology) {
	id := topo.Identity
	klog.Infof("--- DDP SIMULATION (%s mode) ---", topo.Mode)
	klog.Infof("[Environment Configuration] MASTER_ADDR: %s, MASTER_PORT: %d, Nodes: %d, Procs per Node: %d",
		topo.Endpoint.Address, topo.Endpoint.Port, id.NodesTotal, id.ProcsPerNode)
	klog.Infof("[Identity Reading] NODE_RANK: %d, LOCAL_RANK: %d", id.NodeRank, id.LocalRank)
	klog.Infof("[Calculated Global State] GLOBAL_RANK: %d, WORLD_SIZE: %d", id.GlobalRank, id.WorldSize)
	if len(topo.Hostnames) > 0 {
		klog.Infof("[Nodes] %d host(s), rendezvous host %s", len(topo.Hostnames), topo.Hostnames[0])
	}
}

// newStore 单进程作业没有别人要协调, 用进程内的 Store, 不需要 etcd
func newStore(endpoints []string, id model.ProcessIdentity) (store.Store, error) {
	if id.WorldSize == 1 {
		klog.Infof("[%s] Single process job, using the in-memory store instead of etcd", id)
		return store.NewMemoryStore(), nil
	}
	return store.NewEtcdManager(endpoints)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fmt.Sprintf("pid-%d", os.Getpid())
	}
	return h
}
