package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"mn5ddp/internal/comm"
	"mn5ddp/internal/config"
	"mn5ddp/internal/launcher"
	"mn5ddp/pkg/store"
)

func main() {
	klog.InitFlags(nil)

	// --- 1. 定义命令行参数, 显式给出的参数覆盖 profile ---
	profile := flag.String("profile", "", "YAML job profile")
	jobID := flag.String("job", "", "Job ID (default: generated)")
	nodes := flag.Int("nodes", 2, "Number of simulated nodes")
	procs := flag.Int("nproc-per-node", 4, "Processes per node")
	masterAddr := flag.String("master-addr", "localhost", "Rendezvous address")
	masterPort := flag.Int("master-port", 12355, "Rendezvous port")
	backend := flag.String("backend", comm.BackendSim, "Communication backend: sim or etcd")
	etcd := flag.String("etcd", "localhost:2379", "Comma-separated etcd endpoints")
	executor := flag.String("executor", launcher.ExecutorLocal, "Executor: local or docker")
	image := flag.String("image", "alpine:latest", "Container image for the docker executor")
	pull := flag.Bool("pull", false, "Pull the image before starting containers")
	maxParallel := flag.Int("max-parallel", 0, "Maximum ranks running at once, 0 means all")
	saveLogs := flag.Bool("save-logs", false, "Save each rank's output to etcd")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [-- command args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	spec := launcher.DefaultSpec()
	if *profile != "" {
		var err error
		if spec, err = launcher.LoadProfile(*profile); err != nil {
			klog.Exitf("❌ %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "job":
			spec.JobID = *jobID
		case "nodes":
			spec.Nodes = *nodes
		case "nproc-per-node":
			spec.ProcsPerNode = *procs
		case "master-addr":
			spec.MasterAddr = *masterAddr
		case "master-port":
			spec.MasterPort = *masterPort
		case "backend":
			spec.Backend = *backend
		case "etcd":
			spec.EtcdEndpoints = config.SplitList(*etcd)
		case "executor":
			spec.Executor = *executor
		case "image":
			spec.Image = *image
		case "pull":
			spec.Pull = *pull
		case "max-parallel":
			spec.MaxParallel = *maxParallel
		}
	})
	if args := flag.Args(); len(args) > 0 {
		spec.Command = args
	}
	if spec.JobID == launcher.DefaultSpec().JobID && *jobID == "" {
		spec.JobID = "job-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	// --- 2. 选择执行器 ---
	var exec launcher.Executor
	switch spec.Executor {
	case launcher.ExecutorDocker:
		dockerExec, err := launcher.NewDockerExecutor(spec.Image, spec.Pull)
		if err != nil {
			klog.Exitf("❌ Failed to init docker executor: %v", err)
		}
		exec = dockerExec
	default:
		exec = &launcher.LocalExecutor{Stream: os.Stdout}
	}

	// --- 3. 需要时连接 Etcd 保存日志 ---
	var st store.Store
	if *saveLogs {
		etcdManager, err := store.NewEtcdManager(spec.EtcdEndpoints)
		if err != nil {
			klog.Exitf("❌ Failed to connect to etcd: %v", err)
		}
		defer etcdManager.Close()
		st = etcdManager
	}

	// --- 4. 优雅退出: Ctrl+C 取消所有 rank ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		klog.Warning("Shutting down launcher...")
		cancel()
	}()

	fmt.Printf("🚀 Launching job %s: %d node(s) x %d proc(s), backend %s, executor %s\n",
		spec.JobID, spec.Nodes, spec.ProcsPerNode, spec.Backend, spec.Executor)
	results, err := launcher.New(spec, exec, st).Run(ctx)
	for _, res := range results {
		status := "✅"
		if res.Err != nil {
			status = "❌"
		}
		fmt.Printf("%s rank %d (%v)\n", status, res.Rank, res.Duration.Round(1e6))
	}
	if err != nil {
		klog.Errorf("❌ %v", err)
		klog.Flush()
		os.Exit(1)
	}
	if st != nil {
		fmt.Println("💡 View logs later with:")
		fmt.Printf("   ddpctl logs %s <rank>\n", spec.JobID)
	}
	klog.Flush()
}
