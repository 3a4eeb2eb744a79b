// Package config 在进程启动时把环境变量一次性读进一个结构体,
// 之后所有组件只读这个结构体, 不再去碰 os.Getenv.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mn5ddp/pkg/model"
)

// 调度器 / 启动器注入的拓扑变量
const (
	EnvSlurmJobID        = "SLURM_JOB_ID"
	EnvSlurmNodeList     = "SLURM_JOB_NODELIST"
	EnvSlurmProcID       = "SLURM_PROCID"
	EnvSlurmLocalID      = "SLURM_LOCALID"
	EnvSlurmNodeID       = "SLURM_NODEID"
	EnvSlurmNTasks       = "SLURM_NTASKS"
	EnvSlurmNNodes       = "SLURM_NNODES"
	EnvSlurmTasksPerNode = "SLURM_NTASKS_PER_NODE"

	EnvNodeRank       = "NODE_RANK"
	EnvLocalRank      = "LOCAL_RANK"
	EnvWorldSizeNodes = "WORLD_SIZE_NODES"
	EnvNprocPerNode   = "NPROC_PER_NODE"

	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
)

// 本项目自己的选项
const (
	EnvMode             = "DDP_MODE"
	EnvBackend          = "DDP_BACKEND"
	EnvJobID            = "DDP_JOB_ID"
	EnvHostlistExpander = "DDP_HOSTLIST_EXPANDER"
	EnvEtcdEndpoints    = "DDP_ETCD_ENDPOINTS"
	EnvCheckpointDir    = "DDP_CHECKPOINT_DIR"
	EnvLogDir           = "DDP_LOG_DIR"
	EnvEpochs           = "DDP_EPOCHS"
	EnvStepsPerEpoch    = "DDP_STEPS_PER_EPOCH"
	EnvKeep             = "DDP_KEEP"
	EnvBarrierDelay     = "DDP_BARRIER_DELAY"
	EnvStepDelay        = "DDP_STEP_DELAY"
)

var topologyKeys = []string{
	EnvSlurmJobID, EnvSlurmNodeList, EnvSlurmProcID, EnvSlurmLocalID, EnvSlurmNodeID,
	EnvSlurmNTasks, EnvSlurmNNodes, EnvSlurmTasksPerNode,
	EnvNodeRank, EnvLocalRank, EnvWorldSizeNodes, EnvNprocPerNode,
	EnvMasterAddr, EnvMasterPort,
}

// Topology 拓扑相关变量的快照, 原样保存字符串, 由 identity 包解析
type Topology map[string]string

func (t Topology) Lookup(key string) (string, bool) {
	v, ok := t[key]
	return v, ok
}

func (t Topology) Has(key string) bool {
	_, ok := t[key]
	return ok
}

// Config 进程级配置
type Config struct {
	Mode             model.Mode
	Backend          string
	JobID            string
	HostlistExpander string
	EtcdEndpoints    []string
	Topology         Topology

	CheckpointDir string
	LogDir        string
	Epochs        int
	StepsPerEpoch int
	Keep          int
	BarrierDelay  time.Duration
	StepDelay     time.Duration
}

// Default 没有任何环境变量时的配置
func Default() *Config {
	return &Config{
		Mode:             model.ModeAuto,
		Backend:          "sim",
		JobID:            "local",
		HostlistExpander: "native",
		EtcdEndpoints:    []string{"localhost:2379"},
		Topology:         Topology{},
		CheckpointDir:    "checkpoints",
		LogDir:           "logs",
		Epochs:           2,
		StepsPerEpoch:    3,
		Keep:             3,
		BarrierDelay:     time.Second,
		StepDelay:        500 * time.Millisecond,
	}
}

// FromEnviron 从 os.Environ() 格式的列表构建配置
func FromEnviron(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}

	c := Default()
	for _, k := range topologyKeys {
		if v, ok := env[k]; ok {
			c.Topology[k] = strings.TrimSpace(v)
		}
	}

	if v, ok := env[EnvMode]; ok && v != "" {
		switch m := model.Mode(strings.ToLower(v)); m {
		case model.ModeAuto, model.ModeStandalone, model.ModeSlurm, model.ModeSimulated:
			c.Mode = m
		default:
			return nil, errors.Errorf("%s=%q: want one of auto, standalone, slurm, simulated", EnvMode, v)
		}
	}
	if v := env[EnvBackend]; v != "" {
		c.Backend = strings.ToLower(v)
	}
	switch {
	case env[EnvJobID] != "":
		c.JobID = env[EnvJobID]
	case env[EnvSlurmJobID] != "":
		c.JobID = "slurm-" + env[EnvSlurmJobID]
	}
	if v := env[EnvHostlistExpander]; v != "" {
		c.HostlistExpander = strings.ToLower(v)
	}
	if v := env[EnvEtcdEndpoints]; v != "" {
		c.EtcdEndpoints = SplitList(v)
	}
	if v := env[EnvCheckpointDir]; v != "" {
		c.CheckpointDir = v
	}
	if v := env[EnvLogDir]; v != "" {
		c.LogDir = v
	}

	var err error
	if c.Epochs, err = intVar(env, EnvEpochs, c.Epochs); err != nil {
		return nil, err
	}
	if c.StepsPerEpoch, err = intVar(env, EnvStepsPerEpoch, c.StepsPerEpoch); err != nil {
		return nil, err
	}
	if c.Keep, err = intVar(env, EnvKeep, c.Keep); err != nil {
		return nil, err
	}
	if c.BarrierDelay, err = durationVar(env, EnvBarrierDelay, c.BarrierDelay); err != nil {
		return nil, err
	}
	if c.StepDelay, err = durationVar(env, EnvStepDelay, c.StepDelay); err != nil {
		return nil, err
	}
	return c, nil
}

// SplitList 逗号分隔, 去掉空项
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intVar(env map[string]string, key string, def int) (int, error) {
	v, ok := env[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func durationVar(env map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := env[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative, got %s", key, d)
	}
	return d, nil
}
