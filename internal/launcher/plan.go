// Package launcher 在一台机器上模拟 nodes x procs_per_node 个 rank 的多节点启动.
//
// 每个 rank 是一个独立进程 (本地进程或 Docker 容器), 通过环境变量拿到自己的身份,
// 就像 torchrun / srun 做的那样.
package launcher

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"mn5ddp/internal/comm"
	"mn5ddp/internal/config"
	"mn5ddp/pkg/model"
)

const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
)

// Spec 一次启动的完整描述, 可以从 YAML 读入, 再被命令行参数覆盖
type Spec struct {
	JobID         string            `yaml:"job_id"`
	Nodes         int               `yaml:"nodes"`
	ProcsPerNode  int               `yaml:"procs_per_node"`
	MasterAddr    string            `yaml:"master_addr"`
	MasterPort    int               `yaml:"master_port"`
	Backend       string            `yaml:"backend"`
	EtcdEndpoints []string          `yaml:"etcd_endpoints"`
	Command       []string          `yaml:"command"`
	Env           map[string]string `yaml:"env"`

	Executor    string `yaml:"executor"`
	Image       string `yaml:"image"`
	Pull        bool   `yaml:"pull"`
	MaxParallel int    `yaml:"max_parallel"` // 0 表示不限制
}

// DefaultSpec 2 个节点, 每个节点 4 个进程
func DefaultSpec() Spec {
	return Spec{
		JobID:         "local",
		Nodes:         2,
		ProcsPerNode:  4,
		MasterAddr:    "localhost",
		MasterPort:    model.StandalonePort,
		Backend:       comm.BackendSim,
		EtcdEndpoints: []string{"localhost:2379"},
		Command:       []string{"ddp-sim"},
		Executor:      ExecutorLocal,
		Image:         "alpine:latest",
	}
}

// WorldSize 总进程数
func (s Spec) WorldSize() int { return s.Nodes * s.ProcsPerNode }

// Validate 检查参数组合是否能跑起来
func (s Spec) Validate() error {
	if s.JobID == "" {
		return errors.New("job id must not be empty")
	}
	if s.Nodes < 1 || s.ProcsPerNode < 1 {
		return errors.Errorf("need at least 1 node and 1 process per node, got %d x %d", s.Nodes, s.ProcsPerNode)
	}
	ep := model.RendezvousEndpoint{Address: s.MasterAddr, Port: s.MasterPort}
	if err := ep.Validate(); err != nil {
		return err
	}
	if len(s.Command) == 0 {
		return errors.New("command must not be empty")
	}
	switch s.Executor {
	case ExecutorLocal:
	case ExecutorDocker:
		if s.Image == "" {
			return errors.New("docker executor needs an image")
		}
	default:
		return errors.Errorf("unknown executor %q", s.Executor)
	}
	if s.MaxParallel < 0 {
		return errors.Errorf("max_parallel must not be negative, got %d", s.MaxParallel)
	}
	// etcd 的 rendezvous 要等所有 rank 都在线, 并发度不够会永远等下去
	if s.Backend == comm.BackendEtcd && s.MaxParallel > 0 && s.MaxParallel < s.WorldSize() {
		return errors.Errorf("backend etcd needs all %d ranks running at once, max_parallel is %d", s.WorldSize(), s.MaxParallel)
	}
	return nil
}

// RankSpec 一个 rank 的启动参数
type RankSpec struct {
	Identity model.ProcessIdentity
	Env      []string // KEY=VALUE, 已排序
	Command  []string
}

// Plan 为每个全局 rank 生成环境, 按 rank 升序
func Plan(s Spec) ([]RankSpec, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	ranks := make([]RankSpec, 0, s.WorldSize())
	for node := 0; node < s.Nodes; node++ {
		for local := 0; local < s.ProcsPerNode; local++ {
			id, err := model.NewIdentity(node, local, s.Nodes, s.ProcsPerNode)
			if err != nil {
				return nil, err
			}
			ranks = append(ranks, RankSpec{
				Identity: id,
				Env:      rankEnv(s, id),
				Command:  append([]string(nil), s.Command...),
			})
		}
	}
	return ranks, nil
}

func rankEnv(s Spec, id model.ProcessIdentity) []string {
	env := map[string]string{}
	for k, v := range s.Env {
		env[k] = v
	}
	// 启动器决定的值优先于用户的 env
	env[config.EnvMode] = string(model.ModeSimulated)
	env[config.EnvNodeRank] = strconv.Itoa(id.NodeRank)
	env[config.EnvLocalRank] = strconv.Itoa(id.LocalRank)
	env[config.EnvWorldSizeNodes] = strconv.Itoa(s.Nodes)
	env[config.EnvNprocPerNode] = strconv.Itoa(s.ProcsPerNode)
	env[config.EnvMasterAddr] = s.MasterAddr
	env[config.EnvMasterPort] = strconv.Itoa(s.MasterPort)
	env[config.EnvRank] = strconv.Itoa(id.GlobalRank)
	env[config.EnvWorldSize] = strconv.Itoa(id.WorldSize)
	env[config.EnvJobID] = s.JobID
	if s.Backend != "" {
		env[config.EnvBackend] = s.Backend
	}
	if len(s.EtcdEndpoints) > 0 {
		env[config.EnvEtcdEndpoints] = strings.Join(s.EtcdEndpoints, ",")
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
