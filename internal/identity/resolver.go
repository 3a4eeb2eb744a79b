// Package identity 把调度器给的环境变量翻译成 (rank, world_size) 身份和 rendezvous 地址
package identity

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/internal/config"
	"mn5ddp/pkg/model"
)

// Resolver 只读 config.Config, 不直接访问环境变量
type Resolver struct {
	cfg      *config.Config
	expander Expander
}

// NewResolver 按配置选择节点列表展开方式
func NewResolver(cfg *config.Config) (*Resolver, error) {
	exp, err := NewExpander(cfg.HostlistExpander)
	if err != nil {
		return nil, err
	}
	return &Resolver{cfg: cfg, expander: exp}, nil
}

// WithExpander 替换展开实现 (测试用)
func (r *Resolver) WithExpander(e Expander) *Resolver {
	r.expander = e
	return r
}

// DetectMode auto 模式下的判断: 有 SLURM_JOB_ID 就是 SLURM 作业,
// 有假启动器的变量就是模拟模式, 都没有就是单进程
func DetectMode(cfg *config.Config) model.Mode {
	if cfg.Mode != model.ModeAuto && cfg.Mode != "" {
		return cfg.Mode
	}
	t := cfg.Topology
	switch {
	case t.Has(config.EnvSlurmJobID):
		return model.ModeSlurm
	case t.Has(config.EnvNodeRank) || t.Has(config.EnvWorldSizeNodes) || t.Has(config.EnvNprocPerNode):
		return model.ModeSimulated
	default:
		return model.ModeStandalone
	}
}

// Resolve 计算本进程的拓扑, 失败返回 *TopologyParseError
func (r *Resolver) Resolve(ctx context.Context) (*model.Topology, error) {
	var (
		topo *model.Topology
		err  error
	)
	switch mode := DetectMode(r.cfg); mode {
	case model.ModeStandalone:
		if r.cfg.Mode == model.ModeAuto {
			klog.Warning("[Identity] Not running inside SLURM. Defaulting to local standalone mode.")
		}
		topo = &model.Topology{
			Mode:     model.ModeStandalone,
			Identity: model.StandaloneIdentity(),
			Endpoint: model.StandaloneEndpoint(),
		}
	case model.ModeSlurm:
		topo, err = r.resolveSlurm(ctx)
	case model.ModeSimulated:
		topo, err = r.resolveSimulated()
	default:
		err = parseErr(config.EnvMode, string(mode), errors.New("unknown mode"))
	}
	if err != nil {
		return nil, err
	}

	klog.Infof("[Identity] Mode: %s, Master: %s, Rank: %d, World: %d",
		topo.Mode, topo.Endpoint, topo.Identity.GlobalRank, topo.Identity.WorldSize)
	return topo, nil
}

func (r *Resolver) resolveSlurm(ctx context.Context) (*model.Topology, error) {
	t := r.cfg.Topology

	// 1. 展开节点列表, 第一个节点作为 master
	nodeList, ok := t.Lookup(config.EnvSlurmNodeList)
	if !ok || nodeList == "" {
		return nil, parseErr(config.EnvSlurmNodeList, "", errors.New("missing node list"))
	}
	hosts, err := r.expander.Expand(ctx, nodeList)
	if err != nil {
		return nil, parseErr(config.EnvSlurmNodeList, nodeList, err)
	}
	if len(hosts) == 0 {
		return nil, parseErr(config.EnvSlurmNodeList, nodeList, errors.New("node list expanded to no hosts"))
	}

	nodesTotal := len(hosts)
	if n, ok, err := optInt(t, config.EnvSlurmNNodes); err != nil {
		return nil, err
	} else if ok && n != nodesTotal {
		return nil, parseErr(config.EnvSlurmNNodes, strconv.Itoa(n),
			errors.Errorf("does not match %d hosts in %s", nodesTotal, config.EnvSlurmNodeList))
	}

	procID, hasProcID, err := optInt(t, config.EnvSlurmProcID)
	if err != nil {
		return nil, err
	}
	localID, hasLocalID, err := optInt(t, config.EnvSlurmLocalID)
	if err != nil {
		return nil, err
	}
	nodeID, hasNodeID, err := optInt(t, config.EnvSlurmNodeID)
	if err != nil {
		return nil, err
	}
	nTasks, hasNTasks, err := optInt(t, config.EnvSlurmNTasks)
	if err != nil {
		return nil, err
	}

	// 2. 每个节点的进程数
	ppn, hasPPN, err := tasksPerNode(t)
	if err != nil {
		return nil, err
	}
	if !hasPPN {
		if !hasNTasks {
			return nil, parseErr(config.EnvSlurmTasksPerNode, "",
				errors.Errorf("missing, and %s is not set either", config.EnvSlurmNTasks))
		}
		if nTasks%nodesTotal != 0 {
			return nil, parseErr(config.EnvSlurmNTasks, strconv.Itoa(nTasks),
				errors.Errorf("not divisible by %d nodes; heterogeneous layouts are not supported", nodesTotal))
		}
		ppn = nTasks / nodesTotal
	}
	if ppn <= 0 {
		return nil, parseErr(config.EnvSlurmTasksPerNode, strconv.Itoa(ppn), errors.New("must be positive"))
	}

	// 3. 有全局 rank 就直接用, 否则用 node_rank * ppn + local_rank 计算
	if !hasLocalID {
		if !hasProcID {
			return nil, parseErr(config.EnvSlurmLocalID, "", errors.New("missing local rank"))
		}
		localID = procID % ppn
	}
	var id model.ProcessIdentity
	if hasProcID {
		if !hasNodeID {
			nodeID = procID / ppn
		}
		id = model.ProcessIdentity{
			GlobalRank:   procID,
			LocalRank:    localID,
			NodeRank:     nodeID,
			WorldSize:    nodesTotal * ppn,
			NodesTotal:   nodesTotal,
			ProcsPerNode: ppn,
		}
	} else {
		if !hasNodeID {
			return nil, parseErr(config.EnvSlurmNodeID, "",
				errors.Errorf("missing, and %s is not set either", config.EnvSlurmProcID))
		}
		id = model.ProcessIdentity{
			GlobalRank:   nodeID*ppn + localID,
			LocalRank:    localID,
			NodeRank:     nodeID,
			WorldSize:    nodesTotal * ppn,
			NodesTotal:   nodesTotal,
			ProcsPerNode: ppn,
		}
	}
	if hasNTasks && nTasks != id.WorldSize {
		return nil, parseErr(config.EnvSlurmNTasks, strconv.Itoa(nTasks),
			errors.Errorf("does not match %d nodes * %d tasks per node", nodesTotal, ppn))
	}
	if err := id.Validate(); err != nil {
		return nil, parseErr("topology", "", err)
	}

	// 4. rendezvous 地址, MASTER_ADDR / MASTER_PORT 可以覆盖
	ep := model.RendezvousEndpoint{Address: hosts[0], Port: model.ManagedPort}
	if err := r.overrideEndpoint(&ep); err != nil {
		return nil, err
	}
	return &model.Topology{Mode: model.ModeSlurm, Identity: id, Endpoint: ep, Hostnames: hosts}, nil
}

func (r *Resolver) resolveSimulated() (*model.Topology, error) {
	t := r.cfg.Topology
	nodeRank, err := intOr(t, config.EnvNodeRank, 0)
	if err != nil {
		return nil, err
	}
	localRank, err := intOr(t, config.EnvLocalRank, 0)
	if err != nil {
		return nil, err
	}
	nodes, err := intOr(t, config.EnvWorldSizeNodes, 1)
	if err != nil {
		return nil, err
	}
	ppn, err := intOr(t, config.EnvNprocPerNode, 4)
	if err != nil {
		return nil, err
	}
	id, err := model.NewIdentity(nodeRank, localRank, nodes, ppn)
	if err != nil {
		return nil, parseErr("topology", "", err)
	}

	ep := model.StandaloneEndpoint()
	if err := r.overrideEndpoint(&ep); err != nil {
		return nil, err
	}
	return &model.Topology{Mode: model.ModeSimulated, Identity: id, Endpoint: ep}, nil
}

func (r *Resolver) overrideEndpoint(ep *model.RendezvousEndpoint) error {
	t := r.cfg.Topology
	if addr, ok := t.Lookup(config.EnvMasterAddr); ok && addr != "" {
		ep.Address = addr
	}
	if port, ok, err := optInt(t, config.EnvMasterPort); err != nil {
		return err
	} else if ok {
		ep.Port = port
	}
	if err := ep.Validate(); err != nil {
		return parseErr(config.EnvMasterPort, strconv.Itoa(ep.Port), err)
	}
	return nil
}

func optInt(t config.Topology, key string) (int, bool, error) {
	v, ok := t.Lookup(key)
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, parseErr(key, v, errors.New("not an integer"))
	}
	if n < 0 {
		return 0, false, parseErr(key, v, errors.New("must not be negative"))
	}
	return n, true, nil
}

func intOr(t config.Topology, key string, def int) (int, error) {
	n, ok, err := optInt(t, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return n, nil
}

var tasksPerNodeItem = regexp.MustCompile(`^(\d+)(?:\(x(\d+)\))?$`)

// tasksPerNode 解析 SLURM_NTASKS_PER_NODE, 支持 "4", "4(x2)", "4,4"
// 各节点数量不一致时报错
func tasksPerNode(t config.Topology) (int, bool, error) {
	v, ok := t.Lookup(config.EnvSlurmTasksPerNode)
	if !ok || v == "" {
		return 0, false, nil
	}
	ppn := -1
	for _, item := range strings.Split(v, ",") {
		m := tasksPerNodeItem.FindStringSubmatch(strings.TrimSpace(item))
		if m == nil {
			return 0, false, parseErr(config.EnvSlurmTasksPerNode, v, errors.New("unrecognized format"))
		}
		n, _ := strconv.Atoi(m[1])
		if ppn >= 0 && n != ppn {
			return 0, false, parseErr(config.EnvSlurmTasksPerNode, v, errors.New("heterogeneous layouts are not supported"))
		}
		ppn = n
	}
	return ppn, true, nil
}

// Environ 需要导出给训练框架的变量, KEY=VALUE 格式
func Environ(topo *model.Topology) []string {
	id := topo.Identity
	return []string{
		fmt.Sprintf("%s=%s", config.EnvMasterAddr, topo.Endpoint.Address),
		fmt.Sprintf("%s=%d", config.EnvMasterPort, topo.Endpoint.Port),
		fmt.Sprintf("%s=%d", config.EnvRank, id.GlobalRank),
		fmt.Sprintf("%s=%d", config.EnvWorldSize, id.WorldSize),
		fmt.Sprintf("%s=%d", config.EnvLocalRank, id.LocalRank),
		fmt.Sprintf("%s=%d", config.EnvNodeRank, id.NodeRank),
	}
}

// Export 把身份写进进程环境, 训练框架初始化通信时会读这些变量
// setenv 为 nil 时使用 os.Setenv
func Export(topo *model.Topology, setenv func(key, value string) error) error {
	if setenv == nil {
		setenv = os.Setenv
	}
	for _, kv := range Environ(topo) {
		k, v, _ := strings.Cut(kv, "=")
		if err := setenv(k, v); err != nil {
			return errors.Wrapf(err, "exporting %s", k)
		}
	}
	return nil
}
