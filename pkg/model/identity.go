package model

import "fmt"

// Mode 表示身份信息的来源
type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeStandalone Mode = "standalone" // 本地单进程
	ModeSlurm      Mode = "slurm"      // SLURM 分配的作业
	ModeSimulated  Mode = "simulated"  // 假多节点启动器注入的环境
)

// ProcessIdentity 一个进程在分布式作业里的逻辑身份
// 进程启动时生成一次，之后只读
type ProcessIdentity struct {
	GlobalRank   int `json:"global_rank"`
	LocalRank    int `json:"local_rank"`
	NodeRank     int `json:"node_rank"`
	WorldSize    int `json:"world_size"`
	NodesTotal   int `json:"nodes_total"`
	ProcsPerNode int `json:"procs_per_node"`
}

// MaxWorldSize 作业进程总数的上限, 保证 rank 运算不会溢出
const MaxWorldSize = 1 << 24

// StandaloneIdentity 单进程默认身份
func StandaloneIdentity() ProcessIdentity {
	return ProcessIdentity{WorldSize: 1, NodesTotal: 1, ProcsPerNode: 1}
}

// NewIdentity 根据节点内索引计算全局身份:
// global_rank = node_rank * procs_per_node + local_rank
// world_size  = nodes_total * procs_per_node
func NewIdentity(nodeRank, localRank, nodesTotal, procsPerNode int) (ProcessIdentity, error) {
	id := ProcessIdentity{
		GlobalRank:   nodeRank*procsPerNode + localRank,
		LocalRank:    localRank,
		NodeRank:     nodeRank,
		WorldSize:    nodesTotal * procsPerNode,
		NodesTotal:   nodesTotal,
		ProcsPerNode: procsPerNode,
	}
	return id, id.Validate()
}

// Validate 检查所有不变量
func (p ProcessIdentity) Validate() error {
	switch {
	case p.ProcsPerNode <= 0:
		return fmt.Errorf("procs_per_node must be positive, got %d", p.ProcsPerNode)
	case p.NodesTotal <= 0:
		return fmt.Errorf("nodes_total must be positive, got %d", p.NodesTotal)
	case p.ProcsPerNode > MaxWorldSize || p.NodesTotal > MaxWorldSize/p.ProcsPerNode:
		return fmt.Errorf("nodes_total %d * procs_per_node %d exceeds %d processes", p.NodesTotal, p.ProcsPerNode, MaxWorldSize)
	case p.LocalRank < 0 || p.LocalRank >= p.ProcsPerNode:
		return fmt.Errorf("local_rank %d out of range [0, %d)", p.LocalRank, p.ProcsPerNode)
	case p.NodeRank < 0 || p.NodeRank >= p.NodesTotal:
		return fmt.Errorf("node_rank %d out of range [0, %d)", p.NodeRank, p.NodesTotal)
	case p.WorldSize != p.NodesTotal*p.ProcsPerNode:
		return fmt.Errorf("world_size %d != nodes_total %d * procs_per_node %d", p.WorldSize, p.NodesTotal, p.ProcsPerNode)
	case p.GlobalRank != p.NodeRank*p.ProcsPerNode+p.LocalRank:
		return fmt.Errorf("global_rank %d != node_rank %d * procs_per_node %d + local_rank %d",
			p.GlobalRank, p.NodeRank, p.ProcsPerNode, p.LocalRank)
	case p.GlobalRank < 0 || p.GlobalRank >= p.WorldSize:
		return fmt.Errorf("global_rank %d out of range [0, %d)", p.GlobalRank, p.WorldSize)
	}
	return nil
}

// IsLeader rank 0 负责写 checkpoint
func (p ProcessIdentity) IsLeader() bool {
	return p.GlobalRank == 0
}

// String 叙述用的标签，例如 "Node 1 | Local Rank 3"
func (p ProcessIdentity) String() string {
	return fmt.Sprintf("Node %d | Local Rank %d", p.NodeRank, p.LocalRank)
}

// RendezvousEndpoint 所有进程约定的汇合地址
type RendezvousEndpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

const (
	StandalonePort = 12355
	ManagedPort    = 29500
)

// StandaloneEndpoint localhost:12355
func StandaloneEndpoint() RendezvousEndpoint {
	return RendezvousEndpoint{Address: "localhost", Port: StandalonePort}
}

func (e RendezvousEndpoint) Validate() error {
	if e.Address == "" {
		return fmt.Errorf("rendezvous address is empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("rendezvous port %d out of range (0, 65535]", e.Port)
	}
	return nil
}

func (e RendezvousEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Topology 一次解析的完整结果
type Topology struct {
	Mode      Mode               `json:"mode"`
	Identity  ProcessIdentity    `json:"identity"`
	Endpoint  RendezvousEndpoint `json:"endpoint"`
	Hostnames []string           `json:"hostnames,omitempty"` // 第一个是 rendezvous host
}
