package model

import "time"

// MemberStatus rank 的健康状态
type MemberStatus string

const (
	MemberReady   MemberStatus = "READY"
	MemberOffline MemberStatus = "OFFLINE" // 心跳超时
)

// HeartbeatTimeout 超过这个时间没有心跳就认为下线
const HeartbeatTimeout = 10 * time.Second

// Member 一个 rank 在 rendezvous 里的登记信息
type Member struct {
	JobID     string `json:"job_id"`
	RunID     string `json:"run_id"`
	Nonce     string `json:"nonce"` // 每次 Init 重新生成, 区分同一 rank 的不同进程
	Rank      int    `json:"rank"`
	LocalRank int    `json:"local_rank"`
	NodeRank  int    `json:"node_rank"`
	WorldSize int    `json:"world_size"`
	Hostname  string `json:"hostname"`

	Status        MemberStatus `json:"status"`
	LastHeartbeat int64        `json:"last_heartbeat"` // Unix 时间戳
}

// NewMember 从身份信息生成登记记录, RunID 和 Nonce 由 rendezvous 填写
func NewMember(jobID, hostname string, id ProcessIdentity) *Member {
	return &Member{
		JobID:         jobID,
		Rank:          id.GlobalRank,
		LocalRank:     id.LocalRank,
		NodeRank:      id.NodeRank,
		WorldSize:     id.WorldSize,
		Hostname:      hostname,
		Status:        MemberReady,
		LastHeartbeat: time.Now().Unix(),
	}
}

// EffectiveStatus 按心跳时间修正状态
func (m *Member) EffectiveStatus(now time.Time) MemberStatus {
	if m.Status == MemberReady && now.Sub(time.Unix(m.LastHeartbeat, 0)) > HeartbeatTimeout {
		return MemberOffline
	}
	return m.Status
}

// Run 作业的一次运行. 同一个作业 ID 重跑 (SLURM requeue, 从 checkpoint 续跑)
// 时 rank 0 生成新的 ID, 成员和 barrier 都记在这次运行下面, 不会看到上一次的残留
type Run struct {
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	WorldSize int    `json:"world_size"`
	Leader    string `json:"leader"` // rank 0 的主机名
	StartedAt int64  `json:"started_at"`

	// Ready rendezvous 完成后由 rank 0 写入: rank -> 它看到的成员 nonce
	Ready map[int]string `json:"ready,omitempty"`
}

// Admits 这次运行的 rendezvous 是否已经包含了 (rank, nonce) 这个进程
func (r *Run) Admits(rank int, nonce string) bool {
	return r != nil && r.Ready != nil && r.Ready[rank] == nonce
}
