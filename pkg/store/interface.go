package store

import (
	"context"

	"github.com/pkg/errors"

	"mn5ddp/pkg/model"
)

// MemberEventType 定义监听事件类型
type MemberEventType int

const (
	MemberPut MemberEventType = iota // 注册或心跳
	MemberDelete
)

// MemberEvent 包装了存储层中发生的成员变化
// rendezvous 通过这个结构体知道有新 rank 加入
type MemberEvent struct {
	Type   MemberEventType
	Rank   int
	Member *model.Member // Delete 时为 nil
}

// ErrNotFound 查询的 key 不存在
var ErrNotFound = errors.New("not found")

// Store 接口定义了 rendezvous 对存储层的所有需求
// 任何实现了这个接口的 Struct (比如 EtcdManager) 都可以被注入到通信后端和启动器中
//
// 成员和 barrier 都按 (jobID, runID) 隔离, 同一个作业重跑不会读到上一次运行的数据
type Store interface {
	// --- Run 相关 ---

	// StartRun 删除作业以前所有运行的成员和 barrier, 然后把 run 记为当前运行 (rank 0 调用)
	StartRun(ctx context.Context, run *model.Run) error

	// UpdateRun 覆盖当前运行记录 (rank 0 写 Ready)
	UpdateRun(ctx context.Context, run *model.Run) error

	// CurrentRun 作业的当前运行, 没有时返回 ErrNotFound
	CurrentRun(ctx context.Context, jobID string) (*model.Run, error)

	// WatchRun 当前运行记录每次变化都发出新值, 被删除时发出 nil
	WatchRun(ctx context.Context, jobID string) <-chan *model.Run

	// --- Member 相关 ---

	// RegisterMember 在 m.RunID 下登记/刷新一个 rank (启动和心跳时调用)
	RegisterMember(ctx context.Context, m *model.Member) error

	// ListMembers 按 rank 升序返回一次运行的所有成员
	ListMembers(ctx context.Context, jobID, runID string) ([]*model.Member, error)

	// RemoveMember 正常退出时注销
	RemoveMember(ctx context.Context, jobID, runID string, rank int) error

	// WatchMembers 监听成员变化 (返回一个只读通道, ctx 结束后关闭)
	WatchMembers(ctx context.Context, jobID, runID string) <-chan MemberEvent

	// --- Barrier 相关 ---

	// ArriveBarrier 记录 rank 到达了第 gen 代 barrier
	ArriveBarrier(ctx context.Context, jobID, runID string, gen int64, rank int) error

	// BarrierArrivals 第 gen 代 barrier 已到达的 rank 数
	BarrierArrivals(ctx context.Context, jobID, runID string, gen int64) (int, error)

	// WatchBarrier 每有一个 rank 到达就发出它的 rank 号
	WatchBarrier(ctx context.Context, jobID, runID string, gen int64) <-chan int

	// --- Log 相关 ---

	SaveRankLog(ctx context.Context, jobID string, rank int, logs string) error
	GetRankLog(ctx context.Context, jobID string, rank int) (string, error)

	// DeleteJob 清理作业下的所有数据
	DeleteJob(ctx context.Context, jobID string) error

	Close() error
}
