// Package comm 抽象了分布式通信后端.
//
// 训练代码只依赖 Backend 接口, 具体实现按名字选择:
//
//	sim   单进程演示, barrier 是固定延迟
//	etcd  通过 etcd 做成员登记和真正的跨进程 barrier
//
// nccl/gloo 需要外部的集合通信库, 这里不提供.
package comm

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mn5ddp/internal/sim"
	"mn5ddp/pkg/model"
	"mn5ddp/pkg/store"
)

const (
	BackendSim  = "sim"
	BackendEtcd = "etcd"
)

// ErrExternalBackend 名字合法但依赖本模块不提供的通信库
var ErrExternalBackend = errors.New("backend requires an external collective library")

// Backend 进程组的最小接口
type Backend interface {
	Name() string

	// Init 加入进程组, 返回时所有 rank 都已就绪
	Init(ctx context.Context, id model.ProcessIdentity, ep model.RendezvousEndpoint) error

	// Barrier 所有 rank 都到达后才返回
	Barrier(ctx context.Context) error

	// AllReduceGradients 原地把梯度换成所有 rank 的平均值
	AllReduceGradients(ctx context.Context, grads map[string]*model.Tensor) error

	Close() error
}

// Deps 构造后端需要的外部依赖
type Deps struct {
	Sim *sim.Simulator

	// 以下只有 etcd 后端需要
	Store             store.Store
	JobID             string
	Hostname          string
	HeartbeatInterval time.Duration // 默认 3s
}

// New 按名字构造后端
func New(name string, deps Deps) (Backend, error) {
	if deps.Sim == nil {
		deps.Sim = sim.New()
	}
	switch strings.ToLower(name) {
	case "", BackendSim:
		return &SimBackend{sim: deps.Sim}, nil
	case BackendEtcd:
		if deps.Store == nil {
			return nil, errors.New("etcd backend needs a store")
		}
		if deps.JobID == "" {
			return nil, errors.New("etcd backend needs a job id")
		}
		if deps.HeartbeatInterval <= 0 {
			deps.HeartbeatInterval = DefaultHeartbeatInterval
		}
		return &EtcdBackend{deps: deps}, nil
	case "nccl", "gloo":
		return nil, errors.Wrapf(ErrExternalBackend, "backend %q", name)
	default:
		return nil, errors.Errorf("unknown backend %q", name)
	}
}
