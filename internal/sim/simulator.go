// Package sim 用固定延迟"演示"分布式同步点和训练步骤.
//
// 这里没有任何跨进程的协调: Barrier 只是睡一会儿, 代表真实网络同步的耗时.
// 只用于教学, 不要当成真正的 barrier 使用.
package sim

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"mn5ddp/pkg/model"
)

// EventType 演示过程中的阶段
type EventType string

const (
	EventConnect      EventType = "connect"
	EventEnterBarrier EventType = "enter_barrier"
	EventExitBarrier  EventType = "exit_barrier"
	EventForward      EventType = "forward"
	EventBackward     EventType = "backward"
	EventOptimizer    EventType = "optimizer"
)

// Event 一条叙述记录
type Event struct {
	Type     EventType
	Identity model.ProcessIdentity
	Step     int
	Message  string
}

const (
	DefaultBarrierDelay = time.Second
	DefaultStepDelay    = 500 * time.Millisecond
)

// Simulator 零值的延迟为 0, 用 New 得到默认延迟
type Simulator struct {
	BarrierDelay time.Duration
	StepDelay    time.Duration

	// OnEvent 每个阶段回调一次, 可以为 nil
	OnEvent func(Event)
}

// New 默认延迟: barrier 1s, 训练步骤 0.5s
func New() *Simulator {
	return &Simulator{BarrierDelay: DefaultBarrierDelay, StepDelay: DefaultStepDelay}
}

func (s *Simulator) emit(ev Event) {
	klog.Infof("[%s] %s", ev.Identity, ev.Message)
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

// sleep 可以被 ctx 取消
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect 演示连接到 rendezvous 地址
func (s *Simulator) Connect(ctx context.Context, id model.ProcessIdentity, ep model.RendezvousEndpoint) error {
	klog.Infof("[%s] Initializing Fake Process Group...", id)
	if err := sleep(ctx, s.StepDelay); err != nil {
		return err
	}
	s.emit(Event{Type: EventConnect, Identity: id, Message: "Connected to " + ep.String()})
	return nil
}

// EnterBarrier 进入同步点的标记
func (s *Simulator) EnterBarrier(_ context.Context, id model.ProcessIdentity) {
	s.emit(Event{Type: EventEnterBarrier, Identity: id, Message: "Entering barrier..."})
}

// ExitBarrier 离开同步点的标记
func (s *Simulator) ExitBarrier(_ context.Context, id model.ProcessIdentity) {
	s.emit(Event{Type: EventExitBarrier, Identity: id, Message: "Exited barrier."})
}

// Barrier Enter -> 固定延迟 -> Exit
func (s *Simulator) Barrier(ctx context.Context, id model.ProcessIdentity) error {
	s.EnterBarrier(ctx, id)
	if err := sleep(ctx, s.BarrierDelay); err != nil {
		return err
	}
	s.ExitBarrier(ctx, id)
	return nil
}

// TrainStep 演示一次训练: forward, backward (梯度 all-reduce), optimizer
func (s *Simulator) TrainStep(ctx context.Context, id model.ProcessIdentity, step int) error {
	klog.Infof("[%s] Starting Fake Training Step %d...", id, step)
	if err := sleep(ctx, s.StepDelay); err != nil {
		return err
	}
	s.emit(Event{Type: EventForward, Identity: id, Step: step, Message: "Forward pass complete."})
	s.emit(Event{Type: EventBackward, Identity: id, Step: step, Message: "Backward pass (Gradient All-Reduce) complete."})
	s.emit(Event{Type: EventOptimizer, Identity: id, Step: step, Message: "Optimizer step complete."})
	return nil
}
