// Package trainer 跑一个玩具 DDP 训练循环: 假梯度, all-reduce, SGD,
// 每个 epoch 一次 barrier, rank 0 写 checkpoint, 重启后从最新的 checkpoint 继续.
package trainer

import (
	"context"
	"errors"
	"math"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"

	"mn5ddp/internal/checkpoint"
	"mn5ddp/internal/comm"
	"mn5ddp/internal/sim"
	"mn5ddp/pkg/model"
)

// DefaultPrefix checkpoint 文件名前缀: ddp_epoch_000.ckpt
const DefaultPrefix = "ddp_epoch_"

type Options struct {
	CheckpointDir string
	Prefix        string
	Epochs        int
	StepsPerEpoch int
	// Keep 保留的 checkpoint 个数, < 0 表示全部保留
	Keep          int
	LearningRate  float64
	Momentum      float64
	HalfPrecision bool
}

func (o *Options) defaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.LearningRate == 0 {
		o.LearningRate = 0.01
	}
	if o.Momentum == 0 {
		o.Momentum = 0.9
	}
}

// Summary 一次 Run 的结果
type Summary struct {
	ResumedFrom string // 为空表示从头开始
	StartEpoch  int
	EndEpoch    int // 最后完成的 epoch, 没有执行任何 epoch 时为 StartEpoch-1
	Saved       []string
	SaveErrors  int
}

type Trainer struct {
	opts    Options
	id      model.ProcessIdentity
	backend comm.Backend
	sim     *sim.Simulator
	writer  *checkpoint.Writer
	log     klog.Logger

	params map[string]*model.Tensor
	optim  model.OptimizerState
}

// New backend 需要已经 Init 过
func New(id model.ProcessIdentity, backend comm.Backend, s *sim.Simulator, log klog.Logger, opts Options) *Trainer {
	opts.defaults()
	if s == nil {
		s = sim.New()
	}
	return &Trainer{
		opts:    opts,
		id:      id,
		backend: backend,
		sim:     s,
		writer:  &checkpoint.Writer{HalfPrecision: opts.HalfPrecision},
		log:     log,
	}
}

// initialParams 固定的初始参数, 所有 rank 完全一样
func initialParams() map[string]*model.Tensor {
	w := model.NewTensor(4, 8)
	for i := range w.Values {
		w.Values[i] = float32(math.Sin(float64(i+1))) * 0.1
	}
	return map[string]*model.Tensor{
		"linear.weight": w,
		"linear.bias":   model.NewTensor(4),
	}
}

// resume 的流程:
// 1. 清理被中断的保存留下的临时文件
// 2. 找最新的 checkpoint, 没有就从头开始
// 3. 文件损坏直接失败
func (t *Trainer) resume() (int, string, error) {
	if t.id.IsLeader() {
		if _, err := checkpoint.CleanStaleTemps(t.opts.CheckpointDir); err != nil {
			t.log.Error(err, "Failed to clean temporary files", "dir", t.opts.CheckpointDir)
		}
	}

	t.params = initialParams()
	t.optim = model.OptimizerState{
		Name:  "sgd",
		Hyper: map[string]float64{"lr": t.opts.LearningRate, "momentum": t.opts.Momentum},
		Slots: map[string]*model.Tensor{},
	}

	latest, found, err := checkpoint.Latest(t.opts.CheckpointDir, t.opts.Prefix)
	if err != nil {
		return 0, "", err
	}
	if !found {
		t.log.Info("No checkpoint found. Starting from scratch.")
		return 0, "", nil
	}
	found, rec, err := checkpoint.Load(latest)
	if err != nil {
		return 0, "", err
	}
	if !found {
		// 被其他进程 prune 掉了
		return 0, "", nil
	}
	t.params = rec.ModelState
	t.optim = rec.OptimizerState
	if t.optim.Slots == nil {
		t.optim.Slots = map[string]*model.Tensor{}
	}
	t.log.Info("Resumed from checkpoint", "path", latest, "epoch", rec.Epoch)
	return rec.Epoch + 1, latest, nil
}

// fakeGradients 由参数值和步数决定, 和 rank 无关
func (t *Trainer) fakeGradients(epoch, step int) map[string]*model.Tensor {
	grads := make(map[string]*model.Tensor, len(t.params))
	for name, p := range t.params {
		g := model.NewTensor(p.Shape...)
		for i, v := range p.Values {
			g.Values[i] = v*0.5 + float32(math.Cos(float64(epoch*31+step*7+i)))*0.01
		}
		grads[name] = g
	}
	return grads
}

// sgdStep 带动量的 SGD: v = m*v + g; p -= lr*v
func (t *Trainer) sgdStep(grads map[string]*model.Tensor) {
	lr := float32(t.optim.Hyper["lr"])
	mom := float32(t.optim.Hyper["momentum"])
	for name, p := range t.params {
		g := grads[name]
		slot := name + ".momentum"
		v, ok := t.optim.Slots[slot]
		if !ok {
			v = model.NewTensor(p.Shape...)
			t.optim.Slots[slot] = v
		}
		for i := range p.Values {
			v.Values[i] = mom*v.Values[i] + g.Values[i]
			p.Values[i] -= lr * v.Values[i]
		}
	}
	t.optim.Step++
}

func (t *Trainer) save(epoch int, sum *Summary) {
	path := checkpoint.EpochPath(t.opts.CheckpointDir, t.opts.Prefix, epoch)
	rec := &model.CheckpointRecord{Epoch: epoch, ModelState: t.params, OptimizerState: t.optim}
	if err := t.writer.Save(rec, path); err != nil {
		// 保存失败不影响训练, 下一个 epoch 再试
		t.log.Error(err, "Checkpoint save failed, continuing", "epoch", epoch)
		sum.SaveErrors++
		return
	}
	sum.Saved = append(sum.Saved, path)
	removed, err := checkpoint.Prune(t.opts.CheckpointDir, t.opts.Prefix, t.opts.Keep)
	if err != nil {
		t.log.Error(err, "Failed to prune old checkpoints")
	}
	for _, p := range removed {
		t.log.V(1).Info("Pruned old checkpoint", "path", p)
	}
}

// Run 从最新的 checkpoint (如果有) 继续训练到 Epochs
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	start, from, err := t.resume()
	if err != nil {
		var corrupt *checkpoint.CorruptCheckpointError
		if errors.As(err, &corrupt) {
			t.log.Error(err, "Refusing to resume from a corrupt checkpoint")
		}
		return nil, err
	}
	sum := &Summary{ResumedFrom: from, StartEpoch: start, EndEpoch: start - 1}
	if start >= t.opts.Epochs {
		t.log.Info("Nothing to do, all epochs already completed", "epochs", t.opts.Epochs)
		return sum, nil
	}

	for epoch := start; epoch < t.opts.Epochs; epoch++ {
		t.log.Info("Epoch started", "epoch", epoch)
		for step := 1; step <= t.opts.StepsPerEpoch; step++ {
			if err := t.sim.TrainStep(ctx, t.id, step); err != nil {
				return sum, err
			}
			grads := t.fakeGradients(epoch, step)
			if err := t.backend.AllReduceGradients(ctx, grads); err != nil {
				return sum, pkgerrors.Wrapf(err, "all-reduce at epoch %d step %d", epoch, step)
			}
			t.sgdStep(grads)
		}

		// 所有 rank 完成这个 epoch 之后才写 checkpoint
		if err := t.backend.Barrier(ctx); err != nil {
			return sum, pkgerrors.Wrapf(err, "barrier after epoch %d", epoch)
		}
		if t.id.IsLeader() {
			t.save(epoch, sum)
		}
		sum.EndEpoch = epoch
	}
	t.log.Info("Training finished", "epochs", t.opts.Epochs, "saved", len(sum.Saved))
	return sum, nil
}

// Params 当前参数, 测试用
func (t *Trainer) Params() map[string]*model.Tensor { return t.params }
