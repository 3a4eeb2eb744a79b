package model

import "fmt"

// Tensor 简单的稠密 float32 张量, 只用于保存/恢复训练状态
type Tensor struct {
	Shape  []int     `json:"shape"`
	Values []float32 `json:"-"`
}

// NewTensor 创建全零张量
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Values: make([]float32, n)}
}

// Size 元素个数
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate 检查 Values 长度和 Shape 一致
func (t *Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if len(t.Values) != t.Size() {
		return fmt.Errorf("shape %v wants %d values, got %d", t.Shape, t.Size(), len(t.Values))
	}
	return nil
}

// Clone 深拷贝
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Values: append([]float32(nil), t.Values...)}
}

// OptimizerState 优化器的簿记信息 (例如 AdamW 的 step 和动量)
type OptimizerState struct {
	Name  string             `json:"name"`
	Step  int64              `json:"step"`
	Hyper map[string]float64 `json:"hyper,omitempty"`
	Slots map[string]*Tensor `json:"-"`
}

// CheckpointRecord 一个 epoch 的训练快照
type CheckpointRecord struct {
	Epoch          int                `json:"epoch"`
	ModelState     map[string]*Tensor `json:"-"`
	OptimizerState OptimizerState     `json:"optimizer_state"`
}

// Validate 保存前检查
func (r *CheckpointRecord) Validate() error {
	if r.Epoch < 0 {
		return fmt.Errorf("epoch must be non-negative, got %d", r.Epoch)
	}
	for name, t := range r.ModelState {
		if t == nil {
			return fmt.Errorf("model state %q is nil", name)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("model state %q: %w", name, err)
		}
	}
	for name, t := range r.OptimizerState.Slots {
		if t == nil {
			return fmt.Errorf("optimizer slot %q is nil", name)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("optimizer slot %q: %w", name, err)
		}
	}
	return nil
}

// NumParams 模型参数总数
func (r *CheckpointRecord) NumParams() int {
	n := 0
	for _, t := range r.ModelState {
		n += t.Size()
	}
	return n
}
