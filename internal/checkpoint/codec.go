package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"mn5ddp/pkg/model"
)

// FormatV1 写在文件头里的格式标识
const FormatV1 = "mn5ddp-checkpoint/v1"

const (
	dtypeFloat32 = "float32"
	dtypeFloat16 = "float16"
)

// envelope 文件的最外层. checksum 是 payload 原始字节的 sha256,
// 文件被截断或篡改时校验失败
type envelope struct {
	Format   string          `json:"format"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

type payload struct {
	Epoch          int                      `json:"epoch"`
	ModelState     map[string]encodedTensor `json:"model_state"`
	OptimizerState encodedOptimizer         `json:"optimizer_state"`
}

type encodedOptimizer struct {
	Name  string                   `json:"name"`
	Step  int64                    `json:"step"`
	Hyper map[string]float64       `json:"hyper,omitempty"`
	Slots map[string]encodedTensor `json:"slots,omitempty"`
}

// encodedTensor Data 是小端字节, encoding/json 会转成 base64
type encodedTensor struct {
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
	Data  []byte `json:"data"`
}

func encodeTensor(t *model.Tensor, half bool) encodedTensor {
	et := encodedTensor{Shape: append([]int{}, t.Shape...)}
	if half {
		et.DType = dtypeFloat16
		et.Data = make([]byte, 2*len(t.Values))
		for i, v := range t.Values {
			binary.LittleEndian.PutUint16(et.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
		return et
	}
	et.DType = dtypeFloat32
	et.Data = make([]byte, 4*len(t.Values))
	for i, v := range t.Values {
		binary.LittleEndian.PutUint32(et.Data[4*i:], math.Float32bits(v))
	}
	return et
}

func decodeTensor(name string, et encodedTensor) (*model.Tensor, error) {
	t := &model.Tensor{Shape: et.Shape}
	for _, d := range et.Shape {
		if d < 0 {
			return nil, errors.Errorf("tensor %q has negative dimension in shape %v", name, et.Shape)
		}
	}
	n := t.Size()
	switch et.DType {
	case dtypeFloat32:
		if len(et.Data) != 4*n {
			return nil, errors.Errorf("tensor %q: shape %v wants %d bytes, got %d", name, et.Shape, 4*n, len(et.Data))
		}
		t.Values = make([]float32, n)
		for i := range t.Values {
			t.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(et.Data[4*i:]))
		}
	case dtypeFloat16:
		if len(et.Data) != 2*n {
			return nil, errors.Errorf("tensor %q: shape %v wants %d bytes, got %d", name, et.Shape, 2*n, len(et.Data))
		}
		t.Values = make([]float32, n)
		for i := range t.Values {
			t.Values[i] = float16.Frombits(binary.LittleEndian.Uint16(et.Data[2*i:])).Float32()
		}
	default:
		return nil, errors.Errorf("tensor %q has unknown dtype %q", name, et.DType)
	}
	return t, nil
}

func encodeTensors(ts map[string]*model.Tensor, half bool) map[string]encodedTensor {
	if ts == nil {
		return nil
	}
	out := make(map[string]encodedTensor, len(ts))
	for name, t := range ts {
		out[name] = encodeTensor(t, half)
	}
	return out
}

func decodeTensors(ets map[string]encodedTensor) (map[string]*model.Tensor, error) {
	if ets == nil {
		return nil, nil
	}
	out := make(map[string]*model.Tensor, len(ets))
	for name, et := range ets {
		t, err := decodeTensor(name, et)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// encode 把记录写成一个完整的 envelope
// half 只作用于模型参数, 优化器状态始终是 float32
func encode(w io.Writer, rec *model.CheckpointRecord, half bool) error {
	p := payload{
		Epoch:      rec.Epoch,
		ModelState: encodeTensors(rec.ModelState, half),
		OptimizerState: encodedOptimizer{
			Name:  rec.OptimizerState.Name,
			Step:  rec.OptimizerState.Step,
			Hyper: rec.OptimizerState.Hyper,
			Slots: encodeTensors(rec.OptimizerState.Slots, false),
		},
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint payload")
	}
	sum := sha256.Sum256(raw)
	env := envelope{Format: FormatV1, Checksum: hex.EncodeToString(sum[:]), Payload: raw}
	if err := json.NewEncoder(w).Encode(&env); err != nil {
		return errors.Wrap(err, "encoding checkpoint envelope")
	}
	return nil
}

// decode 校验格式和 checksum 后还原记录
func decode(data []byte) (*model.CheckpointRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	if env.Format != FormatV1 {
		return nil, errors.Errorf("unknown checkpoint format %q", env.Format)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, errors.New("checksum mismatch")
	}

	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}
	if p.Epoch < 0 {
		return nil, errors.Errorf("negative epoch %d", p.Epoch)
	}
	modelState, err := decodeTensors(p.ModelState)
	if err != nil {
		return nil, errors.Wrap(err, "model state")
	}
	slots, err := decodeTensors(p.OptimizerState.Slots)
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	return &model.CheckpointRecord{
		Epoch:      p.Epoch,
		ModelState: modelState,
		OptimizerState: model.OptimizerState{
			Name:  p.OptimizerState.Name,
			Step:  p.OptimizerState.Step,
			Hyper: p.OptimizerState.Hyper,
			Slots: slots,
		},
	}, nil
}
