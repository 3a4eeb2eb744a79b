package checkpoint

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mn5ddp/pkg/atomicfile"
	"mn5ddp/pkg/model"
)

func sampleRecord(epoch int) *model.CheckpointRecord {
	emb := model.NewTensor(4, 3)
	for i := range emb.Values {
		emb.Values[i] = float32(i)*0.25 - 1
	}
	bias := model.NewTensor(3)
	bias.Values = []float32{0.5, -0.5, float32(epoch)}
	m := model.NewTensor(4, 3)
	m.Values[0] = 1e-3
	return &model.CheckpointRecord{
		Epoch: epoch,
		ModelState: map[string]*model.Tensor{
			"embeddings.weight": emb,
			"head.bias":         bias,
		},
		OptimizerState: model.OptimizerState{
			Name:  "sgd",
			Step:  int64(10 * (epoch + 1)),
			Hyper: map[string]float64{"lr": 1e-3},
			Slots: map[string]*model.Tensor{"embeddings.weight.momentum": m},
		},
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "model.ckpt")
	rec := sampleRecord(3)

	require.NoError(t, NewWriter().Save(rec, path))
	found, got, err := Load(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left after a successful save")
}

func TestSaveLoad_HalfPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	rec := sampleRecord(1)
	w := &Writer{HalfPrecision: true}
	require.NoError(t, w.Save(rec, path))

	found, got, err := Load(path)
	require.NoError(t, err)
	require.True(t, found)
	for name, want := range rec.ModelState {
		require.Contains(t, got.ModelState, name)
		assert.InDeltaSlice(t, want.Values, got.ModelState[name].Values, 1e-3, name)
	}
	// 优化器状态不受影响
	assert.Equal(t, rec.OptimizerState, got.OptimizerState)
}

func TestLoad_MissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nothing.ckpt")
	for i := 0; i < 2; i++ {
		found, rec, err := Load(path)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, rec)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSave_ReplacesPreviousRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	w := NewWriter()
	require.NoError(t, w.Save(sampleRecord(1), path))
	require.NoError(t, w.Save(sampleRecord(2), path))

	_, got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Epoch)
}

func TestSave_InterruptedBeforeRename(t *testing.T) {
	crash := errors.New("SIGKILL: time limit reached")

	t.Run("with prior state", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.ckpt")
		require.NoError(t, NewWriter().Save(sampleRecord(1), path))

		w := &Writer{hooks: atomicfile.Hooks{BeforeRename: func(string) error { return crash }}}
		err := w.Save(sampleRecord(2), path)
		require.ErrorIs(t, err, crash)

		found, got, err := Load(path)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, sampleRecord(1), got)
	})

	t.Run("without prior state", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "model.ckpt")

		w := &Writer{hooks: atomicfile.Hooks{BeforeRename: func(string) error { return crash }}}
		require.ErrorIs(t, w.Save(sampleRecord(2), path), crash)

		found, got, err := Load(path)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, got)

		n, err := CleanStaleTemps(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSave_SerializeErrorLeavesDestination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, NewWriter().Save(sampleRecord(1), path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := sampleRecord(2)
	bad.OptimizerState.Hyper["lr"] = math.NaN() // json 不能编码 NaN
	err = NewWriter().Save(bad, path)
	var serr *SerializeError
	require.True(t, errors.As(err, &serr), "got %T", err)

	invalid := sampleRecord(2)
	invalid.ModelState["head.bias"].Values = invalid.ModelState["head.bias"].Values[:1]
	require.True(t, errors.As(NewWriter().Save(invalid, path), &serr))
	require.True(t, errors.As(NewWriter().Save(nil, path), &serr))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_Corrupt(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.ckpt")
	require.NoError(t, NewWriter().Save(sampleRecord(4), good))
	data, err := os.ReadFile(good)
	require.NoError(t, err)

	tampered := bytes.Replace(data, []byte(`"epoch":4`), []byte(`"epoch":9`), 1)
	require.NotEqual(t, data, tampered)

	cases := map[string][]byte{
		"truncated":      data[:len(data)/2],
		"empty":          {},
		"garbled":        []byte("\x00\x01not a checkpoint\xff"),
		"tampered":       tampered,
		"foreign format": []byte(`{"format":"torch.save","checksum":"","payload":{}}`),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".ckpt")
			require.NoError(t, os.WriteFile(path, content, 0o600))

			found, rec, err := Load(path)
			var cerr *CorruptCheckpointError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, path, cerr.Path)
			assert.False(t, found)
			assert.Nil(t, rec)
		})
	}
}

func TestSave_ConcurrentWritersSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	var wg sync.WaitGroup
	for epoch := 0; epoch < 6; epoch++ {
		wg.Add(1)
		go func(epoch int) {
			defer wg.Done()
			assert.NoError(t, NewWriter().Save(sampleRecord(epoch), path))
		}(epoch)
	}
	wg.Wait()

	found, got, err := Load(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sampleRecord(got.Epoch), got, "record must be one complete writer's output")
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()
	_, found, err := Latest(dir, "ddp_epoch_")
	require.NoError(t, err)
	assert.False(t, found)

	w := NewWriter()
	for _, epoch := range []int{0, 1, 2, 10} {
		require.NoError(t, w.Save(sampleRecord(epoch), EpochPath(dir, "ddp_epoch_", epoch)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	latest, found, err := Latest(dir, "ddp_epoch_")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, filepath.Join(dir, "ddp_epoch_010.ckpt"), latest)

	removed, err := Prune(dir, "ddp_epoch_", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{EpochPath(dir, "ddp_epoch_", 0), EpochPath(dir, "ddp_epoch_", 1)}, removed)
	assert.FileExists(t, EpochPath(dir, "ddp_epoch_", 2))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))

	removed, err = Prune(dir, "ddp_epoch_", -1)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
