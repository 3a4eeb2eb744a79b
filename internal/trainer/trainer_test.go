package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"mn5ddp/internal/checkpoint"
	"mn5ddp/internal/comm"
	"mn5ddp/internal/sim"
	"mn5ddp/pkg/model"
)

func newTrainer(t *testing.T, id model.ProcessIdentity, opts Options) *Trainer {
	s := &sim.Simulator{}
	b, err := comm.New(comm.BackendSim, comm.Deps{Sim: s})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background(), id, model.StandaloneEndpoint()))
	t.Cleanup(func() { _ = b.Close() })
	return New(id, b, s, klog.Background(), opts)
}

func TestRun_FromScratchSavesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	tr := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 3, StepsPerEpoch: 2, Keep: 2})

	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.ResumedFrom)
	assert.Equal(t, 0, sum.StartEpoch)
	assert.Equal(t, 2, sum.EndEpoch)
	assert.Len(t, sum.Saved, 3)

	assert.NoFileExists(t, checkpoint.EpochPath(dir, DefaultPrefix, 0))
	assert.FileExists(t, checkpoint.EpochPath(dir, DefaultPrefix, 1))
	assert.FileExists(t, checkpoint.EpochPath(dir, DefaultPrefix, 2))

	_, rec, err := checkpoint.Load(checkpoint.EpochPath(dir, DefaultPrefix, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(6), rec.OptimizerState.Step)
	assert.Contains(t, rec.OptimizerState.Slots, "linear.weight.momentum")
}

func TestRun_ResumeMatchesUninterruptedRun(t *testing.T) {
	straight := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: t.TempDir(), Epochs: 4, StepsPerEpoch: 3, Keep: -1})
	_, err := straight.Run(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	first := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 2, StepsPerEpoch: 3, Keep: -1})
	_, err = first.Run(context.Background())
	require.NoError(t, err)

	second := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 4, StepsPerEpoch: 3, Keep: -1})
	sum, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.EpochPath(dir, DefaultPrefix, 1), sum.ResumedFrom)
	assert.Equal(t, 2, sum.StartEpoch)
	assert.Equal(t, 3, sum.EndEpoch)
	assert.Equal(t, straight.Params(), second.Params())

	// 已经跑完的作业再启动什么也不做
	again := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 4, StepsPerEpoch: 3, Keep: -1})
	sum, err = again.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.StartEpoch)
	assert.Empty(t, sum.Saved)
}

func TestRun_CorruptCheckpointAborts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(checkpoint.EpochPath(dir, DefaultPrefix, 0), []byte("garbage"), 0o600))

	tr := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 2, StepsPerEpoch: 1})
	_, err := tr.Run(context.Background())
	var corrupt *checkpoint.CorruptCheckpointError
	require.True(t, errors.As(err, &corrupt), "got %v", err)
}

func TestRun_SaveFailureDoesNotStopTraining(t *testing.T) {
	dir := t.TempDir()
	// 目标路径是目录, rename 一定失败
	require.NoError(t, os.Mkdir(checkpoint.EpochPath(dir, DefaultPrefix, 0), 0o755))

	tr := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: dir, Epochs: 2, StepsPerEpoch: 1, Keep: -1})
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SaveErrors)
	assert.Equal(t, []string{checkpoint.EpochPath(dir, DefaultPrefix, 1)}, sum.Saved)
	assert.Equal(t, 1, sum.EndEpoch)

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRun_OnlyLeaderSaves(t *testing.T) {
	dir := t.TempDir()
	id, err := model.NewIdentity(0, 1, 1, 2)
	require.NoError(t, err)

	tr := newTrainer(t, id, Options{CheckpointDir: dir, Epochs: 2, StepsPerEpoch: 1})
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Saved)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_Cancelled(t *testing.T) {
	tr := newTrainer(t, model.StandaloneIdentity(), Options{CheckpointDir: t.TempDir(), Epochs: 2, StepsPerEpoch: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
