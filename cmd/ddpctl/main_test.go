package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mn5ddp/internal/checkpoint"
	"mn5ddp/pkg/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHostlistCmd(t *testing.T) {
	out, err := execute(t, "hostlist", "as01r1b[01-02],gs05")
	require.NoError(t, err)
	assert.Equal(t, "as01r1b01\nas01r1b02\ngs05\n", out)

	_, err = execute(t, "hostlist", "node[3-1]")
	assert.Error(t, err)
}

func TestIdentityCmd_Export(t *testing.T) {
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "29500")
	t.Setenv("WORLD_SIZE_NODES", "2")
	t.Setenv("NPROC_PER_NODE", "4")
	t.Setenv("NODE_RANK", "1")
	t.Setenv("LOCAL_RANK", "2")
	t.Setenv("DDP_MODE", "simulated")

	out, err := execute(t, "identity", "--export")
	require.NoError(t, err)
	assert.Contains(t, out, `export RANK="6"`)
	assert.Contains(t, out, `export WORLD_SIZE="8"`)
	assert.Contains(t, out, `export MASTER_ADDR="10.0.0.1"`)
}

func TestCheckpointCmds(t *testing.T) {
	dir := t.TempDir()
	w := checkpoint.NewWriter()
	for epoch := 0; epoch < 3; epoch++ {
		weight := model.NewTensor(2, 3)
		rec := &model.CheckpointRecord{
			Epoch:      epoch,
			ModelState: map[string]*model.Tensor{"linear.weight": weight},
			OptimizerState: model.OptimizerState{
				Name:  "sgd",
				Step:  int64(epoch + 1),
				Hyper: map[string]float64{"lr": 0.01},
			},
		}
		require.NoError(t, w.Save(rec, checkpoint.EpochPath(dir, "ddp_epoch_", epoch)))
	}

	out, err := execute(t, "ckpt", "latest", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ddp_epoch_002.ckpt"), strings.TrimSpace(out))

	out, err = execute(t, "ckpt", "inspect", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "linear.weight")
	assert.Contains(t, out, "[2 3]")
	assert.Contains(t, out, "sgd")

	out, err = execute(t, "ckpt", "prune", "--keep", "1", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 checkpoint(s)")

	_, err = execute(t, "ckpt", "latest", t.TempDir())
	assert.Error(t, err)
}

func TestStorageCheckCmd(t *testing.T) {
	out, err := execute(t, "storage-check", "/gpfs/home/bsc/user", "--cpus-per-gpu", "20")
	require.NoError(t, err)
	assert.Contains(t, out, "[WARN] You are running from HOME")
	assert.Contains(t, out, "num_workers")
	assert.Contains(t, out, "16")
}
