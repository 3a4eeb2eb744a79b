package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mn5ddp/pkg/model"
)

func TestFromEnviron_Defaults(t *testing.T) {
	c, err := FromEnviron(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, model.ModeAuto, c.Mode)
	assert.Equal(t, "sim", c.Backend)
}

func TestFromEnviron_SnapshotsTopology(t *testing.T) {
	c, err := FromEnviron([]string{
		"SLURM_JOB_ID=4242",
		"SLURM_JOB_NODELIST= as01r1b[08-09] ",
		"SLURM_PROCID=5",
		"HOME=/gpfs/home/bsc",
		"DDP_BACKEND=ETCD",
		"DDP_ETCD_ENDPOINTS=a:2379, b:2379,,",
		"DDP_BARRIER_DELAY=10ms",
		"DDP_EPOCHS=4",
		"malformed",
	})
	require.NoError(t, err)

	v, ok := c.Topology.Lookup(EnvSlurmNodeList)
	require.True(t, ok)
	assert.Equal(t, "as01r1b[08-09]", v)
	assert.True(t, c.Topology.Has(EnvSlurmProcID))
	assert.False(t, c.Topology.Has("HOME"))

	assert.Equal(t, "slurm-4242", c.JobID)
	assert.Equal(t, "etcd", c.Backend)
	assert.Equal(t, []string{"a:2379", "b:2379"}, c.EtcdEndpoints)
	assert.Equal(t, 10*time.Millisecond, c.BarrierDelay)
	assert.Equal(t, 4, c.Epochs)
}

func TestFromEnviron_ExplicitJobIDWins(t *testing.T) {
	c, err := FromEnviron([]string{"SLURM_JOB_ID=1", "DDP_JOB_ID=demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", c.JobID)
}

func TestFromEnviron_Errors(t *testing.T) {
	for _, env := range [][]string{
		{"DDP_MODE=cluster"},
		{"DDP_EPOCHS=two"},
		{"DDP_STEP_DELAY=fast"},
		{"DDP_BARRIER_DELAY=-1s"},
	} {
		_, err := FromEnviron(env)
		assert.Error(t, err, env)
	}
}
