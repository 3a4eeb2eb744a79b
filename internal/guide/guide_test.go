package guide

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		path  string
		tier  Tier
		level Level
	}{
		{"/gpfs/scratch/bsc99/user/data", TierScratch, LevelOK},
		{"/gpfs/scratch", TierScratch, LevelOK},
		{"/gpfs/projects/bsc99/datasets/", TierProjects, LevelInfo},
		{"/gpfs/home/bsc/bsc099999", TierHome, LevelWarn},
		{"/gpfs/home/../scratch/x", TierScratch, LevelOK},
		{"/gpfs/scratchy/x", TierOther, LevelInfo},
		{"/Users/me/code", TierOther, LevelInfo},
		{"relative/gpfs/scratch", TierOther, LevelInfo},
	}
	for _, c := range cases {
		a := Classify(c.path)
		assert.Equal(t, c.tier, a.Tier, c.path)
		assert.Equal(t, c.level, a.Level, c.path)
		assert.Equal(t, c.path, a.Path)
	}
	assert.Equal(t, "[WARN] You are running from HOME. This will be slow and may hit quota limits.",
		Classify("/gpfs/home/u").String())
}

func TestRecommendLoader(t *testing.T) {
	s := RecommendLoader(MN5CPUsPerGPU, 0)
	assert.Equal(t, LoaderSettings{NumWorkers: 16, PersistentWorkers: true, PinMemory: true, PrefetchFactor: 2, BatchSize: 32}, s)

	assert.Equal(t, 3, RecommendLoader(4, 64).NumWorkers)
	assert.Equal(t, 64, RecommendLoader(4, 64).BatchSize)

	single := RecommendLoader(1, 8)
	assert.Zero(t, single.NumWorkers)
	assert.False(t, single.PersistentWorkers)
	assert.Zero(t, single.PrefetchFactor)
}
