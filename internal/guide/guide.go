// Package guide MareNostrum 5 上存储位置和数据加载参数的建议.
package guide

import (
	"path/filepath"
	"strings"
)

// Tier GPFS 上的存储分区
type Tier string

const (
	TierScratch  Tier = "scratch"
	TierProjects Tier = "projects"
	TierHome     Tier = "home"
	TierOther    Tier = "other"
)

// Level 建议的严重程度
type Level string

const (
	LevelOK   Level = "OK"
	LevelInfo Level = "INFO"
	LevelWarn Level = "WARN"
)

// Advice 对一个路径的判断
type Advice struct {
	Path    string
	Tier    Tier
	Level   Level
	Message string
}

func (a Advice) String() string {
	return "[" + string(a.Level) + "] " + a.Message
}

var tiers = []struct {
	root    string
	tier    Tier
	level   Level
	message string
}{
	{"/gpfs/scratch", TierScratch, LevelOK, "Running from SCRATCH. Optimal for active IO."},
	{"/gpfs/projects", TierProjects, LevelInfo, "Running from PROJECTS. Read-only large files are fine here."},
	{"/gpfs/home", TierHome, LevelWarn, "You are running from HOME. This will be slow and may hit quota limits."},
}

// underRoot 按路径分段比较, /gpfs/scratchy 不算 /gpfs/scratch
func underRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// Classify 判断 path 所在的分区. 相对路径按原样清理, 调用方应先转成绝对路径
func Classify(path string) Advice {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, t := range tiers {
		if underRoot(clean, t.root) {
			return Advice{Path: path, Tier: t.tier, Level: t.level, Message: t.message}
		}
	}
	return Advice{
		Path:    path,
		Tier:    TierOther,
		Level:   LevelInfo,
		Message: "Not on MN5 GPFS. Storage advice does not apply.",
	}
}

// LoaderSettings 数据加载器的推荐参数
type LoaderSettings struct {
	NumWorkers        int  `json:"num_workers"`
	PersistentWorkers bool `json:"persistent_workers"`
	PinMemory         bool `json:"pin_memory"`
	PrefetchFactor    int  `json:"prefetch_factor"` // NumWorkers 为 0 时必须为 0
	BatchSize         int  `json:"batch_size"`
}

// MN5CPUsPerGPU MN5 加速分区每块 GPU 分到的 CPU 核数
const MN5CPUsPerGPU = 20

// RecommendLoader 留五分之一的核给主进程和通信, 其余给 worker.
// 20 核 -> 16 个 worker; 太多 worker 反而有调度开销, 太少 GPU 会饿着
func RecommendLoader(cpusPerGPU, batchSize int) LoaderSettings {
	if batchSize <= 0 {
		batchSize = 32
	}
	workers := cpusPerGPU * 4 / 5
	if workers < 1 {
		// 单核只能在主进程里加载
		return LoaderSettings{PinMemory: true, BatchSize: batchSize}
	}
	return LoaderSettings{
		NumWorkers:        workers,
		PersistentWorkers: true,
		PinMemory:         true,
		PrefetchFactor:    2,
		BatchSize:         batchSize,
	}
}
