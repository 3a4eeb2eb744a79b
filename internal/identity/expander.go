package identity

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"mn5ddp/pkg/hostlist"
)

// Expander 把压缩的节点列表展开成主机名
type Expander interface {
	Expand(ctx context.Context, nodeList string) ([]string, error)
}

// NativeExpander 纯 Go 实现, 默认使用
type NativeExpander struct{}

func (NativeExpander) Expand(_ context.Context, nodeList string) ([]string, error) {
	return hostlist.Expand(nodeList)
}

// ScontrolExpander 调用 `scontrol show hostnames`, 和集群上的 SLURM 保持完全一致
type ScontrolExpander struct {
	Binary string // 默认 "scontrol"
}

func (s ScontrolExpander) Expand(ctx context.Context, nodeList string) ([]string, error) {
	bin := s.Binary
	if bin == "" {
		bin = "scontrol"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "show", "hostnames", nodeList)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s show hostnames: %s", bin, strings.TrimSpace(stderr.String()))
	}
	var hosts []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			hosts = append(hosts, line)
		}
	}
	if len(hosts) == 0 {
		return nil, errors.Errorf("%s show hostnames returned no hosts", bin)
	}
	return hosts, nil
}

// NewExpander 按名字选择实现: "native" 或 "scontrol"
func NewExpander(name string) (Expander, error) {
	switch name {
	case "", "native":
		return NativeExpander{}, nil
	case "scontrol":
		return ScontrolExpander{}, nil
	default:
		return nil, errors.Errorf("unknown hostlist expander %q", name)
	}
}
