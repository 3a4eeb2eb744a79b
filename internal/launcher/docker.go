package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DockerExecutor 每个 rank 一个容器, 使用宿主机网络以便访问 MASTER_ADDR 和 etcd
type DockerExecutor struct {
	cli   *client.Client
	Image string
	Pull  bool
}

// NewDockerExecutor 初始化 Docker 客户端
func NewDockerExecutor(image string, pull bool) (*DockerExecutor, error) {
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, errors.Wrap(err, "connecting to docker")
	}
	return &DockerExecutor{cli: cli, Image: image, Pull: pull}, nil
}

// Run 真正执行 rank 的方法
func (e *DockerExecutor) Run(ctx context.Context, jobID string, r RankSpec) (string, error) {
	rank := r.Identity.GlobalRank
	klog.Infof("[Docker] Starting rank %d of job %s...", rank, jobID)

	// 1. 拉取镜像 (Pull Image), 本地已有镜像时可以关掉
	if e.Pull {
		klog.Infof("   -> Pulling image: %s", e.Image)
		reader, err := e.cli.ImagePull(ctx, e.Image, types.ImagePullOptions{})
		if err != nil {
			return "", errors.Wrapf(err, "pulling %s", e.Image)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	// 2. 创建容器 (Create Container)
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:  e.Image,
		Cmd:    r.Command,
		Env:    r.Env,
		Tty:    false,
		Labels: map[string]string{"mn5ddp.job": jobID, "mn5ddp.rank": fmt.Sprint(rank)},
	}, &container.HostConfig{NetworkMode: "host"}, nil, nil, fmt.Sprintf("%s-rank-%d", jobID, rank))
	if err != nil {
		return "", errors.Wrapf(err, "creating container for rank %d", rank)
	}
	containerID := resp.ID
	klog.Infof("   -> Container created: %s", containerID[:12])

	// 6. 清理容器 (Remove) - 就像 defer 垃圾回收
	defer func() {
		err := e.cli.ContainerRemove(context.Background(), containerID, types.ContainerRemoveOptions{Force: true})
		if err != nil {
			klog.Warningf("[Docker] Failed to remove container %s: %v", containerID[:12], err)
		}
	}()

	// 3. 启动容器 (Start Container)
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", errors.Wrapf(err, "starting container for rank %d", rank)
	}

	// 4. 等待容器结束 (Wait)
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", errors.Wrapf(err, "waiting for rank %d", rank)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	// 5. 获取日志 (Logs), stdcopy 把 docker 的多路复用流拆开
	outReader, err := e.cli.ContainerLogs(context.Background(), containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", errors.Wrapf(err, "reading logs of rank %d", rank)
	}
	defer outReader.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return buf.String(), errors.Wrapf(err, "reading logs of rank %d", rank)
	}

	if exitCode != 0 {
		return buf.String(), errors.Errorf("rank %d: container exited with status %d", rank, exitCode)
	}
	klog.Infof("[Docker] Rank %d of job %s finished successfully", rank, jobID)
	return buf.String(), nil
}
