package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"

	"mn5ddp/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
//
//	/mn5ddp/jobs/<job>/run                              当前运行 (model.Run)
//	/mn5ddp/jobs/<job>/runs/<run>/members/<rank>
//	/mn5ddp/jobs/<job>/runs/<run>/barriers/<gen>/<rank>
//	/mn5ddp/jobs/<job>/logs/<rank>
const (
	KeyRoot = "/mn5ddp/jobs/"

	// MemberLeaseTTL 进程被杀掉后, 成员和 barrier key 最多保留这么久
	MemberLeaseTTL = 15
)

func jobPrefix(jobID string) string { return KeyRoot + jobID + "/" }

func runKey(jobID string) string { return jobPrefix(jobID) + "run" }

func runsPrefix(jobID string) string { return jobPrefix(jobID) + "runs/" }

func runPrefix(jobID, runID string) string { return runsPrefix(jobID) + runID + "/" }

func memberPrefix(jobID, runID string) string { return runPrefix(jobID, runID) + "members/" }

func memberKey(jobID, runID string, rank int) string {
	return memberPrefix(jobID, runID) + strconv.Itoa(rank)
}

func barrierPrefix(jobID, runID string, gen int64) string {
	return runPrefix(jobID, runID) + "barriers/" + strconv.FormatInt(gen, 10) + "/"
}

func logKey(jobID string, rank int) string { return jobPrefix(jobID) + "logs/" + strconv.Itoa(rank) }

// rankFromKey 取 key 的最后一段
func rankFromKey(key string) (int, error) {
	return strconv.Atoi(key[strings.LastIndex(key, "/")+1:])
}

type EtcdManager struct {
	client *clientv3.Client

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to etcd %v", endpoints)
	}
	return &EtcdManager{client: cli}, nil
}

func (e *EtcdManager) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	return e.client.Close()
}

// ---------------------------------------------------------
// Run 相关实现
// ---------------------------------------------------------

// StartRun 用一个事务删掉旧运行的数据并写入新的运行记录
func (e *EtcdManager) StartRun(ctx context.Context, run *model.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "encoding run")
	}
	_, err = e.client.Txn(ctx).Then(
		clientv3.OpDelete(runsPrefix(run.JobID), clientv3.WithPrefix()),
		clientv3.OpPut(runKey(run.JobID), string(data)),
	).Commit()
	if err != nil {
		return errors.Wrapf(err, "starting run %s of job %s", run.ID, run.JobID)
	}
	klog.V(1).Infof("[Etcd] Job %s started run %s", run.JobID, run.ID)
	return nil
}

func (e *EtcdManager) UpdateRun(ctx context.Context, run *model.Run) error {
	return e.putValue(ctx, runKey(run.JobID), run)
}

func (e *EtcdManager) CurrentRun(ctx context.Context, jobID string) (*model.Run, error) {
	resp, err := e.client.Get(ctx, runKey(jobID))
	if err != nil {
		return nil, errors.Wrapf(err, "reading run of job %s", jobID)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "run of job %s", jobID)
	}
	var run model.Run
	if err := json.Unmarshal(resp.Kvs[0].Value, &run); err != nil {
		return nil, errors.Wrap(err, "decoding run")
	}
	return &run, nil
}

func (e *EtcdManager) WatchRun(ctx context.Context, jobID string) <-chan *model.Run {
	runs := make(chan *model.Run)
	go func() {
		defer close(runs)
		watchChan := e.client.Watch(ctx, runKey(jobID))
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				var run *model.Run
				if ev.Type == clientv3.EventTypePut {
					run = new(model.Run)
					if err := json.Unmarshal(ev.Kv.Value, run); err != nil {
						klog.Warningf("[Etcd] Failed to unmarshal run: %v", err)
						continue
					}
				}
				select {
				case runs <- run:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return runs
}

// ---------------------------------------------------------
// Member 相关实现
// ---------------------------------------------------------

// memberLease 第一次注册时申请租约并自动续约, 之后复用
// 进程死掉后租约过期, 成员和 barrier key 自动消失
func (e *EtcdManager) memberLease(ctx context.Context) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lease != 0 {
		return e.lease, nil
	}
	resp, err := e.client.Grant(ctx, MemberLeaseTTL)
	if err != nil {
		return 0, errors.Wrap(err, "granting member lease")
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kaCtx, resp.ID)
	if err != nil {
		cancel()
		return 0, errors.Wrap(err, "keeping member lease alive")
	}
	go func() {
		for range ch {
		}
	}()
	e.lease, e.cancel = resp.ID, cancel
	return e.lease, nil
}

func (e *EtcdManager) RegisterMember(ctx context.Context, m *model.Member) error {
	lease, err := e.memberLease(ctx)
	if err != nil {
		return err
	}
	return e.putValue(ctx, memberKey(m.JobID, m.RunID, m.Rank), m, clientv3.WithLease(lease))
}

func (e *EtcdManager) ListMembers(ctx context.Context, jobID, runID string) ([]*model.Member, error) {
	// 获取 /mn5ddp/jobs/<job>/runs/<run>/members/ 下的所有 Key
	resp, err := e.client.Get(ctx, memberPrefix(jobID, runID), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "listing members of job %s", jobID)
	}

	members := make([]*model.Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m model.Member
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			klog.Warningf("[Etcd] Failed to unmarshal member %s: %v", kv.Key, err)
			continue
		}
		members = append(members, &m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })
	return members, nil
}

func (e *EtcdManager) RemoveMember(ctx context.Context, jobID, runID string, rank int) error {
	_, err := e.client.Delete(ctx, memberKey(jobID, runID, rank))
	return errors.Wrapf(err, "removing member %d of job %s", rank, jobID)
}

// WatchMembers 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchMembers(ctx context.Context, jobID, runID string) <-chan MemberEvent {
	eventChan := make(chan MemberEvent)

	// 启动一个协程在后台一直监听
	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, memberPrefix(jobID, runID), clientv3.WithPrefix())

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				rank, err := rankFromKey(string(ev.Kv.Key))
				if err != nil {
					klog.Warningf("[Etcd] Ignoring unexpected key %s", ev.Kv.Key)
					continue
				}
				event := MemberEvent{Type: MemberPut, Rank: rank}
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = MemberDelete
				} else {
					// 反序列化 Member 数据
					var m model.Member
					if err := json.Unmarshal(ev.Kv.Value, &m); err != nil {
						klog.Warningf("[Etcd] Failed to unmarshal member: %v", err)
						continue
					}
					event.Member = &m
				}

				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// ---------------------------------------------------------
// Barrier 相关实现
// ---------------------------------------------------------

// ArriveBarrier 的 key 和成员共用租约, 进程死掉后一起过期
func (e *EtcdManager) ArriveBarrier(ctx context.Context, jobID, runID string, gen int64, rank int) error {
	lease, err := e.memberLease(ctx)
	if err != nil {
		return err
	}
	key := barrierPrefix(jobID, runID, gen) + strconv.Itoa(rank)
	_, err = e.client.Put(ctx, key, strconv.FormatInt(time.Now().Unix(), 10), clientv3.WithLease(lease))
	return errors.Wrapf(err, "arriving at barrier %d", gen)
}

func (e *EtcdManager) BarrierArrivals(ctx context.Context, jobID, runID string, gen int64) (int, error) {
	resp, err := e.client.Get(ctx, barrierPrefix(jobID, runID, gen), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, errors.Wrapf(err, "counting barrier %d", gen)
	}
	return int(resp.Count), nil
}

func (e *EtcdManager) WatchBarrier(ctx context.Context, jobID, runID string, gen int64) <-chan int {
	arrivals := make(chan int)
	go func() {
		defer close(arrivals)
		watchChan := e.client.Watch(ctx, barrierPrefix(jobID, runID, gen), clientv3.WithPrefix())
		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				rank, err := rankFromKey(string(ev.Kv.Key))
				if err != nil {
					continue
				}
				select {
				case arrivals <- rank:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return arrivals
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveRankLog(ctx context.Context, jobID string, rank int, logs string) error {
	// 把日志包成一个对象, 复用 putValue
	data := map[string]string{
		"job_id":  jobID,
		"rank":    strconv.Itoa(rank),
		"content": logs,
	}
	return e.putValue(ctx, logKey(jobID, rank), data)
}

func (e *EtcdManager) GetRankLog(ctx context.Context, jobID string, rank int) (string, error) {
	resp, err := e.client.Get(ctx, logKey(jobID, rank))
	if err != nil {
		return "", errors.Wrapf(err, "reading log of rank %d", rank)
	}
	if len(resp.Kvs) == 0 {
		return "", errors.Wrapf(ErrNotFound, "log for job %s rank %d", jobID, rank)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return "", errors.Wrap(err, "decoding rank log")
	}
	return data["content"], nil
}

func (e *EtcdManager) DeleteJob(ctx context.Context, jobID string) error {
	resp, err := e.client.Delete(ctx, jobPrefix(jobID), clientv3.WithPrefix())
	if err != nil {
		return errors.Wrapf(err, "deleting job %s", jobID)
	}
	klog.V(1).Infof("[Etcd] Deleted %d key(s) of job %s", resp.Deleted, jobID)
	return nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	if _, err = e.client.Put(ctx, key, string(bytes), opts...); err != nil {
		return errors.Wrap(err, fmt.Sprintf("writing %s", key))
	}
	return nil
}
