package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"mn5ddp/pkg/model"
)

// watchBuffer 每个订阅者通道的缓冲
const watchBuffer = 256

// MemoryStore 进程内的 Store 实现, 和 EtcdManager 的语义一致.
// 单进程用 etcd 后端时不需要真的 etcd, 测试也用它
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string]*model.Run
	members  map[string]map[int]*model.Member   // key: scope(job, run)
	barriers map[string]map[int64]map[int]bool // key: scope(job, run)
	logs     map[string]map[int]string

	runWatchers     map[string][]*runWatcher
	memberWatchers  map[string][]*memberWatcher
	barrierWatchers map[string][]*barrierWatcher
	closed          bool
}

type runWatcher struct {
	ctx context.Context
	ch  chan *model.Run
}

type memberWatcher struct {
	ctx context.Context
	ch  chan MemberEvent
}

type barrierWatcher struct {
	ctx context.Context
	gen int64
	ch  chan int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:            make(map[string]*model.Run),
		members:         make(map[string]map[int]*model.Member),
		barriers:        make(map[string]map[int64]map[int]bool),
		logs:            make(map[string]map[int]string),
		runWatchers:     make(map[string][]*runWatcher),
		memberWatchers:  make(map[string][]*memberWatcher),
		barrierWatchers: make(map[string][]*barrierWatcher),
	}
}

var errClosed = errors.New("store closed")

// scope 和 etcd 的 runs/<run>/ 前缀对应
func scope(jobID, runID string) string { return jobID + "/" + runID }

func cloneRun(r *model.Run) *model.Run {
	cp := *r
	cp.Ready = maps.Clone(r.Ready)
	return &cp
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for job, ws := range s.runWatchers {
		for _, w := range ws {
			close(w.ch)
		}
		delete(s.runWatchers, job)
	}
	for key, ws := range s.memberWatchers {
		for _, w := range ws {
			close(w.ch)
		}
		delete(s.memberWatchers, key)
	}
	for key, ws := range s.barrierWatchers {
		for _, w := range ws {
			close(w.ch)
		}
		delete(s.barrierWatchers, key)
	}
	return nil
}

// ---------------------------------------------------------
// Run 相关实现
// ---------------------------------------------------------

func (s *MemoryStore) StartRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.dropRuns(run.JobID)
	s.putRun(run)
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.putRun(run)
	return nil
}

// putRun 调用方持有锁
func (s *MemoryStore) putRun(run *model.Run) {
	s.runs[run.JobID] = cloneRun(run)
	for _, w := range s.runWatchers[run.JobID] {
		select {
		case w.ch <- cloneRun(run):
		case <-w.ctx.Done():
		}
	}
}

// dropRuns 删除作业所有运行的成员和 barrier, 调用方持有锁
func (s *MemoryStore) dropRuns(jobID string) {
	prefix := jobID + "/"
	for key, ms := range s.members {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for rank := range ms {
			s.notifyMembers(key, MemberEvent{Type: MemberDelete, Rank: rank})
		}
		delete(s.members, key)
	}
	for key := range s.barriers {
		if strings.HasPrefix(key, prefix) {
			delete(s.barriers, key)
		}
	}
}

func (s *MemoryStore) CurrentRun(ctx context.Context, jobID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	run, ok := s.runs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "run of job %s", jobID)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) WatchRun(ctx context.Context, jobID string) <-chan *model.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &runWatcher{ctx: ctx, ch: make(chan *model.Run, watchBuffer)}
	if s.closed {
		close(w.ch)
		return w.ch
	}
	s.runWatchers[jobID] = append(s.runWatchers[jobID], w)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.runWatchers[jobID]
		for i, x := range ws {
			if x == w {
				s.runWatchers[jobID] = append(ws[:i], ws[i+1:]...)
				close(w.ch)
				return
			}
		}
	}()
	return w.ch
}

// ---------------------------------------------------------
// Member 相关实现
// ---------------------------------------------------------

func (s *MemoryStore) RegisterMember(ctx context.Context, m *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	key := scope(m.JobID, m.RunID)
	if s.members[key] == nil {
		s.members[key] = make(map[int]*model.Member)
	}
	cp := *m
	s.members[key][m.Rank] = &cp
	s.notifyMembers(key, MemberEvent{Type: MemberPut, Rank: m.Rank, Member: &cp})
	return nil
}

func (s *MemoryStore) ListMembers(ctx context.Context, jobID, runID string) ([]*model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	ms := s.members[scope(jobID, runID)]
	members := make([]*model.Member, 0, len(ms))
	for _, m := range ms {
		cp := *m
		members = append(members, &cp)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Rank < members[j].Rank })
	return members, nil
}

func (s *MemoryStore) RemoveMember(ctx context.Context, jobID, runID string, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	key := scope(jobID, runID)
	if _, ok := s.members[key][rank]; !ok {
		return nil
	}
	delete(s.members[key], rank)
	s.notifyMembers(key, MemberEvent{Type: MemberDelete, Rank: rank})
	return nil
}

func (s *MemoryStore) WatchMembers(ctx context.Context, jobID, runID string) <-chan MemberEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &memberWatcher{ctx: ctx, ch: make(chan MemberEvent, watchBuffer)}
	if s.closed {
		close(w.ch)
		return w.ch
	}
	key := scope(jobID, runID)
	s.memberWatchers[key] = append(s.memberWatchers[key], w)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.memberWatchers[key]
		for i, x := range ws {
			if x == w {
				s.memberWatchers[key] = append(ws[:i], ws[i+1:]...)
				close(w.ch)
				return
			}
		}
	}()
	return w.ch
}

// notifyMembers 调用方持有锁. 订阅者太慢时阻塞到它的 ctx 结束
func (s *MemoryStore) notifyMembers(key string, ev MemberEvent) {
	for _, w := range s.memberWatchers[key] {
		select {
		case w.ch <- ev:
		case <-w.ctx.Done():
		}
	}
}

// ---------------------------------------------------------
// Barrier 相关实现
// ---------------------------------------------------------

func (s *MemoryStore) ArriveBarrier(ctx context.Context, jobID, runID string, gen int64, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	key := scope(jobID, runID)
	if s.barriers[key] == nil {
		s.barriers[key] = make(map[int64]map[int]bool)
	}
	if s.barriers[key][gen] == nil {
		s.barriers[key][gen] = make(map[int]bool)
	}
	s.barriers[key][gen][rank] = true
	for _, w := range s.barrierWatchers[key] {
		if w.gen != gen {
			continue
		}
		select {
		case w.ch <- rank:
		case <-w.ctx.Done():
		}
	}
	return nil
}

func (s *MemoryStore) BarrierArrivals(ctx context.Context, jobID, runID string, gen int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	return len(s.barriers[scope(jobID, runID)][gen]), nil
}

func (s *MemoryStore) WatchBarrier(ctx context.Context, jobID, runID string, gen int64) <-chan int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &barrierWatcher{ctx: ctx, gen: gen, ch: make(chan int, watchBuffer)}
	if s.closed {
		close(w.ch)
		return w.ch
	}
	key := scope(jobID, runID)
	s.barrierWatchers[key] = append(s.barrierWatchers[key], w)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.barrierWatchers[key]
		for i, x := range ws {
			if x == w {
				s.barrierWatchers[key] = append(ws[:i], ws[i+1:]...)
				close(w.ch)
				return
			}
		}
	}()
	return w.ch
}

// ---------------------------------------------------------
// Log 相关实现
// ---------------------------------------------------------

func (s *MemoryStore) SaveRankLog(ctx context.Context, jobID string, rank int, logs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if s.logs[jobID] == nil {
		s.logs[jobID] = make(map[int]string)
	}
	s.logs[jobID][rank] = logs
	return nil
}

func (s *MemoryStore) GetRankLog(ctx context.Context, jobID string, rank int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs, ok := s.logs[jobID][rank]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "log for job %s rank %d", jobID, rank)
	}
	return logs, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRuns(jobID)
	if _, ok := s.runs[jobID]; ok {
		delete(s.runs, jobID)
		for _, w := range s.runWatchers[jobID] {
			select {
			case w.ch <- nil:
			case <-w.ctx.Done():
			}
		}
	}
	delete(s.logs, jobID)
	return nil
}
