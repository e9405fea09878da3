// 协作式一次性任务调度器：任务只在RunDue中按到期顺序执行，调度器自身不启动协程
package timer

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/junbin-yang/lwm2m-coap-go/api"
)

type job struct {
	handle api.JobHandle   // 任务句柄
	due    time.Time       // 到期时间
	fn     func(time.Time) // 到期时执行的回调
	index  int             // 在堆中的位置
}

// jobHeap 按到期时间排序的小顶堆，同时到期时按句柄（即调度顺序）排序
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].handle < h[j].handle
	}
	return h[i].due.Before(h[j].due)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Scheduler 一次性延迟任务调度器，实现api.Scheduler
type Scheduler struct {
	mu    sync.Mutex             // 保护任务表，允许其他协程调度或取消任务
	clock clockwork.Clock        // 时间来源（测试中使用FakeClock）
	jobs  jobHeap                // 待执行任务
	byID  map[api.JobHandle]*job // 句柄到任务的索引
	next  api.JobHandle          // 最近分配的句柄
	wake  chan struct{}          // 新任务到来时唤醒Wait
}

var _ api.Scheduler = (*Scheduler)(nil)

// NewScheduler 创建调度器
// 参数：clock - 时间来源，nil时使用真实时钟
func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		byID:  make(map[api.JobHandle]*job),
		wake:  make(chan struct{}, 1),
	}
}

// Schedule 在delay之后执行fn
// 返回：任务句柄（从1开始递增，不复用）
func (s *Scheduler) Schedule(delay time.Duration, fn func(now time.Time)) api.JobHandle {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	s.next++
	j := &job{handle: s.next, due: s.clock.Now().Add(delay), fn: fn}
	heap.Push(&s.jobs, j)
	s.byID[j.handle] = j
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return j.handle
}

// Cancel 取消任务，对已执行或无效的句柄为空操作
func (s *Scheduler) Cancel(h api.JobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.byID[h]
	if !ok {
		return
	}
	heap.Remove(&s.jobs, j.index)
	delete(s.byID, h)
}

// Now 当前时间
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Clock 调度器使用的时钟
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Len 待执行任务数
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// NextDue 最早的到期时间
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return time.Time{}, false
	}
	return s.jobs[0].due, true
}

// RunDue 执行所有在now之前到期的任务
// 回调中新调度的任务即使已到期也留到下一次RunDue执行
// 返回：执行的任务数
func (s *Scheduler) RunDue(now time.Time) int {
	s.mu.Lock()
	var due []*job
	for len(s.jobs) > 0 && !s.jobs[0].due.After(now) {
		j := heap.Pop(&s.jobs).(*job)
		delete(s.byID, j.handle)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		j.fn(now)
	}
	return len(due)
}

// Wait 阻塞到最早的任务到期、有新任务调度或ctx结束
// 返回：ctx结束时返回ctx.Err()
func (s *Scheduler) Wait(ctx context.Context) error {
	// 丢弃已反映在任务表中的唤醒信号
	select {
	case <-s.wake:
	default:
	}
	var fire <-chan time.Time
	if due, ok := s.NextDue(); ok {
		t := s.clock.NewTimer(due.Sub(s.clock.Now()))
		defer t.Stop()
		fire = t.Chan()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-fire:
		return nil
	case <-s.wake:
		return nil
	}
}

// Clear 丢弃所有任务
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = nil
	s.byID = make(map[api.JobHandle]*job)
}

// ExponentialBackoff 带指数退避的重试：失败后等待delay再试，每次等待时间翻倍
// 参数：clock - 时间来源，attempts - 最大尝试次数（含首次），initialDelay - 初始等待，fn - 待执行的函数
// 返回：成功返回nil，否则返回包装后的最后一次错误
func ExponentialBackoff(clock clockwork.Clock, attempts int, initialDelay time.Duration, fn func() error) error {
	var err error
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			clock.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("after %d attempts with exponential backoff, last error: %w", attempts, err)
}
