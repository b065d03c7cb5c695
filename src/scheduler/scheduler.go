// Package scheduler 提供周期任务与一次性延时任务的调度。
// 同一任务 id 不可重入：上一次仍在执行时，本次触发被合并丢弃。
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
)

// job 一个被调度的任务
type job struct {
	id      string
	fn      func(context.Context)
	running uint32
	cancel  context.CancelFunc
}

// tryRun 非重入执行；正在运行时跳过本次触发
func (j *job) tryRun(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&j.running, 0, 1) {
		logrus.Warnf("任务 %s 上一轮尚未结束，跳过本次触发", j.id)
		return
	}
	defer atomic.StoreUint32(&j.running, 0)
	j.fn(ctx)
}

// Scheduler 周期 + 一次性任务调度器
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func New(ctx context.Context) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:    sctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Every 注册周期任务。immediate 为 true 时注册后立即执行一次。
func (s *Scheduler) Every(id string, interval time.Duration, immediate bool, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		logrus.Warnf("任务 %s 已注册，忽略重复注册", id)
		return
	}
	jctx, jcancel := context.WithCancel(s.ctx)
	j := &job{id: id, fn: fn, cancel: jcancel}
	s.jobs[id] = j

	s.wg.Add(1)
	sentry.GoWithContext(jctx, func(ctx context.Context) {
		defer s.wg.Done()
		if immediate {
			j.tryRun(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.tryRun(ctx)
			}
		}
	})
	logrus.Debugf("已注册周期任务 %s，间隔 %s", id, interval)
}

// Once 注册一次性延时任务。同 id 的未执行任务被替换。
func (s *Scheduler) Once(id string, delay time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, exists := s.jobs[id]; exists {
		old.cancel()
		delete(s.jobs, id)
	}
	jctx, jcancel := context.WithCancel(s.ctx)
	j := &job{id: id, fn: fn, cancel: jcancel}
	s.jobs[id] = j

	s.wg.Add(1)
	sentry.GoWithContext(jctx, func(ctx context.Context) {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		j.tryRun(ctx)
		s.mu.Lock()
		if s.jobs[id] == j {
			delete(s.jobs, id)
		}
		s.mu.Unlock()
	})
	logrus.Infof("已注册一次性任务 %s，%s 后执行", id, delay)
}

// Trigger 立即触发一次已注册任务（仍遵守非重入约束）
func (s *Scheduler) Trigger(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sentry.GoWithContext(s.ctx, func(ctx context.Context) { j.tryRun(ctx) })
	return true
}

// Stop 取消全部任务并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
