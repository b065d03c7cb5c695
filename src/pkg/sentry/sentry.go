// Package sentry 提供 Sentry 错误监控的封装与带 panic 恢复的 goroutine 启动器。
package sentry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

var (
	mu          sync.Mutex
	initialized bool
)

// Init 初始化 Sentry。dsn 为空时跳过初始化，Go/Recover 退化为仅写日志。
func Init(dsn, environment, release string) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized || dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return fmt.Errorf("初始化 Sentry 失败: %w", err)
	}
	initialized = true
	return nil
}

// Flush 在进程退出前冲刷缓冲的事件
func Flush() {
	mu.Lock()
	ok := initialized
	mu.Unlock()
	if ok {
		sentry.Flush(2 * time.Second)
	}
}

// Recover 捕获当前 goroutine 的 panic，上报后写日志，不再继续抛出
func Recover() {
	if r := recover(); r != nil {
		mu.Lock()
		ok := initialized
		mu.Unlock()
		if ok {
			sentry.CurrentHub().Recover(r)
		}
		logrus.Errorf("goroutine panic 已恢复: %v", r)
	}
}

// Go 启动一个带 panic 恢复的 goroutine
func Go(f func()) {
	go func() {
		defer Recover()
		f()
	}()
}

// GoWithContext 启动一个带 panic 恢复的 goroutine（带 Context）
func GoWithContext(ctx context.Context, f func(context.Context)) {
	go func() {
		defer Recover()
		f(ctx)
	}()
}
