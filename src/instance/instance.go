package instance

import (
	"context"
	"sync"

	"github.com/douyu-rec/douyu-rec/src/configs"
	"github.com/douyu-rec/douyu-rec/src/recorders"
	"github.com/douyu-rec/douyu-rec/src/scheduler"
	"github.com/douyu-rec/douyu-rec/src/store"
	"github.com/douyu-rec/douyu-rec/src/uploader"
)

// Instance 进程级单例的显式持有者。
// 启动时在 main 中创建，通过 context 传递，不做隐式全局访问。
type Instance struct {
	WaitGroup sync.WaitGroup

	Config          *configs.Config
	Store           store.Store
	Scheduler       *scheduler.Scheduler
	RecorderManager *recorders.Manager
	UploadManager   *uploader.Manager

	// 手动触发入口，由 main 在装配阶段注入
	ProcessingTask func(ctx context.Context)
	UploadTask     func(ctx context.Context) (*uploader.TaskReport, error)
}

type instanceKey struct{}

// WithInstance 把 Instance 挂到 context 上
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

// GetInstance 从 context 取出 Instance，未挂载时返回 nil
func GetInstance(ctx context.Context) *Instance {
	if v := ctx.Value(instanceKey{}); v != nil {
		return v.(*Instance)
	}
	return nil
}
