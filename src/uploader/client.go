package uploader

import (
	"context"
	"errors"
)

var (
	// ErrAuth 登录校验失败，任务立即中止且不重试。
	// 仅由登录校验产生；单个文件投稿或追加失败不返回该错误，也不中止任务。
	ErrAuth = errors.New("uploader: 登录校验失败")
	// ErrTaskRunning 上一轮上传任务尚未结束
	ErrTaskRunning = errors.New("uploader: 上传任务正在运行")
)

// 回填查询使用的稿件状态集合：已发布 + 发布中
const feedStatusSet = "pubed,is_pubing"

// Client 目标平台投稿客户端。
// UploadNew 创建新稿件，平台可能直接返回父稿件标识（返回空串表示暂不可知）。
// Feed 返回 标题 -> 父稿件标识 的映射，用于按标题回填。
type Client interface {
	CheckLogin(ctx context.Context) (bool, error)
	UploadNew(ctx context.Context, path string, meta *Submission, title string) (string, error)
	AppendPart(ctx context.Context, path, parentID, cdn, partName string) error
	Feed(ctx context.Context, size int, statusSet string) (map[string]string, error)
}
