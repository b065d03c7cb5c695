// Package recorders 负责单个主播的录制：ffmpeg 子进程监督（单段拷贝录制）
// 与把各组件编排成原子产物的分段协调器。
package recorders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// 外部请求停止后给 ffmpeg 的优雅退出窗口
	terminateGrace = 10 * time.Second
	// 子进程整体看门狗的附加余量
	watchdogSlack = 30 * time.Second
	// 看门狗触发时返回的退出码（与 GNU timeout 一致）
	exitCodeTimeout = 124
	// 子进程退出后等待 stderr 管道关闭的上限（防止残留的孙进程占住管道）
	pipeCloseDelay = 2 * time.Second

	stderrRingSize = 8 << 10
)

// ErrBadOutputPath 输出路径必须以 .part 结尾
var ErrBadOutputPath = errors.New("recorders: 输出路径必须以 .part 结尾")

// FFmpegRecorder 以字节拷贝模式把直播流落盘为 .part 文件。
// 单次 Record 调用对应一个片段；进程退出码由协调器裁决，这里不视为失败。
type FFmpegRecorder struct {
	ffmpegPath string
}

func NewFFmpegRecorder(ffmpegPath string) *FFmpegRecorder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegRecorder{ffmpegPath: ffmpegPath}
}

// buildHeaderArg 拼接 ffmpeg -headers 参数（每行以 CRLF 结尾）
func buildHeaderArg(headers map[string]string) string {
	var sb strings.Builder
	for k, v := range headers {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\r\n")
	}
	return sb.String()
}

// Record 启动 ffmpeg 录制一个片段，阻塞到子进程退出或 ctx 取消。
// 返回子进程退出码；仅在无法启动子进程等本地错误时返回 error。
// ctx 取消时先发 SIGTERM，等待最多 10 秒后强杀。
func (r *FFmpegRecorder) Record(ctx context.Context, streamURL string, headers map[string]string, outPath string, duration time.Duration) (int, error) {
	if !strings.HasSuffix(outPath, ".part") {
		return 0, fmt.Errorf("%w: %s", ErrBadOutputPath, outPath)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("创建录制输出目录失败: %w", err)
	}

	args := []string{
		"-hide_banner",
		"-y",
		"-loglevel", "error",
	}
	if len(headers) > 0 {
		args = append(args, "-headers", buildHeaderArg(headers))
	}
	args = append(args,
		"-i", streamURL,
		"-c", "copy",
		"-t", strconv.Itoa(int(duration.Seconds())),
		"-f", "flv",
		outPath,
	)

	ring := newRingBuffer(stderrRingSize)
	cmd := exec.Command(r.ffmpegPath, args...)
	cmd.Stderr = ring
	cmd.WaitDelay = pipeCloseDelay

	logger := logrus.WithField("out", filepath.Base(outPath))
	logger.Debugf("启动 ffmpeg: %s %s", r.ffmpegPath, strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("启动 ffmpeg 失败: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	watchdog := time.NewTimer(duration + watchdogSlack)
	defer watchdog.Stop()

	select {
	case err := <-done:
		code := exitCode(err)
		if code != 0 {
			logger.Warnf("ffmpeg 退出码 %d, stderr 尾部: %s", code, ring.String())
		}
		return code, nil
	case <-watchdog.C:
		logger.Warn("ffmpeg 超过片段时长未退出，开始终止")
		r.terminate(cmd, done, logger)
		return exitCodeTimeout, nil
	case <-ctx.Done():
		logger.Info("收到停止请求，终止 ffmpeg")
		r.terminate(cmd, done, logger)
		return exitCodeTimeout, nil
	}
}

// terminate 先 SIGTERM，超过优雅窗口后 SIGKILL
func (r *FFmpegRecorder) terminate(cmd *exec.Cmd, done chan error, logger *logrus.Entry) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(terminateGrace):
		logger.Warn("ffmpeg 未响应 SIGTERM，强制结束")
		_ = cmd.Process.Kill()
		<-done
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ringBuffer 保留子进程 stderr 的最后 N 字节，失败时随日志输出
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{size: size}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
