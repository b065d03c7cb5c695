package recorders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeFFmpeg 生成一个模拟 ffmpeg 的 shell 脚本，脚本行为由 body 给出
// （各用例的 body 向最后一个参数写文件，并以各自的方式退出）
func writeFakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRecordRejectsNonPartOutput(t *testing.T) {
	r := NewFFmpegRecorder("ffmpeg")
	_, err := r.Record(context.Background(), "http://x/live.flv", nil, "/tmp/out.flv", time.Second)
	assert.ErrorIs(t, err, ErrBadOutputPath)
}

func TestRecordCapturesExitCode(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, `
for last; do :; done
echo "frame data" > "$last"
echo "some warning" >&2
exit 3
`)
	out := filepath.Join(t.TempDir(), "seg.flv.part")
	r := NewFFmpegRecorder(ffmpeg)

	code, err := r.Record(context.Background(), "http://x/live.flv", map[string]string{"Referer": "https://www.douyu.com"}, out, time.Second)
	require.NoError(t, err)
	// 非零退出码不视为错误，由协调器裁决
	assert.Equal(t, 3, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame data")
}

func TestRecordSuccess(t *testing.T) {
	ffmpeg := writeFakeFFmpeg(t, `
for last; do :; done
echo "frame data" > "$last"
exit 0
`)
	out := filepath.Join(t.TempDir(), "seg.flv.part")
	r := NewFFmpegRecorder(ffmpeg)

	code, err := r.Record(context.Background(), "http://x/live.flv", nil, out, time.Second)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestRecordTerminatesOnCancel(t *testing.T) {
	// 长时间睡眠并在收到 TERM 时退出
	ffmpeg := writeFakeFFmpeg(t, `
trap 'exit 0' TERM
for last; do :; done
echo "frame data" > "$last"
sleep 60 &
wait $!
`)
	out := filepath.Join(t.TempDir(), "seg.flv.part")
	r := NewFFmpegRecorder(ffmpeg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	code, err := r.Record(ctx, "http://x/live.flv", nil, out, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, exitCodeTimeout, code)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestBuildHeaderArg(t *testing.T) {
	arg := buildHeaderArg(map[string]string{"Referer": "https://www.douyu.com"})
	assert.Equal(t, "Referer: https://www.douyu.com\r\n", arg)
}
