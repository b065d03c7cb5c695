package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConverter 记录转换调用并产出占位 ASS 文件
type fakeConverter struct {
	calls []string
	err   error
}

func (f *fakeConverter) ConvertXMLToASS(_ context.Context, _, _, _, _ int, xmlPath, assPath string) error {
	f.calls = append(f.calls, filepath.Base(xmlPath))
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(assPath, []byte("[Script Info]"), 0o644)
}

func write(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func testPipeline(t *testing.T, conv Converter, mutate func(*Config)) (*Pipeline, string, string) {
	t.Helper()
	processing := t.TempDir()
	upload := t.TempDir()
	cfg := Config{
		ProcessingFolder: processing,
		UploadFolder:     upload,
		MinFileSizeMB:    1,
		FontSize:         40,
		SCFontSize:       38,
		FfmpegPath:       "ffmpeg",
		FfprobePath:      "ffprobe",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, conv), processing, upload
}

func TestCleanupSmallFiles(t *testing.T) {
	p, processing, _ := testPipeline(t, &fakeConverter{}, nil)

	write(t, filepath.Join(processing, "small.flv"), 100)
	write(t, filepath.Join(processing, "small.xml"), 50)
	write(t, filepath.Join(processing, "big.flv"), 2*1024*1024)
	write(t, filepath.Join(processing, "big.xml"), 50)

	p.CleanupSmallFiles()

	_, err := os.Stat(filepath.Join(processing, "small.flv"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(processing, "small.xml"))
	assert.True(t, os.IsNotExist(err), "对应 XML 随 FLV 一起删除")
	_, err = os.Stat(filepath.Join(processing, "big.flv"))
	assert.NoError(t, err)
}

func TestConvertDanmakuSkipsRecordingSegments(t *testing.T) {
	conv := &fakeConverter{}
	p, processing, _ := testPipeline(t, conv, nil)

	// 仍在录制：存在 .flv.part
	write(t, filepath.Join(processing, "recording.xml"), 50)
	write(t, filepath.Join(processing, "recording.flv.part"), 100)

	// 没有对应 FLV
	write(t, filepath.Join(processing, "lonely.xml"), 50)

	p.ConvertDanmaku(context.Background())
	assert.Empty(t, conv.calls)
}

func TestConvertDanmakuSkipsExistingASS(t *testing.T) {
	conv := &fakeConverter{}
	p, processing, _ := testPipeline(t, conv, nil)

	write(t, filepath.Join(processing, "done.xml"), 50)
	write(t, filepath.Join(processing, "done.flv"), 100)
	write(t, filepath.Join(processing, "done.ass"), 10)

	p.ConvertDanmaku(context.Background())
	assert.Empty(t, conv.calls)
}

func TestSkipEncodingMovesRawFLVs(t *testing.T) {
	p, processing, upload := testPipeline(t, &fakeConverter{}, func(c *Config) {
		c.SkipEncoding = true
	})

	write(t, filepath.Join(processing, "S录播2026-02-24T10_30_00.flv"), 100)
	write(t, filepath.Join(processing, "live.flv"), 100)
	write(t, filepath.Join(processing, "live.flv.part"), 100)

	p.EncodeVideos(context.Background())

	_, err := os.Stat(filepath.Join(upload, "S录播2026-02-24T10_30_00.flv"))
	assert.NoError(t, err)
	// 仍在录制的片段不动
	_, err = os.Stat(filepath.Join(processing, "live.flv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(upload, "live.flv"))
	assert.True(t, os.IsNotExist(err))
}

func TestSkipEncodingDoesNotOverwriteStaged(t *testing.T) {
	p, processing, upload := testPipeline(t, &fakeConverter{}, func(c *Config) {
		c.SkipEncoding = true
	})

	write(t, filepath.Join(processing, "dup.flv"), 100)
	write(t, filepath.Join(upload, "dup.flv"), 200)

	p.EncodeVideos(context.Background())

	stat, err := os.Stat(filepath.Join(upload, "dup.flv"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), stat.Size(), "已存在的待上传文件不被覆盖")
	_, err = os.Stat(filepath.Join(processing, "dup.flv"))
	assert.NoError(t, err)
}
