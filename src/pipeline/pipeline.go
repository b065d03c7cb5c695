// Package pipeline 实现录制产物的下游处理：
// 清理过小文件 → 弹幕 XML 转 ASS → 压制（或直接搬运）→ 移入待上传目录。
// 只有不带 .part 后缀的文件会被处理。
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Converter 外部弹幕字幕转换器（XML → ASS，纯文件到文件）
type Converter interface {
	ConvertXMLToASS(ctx context.Context, fontSize, scFontSize, resX, resY int, xmlPath, assPath string) error
}

// Config 单次流水线运行的参数快照
type Config struct {
	ProcessingFolder string
	UploadFolder     string
	MinFileSizeMB    int
	FontSize         int
	SCFontSize       int
	SkipEncoding     bool
	DeleteOriginals  bool

	FfmpegPath  string
	FfprobePath string

	// 硬件压制环境
	LibraryPath  string
	VaDriverName string
	VaDriverPath string
	DeviceNode   string
}

// Pipeline 下游处理阶段。CPU 密集的压制在调用方的 worker 协程中执行。
type Pipeline struct {
	cfg       Config
	converter Converter
}

func New(cfg Config, converter Converter) *Pipeline {
	return &Pipeline{cfg: cfg, converter: converter}
}

// Run 执行一轮完整的处理：清理、转换、压制/搬运
func (p *Pipeline) Run(ctx context.Context) {
	p.CleanupSmallFiles()
	if !p.cfg.SkipEncoding {
		p.ConvertDanmaku(ctx)
	} else {
		logrus.Info("已配置跳过压制，不执行弹幕转换")
	}
	p.EncodeVideos(ctx)
}

// CleanupSmallFiles 删除小于阈值的 .flv 及其对应 .xml
func (p *Pipeline) CleanupSmallFiles() {
	logrus.Info("开始清理小文件...")
	minBytes := int64(p.cfg.MinFileSizeMB) * 1024 * 1024
	deleted := 0

	for _, flv := range p.glob("*.flv") {
		stat, err := os.Stat(flv)
		if err != nil {
			continue
		}
		if stat.Size() >= minBytes {
			continue
		}
		logrus.Infof("找到小于 %dMB 的文件: %s (%.2fMB)",
			p.cfg.MinFileSizeMB, filepath.Base(flv), float64(stat.Size())/(1024*1024))
		if err := os.Remove(flv); err != nil {
			logrus.WithError(err).Errorf("删除 FLV 文件失败: %s", filepath.Base(flv))
			continue
		}
		deleted++
		xml := strings.TrimSuffix(flv, ".flv") + ".xml"
		if _, err := os.Stat(xml); err == nil {
			if err := os.Remove(xml); err != nil {
				logrus.WithError(err).Errorf("删除对应 XML 失败: %s", filepath.Base(xml))
			}
		}
	}
	logrus.Infof("小文件清理完成，共删除 %d 个 FLV 及其对应 XML", deleted)
}

// ConvertDanmaku 把已完成片段的 XML 转为 ASS，跳过仍在录制的片段
func (p *Pipeline) ConvertDanmaku(ctx context.Context) {
	logrus.Info("开始转换弹幕文件...")
	converted, skipped, failed := 0, 0, 0

	for _, xml := range p.glob("*.xml") {
		base := strings.TrimSuffix(xml, ".xml")
		flv := base + ".flv"
		ass := base + ".ass"

		// 同名 .flv.part 存在说明片段仍在录制
		if _, err := os.Stat(flv + ".part"); err == nil {
			logrus.Infof("跳过转换，片段仍在录制: %s", filepath.Base(flv))
			skipped++
			continue
		}
		if _, err := os.Stat(flv); err != nil {
			logrus.Warnf("跳过转换，找不到对应的 FLV: %s", filepath.Base(flv))
			skipped++
			continue
		}
		if _, err := os.Stat(ass); err == nil {
			skipped++
			continue
		}

		resX, resY, err := p.videoResolution(ctx, flv)
		if err != nil {
			logrus.WithError(err).Errorf("无法获取视频分辨率，跳过转换: %s", filepath.Base(flv))
			failed++
			continue
		}

		logrus.Infof("正在转换: %s -> %s", filepath.Base(xml), filepath.Base(ass))
		if err := p.converter.ConvertXMLToASS(ctx, p.cfg.FontSize, p.cfg.SCFontSize, resX, resY, xml, ass); err != nil {
			logrus.WithError(err).Errorf("转换弹幕失败: %s", filepath.Base(xml))
			failed++
			continue
		}
		converted++
	}
	logrus.Infof("弹幕转换完成。成功: %d, 跳过: %d, 失败: %d", converted, skipped, failed)
}

// videoResolution 通过 ffprobe 读取视频分辨率
func (p *Pipeline) videoResolution(ctx context.Context, videoFile string) (int, int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.FfprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		videoFile,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("运行 ffprobe 失败: %w", err)
	}
	stream := gjson.GetBytes(out, "streams.0")
	width := int(stream.Get("width").Int())
	height := int(stream.Get("height").Int())
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("无法从 ffprobe 输出解析分辨率")
	}
	return width, height, nil
}

// EncodeVideos 压制带 ASS 的 FLV 为 MP4 并移入待上传目录；
// 跳过压制模式下直接把完成的 FLV 搬运过去。
func (p *Pipeline) EncodeVideos(ctx context.Context) {
	if err := os.MkdirAll(p.cfg.UploadFolder, 0o755); err != nil {
		logrus.WithError(err).Error("创建上传目录失败")
		return
	}

	if p.cfg.SkipEncoding {
		p.moveRawFLVs()
		return
	}

	logrus.Info("开始压制视频...")
	encoded, skipped, failed := 0, 0, 0

	for _, ass := range p.glob("*.ass") {
		if ctx.Err() != nil {
			return
		}
		base := strings.TrimSuffix(ass, ".ass")
		flv := base + ".flv"
		tempMP4 := base + ".mp4"
		uploadMP4 := filepath.Join(p.cfg.UploadFolder, filepath.Base(tempMP4))

		if _, err := os.Stat(flv); err != nil {
			logrus.Warnf("找不到对应的 FLV，跳过压制: %s", filepath.Base(flv))
			skipped++
			continue
		}
		if _, err := os.Stat(uploadMP4); err == nil {
			logrus.Infof("MP4 已存在于上传目录，跳过压制: %s", filepath.Base(uploadMP4))
			p.removeOriginals(flv, ass)
			skipped++
			continue
		}
		// 上次压制中断的残留
		if _, err := os.Stat(tempMP4); err == nil {
			logrus.Warnf("发现残留的临时 MP4，将删除: %s", filepath.Base(tempMP4))
			if err := os.Remove(tempMP4); err != nil {
				logrus.WithError(err).Error("删除残留临时 MP4 失败")
				failed++
				continue
			}
		}

		logrus.Infof("开始压制: %s + %s -> %s", filepath.Base(flv), filepath.Base(ass), filepath.Base(tempMP4))
		if err := p.encodeOne(ctx, flv, ass, tempMP4); err != nil {
			logrus.WithError(err).Errorf("压制失败: %s", filepath.Base(flv))
			os.Remove(tempMP4)
			failed++
			continue
		}

		if err := os.Rename(tempMP4, uploadMP4); err != nil {
			logrus.WithError(err).Errorf("移动压制产物失败: %s", filepath.Base(tempMP4))
			os.Remove(tempMP4)
			failed++
			continue
		}
		logrus.Infof("成功移动文件到: %s", uploadMP4)
		p.removeOriginals(flv, ass)
		encoded++
	}
	logrus.Infof("视频压制与移动完成。成功: %d, 跳过: %d, 失败: %d", encoded, skipped, failed)
}

// encodeOne 先尝试硬件压制，硬件初始化失败时回退软件编码
func (p *Pipeline) encodeOne(ctx context.Context, flv, ass, out string) error {
	hwErr := p.runFFmpeg(ctx, p.hwArgs(flv, ass, out))
	if hwErr == nil {
		return nil
	}
	logrus.WithError(hwErr).Warn("硬件压制失败，回退软件编码")
	os.Remove(out)
	return p.runFFmpeg(ctx, p.swArgs(flv, ass, out))
}

func (p *Pipeline) hwArgs(flv, ass, out string) []string {
	device := "qsv=hw"
	if p.cfg.DeviceNode != "" {
		device = "qsv=hw,child_device=" + p.cfg.DeviceNode
	}
	return []string{
		"-v", "error",
		"-init_hw_device", device,
		"-hwaccel", "qsv",
		"-hwaccel_output_format", "qsv",
		"-i", flv,
		"-vf", fmt.Sprintf("ass=%s,hwupload=extra_hw_frames=64", ass),
		"-c:v", "h264_qsv",
		"-preset", "veryfast",
		"-global_quality", "25",
		"-c:a", "copy",
		"-y", out,
	}
}

func (p *Pipeline) swArgs(flv, ass, out string) []string {
	return []string{
		"-v", "error",
		"-i", flv,
		"-vf", "ass=" + ass,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "25",
		"-c:a", "copy",
		"-y", out,
	}
}

func (p *Pipeline) runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, p.cfg.FfmpegPath, args...)
	cmd.Env = p.encoderEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("ffmpeg 失败: %w, 输出尾部: %s", err, tail)
	}
	return nil
}

// encoderEnv 注入硬件压制所需的环境变量
func (p *Pipeline) encoderEnv() []string {
	env := os.Environ()
	if p.cfg.LibraryPath != "" {
		env = append(env, "LD_LIBRARY_PATH="+p.cfg.LibraryPath)
	}
	if p.cfg.VaDriverName != "" {
		env = append(env, "LIBVA_DRIVER_NAME="+p.cfg.VaDriverName)
	}
	if p.cfg.VaDriverPath != "" {
		env = append(env, "LIBVA_DRIVERS_PATH="+p.cfg.VaDriverPath)
	}
	return env
}

// moveRawFLVs 跳过压制模式：把完成的 FLV 直接移入上传目录
func (p *Pipeline) moveRawFLVs() {
	logrus.Info("已配置跳过压制，直接搬运 FLV 文件")
	moved, skipped := 0, 0
	for _, flv := range p.glob("*.flv") {
		// 同名 .part 存在说明仍在录制
		if _, err := os.Stat(flv + ".part"); err == nil {
			skipped++
			continue
		}
		target := filepath.Join(p.cfg.UploadFolder, filepath.Base(flv))
		if _, err := os.Stat(target); err == nil {
			logrus.Infof("FLV 已存在于上传目录，跳过: %s", filepath.Base(target))
			skipped++
			continue
		}
		if err := os.Rename(flv, target); err != nil {
			logrus.WithError(err).Errorf("移动 FLV 失败: %s", filepath.Base(flv))
			continue
		}
		moved++
	}
	logrus.Infof("直接处理 FLV 文件完成。成功: %d, 跳过: %d", moved, skipped)
}

func (p *Pipeline) removeOriginals(flv, ass string) {
	if !p.cfg.DeleteOriginals {
		return
	}
	for _, f := range []string{flv, ass} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Warnf("删除原始文件失败: %s", filepath.Base(f))
		}
	}
}

func (p *Pipeline) glob(pattern string) []string {
	matches, _ := filepath.Glob(filepath.Join(p.cfg.ProcessingFolder, pattern))
	return matches
}

// ExecConverter 通过外部 dmconvert 命令完成 XML→ASS 转换
type ExecConverter struct {
	BinPath string
}

func (c *ExecConverter) ConvertXMLToASS(ctx context.Context, fontSize, scFontSize, resX, resY int, xmlPath, assPath string) error {
	cmd := exec.CommandContext(ctx, c.BinPath,
		"--font-size", strconv.Itoa(fontSize),
		"--sc-font-size", strconv.Itoa(scFontSize),
		"--resolution-x", strconv.Itoa(resX),
		"--resolution-y", strconv.Itoa(resY),
		xmlPath, assPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("dmconvert 失败: %w, 输出: %s", err, string(out))
	}
	if _, err := os.Stat(assPath); err != nil {
		return fmt.Errorf("转换命令执行完毕但未找到输出文件: %s", filepath.Base(assPath))
	}
	return nil
}
