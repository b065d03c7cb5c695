package recorders

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/configs"
	"github.com/douyu-rec/douyu-rec/src/live/douyu"
	"github.com/douyu-rec/douyu-rec/src/monitors"
	"github.com/douyu-rec/douyu-rec/src/pkg/metrics"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
	"github.com/douyu-rec/douyu-rec/src/store"
)

// 生命周期状态，CAS 推进
const (
	begin uint32 = iota
	pending
	running
	stopped
)

// 分段状态机
const (
	SegStateOffline uint32 = iota
	SegStateResolving
	SegStateRecording
	SegStateClosing
)

const (
	// 相邻片段之间的冷却时间
	segmentCooldown = 10 * time.Second
	// 一场直播内取流失败上限，达到后本场不再尝试
	resolveFailLimit = 3
)

const recordingStampLayout = "2006-01-02T15_04_05"

// ResolverAPI 取流接口
type ResolverAPI interface {
	Resolve(ctx context.Context, roomID string) (string, map[string]string, error)
}

// RecorderAPI 单段录制接口
type RecorderAPI interface {
	Record(ctx context.Context, streamURL string, headers map[string]string, outPath string, duration time.Duration) (int, error)
}

// ChatRunner 单段弹幕采集接口
type ChatRunner interface {
	Run(ctx context.Context, duration time.Duration) error
	Stop()
}

// CollectorFactory 为每个片段创建一个弹幕采集器，参数为 XML .part 路径
type CollectorFactory func(xmlPartPath string) ChatRunner

// CoordinatorConfig 协调器参数快照
type CoordinatorConfig struct {
	Streamer         configs.Streamer
	ProcessingFolder string
	SegmentDuration  time.Duration
	StartAdjustment  time.Duration
	Cooldown         time.Duration
}

// Coordinator 单个主播的分段协调器：
// OFFLINE → RESOLVING → RECORDING → CLOSING 状态机，
// 产出的每对 (.flv, .xml) 通过 .part 重命名原子可见。
type Coordinator struct {
	cfg      CoordinatorConfig
	monitor  *monitors.Monitor
	resolver ResolverAPI
	recorder RecorderAPI
	newChat  CollectorFactory
	st       store.Store
	logger   *logrus.Entry

	state    uint32
	segState uint32
	events   chan monitors.Transition
	stop     chan struct{}
	done     chan struct{}

	// for test
	nowFunc func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig, monitor *monitors.Monitor, resolver ResolverAPI, recorder RecorderAPI, newChat CollectorFactory, st store.Store) *Coordinator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = segmentCooldown
	}
	return &Coordinator{
		cfg:      cfg,
		monitor:  monitor,
		resolver: resolver,
		recorder: recorder,
		newChat:  newChat,
		st:       st,
		logger:   logrus.WithFields(logrus.Fields{"streamer": cfg.Streamer.Name, "room": cfg.Streamer.RoomID}),
		state:    begin,
		events:   make(chan monitors.Transition, 4),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		nowFunc:  time.Now,
	}
}

// SegState 当前分段状态（观测用）
func (c *Coordinator) SegState() uint32 {
	return atomic.LoadUint32(&c.segState)
}

func (c *Coordinator) setSegState(s uint32) {
	atomic.StoreUint32(&c.segState, s)
}

// Start 启动协调器。启动时已在直播的主播立即进入录制。
func (c *Coordinator) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&c.state, begin, pending) {
		return nil
	}
	if c.monitor.IsLive() {
		c.events <- monitors.Transition{From: false, To: true}
	}
	sentry.GoWithContext(ctx, func(ctx context.Context) { c.run(ctx) })
	atomic.CompareAndSwapUint32(&c.state, pending, running)
	c.logger.Info("分段协调器已启动")
	return nil
}

// Close 停止协调器并等待收尾（弹幕 3 秒，录制 10 秒优雅 + 强杀）
func (c *Coordinator) Close() {
	if !atomic.CompareAndSwapUint32(&c.state, running, stopped) {
		return
	}
	close(c.stop)
	<-c.done
	c.logger.Info("分段协调器已停止")
}

// HandleTransition 接收状态监视器的开/下播变化
func (c *Coordinator) HandleTransition(tr monitors.Transition) {
	select {
	case c.events <- tr:
	default:
		c.logger.Warn("状态事件队列已满，丢弃事件")
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case tr := <-c.events:
			if tr.To {
				c.onLive(ctx)
			} else {
				c.onOffline(ctx)
			}
		}
	}
}

// onLive 开播：建立会话并循环录制到下播或停止
func (c *Coordinator) onLive(ctx context.Context) {
	start := c.nowFunc().Add(-c.cfg.StartAdjustment)
	if _, err := c.st.OpenSession(ctx, c.cfg.Streamer.Name, start); err != nil {
		c.logger.WithError(err).Error("记录上播时间失败")
	} else {
		c.logger.Infof("已记录上播时间: %s (已自动调整-%s)", start.Format("2006-01-02 15:04:05"), c.cfg.StartAdjustment)
	}
	c.recordWhileLive(ctx)
}

// onOffline 下播：关闭当前会话
func (c *Coordinator) onOffline(ctx context.Context) {
	session, err := c.st.LatestOpenSession(ctx, c.cfg.Streamer.Name)
	if err != nil {
		c.logger.WithError(err).Error("查询未结束会话失败")
		return
	}
	if session == nil {
		c.logger.Warn("收到下播事件但没有未结束的会话")
		return
	}
	end := c.nowFunc()
	if err := c.st.CloseSession(ctx, session.ID, end); err != nil {
		c.logger.WithError(err).Error("记录下播时间失败")
		return
	}
	c.logger.Infof("已记录下播时间: %s", end.Format("2006-01-02 15:04:05"))
}

// recordWhileLive 在缓存状态仍为直播中时循环录制片段
func (c *Coordinator) recordWhileLive(ctx context.Context) {
	defer c.setSegState(SegStateOffline)

	metrics.ActiveRecordings.Inc()
	defer metrics.ActiveRecordings.Dec()

	resolveFails := 0
	for {
		if c.stopRequested(ctx) || !c.monitor.IsLive() {
			return
		}

		c.setSegState(SegStateResolving)
		streamURL, headers, err := c.resolver.Resolve(ctx, c.cfg.Streamer.RoomID)
		if err != nil {
			if errors.Is(err, douyu.ErrResolve) {
				resolveFails++
				if resolveFails >= resolveFailLimit {
					c.logger.WithError(err).Error("取流连续失败，本场直播停止尝试")
					return
				}
				c.logger.WithError(err).Warnf("取流失败 (%d/%d)，冷却后重试", resolveFails, resolveFailLimit)
				if !c.sleep(ctx, c.cfg.Cooldown) {
					return
				}
				continue
			}
			// context 取消等
			return
		}
		resolveFails = 0

		c.runSegment(ctx, streamURL, headers)

		if c.stopRequested(ctx) {
			return
		}
		if !c.sleep(ctx, c.cfg.Cooldown) {
			return
		}
	}
}

// runSegment 录制一个片段：ffmpeg 与弹幕采集并行，结束后原子重命名
func (c *Coordinator) runSegment(ctx context.Context, streamURL string, headers map[string]string) {
	base := fmt.Sprintf("%s录播%s", c.cfg.Streamer.Name, c.nowFunc().Format(recordingStampLayout))
	flvPart := filepath.Join(c.cfg.ProcessingFolder, base+".flv.part")
	xmlPart := filepath.Join(c.cfg.ProcessingFolder, base+".xml.part")

	c.setSegState(SegStateRecording)
	c.logger.Infof("开始录制片段: %s", base)

	recCtx, recCancel := context.WithCancel(ctx)
	defer recCancel()

	recDone := make(chan int, 1)
	sentry.Go(func() {
		code, err := c.recorder.Record(recCtx, streamURL, headers, flvPart, c.cfg.SegmentDuration)
		if err != nil {
			c.logger.WithError(err).Error("录制进程启动失败")
			code = -1
		}
		recDone <- code
	})

	collector := c.newChat(xmlPart)
	chatDone := make(chan error, 1)
	sentry.Go(func() {
		chatDone <- collector.Run(recCtx, c.cfg.SegmentDuration)
	})

	// 录制进程退出或片段时长用尽，先到者触发收尾
	segTimer := time.NewTimer(c.cfg.SegmentDuration)
	defer segTimer.Stop()

	stopRequested := false
	recExited := false
	var exitCode int
	select {
	case exitCode = <-recDone:
		recExited = true
	case <-segTimer.C:
	case <-c.stop:
		stopRequested = true
	case <-ctx.Done():
		stopRequested = true
	}

	c.setSegState(SegStateClosing)

	// 弹幕先停（3 秒内完成），并写入根闭合标签
	collector.Stop()
	if err := <-chatDone; err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WithError(err).Warn("弹幕采集降级退出")
	}
	// 再停录制进程（10 秒优雅 + 强杀）
	if !recExited {
		exitCode = c.shutdownRecorder(recCancel, recDone)
	}

	if exitCode != 0 {
		c.logger.Warnf("录制进程退出码 %d", exitCode)
	}

	if stopRequested {
		// 外部停止：放弃重命名，保留 .part 文件
		c.logger.Info("收到停止请求，保留 .part 文件")
		return
	}
	c.finalizeSegment(flvPart, xmlPart)
}

// shutdownRecorder 取消录制 context 并等待进程退出
func (c *Coordinator) shutdownRecorder(cancel context.CancelFunc, recDone chan int) int {
	cancel()
	return <-recDone
}

// finalizeSegment 两个文件都非空时去除 .part 后缀。
// 先改 XML 再改 FLV：下游只有在看到 FLV 时才认为一对文件完整。
func (c *Coordinator) finalizeSegment(flvPart, xmlPart string) {
	if !fileNonEmpty(flvPart) || !fileNonEmpty(xmlPart) {
		c.logger.Warn("片段产物为空或缺失，保留 .part 文件")
		return
	}
	xmlFinal := xmlPart[:len(xmlPart)-len(".part")]
	flvFinal := flvPart[:len(flvPart)-len(".part")]
	if err := os.Rename(xmlPart, xmlFinal); err != nil {
		c.logger.WithError(err).Error("重命名弹幕文件失败")
		return
	}
	if err := os.Rename(flvPart, flvFinal); err != nil {
		c.logger.WithError(err).Error("重命名视频文件失败")
		return
	}
	metrics.SegmentsRecorded.WithLabelValues(c.cfg.Streamer.Name).Inc()
	c.logger.Infof("片段完成: %s", filepath.Base(flvFinal))
}

func fileNonEmpty(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.Size() > 0
}

func (c *Coordinator) stopRequested(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep 可中断等待，返回 false 表示被停止打断
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
