// Package danmaku 采集斗鱼弹幕：WebSocket 登录/进组/心跳/重连状态机，
// 把 chatmsg 按片段时间基写入弹幕 XML。
package danmaku

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/pkg/dmxml"
	"github.com/douyu-rec/douyu-rec/src/pkg/metrics"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
	"github.com/douyu-rec/douyu-rec/src/pkg/stt"
)

// 采集器状态
const (
	StateConnecting uint32 = iota
	StateLoggedIn
	StateJoined
	StateRunning
	StateReconnecting
	StateStopped
)

// ErrDegraded 重连预算耗尽，弹幕采集降级退出（视频录制不受影响）
var ErrDegraded = errors.New("danmaku: 重连次数耗尽")

// 外部停止请求必须在该时限内完成收尾
const stopTimeout = 3 * time.Second

// Config 采集参数，字段零值由 configs.Verify 负责补齐
type Config struct {
	Streamer       string
	RoomID         string
	WsURL          string
	Heartbeat      time.Duration
	ReconnectDelay time.Duration
	ReconnectMax   int
}

// Collector 单个片段的弹幕采集器。一次 Run 对应一个片段窗口。
type Collector struct {
	cfg    Config
	writer *dmxml.Writer
	logger *logrus.Entry

	dialer *websocket.Dialer

	state    uint32
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewCollector(cfg Config, writer *dmxml.Writer) *Collector {
	return &Collector{
		cfg:     cfg,
		writer:  writer,
		logger:  logrus.WithFields(logrus.Fields{"streamer": cfg.Streamer, "room": cfg.RoomID}),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// State 当前状态（观测用）
func (c *Collector) State() uint32 {
	return atomic.LoadUint32(&c.state)
}

func (c *Collector) setState(s uint32) {
	atomic.StoreUint32(&c.state, s)
}

// Stop 请求停止采集，阻塞到收尾完成或超时（3 秒）
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.stopped:
	case <-time.After(stopTimeout):
		c.logger.Warn("弹幕采集停止超时")
	}
}

// Run 采集一个片段窗口内的弹幕，阻塞到窗口结束、停止请求或降级。
// 无论以何种方式退出，都会写入 XML 根闭合标签。
func (c *Collector) Run(ctx context.Context, duration time.Duration) (err error) {
	start := time.Now()
	deadline := start.Add(duration)
	attempts := 0

	defer func() {
		c.setState(StateStopped)
		if closeErr := c.writer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		close(c.stopped)
	}()

	if err := c.writer.Open(); err != nil {
		return fmt.Errorf("打开弹幕文件失败: %w", err)
	}

	for {
		if c.shouldExit(ctx, deadline) {
			return nil
		}
		c.setState(StateConnecting)
		reason, connErr := c.runConnection(ctx, start, deadline)
		switch reason {
		case exitFinished:
			return nil
		case exitRetry:
			attempts++
			metrics.DanmakuReconnects.WithLabelValues(c.cfg.Streamer).Inc()
			if attempts > c.cfg.ReconnectMax {
				c.logger.WithError(connErr).Warnf("弹幕连接失败 %d 次，降级退出", attempts)
				return ErrDegraded
			}
			c.setState(StateReconnecting)
			c.logger.WithError(connErr).Infof("弹幕连接中断，%v 后第 %d/%d 次重连",
				c.cfg.ReconnectDelay, attempts, c.cfg.ReconnectMax)
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-c.stop:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type exitReason int

const (
	exitFinished exitReason = iota // 窗口结束或外部停止
	exitRetry                      // 连接层错误，按重连预算处理
)

func (c *Collector) shouldExit(ctx context.Context, deadline time.Time) bool {
	if time.Now().After(deadline) {
		return true
	}
	select {
	case <-c.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// runConnection 建立一条连接并消费消息直到出错或窗口结束
func (c *Collector) runConnection(ctx context.Context, start, deadline time.Time) (exitReason, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.WsURL, http.Header{})
	if err != nil {
		return exitRetry, fmt.Errorf("连接弹幕服务器失败: %w", err)
	}

	// 关闭连接负责解除读阻塞；watcher 监听停止/窗口结束
	connDone := make(chan struct{})
	defer close(connDone)
	sentry.Go(func() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-c.stop:
		case <-ctx.Done():
		case <-timer.C:
		case <-connDone:
		}
		_ = conn.Close()
	})

	if err := c.send(conn, fmt.Sprintf("type@=loginreq/roomid@=%s/", c.cfg.RoomID)); err != nil {
		return exitRetry, fmt.Errorf("发送登录请求失败: %w", err)
	}
	c.setState(StateLoggedIn)

	if err := c.send(conn, fmt.Sprintf("type@=joingroup/rid@=%s/gid@=-9999/", c.cfg.RoomID)); err != nil {
		return exitRetry, fmt.Errorf("发送进组请求失败: %w", err)
	}
	c.setState(StateJoined)

	// 心跳：每个心跳周期发送 keeplive
	heartbeatDone := make(chan struct{})
	sentry.Go(func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				payload := fmt.Sprintf("type@=keeplive/tick@=%d/", time.Now().Unix())
				if err := c.send(conn, payload); err != nil {
					return
				}
			case <-connDone:
				return
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	})
	c.setState(StateRunning)

	lastOffset := 0.0
	for {
		// 超过 2 个心跳周期无消息视为连接失活
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.Heartbeat))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.shouldExit(ctx, deadline) {
				return exitFinished, nil
			}
			return exitRetry, fmt.Errorf("弹幕连接读取失败: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		it := stt.IterPayloads(data)
		for {
			payload, ok := it.Next()
			if !ok {
				break
			}
			msg := stt.Parse(payload)
			typ := msg["type"]
			if typ != "chatmsg" {
				if typ != "" {
					metrics.DanmakuIgnored.WithLabelValues(typ).Inc()
				}
				continue
			}
			text := msg["txt"]
			if text == "" {
				continue
			}
			// 偏移取毫秒精度，且在单条连接内单调不减
			offset := math.Round(time.Since(start).Seconds()*1000) / 1000
			if offset < lastOffset {
				offset = lastOffset
			}
			lastOffset = offset
			if err := c.writer.Write(dmxml.Message{Offset: offset, Text: text, User: msg["uid"]}); err != nil {
				c.logger.WithError(err).Error("写入弹幕失败")
				continue
			}
			metrics.DanmakuMessages.WithLabelValues(c.cfg.Streamer).Inc()
		}
		if n := it.Malformed(); n > 0 {
			metrics.MalformedFrames.Add(float64(n))
			c.logger.Debugf("丢弃 %d 个坏帧", n)
		}
	}
}

func (c *Collector) send(conn *websocket.Conn, payload string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, stt.Pack(payload))
}
