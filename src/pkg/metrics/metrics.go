// Package metrics 提供进程内的 Prometheus 指标。
// 指标通过 RPC 服务的 /metrics 端点暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SegmentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "segments_recorded_total",
		Help:      "完成落盘（已去除 .part 后缀）的录制片段数",
	}, []string{"streamer"})

	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "douyurec",
		Name:      "active_recordings",
		Help:      "当前正在录制的主播数",
	})

	DanmakuMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "danmaku_messages_total",
		Help:      "写入弹幕 XML 的消息条数",
	}, []string{"streamer"})

	DanmakuIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "danmaku_ignored_total",
		Help:      "按消息类型统计的未消费弹幕协议消息数",
	}, []string{"type"})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "danmaku_malformed_frames_total",
		Help:      "弹幕连接上无法解析的二进制帧数",
	})

	DanmakuReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "danmaku_reconnects_total",
		Help:      "弹幕 WebSocket 重连次数",
	}, []string{"streamer"})

	StatusChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "status_checks_total",
		Help:      "开播状态轮询结果统计",
	}, []string{"streamer", "result"})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "douyurec",
		Name:      "uploads_total",
		Help:      "按操作与结果统计的投稿调用次数",
	}, []string{"op", "result"})
)
