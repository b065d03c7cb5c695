package recorders

import (
	"context"
	"fmt"
	"time"

	"github.com/douyu-rec/douyu-rec/src/configs"
	"github.com/douyu-rec/douyu-rec/src/danmaku"
	"github.com/douyu-rec/douyu-rec/src/live/douyu"
	"github.com/douyu-rec/douyu-rec/src/monitors"
	"github.com/douyu-rec/douyu-rec/src/pkg/dmxml"
	"github.com/douyu-rec/douyu-rec/src/store"
)

// Manager 持有全部主播的监视器与分段协调器。
// 每个主播的录制相互独立，只通过 store 共享状态。
type Manager struct {
	coordinators map[string]*Coordinator
	monitors     map[string]*monitors.Monitor
}

// NewManager 按配置创建每个主播的监视器和协调器
func NewManager(cfg *configs.Config, client *douyu.Client, st store.Store) *Manager {
	m := &Manager{
		coordinators: make(map[string]*Coordinator, len(cfg.Streamers)),
		monitors:     make(map[string]*monitors.Monitor, len(cfg.Streamers)),
	}
	resolver := douyu.NewResolver(client)
	recorder := NewFFmpegRecorder(cfg.Encoder.FfmpegPath)

	for _, s := range cfg.Streamers {
		monitor := monitors.NewMonitor(client, s.Name, s.RoomID)
		m.monitors[s.Name] = monitor
		m.coordinators[s.Name] = NewCoordinator(
			CoordinatorConfig{
				Streamer:         s,
				ProcessingFolder: cfg.ProcessingFolder,
				SegmentDuration:  cfg.SegmentDuration(),
				StartAdjustment:  cfg.StartTimeAdjustment(),
			},
			monitor,
			resolver,
			recorder,
			collectorFactory(cfg, s),
			st,
		)
	}
	return m
}

// collectorFactory 为片段创建弹幕采集器（写入对应的 .xml.part）
func collectorFactory(cfg *configs.Config, s configs.Streamer) CollectorFactory {
	return func(xmlPartPath string) ChatRunner {
		return danmaku.NewCollector(danmaku.Config{
			Streamer:       s.Name,
			RoomID:         s.RoomID,
			WsURL:          cfg.Danmaku.WsURL,
			Heartbeat:      time.Duration(cfg.Danmaku.HeartbeatSeconds) * time.Second,
			ReconnectDelay: time.Duration(cfg.Danmaku.ReconnectDelaySeconds) * time.Second,
			ReconnectMax:   cfg.Danmaku.ReconnectMax,
		}, dmxml.NewWriter(xmlPartPath))
	}
}

// Monitor 返回主播的状态监视器
func (m *Manager) Monitor(name string) (*monitors.Monitor, error) {
	monitor, ok := m.monitors[name]
	if !ok {
		return nil, fmt.Errorf("未找到主播 %s 的监控实例", name)
	}
	return monitor, nil
}

// Monitors 返回全部监视器
func (m *Manager) Monitors() map[string]*monitors.Monitor {
	return m.monitors
}

// Coordinator 返回主播的分段协调器
func (m *Manager) Coordinator(name string) (*Coordinator, error) {
	c, ok := m.coordinators[name]
	if !ok {
		return nil, fmt.Errorf("未找到主播 %s 的协调器", name)
	}
	return c, nil
}

// Start 启动全部协调器（监视器需已初始化）
func (m *Manager) Start(ctx context.Context) error {
	for _, c := range m.coordinators {
		if err := c.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close 停止全部协调器
func (m *Manager) Close() {
	for _, c := range m.coordinators {
		c.Close()
	}
}

// AnyLive 是否有主播仍在直播（缓存状态）
func (m *Manager) AnyLive() bool {
	for _, monitor := range m.monitors {
		if monitor.IsLive() {
			return true
		}
	}
	return false
}
