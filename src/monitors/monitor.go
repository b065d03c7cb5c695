// Package monitors 维护每个主播的开播状态缓存。
// 状态有三种观测结果：开播 / 未开播 / 接口异常（unknown）。
// 接口异常绝不会被当作一次状态变化。
package monitors

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/pkg/metrics"
)

// StatusAPI 开播状态查询接口，由斗鱼客户端实现
type StatusAPI interface {
	RoomStatus(roomID string) (bool, error)
}

// Transition 一次开播状态变化
type Transition struct {
	From bool
	To   bool
}

// Monitor 单个主播的状态监视器
type Monitor struct {
	api    StatusAPI
	name   string
	roomID string
	logger *logrus.Entry

	mu         sync.Mutex
	lastStatus *bool // nil = 未初始化
}

func NewMonitor(api StatusAPI, name, roomID string) *Monitor {
	return &Monitor{
		api:    api,
		name:   name,
		roomID: roomID,
		logger: logrus.WithFields(logrus.Fields{"streamer": name, "room": roomID}),
	}
}

// Name 被监控的主播名
func (m *Monitor) Name() string { return m.name }

// RoomID 被监控的房间号
func (m *Monitor) RoomID() string { return m.roomID }

// Check 发起一次状态查询。接口异常时返回 (false, false)，不更新缓存。
func (m *Monitor) Check() (live bool, ok bool) {
	status, err := m.api.RoomStatus(m.roomID)
	if err != nil {
		m.logger.WithError(err).Error("查询开播状态失败")
		metrics.StatusChecks.WithLabelValues(m.name, "error").Inc()
		return false, false
	}
	result := "offline"
	if status {
		result = "live"
	}
	metrics.StatusChecks.WithLabelValues(m.name, result).Inc()
	return status, true
}

// Initialize 启动时做一次查询并写入缓存；查询失败时缓存未开播。
func (m *Monitor) Initialize() {
	status, ok := m.Check()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.lastStatus = &status
		m.logger.Infof("初始化状态: %s", statusText(status))
	} else {
		offline := false
		m.lastStatus = &offline
		m.logger.Warn("初始化状态查询失败，默认按未开播处理")
	}
}

// DetectChange 做一次查询并与缓存比较。
// 仅在本次查询成功且结果与缓存不同（且缓存已初始化）时返回变化；
// 接口异常不产生变化，也不修改缓存。
func (m *Monitor) DetectChange() *Transition {
	current, ok := m.Check()
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastStatus == nil {
		// 未经过 Initialize 的首次调用：只记缓存，不报变化
		m.lastStatus = &current
		return nil
	}
	if current == *m.lastStatus {
		return nil
	}
	old := *m.lastStatus
	m.lastStatus = &current
	return &Transition{From: old, To: current}
}

// IsLive 返回缓存状态；未初始化时按未开播处理
func (m *Monitor) IsLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus != nil && *m.lastStatus
}

func statusText(live bool) string {
	if live {
		return "直播中"
	}
	return "未直播"
}
