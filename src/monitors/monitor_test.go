package monitors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI 按调用顺序回放预置结果
type fakeAPI struct {
	results []result
	calls   int
}

type result struct {
	live bool
	err  error
}

func (f *fakeAPI) RoomStatus(string) (bool, error) {
	r := f.results[f.calls%len(f.results)]
	f.calls++
	return r.live, r.err
}

func TestInitialize(t *testing.T) {
	m := NewMonitor(&fakeAPI{results: []result{{live: true}}}, "S", "123")
	m.Initialize()
	assert.True(t, m.IsLive())
}

func TestInitializeAPIErrorDefaultsOffline(t *testing.T) {
	m := NewMonitor(&fakeAPI{results: []result{{err: errors.New("boom")}}}, "S", "123")
	m.Initialize()
	assert.False(t, m.IsLive())
}

func TestIsLiveBeforeInitialize(t *testing.T) {
	m := NewMonitor(&fakeAPI{results: []result{{live: true}}}, "S", "123")
	assert.False(t, m.IsLive())
}

func TestDetectChange(t *testing.T) {
	api := &fakeAPI{results: []result{
		{live: false}, // Initialize
		{live: false}, // 无变化
		{live: true},  // 开播
		{live: true},  // 无变化
		{live: false}, // 下播
	}}
	m := NewMonitor(api, "S", "123")
	m.Initialize()

	assert.Nil(t, m.DetectChange())

	ch := m.DetectChange()
	require.NotNil(t, ch)
	assert.Equal(t, Transition{From: false, To: true}, *ch)
	assert.True(t, m.IsLive())

	assert.Nil(t, m.DetectChange())

	ch = m.DetectChange()
	require.NotNil(t, ch)
	assert.Equal(t, Transition{From: true, To: false}, *ch)
	assert.False(t, m.IsLive())
}

func TestDetectChangeAPIErrorNeverFabricatesTransition(t *testing.T) {
	api := &fakeAPI{results: []result{
		{live: true},              // Initialize
		{err: errors.New("boom")}, // 连续两次接口异常
		{err: errors.New("boom")},
		{live: true}, // 恢复后状态没变
	}}
	m := NewMonitor(api, "S", "123")
	m.Initialize()

	assert.Nil(t, m.DetectChange())
	assert.Nil(t, m.DetectChange())
	// 接口异常期间缓存不变
	assert.True(t, m.IsLive())
	assert.Nil(t, m.DetectChange())
}

func TestDetectChangeWithoutInitialize(t *testing.T) {
	api := &fakeAPI{results: []result{{live: true}, {live: true}, {live: false}}}
	m := NewMonitor(api, "S", "123")

	// 首次调用只建立缓存
	assert.Nil(t, m.DetectChange())
	assert.True(t, m.IsLive())
	assert.Nil(t, m.DetectChange())

	ch := m.DetectChange()
	require.NotNil(t, ch)
	assert.Equal(t, Transition{From: true, To: false}, *ch)
}
