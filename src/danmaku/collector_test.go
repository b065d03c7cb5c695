package danmaku

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/douyu-rec/douyu-rec/src/pkg/dmxml"
	"github.com/douyu-rec/douyu-rec/src/pkg/stt"
)

var upgrader = websocket.Upgrader{}

type wsScript func(t *testing.T, conn *websocket.Conn, connIndex int)

// newWsServer 启动一个弹幕代理测试桩，按连接序号执行脚本
func newWsServer(t *testing.T, script wsScript) (*httptest.Server, string) {
	connIndex := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		idx := connIndex
		connIndex++
		script(t, conn, idx)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

// expectHandshake 校验 loginreq + joingroup 两帧
func expectHandshake(t *testing.T, conn *websocket.Conn, roomID string) {
	for _, wantType := range []string{"loginreq", "joingroup"} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		it := stt.IterPayloads(data)
		payload, ok := it.Next()
		require.True(t, ok)
		msg := stt.Parse(payload)
		assert.Equal(t, wantType, msg["type"])
		if wantType == "loginreq" {
			assert.Equal(t, roomID, msg["roomid"])
		} else {
			assert.Equal(t, roomID, msg["rid"])
			assert.Equal(t, "-9999", msg["gid"])
		}
	}
}

func sendChat(t *testing.T, conn *websocket.Conn, text string) {
	frame := stt.Pack("type@=chatmsg/txt@=" + stt.Escape(text) + "/uid@=7/")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
}

// keepAlive 周期性发送会被采集器忽略的帧，维持连接活跃直到对端关闭
func keepAlive(conn *websocket.Conn, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if err := conn.WriteMessage(websocket.BinaryMessage, stt.Pack("type@=pingresp/")); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func testConfig(wsURL string) Config {
	return Config{
		Streamer:       "S",
		RoomID:         "123",
		WsURL:          wsURL,
		Heartbeat:      200 * time.Millisecond,
		ReconnectDelay: 100 * time.Millisecond,
		ReconnectMax:   3,
	}
}

type doc struct {
	XMLName xml.Name `xml:"i"`
	Items   []struct {
		P    string `xml:"p,attr"`
		Text string `xml:",chardata"`
	} `xml:"d"`
}

func readDoc(t *testing.T, path string) doc {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var d doc
	require.NoError(t, xml.Unmarshal(data, &d))
	return d
}

func TestCollectorWritesChatMessages(t *testing.T) {
	srv, wsURL := newWsServer(t, func(t *testing.T, conn *websocket.Conn, _ int) {
		expectHandshake(t, conn, "123")
		sendChat(t, conn, "你好")
		sendChat(t, conn, "带@和/的弹幕")
		// 非 chatmsg 类型被忽略
		conn.WriteMessage(websocket.BinaryMessage, stt.Pack("type@=uenter/nn@=x/"))
		keepAlive(conn, time.Second)
	})
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.xml.part")
	c := NewCollector(testConfig(wsURL), dmxml.NewWriter(path))

	err := c.Run(context.Background(), 600*time.Millisecond)
	require.NoError(t, err)

	d := readDoc(t, path)
	require.Len(t, d.Items, 2)
	assert.Equal(t, "你好", d.Items[0].Text)
	assert.Equal(t, "带@和/的弹幕", d.Items[1].Text)
}

func TestCollectorOffsetsMonotonic(t *testing.T) {
	srv, wsURL := newWsServer(t, func(t *testing.T, conn *websocket.Conn, _ int) {
		expectHandshake(t, conn, "123")
		for i := 0; i < 5; i++ {
			sendChat(t, conn, "m")
			time.Sleep(20 * time.Millisecond)
		}
		keepAlive(conn, time.Second)
	})
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.xml.part")
	c := NewCollector(testConfig(wsURL), dmxml.NewWriter(path))
	require.NoError(t, c.Run(context.Background(), 500*time.Millisecond))

	d := readDoc(t, path)
	require.Len(t, d.Items, 5)
	prev := -1.0
	for _, item := range d.Items {
		offset, err := strconv.ParseFloat(strings.SplitN(item.P, ",", 2)[0], 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, offset, prev)
		prev = offset
	}
}

func TestCollectorReconnectContinuesOffsets(t *testing.T) {
	srv, wsURL := newWsServer(t, func(t *testing.T, conn *websocket.Conn, idx int) {
		expectHandshake(t, conn, "123")
		if idx == 0 {
			sendChat(t, conn, "before")
			time.Sleep(50 * time.Millisecond)
			conn.Close() // 模拟连接中断
			return
		}
		sendChat(t, conn, "after")
		keepAlive(conn, time.Second)
	})
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.xml.part")
	c := NewCollector(testConfig(wsURL), dmxml.NewWriter(path))
	require.NoError(t, c.Run(context.Background(), 800*time.Millisecond))

	d := readDoc(t, path)
	require.Len(t, d.Items, 2)
	assert.Equal(t, "before", d.Items[0].Text)
	assert.Equal(t, "after", d.Items[1].Text)
	// 重连后的偏移继续向前走
	o1, _ := strconv.ParseFloat(strings.SplitN(d.Items[0].P, ",", 2)[0], 64)
	o2, _ := strconv.ParseFloat(strings.SplitN(d.Items[1].P, ",", 2)[0], 64)
	assert.Greater(t, o2, o1)
}

func TestCollectorDegradedAfterReconnectBudget(t *testing.T) {
	// 不可达的地址：每次连接失败消耗一次重连预算
	cfg := testConfig("ws://127.0.0.1:1/")
	path := filepath.Join(t.TempDir(), "out.xml.part")
	c := NewCollector(cfg, dmxml.NewWriter(path))

	err := c.Run(context.Background(), 10*time.Second)
	assert.ErrorIs(t, err, ErrDegraded)

	// 降级退出后 XML 仍然是闭合的合法文档
	readDoc(t, path)
}

func TestCollectorStopWithinDeadline(t *testing.T) {
	srv, wsURL := newWsServer(t, func(t *testing.T, conn *websocket.Conn, _ int) {
		expectHandshake(t, conn, "123")
		time.Sleep(2 * time.Second)
	})
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.xml.part")
	c := NewCollector(testConfig(wsURL), dmxml.NewWriter(path))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), 10*time.Second) }()
	time.Sleep(200 * time.Millisecond)

	stopStart := time.Now()
	c.Stop()
	assert.Less(t, time.Since(stopStart), 3*time.Second)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run 未在停止后退出")
	}
	assert.Equal(t, StateStopped, c.State())
	readDoc(t, path)
}
