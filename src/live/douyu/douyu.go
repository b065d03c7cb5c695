// Package douyu 封装斗鱼平台的 HTTP 接口：开播状态查询与取流。
package douyu

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hr3lxphr6j/requests"
	uuid "github.com/satori/go.uuid"
	"github.com/tidwall/gjson"
)

const (
	domain = "www.douyu.com"
	cnName = "斗鱼"

	defaultBaseURL = "https://www.douyu.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

var (
	// ErrRoomNotExist 房间不存在或接口返回异常
	ErrRoomNotExist = errors.New("douyu: 房间不存在")
	// ErrResolve 取流重试次数耗尽
	ErrResolve = errors.New("douyu: 取流失败")
)

// Client 斗鱼接口客户端。一个进程内全部主播共用一个实例。
type Client struct {
	session *requests.Session
	baseURL string
	did     string
	cdn     string
	rate    int
}

// Option 构造参数
type Option func(*Client)

// WithBaseURL 替换接口基地址（测试用）
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithDID 指定设备标识
func WithDID(did string) Option {
	return func(c *Client) {
		if did != "" {
			c.did = did
		}
	}
}

// WithCDN 指定取流 CDN
func WithCDN(cdn string) Option {
	return func(c *Client) {
		if cdn != "" {
			c.cdn = cdn
		}
	}
}

// WithRate 指定清晰度（0 为原画）
func WithRate(rate int) Option {
	return func(c *Client) { c.rate = rate }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		session: requests.NewSession(&http.Client{Timeout: 10 * time.Second}),
		baseURL: defaultBaseURL,
		did:     generateDID(),
		cdn:     "hw-h5",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// generateDID 生成 32 位十六进制设备标识（去掉连字符的 UUID）
func generateDID() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
}

// GetPlatformCNName 平台中文名
func (c *Client) GetPlatformCNName() string {
	return cnName
}

// requestHeaders 下游（ffmpeg / websocket）访问斗鱼资源时必须携带的请求头
func (c *Client) requestHeaders() map[string]string {
	return map[string]string{
		"User-Agent": userAgent,
		"Referer":    "https://" + domain,
		"Origin":     "https://" + domain,
	}
}

// RoomStatus 查询房间开播状态。
// 返回 true 表示开播且非视频轮播；接口异常返回 error，调用方不得据此推断状态变化。
func (c *Client) RoomStatus(roomID string) (bool, error) {
	resp, err := c.session.Get(
		fmt.Sprintf("%s/betard/%s", c.baseURL, roomID),
		requests.UserAgent(userAgent),
		requests.Headers(map[string]interface{}{
			"Referer": "https://" + domain,
			"Origin":  "https://" + domain,
		}),
	)
	if err != nil {
		return false, fmt.Errorf("请求房间信息失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("房间信息接口返回 HTTP %d", resp.StatusCode)
	}
	body, err := resp.Bytes()
	if err != nil {
		return false, err
	}
	room := gjson.GetBytes(body, "room")
	if !room.Exists() {
		return false, fmt.Errorf("房间信息响应格式异常")
	}
	return room.Get("show_status").Int() == 1 && room.Get("videoLoop").Int() == 0, nil
}
