package douyu

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/hr3lxphr6j/requests"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// 加密材料缓存时长，403 时主动失效
	encryptionTTL = 24 * time.Hour
	encryptionKey = "douyu_encryption"

	resolveAttempts = 3
)

// encryption getEncryption 返回的签名材料
type encryption struct {
	EncData   string
	RandStr   string
	Key       string
	EncTime   int
	IsSpecial int
}

// Resolver 通过 getEncryption + getH5PlayV1 两步取流。
// 同一进程内所有主播共享一份加密材料缓存。
type Resolver struct {
	client *Client
	cache  gcache.Cache
	now    func() time.Time
}

func NewResolver(client *Client) *Resolver {
	return &Resolver{
		client: client,
		cache:  gcache.New(4).LRU().Build(),
		now:    time.Now,
	}
}

// Resolve 返回 (流地址, 下载所需请求头)。
// 最多尝试 3 次，两次重试前分别等待 1s、2s，重试耗尽返回 ErrResolve。
func (r *Resolver) Resolve(ctx context.Context, roomID string) (string, map[string]string, error) {
	var lastErr error
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		streamURL, err := r.resolveOnce(roomID)
		if err == nil {
			return streamURL, r.client.requestHeaders(), nil
		}
		lastErr = err
		logrus.WithError(err).WithField("room", roomID).Warnf("取流第 %d 次失败", attempt+1)
	}
	return "", nil, fmt.Errorf("%w: %v", ErrResolve, lastErr)
}

func (r *Resolver) resolveOnce(roomID string) (string, error) {
	// 403 表示签名材料过期，失效缓存后原地重签一次
	for attempt := 0; attempt < 2; attempt++ {
		enc, err := r.ensureEncryption()
		if err != nil {
			return "", err
		}
		ts := r.now().Unix()
		auth := sign(roomID, ts, enc)

		streamURL, err := r.getH5Play(roomID, enc, ts, auth)
		if err == nil {
			return streamURL, nil
		}
		if isAuthFailure(err) && attempt == 0 {
			r.cache.Remove(encryptionKey)
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("douyu: 签名刷新后仍被拒绝")
}

// ensureEncryption 获取（或从缓存读取）签名材料
func (r *Resolver) ensureEncryption() (*encryption, error) {
	if v, err := r.cache.Get(encryptionKey); err == nil {
		return v.(*encryption), nil
	}

	resp, err := r.client.session.Get(
		r.client.baseURL+"/wgapi/livenc/liveweb/websec/getEncryption",
		requests.UserAgent(userAgent),
		requests.Query("did", r.client.did),
	)
	if err != nil {
		return nil, fmt.Errorf("getEncryption 请求失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getEncryption 返回 HTTP %d", resp.StatusCode)
	}
	body, err := resp.Bytes()
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(body, "error").Int() != 0 {
		return nil, fmt.Errorf("getEncryption 返回错误: %s", gjson.GetBytes(body, "msg").String())
	}
	data := gjson.GetBytes(body, "data")
	if !data.Get("enc_data").Exists() {
		return nil, fmt.Errorf("getEncryption 响应缺少 enc_data")
	}
	enc := &encryption{
		EncData:   data.Get("enc_data").String(),
		RandStr:   data.Get("rand_str").String(),
		Key:       data.Get("key").String(),
		EncTime:   int(data.Get("enc_time").Int()),
		IsSpecial: int(data.Get("is_special").Int()),
	}
	_ = r.cache.SetWithExpire(encryptionKey, enc, encryptionTTL)
	return enc, nil
}

// httpStatusError 标记需要失效签名缓存的响应
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("getH5PlayV1 返回 HTTP %d", e.status)
}

func isAuthFailure(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && (se.status == http.StatusForbidden || se.status == http.StatusUnauthorized)
}

func (r *Resolver) getH5Play(roomID string, enc *encryption, ts int64, auth string) (string, error) {
	form := map[string]string{
		"cdn":      r.client.cdn,
		"rate":     strconv.Itoa(r.client.rate),
		"ver":      "219032101",
		"iar":      "0",
		"ive":      "0",
		"rid":      roomID,
		"hevc":     "0",
		"fa":       "0",
		"sov":      "0",
		"enc_data": enc.EncData,
		"tt":       strconv.FormatInt(ts, 10),
		"did":      r.client.did,
		"auth":     auth,
	}
	resp, err := r.client.session.Post(
		fmt.Sprintf("%s/lapi/live/getH5PlayV1/%s", r.client.baseURL, roomID),
		requests.UserAgent(userAgent),
		requests.Headers(map[string]interface{}{
			"Referer": "https://" + domain,
			"Origin":  "https://" + domain,
		}),
		requests.Form(form),
	)
	if err != nil {
		return "", fmt.Errorf("getH5PlayV1 请求失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode}
	}
	body, err := resp.Bytes()
	if err != nil {
		return "", err
	}
	if gjson.GetBytes(body, "error").Int() != 0 {
		return "", fmt.Errorf("getH5PlayV1 返回错误: %s", gjson.GetBytes(body, "msg").String())
	}

	data := gjson.GetBytes(body, "data")
	// 优先 rtmp，回退 hls
	if u, l := data.Get("rtmp_url").String(), data.Get("rtmp_live").String(); u != "" && l != "" {
		return joinStreamURL(u, l), nil
	}
	if u, l := data.Get("hls_url").String(), data.Get("hls_live").String(); u != "" && l != "" {
		return joinStreamURL(u, l), nil
	}
	return "", fmt.Errorf("getH5PlayV1 响应缺少流地址")
}

func joinStreamURL(base, live string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	for len(live) > 0 && live[0] == '/' {
		live = live[1:]
	}
	return base + "/" + live
}

// sign 计算 getH5PlayV1 的 auth 参数：
// 以 rand_str 为种子对 (seed+key) 做 enc_time 轮 MD5，
// 再连同 key 与盐（is_special 时为空，否则 room_id+ts）做最终 MD5。
func sign(roomID string, ts int64, enc *encryption) string {
	secret := enc.RandStr
	for i := 0; i < enc.EncTime; i++ {
		secret = md5Hex(secret + enc.Key)
	}
	salt := ""
	if enc.IsSpecial == 0 {
		salt = roomID + strconv.FormatInt(ts, 10)
	}
	return md5Hex(secret + enc.Key + salt)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
