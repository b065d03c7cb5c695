package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hr3lxphr6j/requests"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	memberFeedURL = "https://member.bilibili.com/x/web/archives"

	feedUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

var bvidPattern = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)

// BiliupClient 通过 biliup CLI 完成登录校验、创建稿件与追加分P，
// 稿件列表查询走创作中心接口（携带 cookies.json 中的凭据）。
type BiliupClient struct {
	binPath     string
	cookiesPath string
	submitMode  string
	line        string
	session     *requests.Session

	// for test
	runCommand func(ctx context.Context, args ...string) (string, int, error)
}

func NewBiliupClient(binPath, cookiesPath, submitMode, line string) *BiliupClient {
	if binPath == "" {
		binPath = "biliup"
	}
	if submitMode != "app" && submitMode != "b-cut-android" {
		logrus.Warnf("submit_mode=%s 不受支持，回退为 app", submitMode)
		submitMode = "app"
	}
	c := &BiliupClient{
		binPath:     binPath,
		cookiesPath: cookiesPath,
		submitMode:  submitMode,
		line:        line,
		session:     requests.NewSession(&http.Client{Timeout: 30 * time.Second}),
	}
	c.runCommand = c.execCommand
	return c
}

// execCommand 执行 biliup 命令，返回 (合并输出, 退出码)
func (c *BiliupClient) execCommand(ctx context.Context, args ...string) (string, int, error) {
	full := append([]string{"-u", c.cookiesPath}, args...)
	logrus.Debugf("执行 biliup 命令: %s %s", c.binPath, strings.Join(full, " "))
	cmd := exec.CommandContext(ctx, c.binPath, full...)
	out, err := cmd.CombinedOutput()
	output := string(out)
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line != "" {
			logrus.Debugf("[biliup] %s", line)
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitCode(), nil
		}
		return output, -1, fmt.Errorf("执行 biliup 失败: %w", err)
	}
	return output, 0, nil
}

// CheckLogin 通过 renew 子命令校验凭据有效性
func (c *BiliupClient) CheckLogin(ctx context.Context) (bool, error) {
	if _, err := os.Stat(c.cookiesPath); err != nil {
		return false, fmt.Errorf("未找到 cookies 文件: %w", err)
	}
	_, code, err := c.runCommand(ctx, "renew")
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// UploadNew 创建新稿件，尽可能从输出中解析父稿件标识
func (c *BiliupClient) UploadNew(ctx context.Context, path string, meta *Submission, title string) (string, error) {
	args := []string{
		"upload",
		"--submit", c.submitMode,
		"--tid", strconv.Itoa(meta.TID),
		"--title", title,
		"--desc", meta.Desc,
		"--tag", strings.Join(meta.Tags, ","),
		"--copyright", "2",
	}
	if c.line != "" {
		args = append(args, "--line", c.line)
	}
	if meta.Source != "" {
		args = append(args, "--source", meta.Source)
	}
	if meta.Cover != "" {
		args = append(args, "--cover", meta.Cover)
	}
	if meta.Dynamic != "" {
		args = append(args, "--dynamic", meta.Dynamic)
	}
	args = append(args, path)

	output, code, err := c.runCommand(ctx, args...)
	if err != nil {
		return "", err
	}
	if !createSubmitSucceeded(output, code) {
		return "", fmt.Errorf("创建稿件失败，退出码 %d", code)
	}
	return bvidPattern.FindString(output), nil
}

// AppendPart 向既有稿件追加分P。
// biliup append 不支持分P标题参数，partName 仅用于日志与记录。
func (c *BiliupClient) AppendPart(ctx context.Context, path, parentID, cdn, partName string) error {
	args := []string{
		"append",
		"--submit", c.submitMode,
		"--vid", parentID,
	}
	if c.line != "" {
		args = append(args, "--line", c.line)
	} else if cdn != "" {
		args = append(args, "--line", cdn)
	}
	args = append(args, path)

	output, code, err := c.runCommand(ctx, args...)
	if err != nil {
		return err
	}
	if !appendSubmitSucceeded(output, code) {
		return fmt.Errorf("追加分P失败 (%s)，退出码 %d", partName, code)
	}
	return nil
}

func createSubmitSucceeded(output string, code int) bool {
	if code != 0 {
		return false
	}
	return strings.Contains(output, "投稿成功") ||
		strings.Contains(output, "APP接口投稿成功") ||
		strings.Contains(output, `"code": Number(0)`) ||
		strings.Contains(output, "code: 0")
}

func appendSubmitSucceeded(output string, code int) bool {
	if code != 0 {
		return false
	}
	return strings.Contains(output, "稿件修改成功") ||
		strings.Contains(output, "投稿成功") ||
		strings.Contains(output, `"code": Number(0)`)
}

// Feed 查询创作中心稿件列表，返回 标题 -> BV号
func (c *BiliupClient) Feed(ctx context.Context, size int, statusSet string) (map[string]string, error) {
	cookies, err := c.loadCookies()
	if err != nil {
		return nil, err
	}
	resp, err := c.session.Get(
		memberFeedURL,
		requests.UserAgent(feedUserAgent),
		requests.Query("status", statusSet),
		requests.Query("pn", "1"),
		requests.Query("ps", strconv.Itoa(size)),
		requests.Cookies(cookies),
	)
	if err != nil {
		return nil, fmt.Errorf("查询稿件列表失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("稿件列表接口返回 HTTP %d", resp.StatusCode)
	}
	body, err := resp.Bytes()
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(body, "code").Int() != 0 {
		return nil, fmt.Errorf("稿件列表接口返回错误: %s", gjson.GetBytes(body, "message").String())
	}

	result := make(map[string]string)
	gjson.GetBytes(body, "data.arc_audits").ForEach(func(_, v gjson.Result) bool {
		title := v.Get("Archive.title").String()
		bvid := v.Get("Archive.bvid").String()
		if title != "" && strings.HasPrefix(bvid, "BV") {
			result[title] = bvid
		}
		return true
	})
	return result, nil
}

// loadCookies 读取 biliup 的 cookies.json，取出请求所需的键值
func (c *BiliupClient) loadCookies() (map[string]string, error) {
	b, err := os.ReadFile(c.cookiesPath)
	if err != nil {
		return nil, fmt.Errorf("读取 cookies 失败: %w", err)
	}
	var raw struct {
		CookieInfo struct {
			Cookies []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"cookies"`
		} `json:"cookie_info"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("解析 cookies 失败: %w", err)
	}
	cookies := make(map[string]string, len(raw.CookieInfo.Cookies))
	for _, ck := range raw.CookieInfo.Cookies {
		cookies[ck.Name] = ck.Value
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("cookies 文件 %s 中没有可用凭据", c.cookiesPath)
	}
	return cookies, nil
}
