package configs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
}

var defaultRPC = RPC{
	Enable: true,
	Bind:   ":50009",
}

func (r *RPC) verify() error {
	if r == nil || !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("无效的RPC绑定地址: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 按"天"滚动日志时最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// Streamer 一个被监控的主播：名字 + 斗鱼房间号
type Streamer struct {
	Name   string `yaml:"name" json:"name"`
	RoomID string `yaml:"room_id" json:"room_id"`
}

// Douyu 斗鱼平台接入参数
type Douyu struct {
	// DID 设备标识，留空时启动阶段自动生成
	DID  string `yaml:"did" json:"did"`
	CDN  string `yaml:"cdn" json:"cdn"`
	Rate int    `yaml:"rate" json:"rate"`
}

// Danmaku 弹幕采集参数
type Danmaku struct {
	WsURL                 string `yaml:"ws_url" json:"ws_url"`
	HeartbeatSeconds      int    `yaml:"heartbeat_seconds" json:"heartbeat_seconds"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds" json:"reconnect_delay_seconds"`
	ReconnectMax          int    `yaml:"reconnect_max" json:"reconnect_max"`
}

// Encoder 压制阶段的 ffmpeg/ffprobe 环境
type Encoder struct {
	FfmpegPath    string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	FfprobePath   string `yaml:"ffprobe_path" json:"ffprobe_path"`
	DmConvertPath string `yaml:"dmconvert_path" json:"dmconvert_path"`
	// 硬件压制环境：动态库搜索路径、VA 驱动及设备节点，留空则使用进程环境
	LibraryPath  string `yaml:"library_path" json:"library_path"`
	VaDriverName string `yaml:"va_driver_name" json:"va_driver_name"`
	VaDriverPath string `yaml:"va_driver_path" json:"va_driver_path"`
	DeviceNode   string `yaml:"device_node" json:"device_node"`
}

// Upload 投稿相关配置
type Upload struct {
	MetaPath        string `yaml:"meta_path" json:"meta_path"`
	BiliupBinPath   string `yaml:"biliup_bin_path" json:"biliup_bin_path"`
	CookiesPath     string `yaml:"cookies_path" json:"cookies_path"`
	SubmitMode      string `yaml:"submit_mode" json:"submit_mode"`
	Line            string `yaml:"line" json:"line"`
	DeleteAfter     bool   `yaml:"delete_after_upload" json:"delete_after_upload"`
	ScheduledEnable bool   `yaml:"scheduled_enable" json:"scheduled_enable"`
}

// 通知服务所需配置
type Notify struct {
	Email Email `yaml:"email" json:"email"`
}

type Email struct {
	Enable   bool   `yaml:"enable" json:"enable"`
	SMTPHost string `yaml:"smtpHost" json:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort" json:"smtpPort"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
	To       string `yaml:"to" json:"to"`
}

// Config 进程级配置。启动阶段通过 Verify 校验并补默认值，此后不再修改。
type Config struct {
	File  string `yaml:"-" json:"-"`
	Debug bool   `yaml:"debug" json:"debug"`

	RPC    RPC    `yaml:"rpc" json:"rpc"`
	Log    Log    `yaml:"log" json:"log"`
	Notify Notify `yaml:"notify" json:"notify"`

	// 目录布局：录制输出目录与压制后的待上传目录
	ProcessingFolder string `yaml:"processing_folder" json:"processing_folder"`
	UploadFolder     string `yaml:"upload_folder" json:"upload_folder"`
	DatabasePath     string `yaml:"database_path" json:"database_path"`

	Streamers []Streamer `yaml:"streamers" json:"streamers"`
	Douyu     Douyu      `yaml:"douyu" json:"douyu"`
	Danmaku   Danmaku    `yaml:"danmaku" json:"danmaku"`
	Encoder   Encoder    `yaml:"encoder" json:"encoder"`
	Upload    Upload     `yaml:"upload" json:"upload"`

	SegmentMinutes             int `yaml:"segment_minutes" json:"segment_minutes"`
	StatusCheckIntervalMinutes int `yaml:"status_check_interval_minutes" json:"status_check_interval_minutes"`
	ProcessingIntervalMinutes  int `yaml:"processing_interval_minutes" json:"processing_interval_minutes"`
	StartTimeAdjustmentMinutes int `yaml:"start_time_adjustment_minutes" json:"start_time_adjustment_minutes"`

	MinFileSizeMB int `yaml:"min_file_size_mb" json:"min_file_size_mb"`
	FontSize      int `yaml:"font_size" json:"font_size"`
	SCFontSize    int `yaml:"sc_font_size" json:"sc_font_size"`

	SkipEncoding          bool   `yaml:"skip_encoding" json:"skip_encoding"`
	DanmakuTitleSuffix    string `yaml:"danmaku_title_suffix" json:"danmaku_title_suffix"`
	NoDanmakuTitleSuffix  string `yaml:"no_danmaku_title_suffix" json:"no_danmaku_title_suffix"`
	ProcessAfterStreamEnd bool   `yaml:"process_after_stream_end" json:"process_after_stream_end"`

	SentryDSN string `yaml:"sentry_dsn" json:"sentry_dsn"`
}

var (
	currentConfig      *Config
	currentConfigMutex sync.RWMutex
)

func SetCurrentConfig(cfg *Config) {
	currentConfigMutex.Lock()
	defer currentConfigMutex.Unlock()
	currentConfig = cfg
}

func GetCurrentConfig() *Config {
	currentConfigMutex.RLock()
	defer currentConfigMutex.RUnlock()
	return currentConfig
}

func NewConfig() *Config {
	return &Config{
		RPC: defaultRPC,
		Log: Log{
			OutPutFolder: "./",
			SaveLastLog:  true,
			RotateDays:   7,
		},
		ProcessingFolder: "./recordings",
		UploadFolder:     "./recordings/staging",
		DatabasePath:     "./douyu-rec.db",
		Douyu: Douyu{
			CDN: "hw-h5",
		},
		Danmaku: Danmaku{
			WsURL:                 "wss://danmuproxy.douyu.com:8506/",
			HeartbeatSeconds:      30,
			ReconnectDelaySeconds: 5,
			ReconnectMax:          3,
		},
		Encoder: Encoder{
			FfmpegPath:    "ffmpeg",
			FfprobePath:   "ffprobe",
			DmConvertPath: "dmconvert",
		},
		Upload: Upload{
			MetaPath:        "config.yaml",
			CookiesPath:     "cookies.json",
			SubmitMode:      "app",
			ScheduledEnable: true,
		},
		SegmentMinutes:             60,
		StatusCheckIntervalMinutes: 10,
		ProcessingIntervalMinutes:  60,
		StartTimeAdjustmentMinutes: 10,
		MinFileSizeMB:              10,
		FontSize:                   40,
		SCFontSize:                 38,
		DanmakuTitleSuffix:         "弹幕版",
		NoDanmakuTitleSuffix:       "【无弹幕版】",
	}
}

// Verify 校验配置并补默认值。配置错误属于致命错误，启动阶段即失败。
func (c *Config) Verify() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	if len(c.Streamers) == 0 {
		return errors.New("未配置任何主播")
	}
	seen := make(map[string]struct{}, len(c.Streamers))
	for _, s := range c.Streamers {
		if s.Name == "" || s.RoomID == "" {
			return fmt.Errorf("主播配置不完整: %+v", s)
		}
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("主播名重复: %s", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if c.SegmentMinutes <= 0 {
		return errors.New("segment_minutes 必须大于 0")
	}
	if c.StatusCheckIntervalMinutes <= 0 {
		c.StatusCheckIntervalMinutes = 10
	}
	if c.ProcessingIntervalMinutes <= 0 {
		c.ProcessingIntervalMinutes = 60
	}
	if c.StartTimeAdjustmentMinutes < 0 {
		return errors.New("start_time_adjustment_minutes 不能为负数")
	}
	if c.Danmaku.HeartbeatSeconds <= 0 {
		c.Danmaku.HeartbeatSeconds = 30
	}
	if c.Danmaku.ReconnectDelaySeconds <= 0 {
		c.Danmaku.ReconnectDelaySeconds = 5
	}
	if c.Danmaku.ReconnectMax <= 0 {
		c.Danmaku.ReconnectMax = 3
	}
	if c.Danmaku.WsURL == "" {
		return errors.New("danmaku.ws_url 不能为空")
	}
	if c.ProcessingFolder == "" || c.UploadFolder == "" {
		return errors.New("processing_folder 与 upload_folder 不能为空")
	}
	return nil
}

// SegmentDuration 单个录制片段的时长
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentMinutes) * time.Minute
}

// StatusCheckInterval 开播状态轮询间隔
func (c *Config) StatusCheckInterval() time.Duration {
	return time.Duration(c.StatusCheckIntervalMinutes) * time.Minute
}

// ProcessingInterval 处理/上传流水线的周期
func (c *Config) ProcessingInterval() time.Duration {
	return time.Duration(c.ProcessingIntervalMinutes) * time.Minute
}

// StartTimeAdjustment 开播时间向前调整量
func (c *Config) StartTimeAdjustment() time.Duration {
	return time.Duration(c.StartTimeAdjustmentMinutes) * time.Minute
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := NewConfig()
	if err := yaml.Unmarshal(b, config); err != nil {
		return nil, err
	}
	return config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %s, %w", file, err)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	return config, nil
}
