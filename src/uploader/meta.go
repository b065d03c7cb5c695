package uploader

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Submission 投稿元数据（外部 YAML 提供）。
// Title 中的 {time} 占位符在投稿时替换为场次日期。
type Submission struct {
	Title   string   `yaml:"title"`
	TID     int      `yaml:"tid"`
	Tags    []string `yaml:"tag"`
	Source  string   `yaml:"source"`
	Desc    string   `yaml:"desc"`
	Cover   string   `yaml:"cover"`
	Dynamic string   `yaml:"dynamic"`
	CDN     string   `yaml:"cdn"`
}

// LoadSubmissionMeta 读取并校验投稿元数据
func LoadSubmissionMeta(path string) (*Submission, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取投稿配置失败: %w", err)
	}
	meta := &Submission{}
	if err := yaml.Unmarshal(b, meta); err != nil {
		return nil, fmt.Errorf("解析投稿配置失败: %w", err)
	}
	var missing []string
	if meta.Title == "" {
		missing = append(missing, "title")
	}
	if meta.TID == 0 {
		missing = append(missing, "tid")
	}
	if len(meta.Tags) == 0 {
		missing = append(missing, "tag")
	}
	if meta.Source == "" {
		missing = append(missing, "source")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("投稿配置 %s 缺少必须的键: %s", path, strings.Join(missing, ", "))
	}
	if !strings.Contains(meta.Title, "{time}") {
		logrus.Warnf("投稿标题 %q 不包含 {time} 占位符，将使用固定标题", meta.Title)
	}
	return meta, nil
}

// RenderTitle 以场次日期替换标题中的 {time} 占位符
func (s *Submission) RenderTitle(sessionTime time.Time) string {
	return strings.ReplaceAll(s.Title, "{time}", sessionTime.Format("2006年01月02日"))
}
