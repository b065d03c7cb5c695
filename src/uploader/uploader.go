// Package uploader 实现按直播场次分组、跨重启幂等的投稿状态机。
// 每个场次最多创建一个父稿件；父稿件标识未知期间整个分组被挂起（PENDING 状态）。
package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/pkg/metrics"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
	"github.com/douyu-rec/douyu-rec/src/store"
)

// 场次回溯查询范围
const sessionLookback = 72 * time.Hour

// 父稿件标识回填：新稿件创建后最多尝试 3 次，间隔 15 秒
const (
	backfillAttempts = 3
	backfillInterval = 15 * time.Second
)

// recordingStampPattern 从文件名提取录制时间戳。
// 锚定在"录播"字面量上以兼容磁盘上的历史文件。
var recordingStampPattern = regexp.MustCompile(`录播(\d{4}-\d{2}-\d{2}T\d{2}_\d{2}_\d{2})`)

const recordingStampLayout = "2006-01-02T15_04_05"

// ParseRecordingTimestamp 从文件名解析录制时间戳
func ParseRecordingTimestamp(filename string) (time.Time, error) {
	m := recordingStampPattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return time.Time{}, fmt.Errorf("文件名 %s 中没有录制时间戳", filepath.Base(filename))
	}
	return time.ParseInLocation(recordingStampLayout, m[1], time.Local)
}

// bucketState 场次分组的上传状态
type bucketState int

const (
	// stateNewUpload 窗口内没有任何投稿记录：创建新稿件
	stateNewUpload bucketState = iota
	// statePendingParent 已有记录但父稿件标识未回填：本轮整组跳过
	statePendingParent
	// stateReadyAppend 已有带父稿件标识的记录：逐个追加分P
	stateReadyAppend
)

// TaskConfig 单次任务的不可变参数快照。
// 功能开关只在任务入口读取一次，任务执行期间不再观察配置变化。
type TaskConfig struct {
	UploadFolder         string
	StreamerName         string
	SkipEncoding         bool
	DanmakuTitleSuffix   string
	NoDanmakuTitleSuffix string
	Buffer               time.Duration
	DeleteAfterUpload    bool
	Meta                 *Submission
}

// TaskReport 手动触发时返回的执行摘要
type TaskReport struct {
	Scanned    int `json:"scanned"`
	Uploaded   int `json:"uploaded"`
	Appended   int `json:"appended"`
	Skipped    int `json:"skipped"`
	Orphans    int `json:"orphans"`
	Failed     int `json:"failed"`
	NewParents int `json:"new_parents"`
}

// Manager 上传状态机。任务串行执行，重入直接拒绝。
type Manager struct {
	store  store.Store
	client Client

	running uint32
	now     func() time.Time
	// 回填等待间隔，测试中缩短
	backfillWait time.Duration
}

func NewManager(st store.Store, client Client) *Manager {
	return &Manager{
		store:        st,
		client:       client,
		now:          time.Now,
		backfillWait: backfillInterval,
	}
}

type stagedFile struct {
	path      string
	filename  string
	timestamp time.Time
}

type sessionWindow struct {
	session *store.StreamSession
	start   time.Time
	end     time.Time
	files   []stagedFile
}

// RunUploadTask 执行一轮上传。同一时刻最多一个任务实例。
func (m *Manager) RunUploadTask(ctx context.Context, cfg TaskConfig) (*TaskReport, error) {
	if !atomic.CompareAndSwapUint32(&m.running, 0, 1) {
		return nil, ErrTaskRunning
	}
	defer atomic.StoreUint32(&m.running, 0)

	report := &TaskReport{}

	ok, err := m.client.CheckLogin(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if !ok {
		return report, ErrAuth
	}

	files, err := m.scanStagedFiles(ctx, cfg, report)
	if err != nil {
		return report, err
	}
	if len(files) == 0 {
		logrus.Info("上传目录中没有待处理文件")
		return report, nil
	}

	windows, orphans, err := m.bucketFiles(ctx, cfg, files)
	if err != nil {
		return report, err
	}
	report.Orphans = len(orphans)
	for _, o := range orphans {
		logrus.Warnf("文件 %s 不属于任何直播场次，本轮跳过", o.filename)
	}

	for _, w := range windows {
		if len(w.files) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m.processBucket(ctx, cfg, w, report)
	}

	logrus.Infof("上传任务完成: 扫描 %d, 新稿件 %d, 追加 %d, 失败 %d, 无主 %d",
		report.Scanned, report.NewParents, report.Appended, report.Failed, report.Orphans)
	return report, nil
}

// scanStagedFiles 枚举待上传目录，过滤出带时间戳且尚无投稿记录的文件
func (m *Manager) scanStagedFiles(ctx context.Context, cfg TaskConfig, report *TaskReport) ([]stagedFile, error) {
	ext := ".mp4"
	if cfg.SkipEncoding {
		ext = ".flv"
	}
	entries, err := os.ReadDir(cfg.UploadFolder)
	if err != nil {
		return nil, fmt.Errorf("读取上传目录失败: %w", err)
	}

	var files []stagedFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		// 多主播共用一个待上传目录，按文件名前缀归属
		if cfg.StreamerName != "" && !strings.HasPrefix(entry.Name(), cfg.StreamerName) {
			continue
		}
		report.Scanned++
		stamp, err := ParseRecordingTimestamp(entry.Name())
		if err != nil {
			logrus.WithError(err).Warnf("跳过无法解析时间戳的文件: %s", entry.Name())
			report.Skipped++
			continue
		}
		existing, err := m.store.FindUploadByFilename(ctx, entry.Name())
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logrus.Debugf("文件 %s 已有上传记录，跳过", entry.Name())
			report.Skipped++
			continue
		}
		files = append(files, stagedFile{
			path:      filepath.Join(cfg.UploadFolder, entry.Name()),
			filename:  entry.Name(),
			timestamp: stamp,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].timestamp.Before(files[j].timestamp) })
	return files, nil
}

// bucketFiles 把文件装入其时间戳命中的第一个场次窗口。
// 场次按开播时间升序排列，窗口重叠时命中最早开播的场次。
func (m *Manager) bucketFiles(ctx context.Context, cfg TaskConfig, files []stagedFile) ([]*sessionWindow, []stagedFile, error) {
	sessions, err := m.store.RecentSessions(ctx, cfg.StreamerName, m.now().Add(-sessionLookback))
	if err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		logrus.Warnf("主播 %s 没有可用的直播场次记录，无法划分场次", cfg.StreamerName)
		return nil, files, nil
	}

	windows := make([]*sessionWindow, 0, len(sessions))
	for _, s := range sessions {
		end := s.EndTime
		if end.IsZero() {
			end = m.now()
		}
		windows = append(windows, &sessionWindow{
			session: s,
			start:   s.StartTime.Add(-cfg.Buffer),
			end:     end.Add(cfg.Buffer),
		})
	}

	var orphans []stagedFile
	for _, f := range files {
		assigned := false
		for _, w := range windows {
			// 边界时间戳属于场次（闭区间）
			if !f.timestamp.Before(w.start) && !f.timestamp.After(w.end) {
				w.files = append(w.files, f)
				assigned = true
				break
			}
		}
		if !assigned {
			orphans = append(orphans, f)
		}
	}
	return windows, orphans, nil
}

// processBucket 按分组状态执行追加或新建
func (m *Manager) processBucket(ctx context.Context, cfg TaskConfig, w *sessionWindow, report *TaskReport) {
	records, err := m.store.FindUploadsInWindow(ctx, w.start, w.end)
	if err != nil {
		logrus.WithError(err).Errorf("查询场次 %d 的投稿记录失败", w.session.ID)
		return
	}

	parentID := ""
	for _, r := range records {
		if r.ParentID != "" {
			parentID = r.ParentID
		}
	}

	state := stateNewUpload
	switch {
	case parentID != "":
		state = stateReadyAppend
	case len(records) > 0:
		state = statePendingParent
	}

	logger := logrus.WithFields(logrus.Fields{"session": w.session.ID, "files": len(w.files)})
	switch state {
	case statePendingParent:
		// 父稿件已创建但标识未回填，等回填任务完成后再追加
		logger.Info("该场次已有待回填的上传记录，本轮跳过，等待回填后再追加分P")
		report.Skipped += len(w.files)
	case stateReadyAppend:
		logger.Infof("向父稿件 %s 追加分P", parentID)
		m.appendParts(ctx, cfg, w, parentID, report)
	case stateNewUpload:
		logger.Info("该场次尚无投稿记录，创建新稿件")
		m.uploadFirst(ctx, cfg, w, report)
	}
}

// appendParts 逐个追加分P。分P序号 = 窗口内已有记录数 + 1，
// 失败的文件不落记录，其序号由下一轮重试占用。
func (m *Manager) appendParts(ctx context.Context, cfg TaskConfig, w *sessionWindow, parentID string, report *TaskReport) {
	for _, f := range w.files {
		if err := ctx.Err(); err != nil {
			return
		}
		// 二次确认，避免并发轮次间重复追加
		existing, err := m.store.FindUploadByFilename(ctx, f.filename)
		if err != nil {
			logrus.WithError(err).Error("二次检查上传记录失败")
			return
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		count, err := m.store.CountUploadsInWindow(ctx, w.start, w.end)
		if err != nil {
			logrus.WithError(err).Error("统计场次内投稿记录失败")
			return
		}
		partNumber := count + 1
		partTitle := fmt.Sprintf("P%d %s", partNumber, f.timestamp.Format("15:04:05"))
		if cfg.SkipEncoding && cfg.NoDanmakuTitleSuffix != "" {
			partTitle = partTitle + " " + cfg.NoDanmakuTitleSuffix
		}

		logrus.Infof("准备追加分P (%s): %s", partTitle, f.filename)
		if err := m.client.AppendPart(ctx, f.path, parentID, cfg.Meta.CDN, partTitle); err != nil {
			logrus.WithError(err).Errorf("追加分P失败: %s", f.filename)
			metrics.Uploads.WithLabelValues("append", "error").Inc()
			report.Failed++
			continue
		}
		metrics.Uploads.WithLabelValues("append", "ok").Inc()
		report.Appended++

		if _, err := m.store.InsertUpload(ctx, "", partTitle+" (分P)", f.filename, f.timestamp); err != nil {
			logrus.WithError(err).Errorf("记录分P信息失败: %s", f.filename)
			continue
		}
		m.maybeDelete(cfg, f)
	}
}

// uploadFirst 用分组里的第一个文件创建新稿件；
// 其余文件留给下一轮，避免向标识未知的父稿件提交更多分P。
func (m *Manager) uploadFirst(ctx context.Context, cfg TaskConfig, w *sessionWindow, report *TaskReport) {
	first := w.files[0]

	title := cfg.Meta.RenderTitle(first.timestamp)
	suffix := cfg.DanmakuTitleSuffix
	if cfg.SkipEncoding {
		suffix = cfg.NoDanmakuTitleSuffix
	}
	if suffix != "" {
		title = title + suffix
	}

	logrus.Infof("上传首个视频，创建稿件。标题: %s", title)
	parentID, err := m.client.UploadNew(ctx, first.path, cfg.Meta, title)
	if err != nil {
		// 不落记录，文件留给下一轮
		logrus.WithError(err).Errorf("上传首个视频失败: %s", first.filename)
		metrics.Uploads.WithLabelValues("new", "error").Inc()
		report.Failed++
		return
	}
	metrics.Uploads.WithLabelValues("new", "ok").Inc()
	report.Uploaded++
	report.NewParents++

	recordID, err := m.store.InsertUpload(ctx, parentID, title, first.filename, first.timestamp)
	if err != nil {
		logrus.WithError(err).Error("写入投稿记录失败")
		return
	}
	m.maybeDelete(cfg, first)

	if parentID != "" {
		logrus.Infof("平台已直接返回父稿件标识: %s", parentID)
	} else {
		// 异步回填，追加分P留到后续轮次
		sentry.GoWithContext(ctx, func(ctx context.Context) {
			m.backfillParentID(ctx, recordID, title)
		})
	}
	if rest := len(w.files) - 1; rest > 0 {
		logrus.Infof("本场次还有 %d 个文件，待父稿件标识确认后在后续轮次追加", rest)
	}
}

// backfillParentID 新稿件创建后轮询稿件列表回填父稿件标识
func (m *Manager) backfillParentID(ctx context.Context, recordID int64, title string) {
	for attempt := 1; attempt <= backfillAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backfillWait):
		}
		feed, err := m.client.Feed(ctx, 20, feedStatusSet)
		if err != nil {
			logrus.WithError(err).Warnf("第 %d 次查询稿件列表失败", attempt)
			continue
		}
		if parentID, ok := feed[title]; ok && parentID != "" {
			if err := m.store.SetParentID(ctx, recordID, parentID); err != nil {
				logrus.WithError(err).Error("回填父稿件标识失败")
				return
			}
			logrus.Infof("已回填父稿件标识 %s (记录 %d)", parentID, recordID)
			return
		}
		logrus.Warnf("第 %d 次未查到标题 %q 的稿件", attempt, title)
	}
	logrus.Warnf("父稿件标识暂不可知，记录 %d 留待周期回填任务处理", recordID)
}

// UpdateParentIDs 周期回填任务：按精确标题匹配补齐缺失的父稿件标识。
// 每个调度周期先于上传任务执行。
func (m *Manager) UpdateParentIDs(ctx context.Context) (int, error) {
	records, err := m.store.FindUploadsMissingParentID(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	logrus.Infof("找到 %d 条缺失父稿件标识的记录，尝试回填", len(records))

	feed, err := m.client.Feed(ctx, 20, feedStatusSet)
	if err != nil {
		return 0, fmt.Errorf("查询稿件列表失败: %w", err)
	}

	updated := 0
	for _, r := range records {
		parentID, ok := feed[r.Title]
		if !ok || parentID == "" {
			continue
		}
		if err := m.store.SetParentID(ctx, r.ID, parentID); err != nil {
			logrus.WithError(err).Errorf("更新记录 %d 的父稿件标识失败", r.ID)
			continue
		}
		logrus.Infof("记录 %d (%s) 的父稿件标识更新为 %s", r.ID, r.Title, parentID)
		updated++
	}
	return updated, nil
}

func (m *Manager) maybeDelete(cfg TaskConfig, f stagedFile) {
	if !cfg.DeleteAfterUpload {
		return
	}
	if err := os.Remove(f.path); err != nil {
		logrus.WithError(err).Warnf("删除已上传文件失败: %s", f.filename)
	} else {
		logrus.Infof("已删除已上传文件: %s", f.filename)
	}
}
