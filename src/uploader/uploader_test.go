package uploader

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/douyu-rec/douyu-rec/src/store"
)

// fakeClient 记录所有平台调用
type fakeClient struct {
	mu          sync.Mutex
	loginOK     bool
	newBvid     string // UploadNew 直接返回的父稿件标识（biliup 路径）
	newErr      error
	appendErr   error
	feedResult  map[string]string
	feedErr     error
	newCalls    []string
	appendCalls []appendCall
	feedCalls   []string
}

type appendCall struct {
	path     string
	parentID string
	partName string
}

func (f *fakeClient) CheckLogin(context.Context) (bool, error) {
	return f.loginOK, nil
}

func (f *fakeClient) UploadNew(_ context.Context, path string, _ *Submission, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls = append(f.newCalls, title)
	if f.newErr != nil {
		return "", f.newErr
	}
	return f.newBvid, nil
}

func (f *fakeClient) AppendPart(_ context.Context, path, parentID, _, partName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls = append(f.appendCalls, appendCall{path: path, parentID: parentID, partName: partName})
	return f.appendErr
}

func (f *fakeClient) Feed(_ context.Context, _ int, statusSet string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCalls = append(f.feedCalls, statusSet)
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	return f.feedResult, nil
}

func ts(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestManager(t *testing.T, client Client) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, client)
	m.backfillWait = 10 * time.Millisecond
	// 测试数据使用固定日期，时钟一并固定
	m.now = func() time.Time { return ts("2026-02-25T00:00:00") }
	return m, st
}

func testTaskConfig(folder string) TaskConfig {
	return TaskConfig{
		UploadFolder:       folder,
		StreamerName:       "S",
		DanmakuTitleSuffix: "弹幕版",
		Buffer:             10 * time.Minute,
		Meta: &Submission{
			Title:  "S直播录像{time}",
			TID:    171,
			Tags:   []string{"录播"},
			Source: "https://www.douyu.com/251783",
		},
	}
}

func stage(t *testing.T, folder, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte("video"), 0o644))
}

func TestParseRecordingTimestamp(t *testing.T) {
	got, err := ParseRecordingTimestamp("S录播2026-02-24T10_30_00.mp4")
	require.NoError(t, err)
	assert.Equal(t, ts("2026-02-24T10:30:00"), got)

	_, err = ParseRecordingTimestamp("unrelated.mp4")
	assert.Error(t, err)
}

func TestLoginFailureAbortsWithoutMutation(t *testing.T) {
	client := &fakeClient{loginOK: false}
	m, st := newTestManager(t, client)
	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")

	_, err := m.RunUploadTask(context.Background(), testTaskConfig(folder))
	assert.ErrorIs(t, err, ErrAuth)
	assert.Empty(t, client.newCalls)

	records, err := st.FindUploadsInWindow(context.Background(), ts("2026-02-24T00:00:00"), ts("2026-02-25T00:00:00"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPendingParentSkipsWholeBucket(t *testing.T) {
	client := &fakeClient{loginOK: true}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	// 场次 10:00-12:00，已有一条父稿件标识未回填的记录
	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))
	_, err = st.InsertUpload(ctx, "", "S直播录像2026年02月24日弹幕版", "first.mp4", ts("2026-02-24T10:05:00"))
	require.NoError(t, err)

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)

	assert.Empty(t, client.newCalls, "PENDING 状态不允许创建新稿件")
	assert.Empty(t, client.appendCalls, "PENDING 状态不允许追加分P")
	assert.Equal(t, 1, report.Skipped)
}

func TestAppendPartNumbering(t *testing.T) {
	client := &fakeClient{loginOK: true}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	// 窗口内已有 1 条带父稿件标识的记录和 2 条分P记录
	_, err = st.InsertUpload(ctx, "X1", "S直播录像2026年02月24日弹幕版", "p1.mp4", ts("2026-02-24T10:05:00"))
	require.NoError(t, err)
	_, err = st.InsertUpload(ctx, "", "P2 10:30:00 (分P)", "p2.mp4", ts("2026-02-24T10:30:00"))
	require.NoError(t, err)
	_, err = st.InsertUpload(ctx, "", "P3 11:00:00 (分P)", "p3.mp4", ts("2026-02-24T11:00:00"))
	require.NoError(t, err)

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T11_30_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Appended)

	require.Len(t, client.appendCalls, 1)
	call := client.appendCalls[0]
	assert.Equal(t, "X1", call.parentID)
	assert.True(t, len(call.partName) >= 3 && call.partName[:3] == "P4 ",
		"分P标题应以 P4 开头，实际为 %q", call.partName)
}

func TestAppendFailureRetriesSlotNextRound(t *testing.T) {
	client := &fakeClient{loginOK: true, appendErr: assert.AnError}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))
	_, err = st.InsertUpload(ctx, "X1", "标题", "p1.mp4", ts("2026-02-24T10:05:00"))
	require.NoError(t, err)

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")

	cfg := testTaskConfig(folder)
	report, err := m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, client.appendCalls, 1)
	assert.Equal(t, "P2 10:30:00", client.appendCalls[0].partName)

	// 失败不落记录，下一轮同一文件仍然占 P2
	client.appendErr = nil
	report, err = m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Appended)
	require.Len(t, client.appendCalls, 2)
	assert.Equal(t, "P2 10:30:00", client.appendCalls[1].partName)
}

func TestNewUploadWithBackfill(t *testing.T) {
	title := "S直播录像2026年02月24日弹幕版"
	client := &fakeClient{
		loginOK:    true,
		feedResult: map[string]string{title: "BV1xx411c7mD"},
	}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")
	stage(t, folder, "S录播2026-02-24T11_30_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewParents)
	require.Len(t, client.newCalls, 1)
	assert.Equal(t, title, client.newCalls[0])
	// 父稿件标识未知时，同场次的其余文件留给下一轮
	assert.Empty(t, client.appendCalls)

	// 异步回填使用 "已发布+发布中" 状态集合
	require.Eventually(t, func() bool {
		records, err := st.FindUploadsInWindow(ctx, ts("2026-02-24T09:50:00"), ts("2026-02-24T12:10:00"))
		require.NoError(t, err)
		return len(records) == 1 && records[0].ParentID == "BV1xx411c7mD"
	}, 2*time.Second, 20*time.Millisecond)

	client.mu.Lock()
	require.NotEmpty(t, client.feedCalls)
	assert.Equal(t, "pubed,is_pubing", client.feedCalls[0])
	client.mu.Unlock()
}

func TestAtMostOneParentAcrossConsecutiveRuns(t *testing.T) {
	// 平台直接返回父稿件标识（biliup 路径）
	client := &fakeClient{loginOK: true, newBvid: "BV1yy411c7mE"}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")
	stage(t, folder, "S录播2026-02-24T11_00_00.mp4")

	cfg := testTaskConfig(folder)
	report, err := m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewParents)

	// 第二轮：父稿件已知，其余文件走追加，不再创建父稿件
	report, err = m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, report.NewParents)
	assert.Equal(t, 1, report.Appended)
	require.Len(t, client.newCalls, 1)
	require.Len(t, client.appendCalls, 1)
	assert.Equal(t, "BV1yy411c7mE", client.appendCalls[0].parentID)
	assert.Equal(t, "P2 11:00:00", client.appendCalls[0].partName)
}

func TestUploadTaskIdempotentWithNoNewFiles(t *testing.T) {
	client := &fakeClient{loginOK: true, newBvid: "BV1yy411c7mE"}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-24T10_30_00.mp4")

	cfg := testTaskConfig(folder)
	_, err = m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)

	// 连续两轮之间没有外部变化：不再产生任何新稿件或记录
	before, err := st.CountUploadsInWindow(ctx, ts("2026-02-24T00:00:00"), ts("2026-02-25T00:00:00"))
	require.NoError(t, err)

	report, err := m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, report.NewParents)
	assert.Zero(t, report.Appended)

	after, err := st.CountUploadsInWindow(ctx, ts("2026-02-24T00:00:00"), ts("2026-02-25T00:00:00"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.Len(t, client.newCalls, 1)
}

func TestBoundaryTimestampsBelongToSession(t *testing.T) {
	client := &fakeClient{loginOK: true, newBvid: "BV1"}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	// buffer 为 10 分钟：边界恰好落在 start-buffer 与 end+buffer
	stage(t, folder, "S录播2026-02-24T09_50_00.mp4")
	stage(t, folder, "S录播2026-02-24T12_10_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)
	assert.Zero(t, report.Orphans, "边界时间戳必须归入场次")
}

func TestOverlappingWindowsBindEarliestSession(t *testing.T) {
	client := &fakeClient{loginOK: true, newBvid: "BV1"}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	// 两场次窗口因 buffer 重叠
	s1, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, s1, ts("2026-02-24T12:00:00")))
	s2, err := st.OpenSession(ctx, "S", ts("2026-02-24T12:05:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, s2, ts("2026-02-24T14:00:00")))

	folder := t.TempDir()
	// 12:03 同时落在 场次1 的 end+buffer 与 场次2 的 start-buffer 内
	stage(t, folder, "S录播2026-02-24T12_03_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)
	require.Equal(t, 1, report.NewParents)

	// 绑定到最早开播的场次：标题使用 2 月 24 日（两场同日，验证调用数即可）
	require.Len(t, client.newCalls, 1)
	assert.Zero(t, report.Orphans)
}

func TestOrphanFilesSkipped(t *testing.T) {
	client := &fakeClient{loginOK: true}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	stage(t, folder, "S录播2026-02-23T08_00_00.mp4")

	report, err := m.RunUploadTask(ctx, testTaskConfig(folder))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphans)
	assert.Empty(t, client.newCalls)
}

func TestUpdateParentIDs(t *testing.T) {
	client := &fakeClient{
		loginOK:    true,
		feedResult: map[string]string{"标题A": "BV1aa411c7mA"},
	}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	id, err := st.InsertUpload(ctx, "", "标题A", "a.mp4", ts("2026-02-24T10:05:00"))
	require.NoError(t, err)
	_, err = st.InsertUpload(ctx, "", "标题B", "b.mp4", ts("2026-02-24T10:35:00"))
	require.NoError(t, err)

	updated, err := m.UpdateParentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	record, err := st.FindUploadByFilename(ctx, "a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "BV1aa411c7mA", record.ParentID)
	_ = id
}

func TestDeleteAfterUploadFlag(t *testing.T) {
	client := &fakeClient{loginOK: true, newBvid: "BV1"}
	m, st := newTestManager(t, client)
	ctx := context.Background()

	sid, err := st.OpenSession(ctx, "S", ts("2026-02-24T10:00:00"))
	require.NoError(t, err)
	require.NoError(t, st.CloseSession(ctx, sid, ts("2026-02-24T12:00:00")))

	folder := t.TempDir()
	name := "S录播2026-02-24T10_30_00.mp4"
	stage(t, folder, name)

	cfg := testTaskConfig(folder)
	cfg.DeleteAfterUpload = true
	_, err = m.RunUploadTask(ctx, cfg)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(folder, name))
	assert.True(t, os.IsNotExist(statErr), "开启删除开关后文件应被移除")
}
