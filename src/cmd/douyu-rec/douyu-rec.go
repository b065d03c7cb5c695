package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/cmd/douyu-rec/internal/flag"
	"github.com/douyu-rec/douyu-rec/src/configs"
	"github.com/douyu-rec/douyu-rec/src/consts"
	"github.com/douyu-rec/douyu-rec/src/instance"
	"github.com/douyu-rec/douyu-rec/src/live/douyu"
	applog "github.com/douyu-rec/douyu-rec/src/log"
	"github.com/douyu-rec/douyu-rec/src/monitors"
	"github.com/douyu-rec/douyu-rec/src/notify"
	"github.com/douyu-rec/douyu-rec/src/pipeline"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
	"github.com/douyu-rec/douyu-rec/src/recorders"
	"github.com/douyu-rec/douyu-rec/src/scheduler"
	"github.com/douyu-rec/douyu-rec/src/servers"
	"github.com/douyu-rec/douyu-rec/src/store"
	"github.com/douyu-rec/douyu-rec/src/uploader"
)

const (
	jobVideoPipeline       = "video-pipeline"
	jobStaleSessionCleanup = "stale-session-cleanup"

	staleSessionInterval  = 12 * time.Hour
	staleSessionThreshold = 24 * time.Hour
	postStreamDelay       = 3 * time.Minute
)

func getConfig() (*configs.Config, error) {
	config, err := configs.NewConfigWithFile(*flag.Conf)
	if err != nil {
		return nil, err
	}
	if *flag.Debug {
		config.Debug = true
	}
	return config, config.Verify()
}

func main() {
	// .env 仅用于补充环境变量（如 SENTRY_DSN），不存在时忽略
	_ = godotenv.Load()
	flag.Parse()

	config, err := getConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	logger := applog.New(config)
	logger.Infof("%s %s 启动", consts.AppName, consts.AppVersion)

	dsn := config.SentryDSN
	if dsn == "" {
		dsn = os.Getenv("SENTRY_DSN")
	}
	if err := sentry.Init(dsn, "production", consts.AppVersion); err != nil {
		logger.WithError(err).Warn("Sentry 初始化失败")
	}
	defer sentry.Flush()

	if err := os.MkdirAll(config.ProcessingFolder, 0o755); err != nil {
		logger.Fatalf("创建录制目录失败: %v", err)
	}
	if err := os.MkdirAll(config.UploadFolder, 0o755); err != nil {
		logger.Fatalf("创建上传目录失败: %v", err)
	}

	// 数据库不可用属于致命错误，启动即失败
	st, err := store.NewSQLiteStore(config.DatabasePath)
	if err != nil {
		logger.Fatalf("打开会话数据库失败: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := douyu.NewClient(
		douyu.WithDID(config.Douyu.DID),
		douyu.WithCDN(config.Douyu.CDN),
		douyu.WithRate(config.Douyu.Rate),
	)

	recorderManager := recorders.NewManager(config, client, st)
	uploadClient := uploader.NewBiliupClient(
		config.Upload.BiliupBinPath,
		config.Upload.CookiesPath,
		config.Upload.SubmitMode,
		config.Upload.Line,
	)
	uploadManager := uploader.NewManager(st, uploadClient)
	sched := scheduler.New(ctx)

	inst := &instance.Instance{
		Config:          config,
		Store:           st,
		Scheduler:       sched,
		RecorderManager: recorderManager,
		UploadManager:   uploadManager,
	}
	inst.ProcessingTask = func(taskCtx context.Context) {
		runProcessing(taskCtx, config)
	}
	inst.UploadTask = func(taskCtx context.Context) (*uploader.TaskReport, error) {
		return runUpload(taskCtx, config, uploadManager)
	}
	ctx = instance.WithInstance(ctx, inst)

	// 监视器先初始化，再注册状态轮询任务
	for _, monitor := range recorderManager.Monitors() {
		monitor.Initialize()
	}
	if err := recorderManager.Start(ctx); err != nil {
		logger.Fatalf("启动录制协调器失败: %v", err)
	}

	registerJobs(ctx, config, sched, recorderManager, uploadManager)

	var server *servers.Server
	if config.RPC.Enable {
		server = servers.NewServer(ctx)
		if err := server.Start(ctx); err != nil {
			logger.Fatalf("启动 HTTP 服务失败: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("收到信号 %s，开始退出", sig)

	sched.Stop()
	recorderManager.Close()
	if server != nil {
		server.Close(ctx)
	}
	cancel()
	inst.WaitGroup.Wait()
	logger.Info("退出完成")
}

// registerJobs 注册三类周期任务与下播后的延时一次性任务
func registerJobs(ctx context.Context, config *configs.Config, sched *scheduler.Scheduler, recorderManager *recorders.Manager, uploadManager *uploader.Manager) {
	// 每个主播一个状态轮询任务
	for name, monitor := range recorderManager.Monitors() {
		name, monitor := name, monitor
		jobID := "status-check:" + name
		sched.Every(jobID, config.StatusCheckInterval(), false, func(jobCtx context.Context) {
			tr := monitor.DetectChange()
			if tr == nil {
				return
			}
			logrus.Infof("检测到主播 %s 状态变化: %s", name, transitionText(tr))
			coordinator, err := recorderManager.Coordinator(name)
			if err != nil {
				logrus.WithError(err).Error("查找协调器失败")
				return
			}
			coordinator.HandleTransition(*tr)

			status := consts.LiveStatusStop
			if tr.To {
				status = consts.LiveStatusStart
			}
			if err := notify.SendNotification(config, name, monitor.RoomID(), status); err != nil {
				logrus.WithError(err).Warn("发送状态通知失败")
			}

			// 下播后延时触发一次处理流水线（尽力而为，进程重启则由周期任务兜底）
			if !tr.To && config.ProcessAfterStreamEnd {
				logrus.Info("检测到主播下播，3分钟后触发视频处理和上传流程")
				sched.Once("post-stream-pipeline:"+name, postStreamDelay, func(onceCtx context.Context) {
					videoPipelineJob(onceCtx, config, recorderManager, uploadManager)
				})
			}
		})
	}

	sched.Every(jobVideoPipeline, config.ProcessingInterval(), false, func(jobCtx context.Context) {
		videoPipelineJob(jobCtx, config, recorderManager, uploadManager)
	})

	sched.Every(jobStaleSessionCleanup, staleSessionInterval, true, func(jobCtx context.Context) {
		inst := instance.GetInstance(ctx)
		n, err := inst.Store.CloseStaleSessions(jobCtx, staleSessionThreshold)
		if err != nil {
			logrus.WithError(err).Error("清理未结束直播会话失败")
			return
		}
		if n > 0 {
			logrus.Infof("成功清理 %d 个未正常结束的直播会话", n)
		}
	})
}

// videoPipelineJob 处理 + 上传流水线（一次调度周期）
func videoPipelineJob(ctx context.Context, config *configs.Config, recorderManager *recorders.Manager, uploadManager *uploader.Manager) {
	logrus.Info("定时任务：开始执行视频处理和上传流程...")
	start := time.Now()

	if config.ProcessAfterStreamEnd && recorderManager.AnyLive() {
		logrus.Info("定时任务：有主播正在直播且配置为仅下播后处理，跳过本轮")
		return
	}

	runProcessing(ctx, config)

	if !config.Upload.ScheduledEnable {
		logrus.Info("定时任务：已禁用定时上传，跳过 BVID 更新和视频上传任务")
	} else {
		if _, err := runUpload(ctx, config, uploadManager); err != nil {
			logrus.WithError(err).Error("定时任务：上传流程失败")
		}
	}
	logrus.Infof("定时任务：视频处理和上传流程执行完毕，耗时 %s", time.Since(start).Round(time.Second))
}

// runProcessing 下游处理阶段：清理、弹幕转换、压制/搬运
func runProcessing(ctx context.Context, config *configs.Config) {
	p := pipeline.New(pipeline.Config{
		ProcessingFolder: config.ProcessingFolder,
		UploadFolder:     config.UploadFolder,
		MinFileSizeMB:    config.MinFileSizeMB,
		FontSize:         config.FontSize,
		SCFontSize:       config.SCFontSize,
		SkipEncoding:     config.SkipEncoding,
		DeleteOriginals:  config.Upload.DeleteAfter,
		FfmpegPath:       config.Encoder.FfmpegPath,
		FfprobePath:      config.Encoder.FfprobePath,
		LibraryPath:      config.Encoder.LibraryPath,
		VaDriverName:     config.Encoder.VaDriverName,
		VaDriverPath:     config.Encoder.VaDriverPath,
		DeviceNode:       config.Encoder.DeviceNode,
	}, &pipeline.ExecConverter{BinPath: config.Encoder.DmConvertPath})
	p.Run(ctx)
}

// runUpload 回填缺失的父稿件标识后执行一轮上传
func runUpload(ctx context.Context, config *configs.Config, uploadManager *uploader.Manager) (*uploader.TaskReport, error) {
	meta, err := uploader.LoadSubmissionMeta(config.Upload.MetaPath)
	if err != nil {
		return nil, err
	}
	if updated, err := uploadManager.UpdateParentIDs(ctx); err != nil {
		logrus.WithError(err).Warn("回填父稿件标识失败")
	} else if updated > 0 {
		logrus.Infof("已回填 %d 条父稿件标识", updated)
	}

	// 功能开关在任务入口读取一次，作为不可变快照传入；
	// 多个主播按序各跑一轮（任务本身串行）
	total := &uploader.TaskReport{}
	for _, s := range config.Streamers {
		report, err := uploadManager.RunUploadTask(ctx, uploader.TaskConfig{
			UploadFolder:         config.UploadFolder,
			StreamerName:         s.Name,
			SkipEncoding:         config.SkipEncoding,
			DanmakuTitleSuffix:   config.DanmakuTitleSuffix,
			NoDanmakuTitleSuffix: config.NoDanmakuTitleSuffix,
			Buffer:               config.StartTimeAdjustment(),
			DeleteAfterUpload:    config.Upload.DeleteAfter,
			Meta:                 meta,
		})
		if err != nil {
			return total, err
		}
		total.Scanned += report.Scanned
		total.Uploaded += report.Uploaded
		total.Appended += report.Appended
		total.Skipped += report.Skipped
		total.Orphans += report.Orphans
		total.Failed += report.Failed
		total.NewParents += report.NewParents
	}
	return total, nil
}

func transitionText(tr *monitors.Transition) string {
	if tr.To {
		return "未直播→直播中"
	}
	return "直播中→未直播"
}
