package servers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/consts"
	"github.com/douyu-rec/douyu-rec/src/instance"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
)

type commonResp struct {
	ErrNo  int         `json:"err_no"`
	ErrMsg string      `json:"err_msg,omitempty"`
	Data   interface{} `json:"data"`
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(commonResp{Data: data}); err != nil {
		logrus.WithError(err).Error("写响应失败")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(commonResp{ErrNo: status, ErrMsg: msg})
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, consts.GetAppInfo())
}

type streamerStatus struct {
	Name     string `json:"name"`
	RoomID   string `json:"room_id"`
	IsLive   bool   `json:"is_live"`
	SegState uint32 `json:"segment_state"`
}

func streamersHandler(w http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	statuses := make([]streamerStatus, 0, len(inst.Config.Streamers))
	for _, s := range inst.Config.Streamers {
		status := streamerStatus{Name: s.Name, RoomID: s.RoomID}
		if monitor, err := inst.RecorderManager.Monitor(s.Name); err == nil {
			status.IsLive = monitor.IsLive()
		}
		if c, err := inst.RecorderManager.Coordinator(s.Name); err == nil {
			status.SegState = c.SegState()
		}
		statuses = append(statuses, status)
	}
	writeJSON(w, statuses)
}

func sessionsHandler(w http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	name := mux.Vars(r)["name"]
	sessions, err := inst.Store.RecentSessions(r.Context(), name, time.Now().Add(-72*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, sessions)
}

func missingUploadsHandler(w http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	records, err := inst.Store.FindUploadsMissingParentID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, records)
}

func triggerProcessingHandler(w http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	if inst.ProcessingTask == nil {
		writeError(w, http.StatusServiceUnavailable, "处理任务未装配")
		return
	}
	sentry.GoWithContext(context.WithoutCancel(r.Context()), func(ctx context.Context) {
		inst.ProcessingTask(ctx)
	})
	writeJSON(w, map[string]string{"message": "视频处理任务已开始在后台执行"})
}

func triggerUploadHandler(w http.ResponseWriter, r *http.Request) {
	inst := instance.GetInstance(r.Context())
	if inst.UploadTask == nil {
		writeError(w, http.StatusServiceUnavailable, "上传任务未装配")
		return
	}
	sentry.GoWithContext(context.WithoutCancel(r.Context()), func(ctx context.Context) {
		report, err := inst.UploadTask(ctx)
		if err != nil {
			logrus.WithError(err).Error("手动触发的上传任务失败")
			return
		}
		logrus.Infof("手动触发的上传任务完成: %+v", report)
	})
	writeJSON(w, map[string]string{"message": "BVID更新和上传任务已开始在后台执行"})
}
