// Package servers 提供管理用 HTTP 接口：状态查询、手动触发与 /metrics。
// 所有失败只写日志并返回信息性负载，绝不向调用方抛异常语义。
package servers

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/douyu-rec/douyu-rec/src/instance"
	"github.com/douyu-rec/douyu-rec/src/pkg/sentry"
)

// Server 管理接口服务
type Server struct {
	server *http.Server
}

func NewServer(ctx context.Context) *Server {
	inst := instance.GetInstance(ctx)
	router := mux.NewRouter()

	router.Use(logMiddleware)
	router.Handle("/metrics", promhttp.Handler())

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", infoHandler).Methods(http.MethodGet)
	api.HandleFunc("/streamers", streamersHandler).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{name}", sessionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/uploads/missing", missingUploadsHandler).Methods(http.MethodGet)
	api.HandleFunc("/tasks/processing", triggerProcessingHandler).Methods(http.MethodPost)
	api.HandleFunc("/tasks/upload", triggerUploadHandler).Methods(http.MethodPost)

	return &Server{
		server: &http.Server{
			Addr:        inst.Config.RPC.Bind,
			Handler:     withInstance(ctx, router),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
	}
}

// withInstance 把应用 context 上的 Instance 透传给每个请求
func withInstance(appCtx context.Context, next http.Handler) http.Handler {
	inst := instance.GetInstance(appCtx)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(instance.WithInstance(r.Context(), inst)))
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// Start 启动 HTTP 服务
func (s *Server) Start(ctx context.Context) error {
	inst := instance.GetInstance(ctx)
	inst.WaitGroup.Add(1)
	sentry.Go(func() {
		defer inst.WaitGroup.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP 服务异常退出")
		}
	})
	logrus.Infof("HTTP 服务已启动: %s", s.server.Addr)
	return nil
}

// Close 优雅关闭 HTTP 服务
func (s *Server) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP 服务关闭失败")
	}
}
