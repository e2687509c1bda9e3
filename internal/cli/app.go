package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/printbridge/internal/admin"
	"github.com/ChuLiYu/printbridge/internal/config"
	"github.com/ChuLiYu/printbridge/internal/controller"
	"github.com/ChuLiYu/printbridge/internal/journal"
	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/metrics"
	"github.com/ChuLiYu/printbridge/internal/queue"
	"github.com/ChuLiYu/printbridge/internal/reporter"
	"github.com/ChuLiYu/printbridge/internal/server"
	"github.com/ChuLiYu/printbridge/internal/session"
	"github.com/ChuLiYu/printbridge/internal/stager"
	"github.com/ChuLiYu/printbridge/internal/transport"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// app 組裝好的執行期元件
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	ctrl    *controller.Controller
	journal *journal.Journal // 可為 nil
	handler http.Handler     // Admin 停用時為 nil
	server  *server.Server
}

// buildApp 依設定組裝所有元件（不連線、不啟動）
//
// 參數：
//   - cfg: 已驗證的設定
//   - log: 根 logger
//
// 返回值：
//   - *app: 組裝結果
//   - error: TLS 設定、日誌資料庫或 Controller 建立失敗
func buildApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	tlsConfig, err := transport.NewTLSConfig(transport.TLSOptions{
		ServerName:         cfg.Printer.Serial,
		InsecureSkipVerify: cfg.Printer.InsecureSkipVerify,
		CAFile:             cfg.Printer.CAFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build tls config: %w", err)
	}

	// 通道與 Reporter 的回呼需要 Controller；Start 之前不會有事件
	var ctrl *controller.Controller
	submit := func(ev session.Event) {
		if ctrl != nil {
			ctrl.Submit(ev)
		}
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	client := queue.NewClient(cfg.API.URL, cfg.API.Key, cfg.API.RequestTimeout)

	files := transport.NewFileChannel(transport.FileConfig{
		Address:   cfg.Printer.Address,
		Port:      cfg.Printer.FTPPort,
		Password:  cfg.Printer.AccessCode,
		RemoteDir: cfg.Printer.RemoteDir,
		TLSMode:   cfg.Printer.FTPTLSMode,
		TLS:       tlsConfig,
		Timeout:   cfg.Printer.ConnectTimeout,
	}, log.Named("ftp"))

	telemetry := transport.NewTelemetryChannel(transport.TelemetryConfig{
		Address:        cfg.Printer.Address,
		Port:           cfg.Printer.MQTTPort,
		Serial:         cfg.Printer.Serial,
		AccessCode:     cfg.Printer.AccessCode,
		RemoteDir:      cfg.Printer.RemoteDir,
		TLS:            tlsConfig,
		ConnectTimeout: cfg.Printer.ConnectTimeout,
		SilenceTimeout: cfg.Session.TelemetryTimeout,
	}, submit, log.Named("mqtt"))

	rep := reporter.New(client, reporter.Config{
		BaseBackoff: cfg.Reporter.BaseBackoff,
		MaxBackoff:  cfg.Reporter.MaxBackoff,
	}, log.Named("reporter"),
		reporter.OnAccepted(func(u types.StatusUpdate) {
			submit(session.StatusAccepted{JobID: u.JobID, Status: u.Status})
		}),
		reporter.OnFailure(func(types.StatusUpdate, error) {
			collector.RecordPushFailure()
		}),
	)

	a := &app{cfg: cfg, log: log, server: &server.Server{}}

	deps := controller.Deps{
		Jobs: client,
		Stager: stager.New(client, stager.Config{
			Dir:      cfg.Stager.Dir,
			Attempts: cfg.Stager.Attempts,
			Backoff:  cfg.Stager.Backoff,
			Timeout:  cfg.Stager.Timeout,
		}, log.Named("stager")),
		Files:    files,
		Commands: telemetry,
		Reporter: rep,
		Metrics:  collector,
		Log:      log,
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal = j
		deps.Journal = j
	}

	var hub *admin.Hub
	if cfg.Admin.Enabled {
		hub = admin.NewHub(log.Named("ws"))
		deps.OnTransition = hub.Broadcast
	}

	ctrl, err = controller.NewController(controller.Config{
		PollInterval:     cfg.Poller.Interval,
		MaxPollBackoff:   cfg.Poller.MaxBackoff,
		ProgressInterval: cfg.Reporter.ProgressInterval,
		AckTimeout:       cfg.Session.AckTimeout,
		UploadTimeout:    cfg.Session.UploadTimeout,
		ReconcileTimeout: cfg.Session.ReconcileTimeout,
		ConnectBackoff:   cfg.Reporter.BaseBackoff,
		WorkerCount:      cfg.Worker.WorkerCount,
		BufferSize:       cfg.Worker.BufferSize,
	}, deps)
	if err != nil {
		a.closeJournal()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	a.ctrl = ctrl

	if cfg.Admin.Enabled {
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			metricsHandler = collector.Handler()
		}
		var events admin.EventLog
		if a.journal != nil {
			events = a.journal
		}
		a.handler = admin.NewHandler(ctrl, events, metricsHandler, hub, log.Named("admin")).InitRoutes()
	}
	return a, nil
}

// start 啟動 Controller 與 Admin API
func (a *app) start() error {
	if err := a.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if a.handler == nil {
		return nil
	}
	go func() {
		a.log.Infow("admin API listening", "addr", a.cfg.Admin.Listen)
		if err := a.server.Run(a.cfg.Admin.Listen, a.handler); err != nil {
			a.log.Errorw("admin API server failed", "error", err)
		}
	}()
	return nil
}

// shutdown 依序關閉：Admin API → Controller → 日誌資料庫
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warnw("admin API shutdown failed", "error", err)
	}
	a.ctrl.Stop()
	a.closeJournal()
}

func (a *app) closeJournal() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.log.Warnw("journal close failed", "error", err)
	}
}
