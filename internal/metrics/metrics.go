// ============================================================================
// printbridge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 controller 運行指標，供 Prometheus 抓取
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - printbridge_claims_total: 認領成功次數
//      - printbridge_claim_conflicts_total: 認領衝突（被其他 controller 搶先）
//      - printbridge_poll_errors_total: 輪詢失敗次數
//      - printbridge_outcomes_total{status,reason}: 任務結果，reason 為失敗類型
//      - printbridge_status_push_failures_total: 狀態推送失敗次數
//      - printbridge_telemetry_reconnects_total: 遙測通道斷線次數
//
//   2. 分佈 (Histogram)：
//      - printbridge_stage_duration_seconds: 下載與驗證耗時
//      - printbridge_upload_duration_seconds: FTPS 上傳耗時
//
//   3. 瞬時值 (Gauge)：
//      - printbridge_session_state: 目前工作階段狀態（session.State 數值）
//      - printbridge_print_progress: 目前列印進度 0-100
//      - printbridge_status_pending: 尚未送出的狀態更新
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   sum(rate(printbridge_outcomes_total{status="failed"}[1h]))
//     / sum(rate(printbridge_outcomes_total[1h]))
//
//   # 95 分位上傳時間
//   histogram_quantile(0.95, rate(printbridge_upload_duration_seconds_bucket[1d]))
//
// HTTP 端點:
//   由 admin API 的 /metrics 暴露（Handler()）
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printbridge"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	claims         prometheus.Counter
	claimConflicts prometheus.Counter
	pollErrors     prometheus.Counter
	outcomes       *prometheus.CounterVec
	pushFailures   prometheus.Counter
	reconnects     prometheus.Counter
	stageDuration  prometheus.Histogram
	uploadDuration prometheus.Histogram
	sessionState   prometheus.Gauge
	printProgress  prometheus.Gauge
	statusPending  prometheus.Gauge
}

// transferBuckets 檔案大小從數 KB 到數百 MB
var transferBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// NewCollector 建立指標收集器並註冊到 registry
//
// 參數：
//   - registry: 指標註冊表；nil 時建立新的 registry 並加入 Go runtime 與 process 指標
//
// 返回值：
//   - *Collector: 指標收集器
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: registry,
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total number of jobs claimed by this controller",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Total number of claims lost to another controller",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of failed polls against the backend",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Finished print sessions by status and failure class",
		}, []string{"status", "reason"}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_push_failures_total",
			Help:      "Total number of failed status pushes",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_reconnects_total",
			Help:      "Total number of telemetry channel disconnects",
		}),
		stageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time to download and verify an artifact",
			Buckets:   transferBuckets,
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time to upload an artifact to the device",
			Buckets:   transferBuckets,
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current print session state (0=idle)",
		}),
		printProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "print_progress",
			Help:      "Progress of the current print, 0-100",
		}),
		statusPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_pending",
			Help:      "Status updates waiting to be delivered",
		}),
	}

	registry.MustRegister(
		c.claims,
		c.claimConflicts,
		c.pollErrors,
		c.outcomes,
		c.pushFailures,
		c.reconnects,
		c.stageDuration,
		c.uploadDuration,
		c.sessionState,
		c.printProgress,
		c.statusPending,
	)
	return c
}

// RecordClaim 記錄認領成功
func (c *Collector) RecordClaim() {
	c.claims.Inc()
}

// RecordClaimConflict 記錄認領衝突
func (c *Collector) RecordClaimConflict() {
	c.claimConflicts.Inc()
}

// RecordPollError 記錄輪詢失敗
func (c *Collector) RecordPollError() {
	c.pollErrors.Inc()
}

// RecordOutcome 記錄任務結果
//
// 參數：
//   - status: done 或 failed
//   - reason: 失敗類型標籤，成功時為空
func (c *Collector) RecordOutcome(status, reason string) {
	if reason == "" {
		reason = "none"
	}
	c.outcomes.WithLabelValues(status, reason).Inc()
}

// RecordPushFailure 記錄狀態推送失敗
func (c *Collector) RecordPushFailure() {
	c.pushFailures.Inc()
}

// RecordReconnect 記錄遙測通道斷線
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// ObserveStage 記錄下載耗時
func (c *Collector) ObserveStage(seconds float64) {
	c.stageDuration.Observe(seconds)
}

// ObserveUpload 記錄上傳耗時
func (c *Collector) ObserveUpload(seconds float64) {
	c.uploadDuration.Observe(seconds)
}

// SetSession 更新工作階段狀態與進度
func (c *Collector) SetSession(state int, progress int) {
	c.sessionState.Set(float64(state))
	c.printProgress.Set(float64(progress))
}

// SetStatusPending 更新待送狀態數量
func (c *Collector) SetStatusPending(n int) {
	c.statusPending.Set(float64(n))
}

// Registry 指標註冊表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
