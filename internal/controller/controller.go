// ============================================================================
// printbridge 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 連接任務佇列、狀態機、Worker Pool 與印表機通道，是唯一修改工作階段狀態的地方
//
// 架構設計:
//   - Poller: 輪詢後端並認領任務，產生 JobClaimed 事件
//   - Machine: 純狀態機，處理事件並回傳狀態轉換與副作用
//   - WorkerPool: 執行阻塞操作（下載、上傳、發送指令），結果再轉成事件
//   - Telemetry: 遙測通道透過 Submit() 送入事件
//   - Reporter: 非阻塞地把對外狀態推送到後端
//
// 核心循環 (6 個並發 Goroutine):
//   1. Event Loop - 唯一的狀態寫入者：Machine.Handle 後依序執行副作用
//   2. Result Loop - 把 Worker 執行結果轉成事件
//   3. Poll Loop - 啟動時先做裝置對帳，之後定期輪詢與認領
//   4. Progress Loop - 列印中定期重送目前進度
//   5. Connect Loop - 建立遙測通道（失敗時退避重試）
//   6. Reporter Loop - 狀態推送
//
// 重啟對帳:
//   不讀回任何持久化的工作階段；啟動時等待第一筆裝置回報（有上限），
//   若裝置正在列印 <jobID>.3mf 則直接接回 Printing(p)，不重送開始指令。
//
// 並發安全:
//   - 只有 Event Loop 會呼叫 Machine；其他 goroutine 一律 Submit 事件
//   - 對外讀取使用 mu 保護的狀態副本
//   - stopCh channel 用於優雅關閉所有循環，loopWg 確保 goroutine 正確退出
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/printbridge/internal/journal"
	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/metrics"
	"github.com/ChuLiYu/printbridge/internal/queue"
	"github.com/ChuLiYu/printbridge/internal/session"
	"github.com/ChuLiYu/printbridge/internal/stager"
	"github.com/ChuLiYu/printbridge/internal/transport"
	"github.com/ChuLiYu/printbridge/internal/worker"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/sethvargo/go-retry"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoSession 目前沒有進行中的工作階段
	ErrNoSession = errors.New("no active print session")
	// ErrJobMismatch 指定的任務不是目前的工作階段
	ErrJobMismatch = errors.New("job is not the active session")
	// ErrStopped Controller 已停止
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// 依賴介面
// ============================================================================

// JobSource 後端任務來源（queue.Client 實作）
type JobSource interface {
	NextApprovedJob(ctx context.Context) (*types.Job, error)
	ClaimJob(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Stager 下載與清理本地暫存檔（stager.Stager 實作）
type Stager interface {
	Stage(ctx context.Context, job types.Job) (string, int, error)
	Remove(path string)
}

// FileChannel 檔案傳輸通道（transport.FileChannel 實作）
type FileChannel interface {
	Upload(ctx context.Context, localPath, remoteName string) (int64, error)
}

// CommandChannel 指令 / 遙測通道（transport.TelemetryChannel 實作）
type CommandChannel interface {
	Connect(ctx context.Context) error
	StartPrint(ctx context.Context, remoteName, token string) error
	StopPrint(ctx context.Context) error
	Watch(jobID types.JobID, active bool)
	Ready() bool
	LastReport() (session.DeviceReport, bool)
	Close()
}

// StatusSink 對外狀態推送（reporter.Reporter 實作）
type StatusSink interface {
	Offer(update types.StatusUpdate) bool
	Pending() int
	Run(ctx context.Context)
	Flush(ctx context.Context)
}

// TransitionLog 狀態轉換日誌（journal.Journal 實作）
type TransitionLog interface {
	Append(ctx context.Context, e journal.Entry) error
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	PollInterval     time.Duration // 輪詢間隔
	MaxPollBackoff   time.Duration // 輪詢失敗時的最大退避
	ProgressInterval time.Duration // 列印中重送進度的間隔
	AckTimeout       time.Duration // 開始指令確認時限
	UploadTimeout    time.Duration // 單次上傳時限
	ReconcileTimeout time.Duration // 啟動時等待第一筆裝置回報的時限
	ConnectBackoff   time.Duration // 遙測通道重連的起始退避
	WorkerCount      int           // Worker 數量
	BufferSize       int           // 任務與事件通道緩衝
}

// Deps Controller 依賴
type Deps struct {
	Jobs     JobSource
	Stager   Stager
	Files    FileChannel
	Commands CommandChannel
	Reporter StatusSink
	Journal  TransitionLog // 可為 nil
	Metrics  *metrics.Collector
	Log      *logger.Logger

	// OnTransition 每次狀態轉換後呼叫（例如 websocket 廣播），不可阻塞
	OnTransition func(session.Transition)
}

// Status 對外狀態
type Status struct {
	session.Snapshot
	Uptime         string `json:"uptime"`
	PendingReports int    `json:"pending_reports"`
}

// Controller 核心控制器
type Controller struct {
	config  Config
	deps    Deps
	log     *logger.Logger
	machine *session.Machine
	pool    *worker.Pool
	events  chan session.Event

	// 只由 Event Loop 使用
	sessCtx    context.Context
	sessCancel context.CancelFunc
	ackTimer   *time.Timer

	// pending 已送出 JobClaimed / Reconciled 但 Event Loop 尚未處理
	pending atomic.Bool

	mu        sync.RWMutex
	snap      session.Snapshot
	stopped   bool
	startTime time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// stageOutcome 下載任務的回傳值
type stageOutcome struct {
	path     string
	attempts int
}

// uploadOutcome 上傳任務的回傳值
type uploadOutcome struct {
	remoteName string
	bytes      int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - deps: 依賴（Journal 與 OnTransition 以外皆為必要）
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 缺少必要依賴
func NewController(config Config, deps Deps, opts ...session.Option) (*Controller, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("controller: job source is required")
	case deps.Stager == nil:
		return nil, fmt.Errorf("controller: stager is required")
	case deps.Files == nil:
		return nil, fmt.Errorf("controller: file channel is required")
	case deps.Commands == nil:
		return nil, fmt.Errorf("controller: command channel is required")
	case deps.Reporter == nil:
		return nil, fmt.Errorf("controller: status reporter is required")
	case deps.Metrics == nil:
		return nil, fmt.Errorf("controller: metrics collector is required")
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if config.WorkerCount < 1 {
		config.WorkerCount = 2
	}
	if config.BufferSize < 1 {
		config.BufferSize = 8
	}
	if config.MaxPollBackoff < config.PollInterval {
		config.MaxPollBackoff = config.PollInterval
	}
	if config.ConnectBackoff <= 0 {
		config.ConnectBackoff = time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	machine := session.NewMachine(opts...)

	return &Controller{
		config:    config,
		deps:      deps,
		log:       deps.Log.Named("controller"),
		machine:   machine,
		pool:      worker.NewPool(config.BufferSize),
		events:    make(chan session.Event, config.BufferSize*8),
		snap:      machine.Snapshot(),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 啟動 Worker Pool
//  2. 啟動所有核心循環（Poll Loop 會先做裝置對帳）
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.startTime = time.Now()
	c.mu.Unlock()

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(6)
	go c.eventLoop()
	go c.resultLoop()
	go c.connectLoop()
	go c.pollLoop()
	go c.progressLoop()
	go func() {
		defer c.loopWg.Done()
		c.deps.Reporter.Run(c.runCtx)
	}()

	c.log.Infow("controller started",
		"workers", c.config.WorkerCount,
		"pollInterval", c.config.PollInterval)
	return nil
}

// Submit 送入一個事件（遙測、Reporter、管理 API 都經由這裡）
//
// 返回值：
//   - bool: false 表示 Controller 已停止，事件被丟棄
func (c *Controller) Submit(ev session.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopCh:
		return false
	}
}

// Cancel 取消目前的工作階段
//
// 參數：
//   - jobID: 要取消的任務；空字串代表目前的工作階段
//   - reason: 失敗原因中的說明
func (c *Controller) Cancel(jobID types.JobID, reason string) error {
	snap := c.Snapshot()
	if snap.JobID == "" {
		return ErrNoSession
	}
	if jobID != "" && jobID != snap.JobID {
		return fmt.Errorf("%w: %s", ErrJobMismatch, jobID)
	}
	if !c.Submit(session.Cancel{JobID: snap.JobID, Reason: reason}) {
		return ErrStopped
	}
	return nil
}

// Snapshot 取得工作階段狀態副本
func (c *Controller) Snapshot() session.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime).Round(time.Second)
	}
	return Status{
		Snapshot:       c.snap,
		Uptime:         uptime.String(),
		PendingReports: c.deps.Reporter.Pending(),
	}
}

// ============================================================================
// Event Loop
// ============================================================================

// eventLoop 唯一呼叫 Machine 的 goroutine
func (c *Controller) eventLoop() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.log.Debug("event loop stopped")
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle 處理單一事件並依序執行副作用
func (c *Controller) handle(ev session.Event) {
	switch e := ev.(type) {
	case session.JobClaimed, session.Reconciled:
		defer c.pending.Store(false)
	case session.ChannelState:
		if !e.Connected && c.machine.Device().TelemetryConnected {
			c.deps.Metrics.RecordReconnect()
			c.log.Warnw("telemetry channel lost", "error", e.Err)
		} else if e.Connected {
			c.log.Infow("telemetry channel connected")
		}
	}

	out := c.machine.Handle(ev)
	for _, t := range out.Transitions {
		c.record(t)
	}
	for _, effect := range out.Effects {
		c.apply(effect)
	}

	snap := c.machine.Snapshot()
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// record 記錄一次狀態轉換：日誌、指標、journal、廣播
func (c *Controller) record(t session.Transition) {
	progress := 0
	if t.Progress != nil {
		progress = *t.Progress
	}

	if t.From == session.StatePrinting && t.To == session.StatePrinting {
		c.log.Debugw("print progress", "jobID", t.JobID, "progress", progress)
	} else {
		c.log.Infow("session transition",
			"jobID", t.JobID,
			"from", t.FromName,
			"to", t.ToName,
			"reason", t.Reason)
	}

	c.deps.Metrics.SetSession(int(t.To), progress)
	switch t.To {
	case session.StateDone:
		c.deps.Metrics.RecordOutcome(string(types.StatusDone), "")
	case session.StateFailed:
		c.deps.Metrics.RecordOutcome(string(types.StatusFailed), reasonClass(t.Reason))
	}

	if c.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(c.runCtx, 2*time.Second)
		if err := c.deps.Journal.Append(ctx, journal.FromTransition(t)); err != nil {
			c.log.Warnw("failed to journal transition", "jobID", t.JobID, "error", err)
		}
		cancel()
	}

	if c.deps.OnTransition != nil {
		c.deps.OnTransition(t)
	}
}

// apply 執行狀態機要求的副作用
func (c *Controller) apply(effect session.Effect) {
	switch e := effect.(type) {
	case session.StageEffect:
		ctx := c.newSessionContext()
		job := e.Job
		c.submit(worker.Task{
			ID:   job.ID,
			Kind: worker.KindStage,
			Ctx:  ctx,
			Run: func(ctx context.Context) (any, error) {
				path, attempts, err := c.deps.Stager.Stage(ctx, job)
				return stageOutcome{path: path, attempts: attempts}, err
			},
		})

	case session.UploadEffect:
		ctx := c.sessionContext()
		c.submit(worker.Task{
			ID:      e.JobID,
			Kind:    worker.KindUpload,
			Ctx:     ctx,
			Timeout: c.config.UploadTimeout,
			Run: func(ctx context.Context) (any, error) {
				n, err := c.deps.Files.Upload(ctx, e.LocalPath, e.RemoteName)
				return uploadOutcome{remoteName: e.RemoteName, bytes: n}, err
			},
		})

	case session.PublishStartEffect:
		c.submit(worker.Task{
			ID:      e.JobID,
			Kind:    worker.KindPublish,
			Ctx:     c.runCtx,
			Timeout: c.config.AckTimeout,
			Run: func(ctx context.Context) (any, error) {
				return nil, c.deps.Commands.StartPrint(ctx, e.RemoteName, e.Token)
			},
		})

	case session.ArmAckTimer:
		c.stopAckTimer()
		c.ackTimer = time.AfterFunc(c.config.AckTimeout, func() {
			c.Submit(session.AckTimeout{JobID: e.JobID, Token: e.Token})
		})

	case session.DisarmAckTimer:
		c.stopAckTimer()

	case session.WatchTelemetry:
		c.deps.Commands.Watch(e.JobID, e.Active)

	case session.StopPrintEffect:
		c.submit(worker.Task{
			ID:      e.JobID,
			Kind:    worker.KindStop,
			Ctx:     context.Background(),
			Timeout: c.config.AckTimeout,
			Run: func(ctx context.Context) (any, error) {
				return nil, c.deps.Commands.StopPrint(ctx)
			},
		})

	case session.CancelInFlight:
		c.cancelSession()

	case session.CleanupEffect:
		c.cancelSession()
		c.deps.Stager.Remove(e.LocalPath)

	case session.ReportEffect:
		if !c.deps.Reporter.Offer(e.Update) {
			c.log.Debugw("status update dropped",
				"jobID", e.Update.JobID,
				"status", e.Update.Status)
		}
		c.deps.Metrics.SetStatusPending(c.deps.Reporter.Pending())
	}
}

// submit 提交任務給 Worker Pool
func (c *Controller) submit(task worker.Task) {
	if err := c.pool.Submit(task); err != nil {
		// Pool 已關閉是正常的（在 Stop 過程中）
		if !errors.Is(err, worker.ErrPoolClosed) {
			c.log.Errorw("failed to submit task", "jobID", task.ID, "kind", task.Kind, "error", err)
		}
	}
}

func (c *Controller) newSessionContext() context.Context {
	c.cancelSession()
	c.sessCtx, c.sessCancel = context.WithCancel(c.runCtx)
	return c.sessCtx
}

func (c *Controller) sessionContext() context.Context {
	if c.sessCtx == nil {
		return c.newSessionContext()
	}
	return c.sessCtx
}

func (c *Controller) cancelSession() {
	if c.sessCancel != nil {
		c.sessCancel()
	}
	c.sessCtx, c.sessCancel = nil, nil
}

func (c *Controller) stopAckTimer() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}

// ============================================================================
// Result Loop
// ============================================================================

// resultLoop 把 Worker 結果轉成事件
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			c.log.Debug("result loop stopped")
			return
		}
		if ev := c.resultEvent(result); ev != nil {
			c.Submit(ev)
		}
	}
}

// resultEvent 把單一結果轉成事件；nil 代表不需要事件
func (c *Controller) resultEvent(result worker.Result) session.Event {
	err := result.Error

	switch result.Kind {
	case worker.KindStage:
		out, _ := result.Value.(stageOutcome)
		if err == nil {
			c.deps.Metrics.ObserveStage(result.Duration.Seconds())
			return session.StageSucceeded{JobID: result.JobID, Path: out.path, Attempts: out.attempts}
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return session.StageFailed{JobID: result.JobID, Failure: stageFailure(err), Attempts: out.attempts}

	case worker.KindUpload:
		out, _ := result.Value.(uploadOutcome)
		if err == nil {
			c.deps.Metrics.ObserveUpload(result.Duration.Seconds())
			c.log.Infow("artifact uploaded",
				"jobID", result.JobID,
				"remote", out.remoteName,
				"bytes", out.bytes,
				"duration", result.Duration)
			return session.UploadSucceeded{JobID: result.JobID, RemoteName: out.remoteName}
		}
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			return session.UploadFailed{JobID: result.JobID, Failure: session.Failure{
				Kind:   session.FailureTimeout,
				Detail: fmt.Sprintf("file transfer exceeded %s", c.config.UploadTimeout),
			}}
		default:
			return session.UploadFailed{JobID: result.JobID, Failure: session.Failure{
				Kind:   session.FailureProtocol,
				Detail: err.Error(),
			}}
		}

	case worker.KindPublish:
		if err == nil {
			c.log.Infow("start command published", "jobID", result.JobID)
			return nil
		}
		return session.CommandFailed{JobID: result.JobID, Failure: session.Failure{
			Kind:   session.FailureProtocol,
			Detail: err.Error(),
		}}

	case worker.KindStop:
		if err != nil {
			c.log.Warnw("failed to stop print on device", "jobID", result.JobID, "error", err)
		}
	}
	return nil
}

// stageFailure 下載錯誤分類
func stageFailure(err error) session.Failure {
	switch {
	case stager.IsValidation(err):
		return session.Failure{Kind: session.FailureValidation, Detail: err.Error()}
	case errors.Is(err, stager.ErrRetriesExhausted):
		return session.Failure{Kind: session.FailureTransient, Detail: err.Error()}
	default:
		return session.Failure{Kind: session.FailureProtocol, Detail: err.Error()}
	}
}

// reasonClass 失敗原因的前綴（指標標籤用）
func reasonClass(reason string) string {
	class, _, _ := strings.Cut(reason, ":")
	return strings.ReplaceAll(strings.TrimSpace(class), " ", "_")
}

// ============================================================================
// Poll Loop
// ============================================================================

// pollLoop 先做裝置對帳，再定期輪詢
func (c *Controller) pollLoop() {
	defer c.loopWg.Done()

	c.reconcile()

	backoff := c.pollBackoff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("poll loop stopped")
			return
		case <-timer.C:
		}

		wait := c.config.PollInterval
		if err := c.pollOnce(c.runCtx); err != nil {
			c.deps.Metrics.RecordPollError()
			next, _ := backoff.Next()
			wait = next
			c.log.Warnw("poll failed", "error", err, "retryIn", wait)
		} else {
			backoff = c.pollBackoff()
		}
		timer.Reset(wait)
	}
}

func (c *Controller) pollBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.config.MaxPollBackoff, retry.NewExponential(c.config.PollInterval))
}

// pollOnce 單次輪詢：有工作階段或裝置未就緒時略過
//
// 返回值：
//   - error: 後端無法連線（呼叫端退避）；認領衝突不算錯誤
func (c *Controller) pollOnce(ctx context.Context) error {
	if c.pending.Load() || c.Snapshot().JobID != "" {
		return nil
	}
	if !c.deps.Commands.Ready() {
		c.log.Debug("device not ready, skipping poll")
		return nil
	}

	job, err := c.deps.Jobs.NextApprovedJob(ctx)
	if err != nil {
		return fmt.Errorf("fetch next job: %w", err)
	}
	if job == nil {
		return nil
	}

	claimed, err := c.deps.Jobs.ClaimJob(ctx, job.ID)
	if errors.Is(err, queue.ErrClaimConflict) {
		c.deps.Metrics.RecordClaimConflict()
		c.log.Debugw("job claimed elsewhere", "jobID", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.ID, err)
	}

	merged := mergeClaim(*job, claimed)
	c.deps.Metrics.RecordClaim()
	c.log.Infow("job claimed",
		"jobID", merged.ID,
		"filename", merged.Filename,
		"bytes", merged.SizeBytes)

	c.pending.Store(true)
	if !c.Submit(session.JobClaimed{Job: merged}) {
		c.pending.Store(false)
	}
	return nil
}

// mergeClaim 以認領回應為主，缺少的欄位沿用輪詢到的任務
func mergeClaim(candidate types.Job, claimed *types.Job) types.Job {
	if claimed == nil {
		return candidate
	}
	out := *claimed
	if out.ID == "" {
		out.ID = candidate.ID
	}
	if out.Filename == "" {
		out.Filename = candidate.Filename
	}
	if out.StorageKey == "" {
		out.StorageKey = candidate.StorageKey
	}
	if out.SizeBytes == 0 {
		out.SizeBytes = candidate.SizeBytes
	}
	if out.Status == "" {
		out.Status = candidate.Status
	}
	return out
}

// reconcile 啟動對帳：裝置正在列印我們的檔案時接回工作階段
func (c *Controller) reconcile() {
	if c.config.ReconcileTimeout <= 0 {
		return
	}

	deadline := time.NewTimer(c.config.ReconcileTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var report session.DeviceReport
	for {
		r, ok := c.deps.Commands.LastReport()
		if ok {
			report = r
			break
		}
		select {
		case <-c.stopCh:
			return
		case <-deadline.C:
			c.log.Warnw("no device report before reconcile timeout", "timeout", c.config.ReconcileTimeout)
			return
		case <-ticker.C:
		}
	}

	if !report.State.Busy() || report.SubtaskName == "" {
		c.log.Infow("device idle at startup", "state", report.State)
		return
	}

	id := strings.TrimSuffix(report.SubtaskName, ".3mf")
	progress := 0
	if report.Progress != nil {
		progress = *report.Progress
	}
	c.log.Infow("adopting print in progress",
		"jobID", id,
		"subtask", report.SubtaskName,
		"progress", progress)

	c.pending.Store(true)
	ok := c.Submit(session.Reconciled{
		Job: types.Job{
			ID:       types.JobID(id),
			Filename: report.SubtaskName,
			Status:   types.StatusPrinting,
		},
		RemoteName: report.SubtaskName,
		Progress:   progress,
	})
	if !ok {
		c.pending.Store(false)
	}
}

// ============================================================================
// Progress / Connect Loops
// ============================================================================

// progressLoop 定期送出 ProgressTick，由狀態機決定是否重送進度
func (c *Controller) progressLoop() {
	defer c.loopWg.Done()
	if c.config.ProgressInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("progress loop stopped")
			return
		case <-ticker.C:
			if c.Snapshot().JobID == "" {
				continue
			}
			c.Submit(session.ProgressTick{})
		}
	}
}

// connectLoop 建立遙測通道；之後的斷線由通道自動重連
func (c *Controller) connectLoop() {
	defer c.loopWg.Done()

	backoff := retry.WithCappedDuration(c.config.MaxPollBackoff, retry.NewExponential(c.config.ConnectBackoff))
	err := retry.Do(c.runCtx, backoff, func(ctx context.Context) error {
		err := c.deps.Commands.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthFailed) {
			c.log.Errorw("telemetry channel rejected credentials, check printer.access_code", "error", err)
		} else {
			c.log.Warnw("telemetry channel connect failed", "error", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Errorw("telemetry channel gave up", "error", err)
	}
}

// ============================================================================
// Stop
// ============================================================================

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) + 取消 runCtx → 通知所有循環與進行中的傳輸
//  2. pool.Stop()   → Worker 結束，resultLoop 收到 ErrPoolClosed
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 在時限內送出尚未推送的狀態，最後關閉遙測通道
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("stopping controller...")
	close(c.stopCh)
	c.cancelRun()
	c.pool.Stop()
	c.loopWg.Wait()

	c.stopAckTimer()
	c.cancelSession()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.deps.Reporter.Flush(flushCtx)
	cancel()

	c.deps.Commands.Close()
	c.log.Info("controller stopped")
}
