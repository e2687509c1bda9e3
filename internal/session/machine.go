// ============================================================================
// printbridge Print Session State Machine - 工作階段協調器
// ============================================================================
//
// Package: internal/session
// 文件: machine.go
// 功能: 以事件驅動的純狀態機管理「目前在裝置上的任務」
//
// 狀態:
//   Idle -> Staging -> Uploading -> CommandPending -> Printing(p) -> Completing -> Done
//                 \          \              \              \
//                  +----------+--------------+--------------+--> Failed(reason)
//   Done / Failed 為終止狀態，進入後立即釋放工作階段並回到 Idle。
//
// 競態處理:
//   - 事件 JobID 與目前工作階段不符時丟棄（舊工作階段的遲到事件）
//   - 故障或失敗優先於進度更新
//   - 第一個終止轉換即為最終結果，之後的事件因工作階段已釋放而被丟棄
//
// 對外狀態:
//   只在對外狀態（status, progress）改變時產生 ReportEffect：
//   Staging -> queued、Printing(p) -> printing/p、Done -> done、Failed -> failed。
//   Uploading、CommandPending、Completing 不改變對外狀態。
//
// 並發:
//   Machine 不是 thread-safe，只能由 controller 的事件迴圈呼叫。
//
// ============================================================================

package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Session 進行中的工作階段（不持久化）
type Session struct {
	Job           types.Job
	StagedPath    string
	RemoteName    string
	Transfer      TransferState
	Token         string
	Progress      int
	PrintError    int
	StageAttempts int
	Reconnects    int
	LastAcked     types.JobStatus
	StartedAt     time.Time
}

// DeviceHealth 裝置描述中的通道健康旗標
type DeviceHealth struct {
	FileChannelOK      bool        `json:"file_channel_ok"`
	TelemetryConnected bool        `json:"telemetry_connected"`
	LastState          DeviceState `json:"-"`
	LastStateName      string      `json:"last_state"`
	LastReportAt       time.Time   `json:"last_report_at"`
}

// Outcome 最近一次工作階段的結果
type Outcome struct {
	JobID  types.JobID     `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}

// Snapshot 給外部讀取的狀態副本
type Snapshot struct {
	State       string          `json:"state"`
	JobID       types.JobID     `json:"job_id,omitempty"`
	Filename    string          `json:"filename,omitempty"`
	Progress    *int            `json:"progress,omitempty"`
	Transfer    string          `json:"transfer,omitempty"`
	StagedPath  string          `json:"staged_path,omitempty"`
	Token       string          `json:"token,omitempty"`
	LastAcked   types.JobStatus `json:"last_acked,omitempty"`
	Reconnects  int             `json:"reconnects"`
	Device      DeviceHealth    `json:"device"`
	LastOutcome *Outcome        `json:"last_outcome,omitempty"`
}

// Option Machine 選項
type Option func(*Machine)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithTokens 替換關聯 token 產生器（測試用）
func WithTokens(next func() string) Option {
	return func(m *Machine) { m.newToken = next }
}

// Machine 工作階段狀態機
type Machine struct {
	state    State
	sess     *Session
	device   DeviceHealth
	last     *Outcome
	now      func() time.Time
	newToken func() string
}

// NewMachine 建立處於 Idle 的狀態機
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		state:    StateIdle,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State 目前狀態
func (m *Machine) State() State {
	return m.state
}

// Active 是否有進行中的工作階段
func (m *Machine) Active() bool {
	return m.sess != nil
}

// Current 目前工作階段的 JobID（沒有時為空）
func (m *Machine) Current() types.JobID {
	if m.sess == nil {
		return ""
	}
	return m.sess.Job.ID
}

// Device 裝置健康狀態
func (m *Machine) Device() DeviceHealth {
	return m.device
}

// Snapshot 產生狀態副本
func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{
		State:  m.state.String(),
		Device: m.device,
	}
	snap.Device.LastStateName = m.device.LastState.String()
	if m.last != nil {
		o := *m.last
		snap.LastOutcome = &o
	}
	if m.sess == nil {
		return snap
	}
	snap.JobID = m.sess.Job.ID
	snap.Filename = m.sess.Job.Filename
	snap.Transfer = m.sess.Transfer.String()
	snap.StagedPath = m.sess.StagedPath
	snap.Token = m.sess.Token
	snap.LastAcked = m.sess.LastAcked
	snap.Reconnects = m.sess.Reconnects
	if m.state == StatePrinting {
		snap.Progress = types.IntPtr(m.sess.Progress)
	}
	return snap
}

// RemoteName 任務在裝置上的檔名
func RemoteName(id types.JobID) string {
	return string(id) + ".3mf"
}

// Adopt 接回裝置上已在列印的任務（不重送開始指令）
func (m *Machine) Adopt(job types.Job, progress int) Output {
	return m.Handle(Reconciled{Job: job, RemoteName: RemoteName(job.ID), Progress: progress})
}

// ============================================================================
// 事件處理
// ============================================================================

// Handle 處理單一事件，回傳狀態轉換與副作用
func (m *Machine) Handle(ev Event) Output {
	var out Output

	switch e := ev.(type) {
	case JobClaimed:
		if m.sess != nil {
			return out
		}
		m.sess = &Session{
			Job:       e.Job,
			StartedAt: m.now(),
			LastAcked: e.Job.Status,
		}
		m.to(&out, StateStaging, "")
		m.report(&out, types.StatusQueued, nil, "")
		out.effect(StageEffect{Job: e.Job})

	case StageSucceeded:
		if !m.in(e.JobID, StateStaging) {
			return out
		}
		m.sess.StagedPath = e.Path
		m.sess.StageAttempts = e.Attempts
		m.sess.RemoteName = RemoteName(e.JobID)
		m.sess.Transfer = TransferInProgress
		m.to(&out, StateUploading, "")
		out.effect(UploadEffect{
			JobID:      e.JobID,
			LocalPath:  e.Path,
			RemoteName: m.sess.RemoteName,
		})

	case StageFailed:
		if !m.in(e.JobID, StateStaging) {
			return out
		}
		m.sess.StageAttempts = e.Attempts
		m.fail(&out, e.Failure)

	case UploadSucceeded:
		if !m.in(e.JobID, StateUploading) {
			return out
		}
		m.device.FileChannelOK = true
		m.sess.Transfer = TransferDone
		if e.RemoteName != "" {
			m.sess.RemoteName = e.RemoteName
		}
		m.sess.Token = m.newToken()
		m.to(&out, StateCommandPending, "")
		out.effect(PublishStartEffect{
			JobID:      e.JobID,
			RemoteName: m.sess.RemoteName,
			Token:      m.sess.Token,
		})
		out.effect(ArmAckTimer{JobID: e.JobID, Token: m.sess.Token})
		out.effect(WatchTelemetry{JobID: e.JobID, Active: true})

	case UploadFailed:
		if !m.in(e.JobID, StateUploading) {
			return out
		}
		m.device.FileChannelOK = false
		m.fail(&out, e.Failure)

	case CommandFailed:
		if !m.in(e.JobID, StateCommandPending) {
			return out
		}
		m.fail(&out, e.Failure)

	case Telemetry:
		m.observe(e.Report)
		if m.sess != nil {
			m.handleReport(&out, e.Report)
		}

	case TelemetrySilence:
		if !m.in(e.JobID, StateCommandPending, StatePrinting) {
			return out
		}
		m.fail(&out, Failure{
			Kind:   FailureTimeout,
			Detail: fmt.Sprintf("no telemetry from device for %s", e.Silence.Round(time.Second)),
		})

	case AckTimeout:
		if !m.in(e.JobID, StateCommandPending) || e.Token != m.sess.Token {
			return out
		}
		m.fail(&out, Failure{Kind: FailureTimeout, Detail: "start command not acknowledged by device"})

	case Cancel:
		if m.sess == nil || (e.JobID != "" && e.JobID != m.sess.Job.ID) {
			return out
		}
		reason := e.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		if m.state == StateCommandPending || m.state == StatePrinting {
			out.effect(StopPrintEffect{JobID: m.sess.Job.ID})
		}
		m.fail(&out, Failure{Kind: FailureCancelled, Detail: reason})

	case ProtocolFault:
		if m.sess == nil || e.JobID != m.sess.Job.ID {
			return out
		}
		m.fail(&out, e.Failure)

	case ChannelState:
		if !e.Connected && m.device.TelemetryConnected && m.sess != nil {
			m.sess.Reconnects++
		}
		m.device.TelemetryConnected = e.Connected

	case StatusAccepted:
		if m.sess != nil && m.sess.Job.ID == e.JobID && e.Status.Rank() > m.sess.LastAcked.Rank() {
			m.sess.LastAcked = e.Status
		}

	case ProgressTick:
		if m.sess == nil || m.state != StatePrinting {
			return out
		}
		m.report(&out, types.StatusPrinting, types.IntPtr(m.sess.Progress), "")

	case Reconciled:
		if m.sess != nil {
			return out
		}
		m.sess = &Session{
			Job:        e.Job,
			RemoteName: e.RemoteName,
			Transfer:   TransferDone,
			Progress:   clampProgress(e.Progress),
			StartedAt:  m.now(),
			LastAcked:  e.Job.Status,
		}
		m.to(&out, StatePrinting, "reconciled from device report")
		m.report(&out, types.StatusPrinting, types.IntPtr(m.sess.Progress), "")
		out.effect(WatchTelemetry{JobID: e.Job.ID, Active: true})
	}

	return out
}

// handleReport 依目前狀態解讀裝置回報
func (m *Machine) handleReport(out *Output, r DeviceReport) {
	if r.SubtaskName != "" && !m.subtaskMatches(r.SubtaskName) {
		return
	}

	switch m.state {
	case StateCommandPending:
		if r.IsCommandResponse() {
			if r.Command != "project_file" || r.SequenceID != m.sess.Token {
				return
			}
			if r.Rejected() {
				detail := "device rejected start command"
				if r.Reason != "" {
					detail += ": " + r.Reason
				}
				m.fail(out, Failure{Kind: FailureProtocol, Detail: detail})
				return
			}
			m.acknowledge(out, r)
			return
		}
		if r.SubtaskName == "" {
			return
		}
		if r.State == DeviceFailed || r.PrintError != 0 {
			m.fail(out, Failure{Kind: FailureDeviceFault, Detail: faultDetail(r)})
			return
		}
		if r.State == DevicePrepare || r.State == DeviceRunning || r.State == DevicePause {
			m.acknowledge(out, r)
		}

	case StatePrinting:
		if r.IsCommandResponse() {
			return
		}
		switch {
		case r.State == DeviceFailed || r.PrintError != 0:
			m.sess.PrintError = r.PrintError
			m.fail(out, Failure{Kind: FailureDeviceFault, Detail: faultDetail(r)})
		case r.State == DeviceFinish:
			m.complete(out)
		case r.State == DeviceIdle && m.sess.Progress > 0:
			m.fail(out, Failure{Kind: FailureDeviceFault, Detail: "print stopped unexpectedly"})
		case r.Progress != nil:
			m.progress(out, *r.Progress)
		}
	}
}

// acknowledge CommandPending -> Printing(0)
func (m *Machine) acknowledge(out *Output, r DeviceReport) {
	m.sess.Progress = 0
	out.effect(DisarmAckTimer{JobID: m.sess.Job.ID})
	m.to(out, StatePrinting, "")
	m.report(out, types.StatusPrinting, types.IntPtr(0), "")
	if r.State == DeviceRunning && r.Progress != nil {
		m.progress(out, *r.Progress)
	}
}

// progress Printing(p) -> Printing(p')
func (m *Machine) progress(out *Output, p int) {
	p = clampProgress(p)
	if p == m.sess.Progress {
		return
	}
	m.sess.Progress = p
	m.to(out, StatePrinting, "")
	m.report(out, types.StatusPrinting, types.IntPtr(p), "")
}

// complete Printing -> Completing -> Done -> Idle
func (m *Machine) complete(out *Output) {
	id := m.sess.Job.ID
	m.to(out, StateCompleting, "")
	m.sess.Progress = 100
	m.to(out, StateDone, "")
	m.report(out, types.StatusDone, types.IntPtr(100), "")
	m.release(out, id, types.StatusDone, "")
}

// fail 任意非終止狀態 -> Failed -> Idle
func (m *Machine) fail(out *Output, f Failure) {
	id := m.sess.Job.ID
	if m.state == StateStaging || m.state == StateUploading {
		out.effect(CancelInFlight{JobID: id})
	}
	reason := f.Reason()
	m.to(out, StateFailed, reason)
	m.report(out, types.StatusFailed, nil, reason)
	m.release(out, id, types.StatusFailed, reason)
}

// release 終止狀態後清理並回到 Idle
func (m *Machine) release(out *Output, id types.JobID, status types.JobStatus, reason string) {
	out.effect(DisarmAckTimer{JobID: id})
	out.effect(WatchTelemetry{JobID: id, Active: false})
	out.effect(CleanupEffect{JobID: id, LocalPath: m.sess.StagedPath})

	m.last = &Outcome{JobID: id, Status: status, Reason: reason, At: m.now()}
	m.to(out, StateIdle, "")
	m.sess = nil
}

// to 記錄狀態轉換
func (m *Machine) to(out *Output, next State, reason string) {
	t := Transition{
		JobID:    m.sess.Job.ID,
		From:     m.state,
		To:       next,
		FromName: m.state.String(),
		ToName:   next.String(),
		Reason:   reason,
		At:       m.now(),
	}
	if next == StatePrinting {
		t.Progress = types.IntPtr(m.sess.Progress)
	}
	out.Transitions = append(out.Transitions, t)
	m.state = next
}

func (m *Machine) report(out *Output, status types.JobStatus, progress *int, message string) {
	out.effect(ReportEffect{Update: types.StatusUpdate{
		JobID:    m.sess.Job.ID,
		Status:   status,
		Progress: progress,
		Message:  message,
	}})
}

// in 事件屬於目前工作階段且狀態符合
func (m *Machine) in(id types.JobID, states ...State) bool {
	if m.sess == nil || m.sess.Job.ID != id {
		return false
	}
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}

// observe 更新裝置健康狀態（不論是否有工作階段）
func (m *Machine) observe(r DeviceReport) {
	if r.State != DeviceUnknown {
		m.device.LastState = r.State
	}
	if !r.ReceivedAt.IsZero() {
		m.device.LastReportAt = r.ReceivedAt
	} else {
		m.device.LastReportAt = m.now()
	}
}

// subtaskMatches 裝置回報的 subtask 是否為目前工作
func (m *Machine) subtaskMatches(name string) bool {
	remote := m.sess.RemoteName
	if remote == "" {
		remote = RemoteName(m.sess.Job.ID)
	}
	return name == remote || name == strings.TrimSuffix(remote, ".3mf")
}

func faultDetail(r DeviceReport) string {
	if r.PrintError != 0 {
		return fmt.Sprintf("device reported error code 0x%08X", r.PrintError)
	}
	return "device reported print failure"
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
