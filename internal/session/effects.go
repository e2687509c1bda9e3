package session

import (
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
)

// Effect 狀態機要求處理迴圈執行的副作用（封閉集合）
//
// 狀態機本身不做任何 I/O，由 controller 依序執行 Effect。
type Effect interface {
	isEffect()
}

// StageEffect 開始下載
type StageEffect struct {
	Job types.Job
}

// UploadEffect 開始上傳
type UploadEffect struct {
	JobID      types.JobID
	LocalPath  string
	RemoteName string
}

// PublishStartEffect 送出開始列印指令
type PublishStartEffect struct {
	JobID      types.JobID
	RemoteName string
	Token      string
}

// ArmAckTimer 啟動指令確認計時器
type ArmAckTimer struct {
	JobID types.JobID
	Token string
}

// DisarmAckTimer 停止指令確認計時器
type DisarmAckTimer struct {
	JobID types.JobID
}

// WatchTelemetry 啟用 / 停用遙測靜默監控
type WatchTelemetry struct {
	JobID  types.JobID
	Active bool
}

// StopPrintEffect 要求裝置停止列印
type StopPrintEffect struct {
	JobID types.JobID
}

// CancelInFlight 中斷進行中的下載或上傳
type CancelInFlight struct {
	JobID types.JobID
}

// CleanupEffect 刪除本地暫存檔
type CleanupEffect struct {
	JobID     types.JobID
	LocalPath string
}

// ReportEffect 交給 Status Reporter 推送
type ReportEffect struct {
	Update types.StatusUpdate
}

func (StageEffect) isEffect()        {}
func (UploadEffect) isEffect()       {}
func (PublishStartEffect) isEffect() {}
func (ArmAckTimer) isEffect()        {}
func (DisarmAckTimer) isEffect()     {}
func (WatchTelemetry) isEffect()     {}
func (StopPrintEffect) isEffect()    {}
func (CancelInFlight) isEffect()     {}
func (CleanupEffect) isEffect()      {}
func (ReportEffect) isEffect()       {}

// Transition 一次狀態轉換
type Transition struct {
	JobID    types.JobID `json:"job_id"`
	From     State       `json:"-"`
	To       State       `json:"-"`
	FromName string      `json:"from"`
	ToName   string      `json:"to"`
	Progress *int        `json:"progress,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}

// Output Handle 的結果
type Output struct {
	Transitions []Transition
	Effects     []Effect
}

func (o *Output) effect(e Effect) {
	o.Effects = append(o.Effects, e)
}
