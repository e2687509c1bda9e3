package session

import (
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
)

// Event 送進狀態機的事件（封閉集合）
//
// 所有生產者（輪詢、Worker、遙測、計時器、管理 API）只負責送出事件，
// 只有狀態機的處理迴圈會修改工作階段狀態。
type Event interface {
	isEvent()
}

// DeviceReport 裝置遙測回報（已解析）
//
// 裝置會送出增量回報，未出現的欄位為 nil / 零值。
type DeviceReport struct {
	State            DeviceState
	Progress         *int
	Layer            *int
	TotalLayers      *int
	RemainingMinutes *int
	PrintError       int
	SubtaskName      string

	// 指令回應欄位
	Command    string
	SequenceID string
	Result     string
	Reason     string

	ReceivedAt time.Time
}

// IsCommandResponse 是否為指令的回應（而非狀態推送）
func (r DeviceReport) IsCommandResponse() bool {
	return r.Command != "" && r.Command != "push_status"
}

// Rejected 指令回應為失敗
func (r DeviceReport) Rejected() bool {
	return r.Result != "" && r.Result != "success" && r.Result != "SUCCESS"
}

// JobClaimed 認領成功
type JobClaimed struct {
	Job types.Job
}

// StageSucceeded 檔案已下載並驗證
type StageSucceeded struct {
	JobID    types.JobID
	Path     string
	Attempts int
}

// StageFailed 下載失敗（驗證錯誤或重試用盡）
type StageFailed struct {
	JobID    types.JobID
	Failure  Failure
	Attempts int
}

// UploadSucceeded 檔案已上傳並確認遠端大小
type UploadSucceeded struct {
	JobID      types.JobID
	RemoteName string
}

// UploadFailed 檔案通道協定錯誤
type UploadFailed struct {
	JobID   types.JobID
	Failure Failure
}

// CommandFailed 開始列印指令無法送出
type CommandFailed struct {
	JobID   types.JobID
	Failure Failure
}

// Telemetry 裝置回報
type Telemetry struct {
	Report DeviceReport
}

// TelemetrySilence 工作進行中超過時限未收到回報
type TelemetrySilence struct {
	JobID   types.JobID
	Silence time.Duration
}

// AckTimeout 開始指令在時限內未被確認
type AckTimeout struct {
	JobID types.JobID
	Token string
}

// Cancel 明確取消（JobID 為空代表目前工作）
type Cancel struct {
	JobID  types.JobID
	Reason string
}

// ProtocolFault 無法復原的協定錯誤
type ProtocolFault struct {
	JobID   types.JobID
	Failure Failure
}

// ChannelState 指令/遙測通道連線狀態變化
type ChannelState struct {
	Connected bool
	Err       error
}

// StatusAccepted 後端已確認某個狀態
type StatusAccepted struct {
	JobID  types.JobID
	Status types.JobStatus
}

// Reconciled 重啟後從裝置回報接回進行中的列印
type Reconciled struct {
	Job        types.Job
	RemoteName string
	Progress   int
}

// ProgressTick 定期重送目前進度
type ProgressTick struct{}

func (JobClaimed) isEvent()       {}
func (StageSucceeded) isEvent()   {}
func (StageFailed) isEvent()      {}
func (UploadSucceeded) isEvent()  {}
func (UploadFailed) isEvent()     {}
func (CommandFailed) isEvent()    {}
func (Telemetry) isEvent()        {}
func (TelemetrySilence) isEvent() {}
func (AckTimeout) isEvent()       {}
func (Cancel) isEvent()           {}
func (ProtocolFault) isEvent()    {}
func (ChannelState) isEvent()     {}
func (StatusAccepted) isEvent()   {}
func (Reconciled) isEvent()       {}
func (ProgressTick) isEvent()     {}
