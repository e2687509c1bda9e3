package session

import (
	"fmt"
	"strings"
)

// State 列印工作階段狀態（封閉列舉）
type State int

const (
	StateIdle State = iota
	StateStaging
	StateUploading
	StateCommandPending
	StatePrinting
	StateCompleting
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateStaging:        "staging",
	StateUploading:      "uploading",
	StateCommandPending: "command_pending",
	StatePrinting:       "printing",
	StateCompleting:     "completing",
	StateDone:           "done",
	StateFailed:         "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal Done 與 Failed 為單一工作階段的終止狀態
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Active 是否有進行中的工作階段
func (s State) Active() bool {
	return s != StateIdle && !s.IsTerminal()
}

// TransferState 檔案傳輸子狀態
type TransferState int

const (
	TransferNotStarted TransferState = iota
	TransferInProgress
	TransferDone
)

func (t TransferState) String() string {
	switch t {
	case TransferInProgress:
		return "transferring"
	case TransferDone:
		return "transferred"
	default:
		return "not_started"
	}
}

// ============================================================================
// 失敗分類
// ============================================================================

// FailureKind 任務失敗類型
type FailureKind int

const (
	FailureValidation FailureKind = iota
	FailureProtocol
	FailureTimeout
	FailureDeviceFault
	FailureTransient
	FailureCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailureValidation:
		return "validation"
	case FailureProtocol:
		return "protocol"
	case FailureTimeout:
		return "timeout"
	case FailureDeviceFault:
		return "device fault"
	case FailureTransient:
		return "transient"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Label 指標用的標籤值
func (k FailureKind) Label() string {
	return strings.ReplaceAll(k.String(), " ", "_")
}

// Failure 任務失敗原因
type Failure struct {
	Kind   FailureKind
	Detail string
}

// Reason 對外訊息，前綴區分失敗類型
func (f Failure) Reason() string {
	if f.Detail == "" {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Detail
}

// ============================================================================
// 裝置狀態
// ============================================================================

// DeviceState 裝置回報的列印狀態（gcode_state）
type DeviceState int

const (
	DeviceUnknown DeviceState = iota
	DeviceIdle
	DevicePrepare
	DeviceRunning
	DevicePause
	DeviceFinish
	DeviceFailed
)

// ParseDeviceState 將裝置字串轉成封閉列舉
func ParseDeviceState(s string) DeviceState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE":
		return DeviceIdle
	case "PREPARE", "SLICING":
		return DevicePrepare
	case "RUNNING":
		return DeviceRunning
	case "PAUSE":
		return DevicePause
	case "FINISH":
		return DeviceFinish
	case "FAILED":
		return DeviceFailed
	default:
		return DeviceUnknown
	}
}

func (d DeviceState) String() string {
	switch d {
	case DeviceIdle:
		return "IDLE"
	case DevicePrepare:
		return "PREPARE"
	case DeviceRunning:
		return "RUNNING"
	case DevicePause:
		return "PAUSE"
	case DeviceFinish:
		return "FINISH"
	case DeviceFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Busy 裝置正在執行工作（不可接新任務）
func (d DeviceState) Busy() bool {
	return d == DevicePrepare || d == DeviceRunning || d == DevicePause
}

// Ready 裝置可接受新任務
func (d DeviceState) Ready() bool {
	return d == DeviceIdle || d == DeviceFinish || d == DeviceFailed
}
