package transport

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAuthFailed 裝置拒絕存取碼
	ErrAuthFailed = errors.New("authentication failed")

	// ErrVerifyMismatch 上傳後遠端檔案大小與本地不符
	ErrVerifyMismatch = errors.New("remote size mismatch")

	// ErrNotConnected 指令通道尚未連線
	ErrNotConnected = errors.New("not connected")

	// ErrNoPrintSection 回報中沒有 print 區段（其他模組的訊息）
	ErrNoPrintSection = errors.New("report has no print section")
)

// 通道名稱
const (
	ChannelTransfer  = "transfer"
	ChannelTelemetry = "telemetry"
)

// ProtocolError 通道層級的錯誤，對任務而言不可重試
type ProtocolError struct {
	Channel string
	Op      string
	Err     error
}

func (e *ProtocolError) Error() string {
	if errors.Is(e.Err, ErrAuthFailed) {
		return e.Channel + " authentication failed"
	}
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErr(channel, op string, err error) error {
	return &ProtocolError{Channel: channel, Op: op, Err: err}
}
