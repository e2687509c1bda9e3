// Package types 定義了 printbridge 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼（由後端分配）
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數（與後端列舉一致）
const (
	StatusSubmitted JobStatus = "submitted" // 使用者已提交，等待審核
	StatusApproved  JobStatus = "approved"  // 管理員已核准，等待 controller 認領
	StatusRejected  JobStatus = "rejected"  // 管理員已拒絕
	StatusQueued    JobStatus = "queued"    // 已被 controller 認領
	StatusPrinting  JobStatus = "printing"  // 印表機列印中
	StatusDone      JobStatus = "done"      // 列印完成
	StatusFailed    JobStatus = "failed"    // 列印失敗
)

// Rank 回傳狀態在對外回報偏序中的位置
//
// submitted/approved < queued < printing < {done, failed}
// rejected 不屬於 controller 會回報的狀態，回傳 -1
func (s JobStatus) Rank() int {
	switch s {
	case StatusSubmitted, StatusApproved:
		return 0
	case StatusQueued:
		return 1
	case StatusPrinting:
		return 2
	case StatusDone, StatusFailed:
		return 3
	default:
		return -1
	}
}

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Valid 是否為已知狀態
func (s JobStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusApproved, StatusRejected,
		StatusQueued, StatusPrinting, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Job 任務結構，controller 手上持有的後端任務副本（可能已過期）
type Job struct {
	// 識別與資料
	ID         JobID  `json:"id"`                   // 任務唯一識別碼
	Filename   string `json:"filename"`             // 使用者上傳的原始檔名
	StorageKey string `json:"tigris_key,omitempty"` // 物件儲存的參照
	SizeBytes  int64  `json:"file_size_bytes"`      // 宣告的檔案大小

	// 狀態追蹤
	Status        JobStatus `json:"status"`                   // 任務當前狀態
	StatusMessage string    `json:"status_message,omitempty"` // 狀態說明（例如失敗原因）
	Progress      *int      `json:"progress,omitempty"`       // 列印進度 0-100

	// 時間
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatusUpdate 推送給後端的一筆狀態更新
type StatusUpdate struct {
	JobID    JobID     `json:"-"`
	Status   JobStatus `json:"status"`
	Progress *int      `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// IntPtr 回傳 int 指標
func IntPtr(v int) *int {
	return &v
}
