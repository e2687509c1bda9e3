package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
)

// Kind 任務類型
type Kind string

const (
	KindStage   Kind = "stage"   // 下載並驗證檔案
	KindUpload  Kind = "upload"  // FTPS 上傳
	KindPublish Kind = "publish" // 送出開始列印指令
	KindStop    Kind = "stop"    // 送出停止指令
)

// Task 代表要執行的阻塞操作
type Task struct {
	ID      types.JobID                            // 所屬任務
	Kind    Kind                                   // 操作類型
	Ctx     context.Context                        // 父 Context（工作階段取消時一併取消）
	Timeout time.Duration                          // 執行超時時間，0 代表不設限
	Run     func(ctx context.Context) (any, error) // 實際執行的操作
}

// Result 代表操作執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Kind     Kind          // 操作類型
	Value    any           // 操作回傳值（例如暫存路徑）
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Success 操作是否成功
func (r Result) Success() bool {
	return r.Error == nil
}
