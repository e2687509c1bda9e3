// ============================================================================
// printbridge Journal - 狀態轉換日誌
// ============================================================================
//
// Package: internal/journal
// 文件: journal.go
// 功能: 以 append-only 方式記錄每一次工作階段狀態轉換，供診斷查詢
//
// 注意:
//   日誌只用於事後查詢（admin API /api/v1/events），
//   重啟時不會讀回日誌來恢復工作階段。
//
// ============================================================================

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/printbridge/internal/session"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/google/uuid"
)

const timeLayout = time.RFC3339Nano

// DefaultLimit List 未指定筆數時的上限
const DefaultLimit = 100

// Entry 一筆狀態轉換紀錄
type Entry struct {
	ID         string      `json:"id"`
	OccurredAt time.Time   `json:"occurred_at"`
	JobID      types.JobID `json:"job_id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Progress   *int        `json:"progress,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// FromTransition 把狀態機轉換轉成紀錄
func FromTransition(t session.Transition) Entry {
	return Entry{
		OccurredAt: t.At,
		JobID:      t.JobID,
		From:       t.FromName,
		To:         t.ToName,
		Progress:   t.Progress,
		Reason:     t.Reason,
	}
}

// Journal SQLite 實作
type Journal struct {
	db *sql.DB
}

// New 使用既有連線建立 Journal
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Open 開啟 SQLite 檔案並建立 Journal
func Open(path string) (*Journal, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close 關閉資料庫
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append 寫入一筆紀錄，ID 與時間為空時自動補上
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	var progress sql.NullInt64
	if e.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*e.Progress), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO session_transitions (id, occurred_at, job_id, from_state, to_state, progress, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.OccurredAt.UTC().Format(timeLayout),
		string(e.JobID),
		e.From,
		e.To,
		progress,
		e.Reason,
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

// List 依寫入順序回傳最近的紀錄
//
// 參數：
//   - jobID: 只查某個任務；空字串代表全部
//   - limit: 最多筆數，<= 0 時使用 DefaultLimit
func (j *Journal) List(ctx context.Context, jobID types.JobID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var (
		conds []string
		args  []any
	)
	if id := strings.TrimSpace(string(jobID)); id != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, id)
	}

	q := `SELECT id, occurred_at, job_id, from_state, to_state, progress, reason FROM session_transitions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e        Entry
			at       string
			jobIDStr string
			progress sql.NullInt64
			reason   sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &jobIDStr, &e.From, &e.To, &progress, &reason); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.JobID = types.JobID(jobIDStr)
		if parsed, err := time.Parse(timeLayout, at); err == nil {
			e.OccurredAt = parsed
		}
		if progress.Valid {
			e.Progress = types.IntPtr(int(progress.Int64))
		}
		e.Reason = reason.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 最舊的在前
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, nil
}
