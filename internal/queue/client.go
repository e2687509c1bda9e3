// ============================================================================
// printbridge Queue Client - 後端 REST 請求層
// ============================================================================
//
// Package: internal/queue
// 文件: client.go
// 功能: 與雲端任務佇列溝通的薄層（查詢、認領、下載連結、狀態推送）
//
// 端點（X-API-Key 驗證）:
//   GET  /printer/jobs/next            -> 任務 JSON，或 null / 204
//   POST /printer/jobs/{id}/claim      -> 200 成功，409 已被認領
//   GET  /printer/jobs/{id}/download   -> {"download_url": "..."}
//   POST /printer/jobs/{id}/status     -> 2xx 確認
//
// 錯誤分類:
//   - 網路錯誤、5xx、429: 暫時性，呼叫端以退避重試
//   - 其他 4xx: 請求被拒，不重試
//   - 409 on claim: ErrClaimConflict，靜默丟棄候選任務
//
// ============================================================================

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrClaimConflict 任務已被其他 controller 認領或不再是 approved
	ErrClaimConflict = errors.New("job already claimed")
	// ErrEmptyDownloadURL 後端回傳空的下載連結
	ErrEmptyDownloadURL = errors.New("backend returned empty download url")
)

// HTTPError 後端回傳非 2xx
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsTransient 判斷錯誤是否值得重試
//
// 非 HTTPError 的錯誤（連線失敗、逾時、解碼失敗前的 I/O 錯誤）都視為暫時性。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrClaimConflict) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// ============================================================================
// Client
// ============================================================================

// Client 後端 REST 客戶端
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient 建立新的 Client
//
// 參數：
//   - baseURL: 後端位址，例如 https://queue.example.com
//   - apiKey: 印表機 API 金鑰
//   - timeout: 單一請求逾時
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// NextApprovedJob 查詢下一個已核准、未認領的任務
//
// 返回值：
//   - *types.Job: 候選任務；佇列為空時為 nil
//   - error: 請求失敗
func (c *Client) NextApprovedJob(ctx context.Context) (*types.Job, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/printer/jobs/next", nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return decodeJob(body)
}

// ClaimJob 原子認領任務（approved -> queued）
//
// 409 代表另一個 controller 已搶先認領，回傳 ErrClaimConflict。
func (c *Client) ClaimJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	path := "/printer/jobs/" + url.PathEscape(string(id)) + "/claim"
	body, _, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("claim %s: %w", id, ErrClaimConflict)
		}
		return nil, err
	}

	job, err := decodeJob(body)
	if err != nil {
		return nil, err
	}
	if job == nil {
		job = &types.Job{ID: id}
	}
	job.Status = types.StatusQueued
	return job, nil
}

// DownloadURL 取得任務檔案的限時下載連結
func (c *Client) DownloadURL(ctx context.Context, id types.JobID) (string, error) {
	path := "/printer/jobs/" + url.PathEscape(string(id)) + "/download"
	body, _, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		DownloadURL string `json:"download_url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode download response: %w", err)
	}
	if resp.DownloadURL == "" {
		return "", ErrEmptyDownloadURL
	}
	return resp.DownloadURL, nil
}

// PushStatus 推送狀態更新（冪等）
func (c *Client) PushStatus(ctx context.Context, update types.StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	path := "/printer/jobs/" + url.PathEscape(string(update.JobID)) + "/status"
	_, _, err = c.do(ctx, http.MethodPost, path, payload)
	return err
}

// ============================================================================
// 內部輔助
// ============================================================================

// do 發送請求並回傳 body 與狀態碼，非 2xx 轉為 *HTTPError
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, resp.StatusCode, nil
}

// decodeJob 解析任務 JSON；空 body 或 null 回傳 nil
func decodeJob(body []byte) (*types.Job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var job types.Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("decode job: missing id")
	}
	return &job, nil
}
