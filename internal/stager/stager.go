// ============================================================================
// printbridge File Stager - 任務檔案下載與驗證
// ============================================================================
//
// Package: internal/stager
// 文件: stager.go
// 功能: 取得限時下載連結，將檔案串流到本地暫存目錄並驗證大小
//
// 流程（每次嘗試）:
//   1. 向後端索取新的下載連結（連結有時效，不跨嘗試重用）
//   2. GET 下載到 <dir>/<id>_<filename>.part
//   3. 比對實際位元組數與宣告大小
//   4. .3mf 檔檢查 ZIP 簽章
//   5. rename 成正式路徑
//
// 錯誤分類:
//   - ErrSizeMismatch / ErrCorruptArtifact / ErrInvalidSize: 驗證錯誤，不重試
//   - 網路或 I/O 錯誤: 暫時性，最多 attempts 次（go-retry 指數退避）
//   - 重試用盡: ErrRetriesExhausted，並刪除部分檔案
//
// ============================================================================

package stager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/queue"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/sethvargo/go-retry"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSizeMismatch 下載位元組數與宣告大小不符
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrCorruptArtifact 檔案內容不是有效的專案檔
	ErrCorruptArtifact = errors.New("corrupt artifact")
	// ErrInvalidSize 宣告大小不合法
	ErrInvalidSize = errors.New("invalid declared size")
	// ErrRetriesExhausted 暫時性錯誤重試用盡
	ErrRetriesExhausted = errors.New("download retries exhausted")
)

// zipMagic .3mf 是 ZIP 容器
var zipMagic = []byte("PK\x03\x04")

// IsValidation 是否為驗證錯誤（不重試）
func IsValidation(err error) bool {
	return errors.Is(err, ErrSizeMismatch) ||
		errors.Is(err, ErrCorruptArtifact) ||
		errors.Is(err, ErrInvalidSize)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// URLSource 發放限時下載連結（由 queue.Client 實作）
type URLSource interface {
	DownloadURL(ctx context.Context, id types.JobID) (string, error)
}

// Config Stager 設定
type Config struct {
	Dir      string        // 暫存目錄
	Attempts int           // 總嘗試次數
	Backoff  time.Duration // 第一次重試前的等待
	Timeout  time.Duration // 單次下載逾時
}

// Stager 下載器
type Stager struct {
	urls   URLSource
	http   *http.Client
	config Config
	log    *logger.Logger
}

// New 建立新的 Stager
func New(urls URLSource, config Config, log *logger.Logger) *Stager {
	if config.Attempts < 1 {
		config.Attempts = 1
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	return &Stager{
		urls:   urls,
		http:   &http.Client{Timeout: config.Timeout},
		config: config,
		log:    log,
	}
}

// LocalPath 回傳任務的本地暫存路徑
func (s *Stager) LocalPath(job types.Job) string {
	name := filepath.Base(job.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "artifact"
	}
	return filepath.Join(s.config.Dir, fmt.Sprintf("%s_%s", job.ID, name))
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Stage 下載並驗證任務檔案
//
// 參數：
//   - ctx: 取消時中斷下載（例如工作階段被取消）
//   - job: 已認領的任務
//
// 返回值：
//   - string: 驗證過的本地路徑
//   - int: 實際嘗試次數
//   - error: 驗證錯誤或 ErrRetriesExhausted
func (s *Stager) Stage(ctx context.Context, job types.Job) (string, int, error) {
	if job.SizeBytes <= 0 {
		return "", 0, fmt.Errorf("%w: %d bytes", ErrInvalidSize, job.SizeBytes)
	}
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create staging dir: %w", err)
	}

	final := s.LocalPath(job)
	part := final + ".part"

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(s.config.Attempts-1), retry.NewExponential(s.config.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.fetchOnce(ctx, job, part)
		if err == nil {
			return nil
		}
		if IsValidation(err) || !queue.IsTransient(err) {
			return err
		}
		s.log.Warnw("download attempt failed",
			"jobID", job.ID,
			"attempt", attempt,
			"error", err)
		return retry.RetryableError(err)
	})

	if err != nil {
		s.Remove(part)
		s.Remove(final)
		switch {
		case IsValidation(err), errors.Is(err, context.Canceled):
			return "", attempt, err
		case !queue.IsTransient(err):
			return "", attempt, fmt.Errorf("download rejected: %w", err)
		default:
			return "", attempt, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
		}
	}

	if err := os.Rename(part, final); err != nil {
		s.Remove(part)
		return "", attempt, fmt.Errorf("finalize staged file: %w", err)
	}

	s.log.Infow("artifact staged",
		"jobID", job.ID,
		"path", final,
		"bytes", job.SizeBytes,
		"attempts", attempt)
	return final, attempt, nil
}

// Remove 刪除暫存檔（不存在時忽略）
func (s *Stager) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warnw("failed to remove staged file", "path", path, "error", err)
	}
}

// fetchOnce 單次下載嘗試
func (s *Stager) fetchOnce(ctx context.Context, job types.Job, part string) error {
	link, err := s.urls.DownloadURL(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("get download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 儲存端的 4xx 多半是連結過期，下一次嘗試會取得新連結
		return fmt.Errorf("download: storage returned status %d", resp.StatusCode)
	}

	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	// 多讀一個位元組以偵測超出宣告大小
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, job.SizeBytes+1))
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("download interrupted after %d bytes: %w", n, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close staging file: %w", closeErr)
	}

	if n != job.SizeBytes {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, job.SizeBytes, n)
	}

	if strings.EqualFold(filepath.Ext(job.Filename), ".3mf") {
		if err := checkZipMagic(part); err != nil {
			return err
		}
	}
	return nil
}

// checkZipMagic 確認檔案開頭為 ZIP 簽章
func checkZipMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	head := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, zipMagic) {
		return fmt.Errorf("%w: not a 3mf archive", ErrCorruptArtifact)
	}
	return nil
}
