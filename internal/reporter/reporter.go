// ============================================================================
// printbridge Status Reporter - 對外狀態推送
// ============================================================================
//
// Package: internal/reporter
// 文件: reporter.go
// 功能: 把狀態機產生的狀態更新推送到後端，保證單調且不阻塞事件迴圈
//
// 設計:
//   - Offer() 永不阻塞：每個任務只有一個待送槽位，新值覆蓋舊值（latest-wins）
//   - 單調保護：排名低於待送值、傳送中值或已確認值的更新直接丟棄
//   - 終止狀態傳送中時，同任務的其他更新一律丟棄
//   - 終止狀態被後端確認後，該任務之後的任何更新都丟棄
//   - Run() 單一 goroutine 依序推送，暫時性錯誤以指數退避重試（上限 MaxBackoff），
//     重試期間若有更新的值進來，立即改送新值
//   - 4xx 代表後端拒絕，不重試，記錄後丟棄
//
// ============================================================================

package reporter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/queue"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/sethvargo/go-retry"
)

// errSuperseded 重試期間出現更新的值
var errSuperseded = errors.New("status update superseded")

// StatusPusher 後端狀態推送介面（queue.Client 實作）
type StatusPusher interface {
	PushStatus(ctx context.Context, update types.StatusUpdate) error
}

// Config Reporter 設定
type Config struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Option Reporter 選項
type Option func(*Reporter)

// OnAccepted 後端確認某個更新後呼叫
func OnAccepted(fn func(types.StatusUpdate)) Option {
	return func(r *Reporter) { r.onAccepted = fn }
}

// OnFailure 每次推送失敗時呼叫（指標用）
func OnFailure(fn func(types.StatusUpdate, error)) Option {
	return func(r *Reporter) { r.onFailure = fn }
}

// Reporter 狀態推送器
type Reporter struct {
	pusher StatusPusher
	config Config
	log    *logger.Logger

	onAccepted func(types.StatusUpdate)
	onFailure  func(types.StatusUpdate, error)

	mu       sync.Mutex
	pending  map[types.JobID]types.StatusUpdate
	order    []types.JobID
	inflight map[types.JobID]types.StatusUpdate
	accepted map[types.JobID]types.StatusUpdate
	closed   map[types.JobID]bool
	wake     chan struct{}
}

// New 建立 Reporter
func New(pusher StatusPusher, config Config, log *logger.Logger, opts ...Option) *Reporter {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}
	r := &Reporter{
		pusher:   pusher,
		config:   config,
		log:      log,
		pending:  make(map[types.JobID]types.StatusUpdate),
		inflight: make(map[types.JobID]types.StatusUpdate),
		accepted: make(map[types.JobID]types.StatusUpdate),
		closed:   make(map[types.JobID]bool),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Offer 放入一個狀態更新（不阻塞）
//
// 返回值：
//   - bool: false 表示更新因單調保護或任務已終止而被丟棄
func (r *Reporter) Offer(update types.StatusUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := update.JobID
	if r.closed[id] {
		return false
	}
	if prev, ok := r.accepted[id]; ok && update.Status.Rank() < prev.Status.Rank() {
		return false
	}
	if cur, ok := r.inflight[id]; ok {
		if cur.Status.IsTerminal() || update.Status.Rank() < cur.Status.Rank() {
			return false
		}
	}
	if prev, ok := r.pending[id]; ok {
		if update.Status.Rank() < prev.Status.Rank() {
			return false
		}
	} else {
		r.order = append(r.order, id)
	}
	r.pending[id] = update

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending 尚未送出的更新數量
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// LastAccepted 後端最後確認的更新
func (r *Reporter) LastAccepted(id types.JobID) (types.StatusUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.accepted[id]
	return u, ok
}

// Run 推送迴圈，直到 ctx 取消
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		for {
			update, ok := r.next()
			if !ok {
				break
			}
			r.send(ctx, update)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// Flush 在關閉前嘗試送出剩餘的更新（受 ctx 期限限制）
func (r *Reporter) Flush(ctx context.Context) {
	for ctx.Err() == nil {
		update, ok := r.next()
		if !ok {
			return
		}
		r.send(ctx, update)
	}
}

// next 取出最早進入佇列的任務的最新值
func (r *Reporter) next() (types.StatusUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.order) > 0 {
		id := r.order[0]
		r.order = r.order[1:]
		if u, ok := r.pending[id]; ok {
			delete(r.pending, id)
			return u, true
		}
	}
	return types.StatusUpdate{}, false
}

// send 推送單一更新，暫時性錯誤重試直到成功、被取代或 ctx 取消
func (r *Reporter) send(ctx context.Context, update types.StatusUpdate) {
	r.setInflight(update, true)
	defer r.setInflight(update, false)

	backoff := retry.WithCappedDuration(r.config.MaxBackoff, retry.NewExponential(r.config.BaseBackoff))
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 && r.superseded(update) {
			return errSuperseded
		}
		attempt++

		err := r.pusher.PushStatus(ctx, update)
		if err == nil {
			return nil
		}
		if r.onFailure != nil {
			r.onFailure(update, err)
		}
		if !queue.IsTransient(err) {
			return err
		}
		r.log.Warnw("status push failed, retrying",
			"jobID", update.JobID,
			"status", update.Status,
			"attempt", attempt,
			"error", err)
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		r.markAccepted(update)
		r.log.Debugw("status accepted",
			"jobID", update.JobID,
			"status", update.Status,
			"progress", update.Progress)
		if r.onAccepted != nil {
			r.onAccepted(update)
		}
	case errors.Is(err, errSuperseded):
		r.log.Debugw("status superseded before delivery", "jobID", update.JobID, "status", update.Status)
	case ctx.Err() != nil:
		r.requeue(update)
	default:
		r.log.Errorw("status rejected by backend, dropping",
			"jobID", update.JobID,
			"status", update.Status,
			"error", err)
		if update.Status.IsTerminal() {
			r.close(update.JobID)
		}
	}
}

// superseded 待送槽位已有同任務、排名不低於傳送中值的新值
func (r *Reporter) superseded(update types.StatusUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if update.Status.IsTerminal() {
		return false
	}
	next, ok := r.pending[update.JobID]
	return ok && next.Status.Rank() >= update.Status.Rank()
}

func (r *Reporter) setInflight(update types.StatusUpdate, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active {
		r.inflight[update.JobID] = update
	} else {
		delete(r.inflight, update.JobID)
	}
}

func (r *Reporter) markAccepted(update types.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted[update.JobID] = update
	if update.Status.IsTerminal() {
		r.closed[update.JobID] = true
		delete(r.pending, update.JobID)
	}
}

func (r *Reporter) close(id types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = true
	delete(r.pending, id)
}

// requeue ctx 取消時放回未送出的值（除非已有更新的值）
func (r *Reporter) requeue(update types.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[update.JobID]; ok {
		return
	}
	r.pending[update.JobID] = update
	r.order = append([]types.JobID{update.JobID}, r.order...)
}
