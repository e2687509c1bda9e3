package reporter

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/printbridge/internal/logger"
	"github.com/ChuLiYu/printbridge/internal/queue"
	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakePusher 依序回傳預設錯誤，之後一律成功
type fakePusher struct {
	mu     sync.Mutex
	errs   []error
	calls  []types.StatusUpdate
	before func(types.StatusUpdate)
}

func (f *fakePusher) PushStatus(_ context.Context, u types.StatusUpdate) error {
	if f.before != nil {
		f.before(u)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakePusher) sent() []types.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.StatusUpdate(nil), f.calls...)
}

func unavailable() error {
	return &queue.HTTPError{Method: http.MethodPost, Path: "/status", StatusCode: http.StatusServiceUnavailable}
}

func printing(id string, p int) types.StatusUpdate {
	return types.StatusUpdate{JobID: types.JobID(id), Status: types.StatusPrinting, Progress: types.IntPtr(p)}
}

func status(id string, s types.JobStatus) types.StatusUpdate {
	return types.StatusUpdate{JobID: types.JobID(id), Status: s}
}

func startReporter(t *testing.T, r *Reporter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastConfig() Config {
	return Config{BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

// ============================================================================
// Tests
// ============================================================================

func TestDeliversInOrder(t *testing.T) {
	pusher := &fakePusher{}
	var mu sync.Mutex
	var accepted []types.JobStatus
	r := New(pusher, fastConfig(), logger.Nop(), OnAccepted(func(u types.StatusUpdate) {
		mu.Lock()
		accepted = append(accepted, u.Status)
		mu.Unlock()
	}))
	startReporter(t, r)

	require.True(t, r.Offer(status("J1", types.StatusQueued)))
	require.Eventually(t, func() bool { return len(pusher.sent()) == 1 }, time.Second, time.Millisecond)
	require.True(t, r.Offer(printing("J1", 0)))
	require.Eventually(t, func() bool { return len(pusher.sent()) == 2 }, time.Second, time.Millisecond)
	require.True(t, r.Offer(status("J1", types.StatusDone)))
	require.Eventually(t, func() bool { return len(pusher.sent()) == 3 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(accepted) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []types.JobStatus{types.StatusQueued, types.StatusPrinting, types.StatusDone}, accepted)

	last, ok := r.LastAccepted("J1")
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, last.Status)
}

// TestLatestWins 尚未送出的進度只保留最新值
func TestLatestWins(t *testing.T) {
	pusher := &fakePusher{}
	r := New(pusher, fastConfig(), logger.Nop())

	for p := 0; p <= 100; p += 10 {
		r.Offer(printing("J1", p))
	}
	assert.Equal(t, 1, r.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Flush(ctx)

	sent := pusher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 100, *sent[0].Progress)
}

func TestMonotonicGuard(t *testing.T) {
	r := New(&fakePusher{}, fastConfig(), logger.Nop())

	assert.True(t, r.Offer(printing("J1", 40)))
	assert.False(t, r.Offer(status("J1", types.StatusQueued)), "lower rank than pending")
	assert.True(t, r.Offer(printing("J1", 10)), "progress value may change within printing")
	assert.True(t, r.Offer(status("J1", types.StatusFailed)))
	assert.False(t, r.Offer(printing("J1", 90)))
}

func TestNothingAfterAcceptedTerminal(t *testing.T) {
	pusher := &fakePusher{}
	r := New(pusher, fastConfig(), logger.Nop())
	ctx := context.Background()

	r.Offer(status("J1", types.StatusFailed))
	r.Flush(ctx)

	assert.False(t, r.Offer(printing("J1", 50)))
	assert.False(t, r.Offer(status("J1", types.StatusDone)))
	assert.Equal(t, 0, r.Pending())
	assert.Len(t, pusher.sent(), 1)
}

func TestAcceptedRankGuard(t *testing.T) {
	r := New(&fakePusher{}, fastConfig(), logger.Nop())
	r.Offer(printing("J1", 10))
	r.Flush(context.Background())

	assert.False(t, r.Offer(status("J1", types.StatusQueued)))
	assert.True(t, r.Offer(printing("J1", 10)), "periodic re-push of the same status")
}

func TestTransientRetry(t *testing.T) {
	pusher := &fakePusher{errs: []error{unavailable(), unavailable()}}
	var failures int
	r := New(pusher, fastConfig(), logger.Nop(), OnFailure(func(types.StatusUpdate, error) { failures++ }))

	r.Offer(status("J1", types.StatusQueued))
	r.Flush(context.Background())

	assert.Len(t, pusher.sent(), 3)
	assert.Equal(t, 2, failures)
	_, ok := r.LastAccepted("J1")
	assert.True(t, ok)
}

func TestClientErrorDropped(t *testing.T) {
	pusher := &fakePusher{errs: []error{&queue.HTTPError{StatusCode: http.StatusUnprocessableEntity}}}
	r := New(pusher, fastConfig(), logger.Nop())

	r.Offer(status("J1", types.StatusDone))
	r.Flush(context.Background())

	assert.Len(t, pusher.sent(), 1)
	_, ok := r.LastAccepted("J1")
	assert.False(t, ok)
	assert.False(t, r.Offer(status("J1", types.StatusDone)), "rejected terminal closes the job")
}

// TestSupersededDuringRetry 重試期間的新值取代舊值
func TestSupersededDuringRetry(t *testing.T) {
	pusher := &fakePusher{errs: []error{unavailable()}}
	r := New(pusher, fastConfig(), logger.Nop())
	offered := false
	pusher.before = func(u types.StatusUpdate) {
		if !offered {
			offered = true
			r.Offer(printing("J1", 20))
		}
	}

	r.Offer(printing("J1", 10))
	r.Flush(context.Background())

	sent := pusher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 10, *sent[0].Progress)
	assert.Equal(t, 20, *sent[1].Progress)
}

// TestTerminalInFlightNotSuperseded 終止狀態重試期間的進度更新不得取代它
func TestTerminalInFlightNotSuperseded(t *testing.T) {
	pusher := &fakePusher{errs: []error{nil, unavailable(), unavailable()}}
	r := New(pusher, fastConfig(), logger.Nop())
	var rejected []bool
	pusher.before = func(u types.StatusUpdate) {
		if u.Status == types.StatusDone {
			rejected = append(rejected, !r.Offer(printing("J1", 60)))
		}
	}

	r.Offer(printing("J1", 60))
	r.Flush(context.Background())
	r.Offer(status("J1", types.StatusDone))
	r.Flush(context.Background())

	var got []types.JobStatus
	for _, u := range pusher.sent() {
		got = append(got, u.Status)
	}
	assert.Equal(t, []types.JobStatus{
		types.StatusPrinting, types.StatusDone, types.StatusDone, types.StatusDone,
	}, got)
	assert.Equal(t, []bool{true, true, true}, rejected, "progress offered while done is in flight")

	last, ok := r.LastAccepted("J1")
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, last.Status)
	assert.Equal(t, 0, r.Pending())
}

func TestLowerRankRejectedWhileInFlight(t *testing.T) {
	pusher := &fakePusher{errs: []error{unavailable()}}
	r := New(pusher, fastConfig(), logger.Nop())
	var accepted []bool
	pusher.before = func(u types.StatusUpdate) {
		if len(accepted) == 0 {
			accepted = append(accepted, r.Offer(status("J1", types.StatusQueued)))
		}
	}

	r.Offer(printing("J1", 30))
	r.Flush(context.Background())

	assert.Equal(t, []bool{false}, accepted)
	for _, u := range pusher.sent() {
		assert.Equal(t, types.StatusPrinting, u.Status)
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	r := New(&fakePusher{}, fastConfig(), logger.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			r.Offer(printing("J1", i%101))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked without a running reporter")
	}
	assert.Equal(t, 1, r.Pending())
}

func TestCancelledSendIsRequeued(t *testing.T) {
	pusher := &fakePusher{errs: []error{unavailable(), unavailable(), unavailable()}}
	r := New(pusher, Config{BaseBackoff: time.Hour, MaxBackoff: time.Hour}, logger.Nop())

	r.Offer(status("J1", types.StatusQueued))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.Flush(ctx)

	assert.Equal(t, 1, r.Pending())
}

func TestIndependentJobs(t *testing.T) {
	pusher := &fakePusher{}
	r := New(pusher, fastConfig(), logger.Nop())

	r.Offer(status("J1", types.StatusFailed))
	r.Offer(status("J2", types.StatusQueued))
	r.Flush(context.Background())

	sent := pusher.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, types.JobID("J1"), sent[0].JobID)
	assert.Equal(t, types.JobID("J2"), sent[1].JobID)
}
