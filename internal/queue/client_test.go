package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/printbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend 模擬後端的認領仲裁（單一 approved 任務）
type fakeBackend struct {
	mu      sync.Mutex
	status  types.JobStatus
	updates []map[string]interface{}
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/printer/jobs/next", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.status != types.StatusApproved {
			_, _ = w.Write([]byte("null"))
			return
		}
		_, _ = w.Write([]byte(`{"id":"J3","filename":"cube.3mf","tigris_key":"uploads/J3","file_size_bytes":10,"status":"approved"}`))
	})
	mux.HandleFunc("/printer/jobs/J3/claim", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.status != types.StatusApproved {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"detail":"already claimed"}`))
			return
		}
		b.status = types.StatusQueued
		_, _ = w.Write([]byte(`{"id":"J3","filename":"cube.3mf","file_size_bytes":10,"status":"queued"}`))
	})
	mux.HandleFunc("/printer/jobs/J3/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"download_url":"https://storage.example.com/J3?sig=abc"}`))
	})
	mux.HandleFunc("/printer/jobs/J3/status", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		b.updates = append(b.updates, body)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(url string) *Client {
	return NewClient(url, "test-key", 2*time.Second)
}

func TestNextApprovedJob(t *testing.T) {
	b := &fakeBackend{status: types.StatusApproved}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	job, err := newTestClient(srv.URL).NextApprovedJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobID("J3"), job.ID)
	assert.Equal(t, "cube.3mf", job.Filename)
	assert.Equal(t, int64(10), job.SizeBytes)
	assert.Equal(t, "uploads/J3", job.StorageKey)
}

func TestNextApprovedJob_Empty(t *testing.T) {
	for _, tc := range []struct {
		name string
		h    http.HandlerFunc
	}{
		{"null body", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("null")) }},
		{"no content", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.h)
			defer srv.Close()
			job, err := newTestClient(srv.URL).NextApprovedJob(context.Background())
			require.NoError(t, err)
			assert.Nil(t, job)
		})
	}
}

func TestClaimJob_ConcurrentSingleWinner(t *testing.T) {
	b := &fakeBackend{status: types.StatusApproved}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	c1 := newTestClient(srv.URL)
	c2 := newTestClient(srv.URL)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Client{c1, c2} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			_, errs[i] = c.ClaimJob(context.Background(), "J3")
		}(i, c)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrClaimConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, conflicts)

	// 失敗方下一次輪詢已看不到該任務
	job, err := c2.NextApprovedJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimJob_SetsQueued(t *testing.T) {
	b := &fakeBackend{status: types.StatusApproved}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	job, err := newTestClient(srv.URL).ClaimJob(context.Background(), "J3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, job.Status)
}

func TestClaimJob_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	job, err := newTestClient(srv.URL).ClaimJob(context.Background(), "J9")
	require.NoError(t, err)
	assert.Equal(t, types.JobID("J9"), job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)
}

func TestDownloadURL(t *testing.T) {
	b := &fakeBackend{}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	u, err := newTestClient(srv.URL).DownloadURL(context.Background(), "J3")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://storage.example.com/J3"))
}

func TestDownloadURL_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"download_url":""}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).DownloadURL(context.Background(), "J3")
	assert.ErrorIs(t, err, ErrEmptyDownloadURL)
}

func TestPushStatus(t *testing.T) {
	b := &fakeBackend{}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	err := newTestClient(srv.URL).PushStatus(context.Background(), types.StatusUpdate{
		JobID:    "J3",
		Status:   types.StatusPrinting,
		Progress: types.IntPtr(25),
	})
	require.NoError(t, err)

	require.Len(t, b.updates, 1)
	assert.Equal(t, "printing", b.updates[0]["status"])
	assert.Equal(t, float64(25), b.updates[0]["progress"])
	_, hasMessage := b.updates[0]["message"]
	assert.False(t, hasMessage)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 503}))
	assert.True(t, IsTransient(&HTTPError{StatusCode: 429}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 400}))
	assert.False(t, IsTransient(&HTTPError{StatusCode: 404}))
	assert.False(t, IsTransient(ErrClaimConflict))
	assert.False(t, IsTransient(context.Canceled))
}

func TestServerErrorIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).NextApprovedJob(context.Background())
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadGateway, he.StatusCode)
	assert.True(t, IsTransient(err))
}

func TestUnreachableBackendIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).NextApprovedJob(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
