package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.claims)
	assert.NotNil(t, collector.outcomes)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.sessionState)
}

func TestNewCollectorDefaultRegistry(t *testing.T) {
	collector := NewCollector(nil)
	require.NotNil(t, collector.Registry())

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "runtime collectors registered")
}

func TestCounters(t *testing.T) {
	collector := newTestCollector()

	collector.RecordClaim()
	collector.RecordClaim()
	collector.RecordClaimConflict()
	collector.RecordPollError()
	collector.RecordPushFailure()
	collector.RecordReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.claims))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.claimConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pollErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pushFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.reconnects))
}

func TestRecordOutcome(t *testing.T) {
	collector := newTestCollector()

	testCases := []struct {
		status string
		reason string
		label  string
	}{
		{"done", "", "none"},
		{"failed", "validation", "validation"},
		{"failed", "device_fault", "device_fault"},
		{"failed", "device_fault", "device_fault"},
	}
	for _, tc := range testCases {
		collector.RecordOutcome(tc.status, tc.reason)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.outcomes.WithLabelValues("done", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.outcomes.WithLabelValues("failed", "device_fault")))
	assert.Equal(t, 3, testutil.CollectAndCount(collector.outcomes))
}

func TestGauges(t *testing.T) {
	collector := newTestCollector()

	collector.SetSession(4, 60)
	collector.SetStatusPending(2)

	assert.Equal(t, 4.0, testutil.ToFloat64(collector.sessionState))
	assert.Equal(t, 60.0, testutil.ToFloat64(collector.printProgress))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.statusPending))
}

func TestHistograms(t *testing.T) {
	collector := newTestCollector()

	for _, s := range []float64{0.2, 3, 45, 400} {
		assert.NotPanics(t, func() {
			collector.ObserveStage(s)
			collector.ObserveUpload(s)
		})
	}
	assert.Equal(t, 1, testutil.CollectAndCount(collector.stageDuration))
}

func TestHandler(t *testing.T) {
	collector := newTestCollector()
	collector.RecordClaim()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "printbridge_claims_total 1"))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordClaim()
			collector.RecordOutcome("done", "")
			collector.SetSession(1, 10)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.claims))
}

func TestCollectorIsolation(t *testing.T) {
	collector1 := newTestCollector()
	collector2 := newTestCollector()

	collector1.RecordClaim()
	assert.Equal(t, 1.0, testutil.ToFloat64(collector1.claims))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector2.claims))
}
