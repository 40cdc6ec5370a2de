package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkdigest/internal/model"
	"linkdigest/internal/quota"
	"linkdigest/internal/scheduler"
	"linkdigest/internal/stage"
)

var (
	_ stage.Observer     = (*Metrics)(nil)
	_ scheduler.Observer = (*Metrics)(nil)
	_ quota.Observer     = (*Metrics)(nil).QuotaObserver
)

func TestObserveAttempt(t *testing.T) {
	m := New()
	m.ObserveAttempt("analyze", model.StatusSucceeded, "flash", 2*time.Second)
	m.ObserveAttempt("analyze", model.StatusFailedTransient, "", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttemptsTotal.WithLabelValues("analyze", "succeeded", "flash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttemptsTotal.WithLabelValues("analyze", "failed_transient", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDurationSeconds))
}

func TestQuotaObserverWiredIntoLedger(t *testing.T) {
	m := New()
	ledger := quota.NewLedger([]quota.Tier{{Name: "pro", Limits: quota.Limits{PerMinute: 1}}}, quota.WithObserver(m.QuotaObserver))

	assert.True(t, ledger.TryAcquire("pro"))
	assert.False(t, ledger.TryAcquire("pro"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRequestsTotal.WithLabelValues("pro", "acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRequestsTotal.WithLabelValues("pro", "rejected")))
}

func TestItemLifecycle(t *testing.T) {
	m := New()
	m.ItemStarted("bili:BV1")
	m.ItemStarted("bili:BV2")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsInFlight))

	m.ItemFinished(model.ItemSummary{Platform: model.PlatformBilibili, FinalStatus: model.FinalSucceeded})
	m.ItemFinished(model.ItemSummary{Platform: model.PlatformBilibili, FinalStatus: model.FinalSucceeded, Skipped: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ItemsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsFinishedTotal.WithLabelValues("bilibili", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ItemsFinishedTotal.WithLabelValues("bilibili", "skipped")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveAttempt("download", model.StatusSucceeded, "", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "linkdigest_stage_attempts_total")
	assert.Contains(t, string(body), "go_goroutines")
}
