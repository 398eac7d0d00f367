package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/jobflow/pkg/types"
)

// value reads one sample from the collector's registry. Histograms report
// their sample count.
func value(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.jobsEnqueued, "jobsEnqueued counter should be initialized")
	assert.NotNil(t, collector.jobsClaimed, "jobsClaimed counter should be initialized")
	assert.NotNil(t, collector.taskDuration, "taskDuration histogram should be initialized")
	assert.NotNil(t, collector.jobs, "jobs gauge should be initialized")
}

func TestCollectorIsolation(t *testing.T) {
	// Each collector owns its registry, so two in one process do not clash.
	c1 := NewCollector()
	c2 := NewCollector()

	c1.RecordEnqueue("default")
	c1.RecordEnqueue("default")
	c2.RecordEnqueue("default")

	assert.Equal(t, 2.0, value(t, c1, "jobflow_jobs_enqueued_total", map[string]string{"queue": "default"}))
	assert.Equal(t, 1.0, value(t, c2, "jobflow_jobs_enqueued_total", map[string]string{"queue": "default"}))
}

func TestRunLifecycle(t *testing.T) {
	c := NewCollector()

	c.RecordEnqueue("emails")
	c.RecordClaim("emails")
	c.RecordConflict("emails")
	c.ObserveAttempt("send", types.TaskFailed, 20*time.Millisecond)
	c.RecordFinished("emails", "retry")
	c.RecordClaim("emails")
	c.ObserveAttempt("send", types.TaskSucceeded, 10*time.Millisecond)
	c.RecordFinished("emails", "succeeded")

	assert.Equal(t, 2.0, value(t, c, "jobflow_jobs_claimed_total", map[string]string{"queue": "emails"}))
	assert.Equal(t, 1.0, value(t, c, "jobflow_claim_conflicts_total", map[string]string{"queue": "emails"}))
	assert.Equal(t, 1.0, value(t, c, "jobflow_jobs_finished_total", map[string]string{"queue": "emails", "status": "retry"}))
	assert.Equal(t, 1.0, value(t, c, "jobflow_task_attempts_total", map[string]string{"task": "send", "state": "failed"}))
	assert.Equal(t, 2.0, value(t, c, "jobflow_task_duration_seconds", map[string]string{"task": "send"}))
}

func TestUpdateJobCounts(t *testing.T) {
	c := NewCollector()

	testCases := []types.Counts{
		{Pending: 0, Processing: 0},
		{Pending: 10, Processing: 5, Completed: 3, Errored: 1},
		{Pending: 2},
	}
	for _, tc := range testCases {
		c.UpdateJobCounts(tc)
		assert.Equal(t, float64(tc.Pending), value(t, c, "jobflow_jobs", map[string]string{"state": "pending"}))
		assert.Equal(t, float64(tc.Processing), value(t, c, "jobflow_jobs", map[string]string{"state": "processing"}))
		assert.Equal(t, float64(tc.Completed), value(t, c, "jobflow_jobs", map[string]string{"state": "completed"}))
		assert.Equal(t, float64(tc.Errored), value(t, c, "jobflow_jobs", map[string]string{"state": "errored"}))
	}
}

func TestStaleReleasedIgnoresZero(t *testing.T) {
	c := NewCollector()
	c.RecordStaleReleased(0)
	c.RecordStaleReleased(3)
	c.RecordStaleReleased(-1)

	assert.Equal(t, 3.0, value(t, c, "jobflow_stale_claims_released_total", nil))
}

func TestRecoveryTime(t *testing.T) {
	c := NewCollector()
	c.SetRecoveryTime(2500 * time.Millisecond)

	assert.Equal(t, 2.5, value(t, c, "jobflow_recovery_time_seconds", nil))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.RecordEnqueue("default")
		c.RecordClaim("default")
		c.RecordConflict("default")
		c.RecordFinished("default", "succeeded")
		c.ObserveAttempt("t", types.TaskSucceeded, time.Second)
		c.RecordStaleReleased(1)
		c.SetRecoveryTime(time.Second)
		c.UpdateJobCounts(types.Counts{Pending: 1})
	})
	assert.Nil(t, c.Registry())
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordEnqueue("default")
			c.RecordClaim("default")
			c.ObserveAttempt("t", types.TaskSucceeded, time.Millisecond)
			c.UpdateJobCounts(types.Counts{Pending: 10, Processing: 5})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, value(t, c, "jobflow_jobs_enqueued_total", map[string]string{"queue": "default"}))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordEnqueue("default")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `jobflow_jobs_enqueued_total{queue="default"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
