package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.brokerPublished)
	assert.NotNil(t, collector.taskExecutions)
	assert.NotNil(t, collector.stateWrites)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 10*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 10*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "5xx")))
}

func TestCollector_BrokerMetrics(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry(), nextTestNamespace(), nil)

	collector.RecordPublish("agent-1", "high", time.Millisecond)
	collector.RecordPublish("agent-1", "high", time.Millisecond)
	collector.RecordDelivery("agent-1", "local")
	collector.RecordDuplicate("agent-1")
	collector.RecordPublishFailure("agent-1")
	collector.RecordDrop("agent-1", "inbox_full")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.brokerPublished.WithLabelValues("agent-1", "high")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.brokerDuplicates.WithLabelValues("agent-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.brokerPublishFailed.WithLabelValues("agent-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.brokerDropped))
}

func TestCollector_TaskMetrics(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry(), nextTestNamespace(), nil)

	collector.RecordTaskEnqueued("email", "medium")
	collector.RecordTaskExecution("email", "retry", 5*time.Millisecond)
	collector.RecordTaskExecution("email", "failed", 5*time.Millisecond)
	collector.SetQueueDepth("high", 3)
	collector.AddBusyWorkers(2)
	collector.AddBusyWorkers(-1)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.taskQueueDepth.WithLabelValues("high")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.taskWorkersRunning))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.taskExecutions))
}

func TestCollector_StateMetrics(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry(), nextTestNamespace(), nil)

	collector.RecordStateWrite("set", "ok")
	collector.RecordStateWrite("set", "stale")
	collector.RecordTransaction("committed")
	collector.RecordSnapshot("ok")
	collector.RecordDBConnections("snapshots", 4, 2)
	collector.RecordDBQuery("snapshots", "insert", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.stateWrites))
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("snapshots")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		c.RecordPublish("c", "low", time.Millisecond)
		c.RecordDelivery("c", "store")
		c.RecordTaskExecution("t", "completed", time.Millisecond)
		c.AddBusyWorkers(1)
		c.RecordStateWrite("set", "ok")
		c.RecordSnapshot("ok")
	})
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
