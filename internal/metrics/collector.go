// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// All Record methods are safe on a nil *Collector so components can run
// without metrics.
type Collector struct {
	// HTTP 指标（运维端口）
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Broker 指标
	brokerPublished      *prometheus.CounterVec
	brokerDelivered      *prometheus.CounterVec
	brokerDuplicates     *prometheus.CounterVec
	brokerPublishFailed  *prometheus.CounterVec
	brokerDropped        *prometheus.CounterVec
	brokerPublishLatency *prometheus.HistogramVec

	// Task 指标
	tasksEnqueued      *prometheus.CounterVec
	taskExecutions     *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	taskQueueDepth     *prometheus.GaugeVec
	taskWorkersRunning prometheus.Gauge

	// State 指标
	stateWrites       *prometheus.CounterVec
	stateTransactions *prometheus.CounterVec
	stateSnapshots    *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith registers metrics on reg.
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Broker 指标
	c.brokerPublished = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Messages written to a channel lane",
		},
		[]string{"channel", "lane"},
	)

	c.brokerDelivered = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to subscriber handlers",
		},
		[]string{"channel", "path"},
	)

	c.brokerDuplicates = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "duplicates_discarded_total",
			Help:      "Redeliveries discarded by the dedup window",
		},
		[]string{"channel"},
	)

	c.brokerPublishFailed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_failures_total",
			Help:      "Publishes that exhausted store retries",
		},
		[]string{"channel"},
	)

	c.brokerDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before reaching a handler",
		},
		[]string{"channel", "reason"},
	)

	c.brokerPublishLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_duration_seconds",
			Help:      "Publish latency including store retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"channel"},
	)

	// Task 指标
	c.tasksEnqueued = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "enqueued_total",
			Help:      "Tasks accepted by the queue",
		},
		[]string{"type", "priority"},
	)

	c.taskExecutions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "executions_total",
			Help:      "Task attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "execution_duration_seconds",
			Help:      "Task handler duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	c.taskQueueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "queue_depth",
			Help:      "Tasks waiting per lane (scheduled = time-ordered heap)",
		},
		[]string{"lane"},
	)

	c.taskWorkersRunning = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "workers_busy",
			Help:      "Workers currently running a handler",
		},
	)

	// State 指标
	c.stateWrites = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "writes_total",
			Help:      "State writes by operation and result",
		},
		[]string{"op", "result"},
	)

	c.stateTransactions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transactions_total",
			Help:      "State transactions by result",
		},
		[]string{"result"},
	)

	c.stateSnapshots = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "snapshots_total",
			Help:      "Snapshots taken by result",
		},
		[]string{"result"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📨 Broker 指标记录
// =============================================================================

// RecordPublish 记录一次成功写入 lane 的发布
func (c *Collector) RecordPublish(channel, lane string, duration time.Duration) {
	if c == nil {
		return
	}
	c.brokerPublished.WithLabelValues(channel, lane).Inc()
	c.brokerPublishLatency.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordPublishFailure 记录重试耗尽的发布
func (c *Collector) RecordPublishFailure(channel string) {
	if c == nil {
		return
	}
	c.brokerPublishFailed.WithLabelValues(channel).Inc()
}

// RecordDelivery 记录投递，path 为 local / store / replay
func (c *Collector) RecordDelivery(channel, path string) {
	if c == nil {
		return
	}
	c.brokerDelivered.WithLabelValues(channel, path).Inc()
}

// RecordDuplicate 记录被去重窗口丢弃的重复投递
func (c *Collector) RecordDuplicate(channel string) {
	if c == nil {
		return
	}
	c.brokerDuplicates.WithLabelValues(channel).Inc()
}

// RecordDrop 记录未到达处理器的消息
func (c *Collector) RecordDrop(channel, reason string) {
	if c == nil {
		return
	}
	c.brokerDropped.WithLabelValues(channel, reason).Inc()
}

// =============================================================================
// ⚙️ Task 指标记录
// =============================================================================

// RecordTaskEnqueued 记录入队
func (c *Collector) RecordTaskEnqueued(taskType, priority string) {
	if c == nil {
		return
	}
	c.tasksEnqueued.WithLabelValues(taskType, priority).Inc()
}

// RecordTaskExecution 记录一次执行尝试，outcome 为 completed / retry / failed / timeout / cancelled
func (c *Collector) RecordTaskExecution(taskType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.taskExecutions.WithLabelValues(taskType, outcome).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// SetQueueDepth 设置队列深度
func (c *Collector) SetQueueDepth(lane string, depth int) {
	if c == nil {
		return
	}
	c.taskQueueDepth.WithLabelValues(lane).Set(float64(depth))
}

// AddBusyWorkers 调整忙碌 worker 数
func (c *Collector) AddBusyWorkers(delta int) {
	if c == nil {
		return
	}
	c.taskWorkersRunning.Add(float64(delta))
}

// =============================================================================
// 🗂️ State 指标记录
// =============================================================================

// RecordStateWrite 记录写入，result 为 ok / stale
func (c *Collector) RecordStateWrite(op, result string) {
	if c == nil {
		return
	}
	c.stateWrites.WithLabelValues(op, result).Inc()
}

// RecordTransaction 记录事务结果
func (c *Collector) RecordTransaction(result string) {
	if c == nil {
		return
	}
	c.stateTransactions.WithLabelValues(result).Inc()
}

// RecordSnapshot 记录快照结果
func (c *Collector) RecordSnapshot(result string) {
	if c == nil {
		return
	}
	c.stateSnapshots.WithLabelValues(result).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
