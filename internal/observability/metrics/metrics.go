package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "evcc_ingest_"

	resultSuccess = "success"
	resultError   = "error"
	resultEmpty   = "empty"
)

var (
	registerOnce sync.Once

	messagesTotal *prometheus.CounterVec

	flushTotal   *prometheus.CounterVec
	flushLatency *prometheus.HistogramVec

	pointsWritten prometheus.Counter
	pointsDropped prometheus.Counter
	writeRetries  prometheus.Counter

	pendingFlushes prometheus.Gauge
)

// Init registers ingest metrics. When db is set, staged-write gauges backed
// by the Postgres cache table are registered too; an empty table means
// kv_entries.
func Init(db *sql.DB, table string, logger *log.Logger) {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Total MQTT messages by ingest outcome",
			},
			[]string{"outcome"},
		)

		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_total",
				Help: "Total instance flushes by result",
			},
			[]string{"result"},
		)
		flushLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_latency_seconds",
				Help:    "Instance flush latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		pointsWritten = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_written_total",
				Help: "Total line protocol points accepted by the store",
			},
		)
		pointsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "points_dropped_total",
				Help: "Total staged writes dropped because they were empty or unparsable",
			},
		)
		writeRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "write_retries_total",
				Help: "Total batch write retries",
			},
		)

		pendingFlushes = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pending_flushes",
				Help: "Instances with an armed flush timer",
			},
		)

		prometheus.MustRegister(
			messagesTotal,
			flushTotal,
			flushLatency,
			pointsWritten,
			pointsDropped,
			writeRetries,
			pendingFlushes,
		)

		if db != nil {
			registerDBMetrics(db, table, logger)
		}
	})
}

// IncMessage counts one handled message.
func IncMessage(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveFlush records flush duration and result.
func ObserveFlush(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if flushTotal != nil {
		flushTotal.WithLabelValues(result).Inc()
	}
	if flushLatency != nil {
		flushLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddPointsWritten increments the written points counter by count.
func AddPointsWritten(count int) {
	if count <= 0 {
		return
	}
	if pointsWritten != nil {
		pointsWritten.Add(float64(count))
	}
}

// AddPointsDropped increments the dropped points counter by count.
func AddPointsDropped(count int) {
	if count <= 0 {
		return
	}
	if pointsDropped != nil {
		pointsDropped.Add(float64(count))
	}
}

// IncWriteRetry counts one batch write retry.
func IncWriteRetry() {
	if writeRetries != nil {
		writeRetries.Inc()
	}
}

// SetPendingFlushes sets the number of armed flush timers.
func SetPendingFlushes(count int) {
	if count < 0 {
		count = 0
	}
	if pendingFlushes != nil {
		pendingFlushes.Set(float64(count))
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultEmpty   = resultEmpty
)
