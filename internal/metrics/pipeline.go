package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// writeLatencyBuckets are millisecond buckets sized for flush latencies
var writeLatencyBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// PipelineMetrics holds the ingest pipeline metric set
type PipelineMetrics struct {
	collector *Collector

	ingestCount         prometheus.Counter
	bytesProcessed      prometheus.Counter
	droppedMessages     *prometheus.CounterVec
	writeLatency        prometheus.Histogram
	activeConnections   prometheus.Gauge
	connectionsRejected prometheus.Counter
	validationFailures  prometheus.Counter
	filesRotated        prometheus.Counter
	writeFailures       prometheus.Counter
}

// NewPipelineMetrics registers the pipeline metric set with the collector
func NewPipelineMetrics(collector *Collector) *PipelineMetrics {
	return &PipelineMetrics{
		collector: collector,
		ingestCount: collector.NewCounter(
			MetricIngestCount,
			"Total records accepted and validated",
		),
		bytesProcessed: collector.NewCounter(
			MetricBytesProcessed,
			"Total compressed bytes written to disk",
		),
		droppedMessages: collector.NewCounterVec(
			MetricDroppedMessages,
			"Total records dropped, by reason",
			LabelReason,
		),
		writeLatency: collector.NewHistogram(
			MetricWriteLatency,
			"Flush latency in milliseconds",
			writeLatencyBuckets,
		),
		activeConnections: collector.NewGauge(
			MetricActiveConnections,
			"Currently open client sessions",
		),
		connectionsRejected: collector.NewCounter(
			MetricConnectionsRejected,
			"Connections refused at the connection cap",
		),
		validationFailures: collector.NewCounter(
			MetricValidationFailures,
			"Frames rejected by the validator",
		),
		filesRotated: collector.NewCounter(
			MetricFilesRotated,
			"Output file rotations",
		),
		writeFailures: collector.NewCounter(
			MetricWriteFailures,
			"File-level write failures",
		),
	}
}

// RecordIngest increments the accepted-record counter
func (m *PipelineMetrics) RecordIngest() {
	m.ingestCount.Inc()
}

// RecordBytesWritten adds the compressed byte delta of a flush
func (m *PipelineMetrics) RecordBytesWritten(n int64) {
	m.bytesProcessed.Add(float64(n))
}

// RecordDrop counts a dropped record with its reason
func (m *PipelineMetrics) RecordDrop(reason string) {
	m.droppedMessages.WithLabelValues(reason).Inc()
}

// RecordWriteLatency observes a flush latency in milliseconds
func (m *PipelineMetrics) RecordWriteLatency(ms float64) {
	m.writeLatency.Observe(ms)
}

// ConnectionOpened increments the active connection gauge
func (m *PipelineMetrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge
func (m *PipelineMetrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// ConnectionRejected counts a connection refused at the cap
func (m *PipelineMetrics) ConnectionRejected() {
	m.connectionsRejected.Inc()
}

// RecordValidationFailure counts a frame rejected by the validator
func (m *PipelineMetrics) RecordValidationFailure() {
	m.validationFailures.Inc()
}

// RecordRotation counts an output file rotation
func (m *PipelineMetrics) RecordRotation() {
	m.filesRotated.Inc()
}

// RecordWriteFailure counts a file-level write failure
func (m *PipelineMetrics) RecordWriteFailure() {
	m.writeFailures.Inc()
}

// Snapshot is a read-only view of the pipeline metrics. It is assembled
// from the registry and is not transactional across metrics.
type Snapshot struct {
	IngestCount          uint64
	BytesProcessed       uint64
	DroppedQueueFull     uint64
	DroppedSerialization uint64
	ActiveConnections    int64
	ConnectionsRejected  uint64
	ValidationFailures   uint64
	FilesRotated         uint64
	WriteFailures        uint64
	WriteLatencyCount    uint64
	WriteLatencySumMS    float64
}

// Snapshot gathers current values from the registry
func (m *PipelineMetrics) Snapshot() (Snapshot, error) {
	var snap Snapshot

	families, err := m.collector.Registry().Gather()
	if err != nil {
		return snap, err
	}

	for _, mf := range families {
		switch mf.GetName() {
		case MetricIngestCount:
			snap.IngestCount = counterValue(mf)
		case MetricBytesProcessed:
			snap.BytesProcessed = counterValue(mf)
		case MetricDroppedMessages:
			for _, metric := range mf.GetMetric() {
				for _, label := range metric.GetLabel() {
					if label.GetName() != LabelReason {
						continue
					}
					switch label.GetValue() {
					case DropReasonQueueFull:
						snap.DroppedQueueFull = uint64(metric.GetCounter().GetValue())
					case DropReasonSerialization:
						snap.DroppedSerialization = uint64(metric.GetCounter().GetValue())
					}
				}
			}
		case MetricActiveConnections:
			if metrics := mf.GetMetric(); len(metrics) > 0 {
				snap.ActiveConnections = int64(metrics[0].GetGauge().GetValue())
			}
		case MetricConnectionsRejected:
			snap.ConnectionsRejected = counterValue(mf)
		case MetricValidationFailures:
			snap.ValidationFailures = counterValue(mf)
		case MetricFilesRotated:
			snap.FilesRotated = counterValue(mf)
		case MetricWriteFailures:
			snap.WriteFailures = counterValue(mf)
		case MetricWriteLatency:
			if metrics := mf.GetMetric(); len(metrics) > 0 {
				h := metrics[0].GetHistogram()
				snap.WriteLatencyCount = h.GetSampleCount()
				snap.WriteLatencySumMS = h.GetSampleSum()
			}
		}
	}

	return snap, nil
}

// Dropped returns the aggregate drop count across reasons
func (s Snapshot) Dropped() uint64 {
	return s.DroppedQueueFull + s.DroppedSerialization
}

func counterValue(mf *dto.MetricFamily) uint64 {
	if metrics := mf.GetMetric(); len(metrics) > 0 {
		return uint64(metrics[0].GetCounter().GetValue())
	}
	return 0
}
