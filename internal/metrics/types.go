package metrics

// Metric name constants following Prometheus naming conventions
// Format: logforge_{metric}_{unit}

const (
	// MetricIngestCount counts accepted-and-validated records
	MetricIngestCount = "logforge_ingest_count_total"
	// MetricBytesProcessed counts compressed bytes written to disk
	MetricBytesProcessed = "logforge_bytes_processed_total"
	// MetricDroppedMessages counts records dropped, labelled by reason
	MetricDroppedMessages = "logforge_dropped_messages_total"
	// MetricWriteLatency observes flush latency in milliseconds
	MetricWriteLatency = "logforge_write_latency_ms"
	// MetricActiveConnections gauges currently open sessions
	MetricActiveConnections = "logforge_active_connections"
	// MetricConnectionsRejected counts connections refused at the cap
	MetricConnectionsRejected = "logforge_connections_rejected_total"
	// MetricValidationFailures counts frames rejected by the validator
	MetricValidationFailures = "logforge_validation_failures_total"
	// MetricFilesRotated counts output file rotations
	MetricFilesRotated = "logforge_files_rotated_total"
	// MetricWriteFailures counts file-level write failures
	MetricWriteFailures = "logforge_write_failures_total"
)

// Label name constants
const (
	LabelReason = "reason"
)

// Drop reason label values
const (
	DropReasonQueueFull     = "queue_full"
	DropReasonSerialization = "serialization"
)
