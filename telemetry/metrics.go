package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// AppendBuckets for a log append (two fsyncs plus the allocator write)
	AppendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// PassBuckets for a whole ingestion pass
	PassBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}

	// PublishBuckets for sink publish latency
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Ingestion Metrics
var (
	// IngestPassesTotal counts ingestion passes by source and result (ok, failed, fatal)
	IngestPassesTotal CounterVec = noopCounterVec{}

	// IngestPassDurationSeconds measures a pass by source
	IngestPassDurationSeconds HistogramVec = noopHistogramVec{}

	// IngestMalformedRecordsTotal counts raw records skipped as malformed
	IngestMalformedRecordsTotal CounterVec = noopCounterVec{}

	// IngestRequestsCoalescedTotal counts requests folded into an already pending pass
	IngestRequestsCoalescedTotal Counter = NoopStat{}

	// SourceCursorResetsTotal counts cursors reset because the source file shrank
	SourceCursorResetsTotal CounterVec = noopCounterVec{}

	// WatcherEventsTotal counts file events delivered per source
	WatcherEventsTotal CounterVec = noopCounterVec{}

	// ReplogArchivedBytesTotal counts raw replog bytes copied per archive (forward, save)
	ReplogArchivedBytesTotal CounterVec = noopCounterVec{}
)

// Transaction Log Metrics
var (
	// TransactionsCommittedTotal counts entries committed to the log
	TransactionsCommittedTotal Counter = NoopStat{}

	// ChainsCommittedTotal counts chains committed to the log
	ChainsCommittedTotal Counter = NoopStat{}

	// AppendFailuresTotal counts appends that were rolled back
	AppendFailuresTotal Counter = NoopStat{}

	// AppendDurationSeconds measures Store.Append
	AppendDurationSeconds Histogram = NoopStat{}

	// LastTransactionID is the current high-water mark
	LastTransactionID Gauge = NoopStat{}

	// TransactionLogBytes tracks the size of the log file
	TransactionLogBytes Gauge = NoopStat{}

	// TransactionIndexBytes tracks the size of the index file
	TransactionIndexBytes Gauge = NoopStat{}

	// LogTruncatedBytesTotal counts unindexed log bytes discarded during recovery
	LogTruncatedBytesTotal Counter = NoopStat{}

	// EntryCacheLookupsTotal counts decoded entry cache lookups by result (hit, miss)
	EntryCacheLookupsTotal CounterVec = noopCounterVec{}

	// SchemaID is the current schema id
	SchemaID Gauge = NoopStat{}
)

// Publisher Metrics
var (
	// PublisherEventsTotal counts published entries by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}

	// PublisherLatencySeconds measures publish calls by sink
	PublisherLatencySeconds HistogramVec = noopHistogramVec{}

	// PublisherLagTxns tracks how far each sink is behind the log
	PublisherLagTxns GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Ingestion Metrics
	IngestPassesTotal = NewCounterVec(
		"ingest_passes_total",
		"Ingestion passes by source and result",
		[]string{"source", "result"},
	)
	IngestPassDurationSeconds = NewHistogramVec(
		"ingest_pass_duration_seconds",
		"Ingestion pass duration by source",
		[]string{"source"},
		PassBuckets,
	)
	IngestMalformedRecordsTotal = NewCounterVec(
		"ingest_malformed_records_total",
		"Raw records skipped as malformed",
		[]string{"source"},
	)
	IngestRequestsCoalescedTotal = NewCounter(
		"ingest_requests_coalesced_total",
		"Ingestion requests coalesced into a pending pass",
	)
	SourceCursorResetsTotal = NewCounterVec(
		"source_cursor_resets_total",
		"Source cursors reset because the input file shrank",
		[]string{"source"},
	)
	WatcherEventsTotal = NewCounterVec(
		"watcher_events_total",
		"File change events by source",
		[]string{"source"},
	)
	ReplogArchivedBytesTotal = NewCounterVec(
		"replog_archived_bytes_total",
		"Committed raw replog bytes copied per archive",
		[]string{"archive"},
	)

	// Transaction Log Metrics
	TransactionsCommittedTotal = NewCounter(
		"transactions_committed_total",
		"Entries committed to the transaction log",
	)
	ChainsCommittedTotal = NewCounter(
		"chains_committed_total",
		"Chains committed to the transaction log",
	)
	AppendFailuresTotal = NewCounter(
		"append_failures_total",
		"Appends rolled back after a failure",
	)
	AppendDurationSeconds = NewHistogram(
		"append_duration_seconds",
		"Transaction log append duration",
		AppendBuckets,
	)
	LastTransactionID = NewGauge(
		"last_transaction_id",
		"Highest committed transaction id",
	)
	TransactionLogBytes = NewGauge(
		"transaction_log_bytes",
		"Size of the transaction log file",
	)
	TransactionIndexBytes = NewGauge(
		"transaction_index_bytes",
		"Size of the transaction index file",
	)
	LogTruncatedBytesTotal = NewCounter(
		"log_truncated_bytes_total",
		"Unindexed log bytes discarded during recovery",
	)
	EntryCacheLookupsTotal = NewCounterVec(
		"entry_cache_lookups_total",
		"Decoded entry cache lookups by result",
		[]string{"result"},
	)
	SchemaID = NewGauge(
		"schema_id",
		"Current schema id",
	)

	// Publisher Metrics
	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Entries handled by publisher sinks",
		[]string{"sink", "result"},
	)
	PublisherLatencySeconds = NewHistogramVec(
		"publisher_latency_seconds",
		"Sink publish latency",
		[]string{"sink"},
		PublishBuckets,
	)
	PublisherLagTxns = NewGaugeVec(
		"publisher_lag_txns",
		"Transactions not yet published per sink",
		[]string{"sink"},
	)
}
