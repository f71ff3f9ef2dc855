package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// External API metrics (Monzo source, Lunch Money sink)
	apiCallsTotal   *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
	apiRetriesTotal *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec

	// Sync pipeline metrics
	transactionsFetchedTotal *prometheus.CounterVec
	entriesWrittenTotal      *prometheus.CounterVec
	entriesUpdatedTotal      *prometheus.CounterVec
	entriesSkippedTotal      *prometheus.CounterVec
	deduplicationRatio       *prometheus.GaugeVec

	// Run and activity metrics
	syncRunsTotal       *prometheus.CounterVec
	syncRunDuration     *prometheus.HistogramVec
	activityDuration    *prometheus.HistogramVec
	cursorAdvancedTotal *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		apiCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_calls_total",
				Help: "Total number of external API calls by service, endpoint and status",
			},
			[]string{"service", "endpoint", "status"},
		),
		apiCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_call_duration_seconds",
				Help:    "Duration of external API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"service", "endpoint"},
		),
		apiRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_retries_total",
				Help: "Total number of external API retry attempts",
			},
			[]string{"service", "endpoint", "reason"},
		),
		rateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_rate_limit_hits_total",
				Help: "Total number of rate limit hits (429 responses)",
			},
			[]string{"service"},
		),

		transactionsFetchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_fetched_total",
				Help: "Total number of transactions fetched from Monzo",
			},
			[]string{"account"},
		),
		entriesWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_written_total",
				Help: "Total number of new ledger entries pushed to the sink",
			},
			[]string{"account"},
		),
		entriesUpdatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_updated_total",
				Help: "Total number of changed ledger entries updated in the sink",
			},
			[]string{"account"},
		),
		entriesSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_entries_skipped_total",
				Help: "Total number of records skipped during reconciliation",
			},
			[]string{"account", "reason"},
		),
		deduplicationRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_deduplication_ratio",
				Help: "Fraction of fetched transactions already present in the ledger",
			},
			[]string{"account"},
		),

		syncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_runs_total",
				Help: "Total number of sync runs by account and status",
			},
			[]string{"account", "status"},
		),
		syncRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_run_duration_seconds",
				Help:    "Duration of full sync runs in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"account", "status"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_activity_duration_seconds",
				Help:    "Duration of individual sync activities in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"activity", "account"},
		),
		cursorAdvancedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_cursor_advanced_total",
				Help: "Total number of cursor advancements after confirmed writes",
			},
			[]string{"account"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by status",
			},
			[]string{"operation", "table", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"handler", "method"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by handler, method and status",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"subject"},
		),
	}
}

// RecordAPICall records an external API call with its duration.
// service is "monzo" or "lunchmoney"; endpoint is a stable identifier such as
// "transactions" or "categories".
func (m *Metrics) RecordAPICall(service, endpoint, status string, duration float64) {
	m.apiCallsTotal.WithLabelValues(service, endpoint, status).Inc()
	m.apiCallDuration.WithLabelValues(service, endpoint).Observe(duration)
}

// RecordAPIRetry records a retry attempt against an external API.
func (m *Metrics) RecordAPIRetry(service, endpoint, reason string) {
	m.apiRetriesTotal.WithLabelValues(service, endpoint, reason).Inc()
}

// RecordRateLimitHit records a 429 response from an external API.
func (m *Metrics) RecordRateLimitHit(service string) {
	m.rateLimitHits.WithLabelValues(service).Inc()
}

// RecordTransactionsFetched records transactions fetched from the source.
func (m *Metrics) RecordTransactionsFetched(account string, count int) {
	m.transactionsFetchedTotal.WithLabelValues(account).Add(float64(count))
}

// RecordEntriesWritten records new ledger entries pushed to the sink.
func (m *Metrics) RecordEntriesWritten(account string, count int) {
	m.entriesWrittenTotal.WithLabelValues(account).Add(float64(count))
}

// RecordEntriesUpdated records changed ledger entries updated in the sink.
func (m *Metrics) RecordEntriesUpdated(account string, count int) {
	m.entriesUpdatedTotal.WithLabelValues(account).Add(float64(count))
}

// RecordEntriesSkipped records skipped records by reason.
func (m *Metrics) RecordEntriesSkipped(account, reason string, count int) {
	m.entriesSkippedTotal.WithLabelValues(account, reason).Add(float64(count))
}

// RecordDeduplicationRatio records the fraction of fetched transactions that
// were already synchronized.
func (m *Metrics) RecordDeduplicationRatio(account string, ratio float64) {
	m.deduplicationRatio.WithLabelValues(account).Set(ratio)
}

// RecordSyncRun records a completed sync run with its duration.
func (m *Metrics) RecordSyncRun(account, status string, duration float64) {
	m.syncRunsTotal.WithLabelValues(account, status).Inc()
	m.syncRunDuration.WithLabelValues(account, status).Observe(duration)
}

// RecordActivityDuration records the duration of a sync activity.
func (m *Metrics) RecordActivityDuration(activity, account string, duration float64) {
	m.activityDuration.WithLabelValues(activity, account).Observe(duration)
}

// RecordCursorAdvanced records a cursor advancement for an account.
func (m *Metrics) RecordCursorAdvanced(account string) {
	m.cursorAdvancedTotal.WithLabelValues(account).Inc()
}

// RecordDBQuery records a database query with its duration and outcome.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)

	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method).Observe(duration)
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// statusCodeToString converts an HTTP status code to a string bucket (2xx, 4xx, etc).
func statusCodeToString(code int) string {
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
		return strconv.Itoa(code)
	}
}
