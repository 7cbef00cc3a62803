package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics is valid everywhere and records nothing.
type Metrics struct {
	// Solana RPC
	rpcCallsTotal     *prometheus.CounterVec
	rpcCallDuration   *prometheus.HistogramVec
	rpcRateLimitHits  *prometheus.CounterVec
	rpcRetries        *prometheus.CounterVec
	rpcSignaturesPage *prometheus.HistogramVec

	// Discovery and classification
	tokenAccountsDiscovered prometheus.Histogram
	tokenAccountFailures    prometheus.Counter
	transactionsFetched     *prometheus.CounterVec
	eventsClassified        *prometheus.CounterVec
	classificationFailures  *prometheus.CounterVec

	// Queries
	queryDuration *prometheus.HistogramVec
	queriesTotal  *prometheus.CounterVec
	priceFetches  *prometheus.CounterVec

	// Workflows
	refreshWorkflowDuration *prometheus.HistogramVec

	// Database
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS
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
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		rpcSignaturesPage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_page",
				Help:    "Number of signatures returned per getSignaturesForAddress page",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),

		tokenAccountsDiscovered: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "token_accounts_discovered",
				Help:    "Number of token accounts discovered per query",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		tokenAccountFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "token_account_signature_failures_total",
				Help: "Token accounts whose signature history could not be fetched",
			},
		),
		transactionsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_fetched_total",
				Help: "Total number of transactions fetched by outcome",
			},
			[]string{"source", "status"},
		),
		eventsClassified: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_classified_total",
				Help: "Total number of classified events by type",
			},
			[]string{"event_type"},
		),
		classificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classification_failures_total",
				Help: "Total number of transactions that could not be classified",
			},
			[]string{"reason"},
		),

		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_query_duration_seconds",
				Help:    "Duration of token activity queries in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		queriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_queries_total",
				Help: "Total number of token activity queries by status",
			},
			[]string{"status"},
		),
		priceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_fetches_total",
				Help: "Total number of reference price lookups by status",
			},
			[]string{"status"},
		),

		refreshWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refresh_workflow_duration_seconds",
				Help:    "Duration of token refresh workflow executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"handler", "method", "status_code"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status_code"},
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
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// RecordRPCCall records a Solana RPC call.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.rpcCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.rpcCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.rpcRateLimitHits.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.rpcRetries.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) RecordSignaturesPage(endpoint string, count int) {
	m.rpcSignaturesPage.WithLabelValues(endpoint).Observe(float64(count))
}

// RecordTokenAccountsDiscovered records how many token accounts a query found.
func (m *Metrics) RecordTokenAccountsDiscovered(count int) {
	m.tokenAccountsDiscovered.Observe(float64(count))
}

func (m *Metrics) RecordTokenAccountFailure() {
	m.tokenAccountFailures.Inc()
}

// RecordTransactionsFetched records fetched transactions. Source is "seed" or
// "token_account", status is "success", "missing" or "error".
func (m *Metrics) RecordTransactionsFetched(source, status string, count int) {
	m.transactionsFetched.WithLabelValues(source, status).Add(float64(count))
}

func (m *Metrics) RecordEventClassified(eventType string) {
	m.eventsClassified.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordClassificationFailure(reason string) {
	m.classificationFailures.WithLabelValues(reason).Inc()
}

// RecordQuery records a completed token query.
func (m *Metrics) RecordQuery(status string, duration float64) {
	m.queriesTotal.WithLabelValues(status).Inc()
	m.queryDuration.WithLabelValues(status).Observe(duration)
}

func (m *Metrics) RecordPriceFetch(status string) {
	m.priceFetches.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRefreshWorkflow(status string, duration float64) {
	m.refreshWorkflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordDBQuery records a database query.
func (m *Metrics) RecordDBQuery(operation, status string, duration float64) {
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	code := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(handler, method, code).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method, code).Observe(duration)
}

// RecordNATSPublish records a NATS publish.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}
