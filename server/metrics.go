package server

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns the server's Prometheus collectors on a private registry, so
// no package-level mutable state exists and tests can run servers side by
// side. It additionally maintains the plain counters behind the /status
// report.
type Metrics struct {
	registry *prometheus.Registry

	documentsOpened   prometheus.Counter
	messages          *prometheus.CounterVec
	storageOps        *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	rateLimitExceeded *prometheus.CounterVec
	clientsActive     prometheus.Gauge
	sessionsActive    prometheus.Gauge
	documentSize      *prometheus.GaugeVec
	messageDuration   *prometheus.HistogramVec
	storageOpDuration *prometheus.HistogramVec

	mu            sync.Mutex
	messageCounts map[string]uint64
	offenders     map[string]uint64
	docSizes      map[string]uint64
}

// NewMetrics builds a Metrics with an owned registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		documentsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "teleportal_documents_opened_total",
			Help: "Count of document sessions opened.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleportal_messages_total",
			Help: "Count of inbound messages by kind.",
		}, []string{"kind"}),
		storageOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleportal_storage_operations_total",
			Help: "Count of storage operations by operation and result.",
		}, []string{"op", "result"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleportal_errors_total",
			Help: "Count of errors by kind.",
		}, []string{"kind"}),
		rateLimitExceeded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleportal_rate_limit_exceeded_total",
			Help: "Count of tripped rate rules by tracking scope.",
		}, []string{"track_by"}),
		clientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleportal_clients_active",
			Help: "Number of connected client sessions.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleportal_sessions_active",
			Help: "Number of live document sessions.",
		}),
		documentSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teleportal_document_size_bytes",
			Help: "Last observed merged size of a document.",
		}, []string{"document"}),
		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleportal_message_duration_seconds",
			Help:    "Message handling latency by kind.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
		storageOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleportal_storage_operation_duration_seconds",
			Help:    "Storage operation latency by operation.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"op"}),

		messageCounts: make(map[string]uint64),
		offenders:     make(map[string]uint64),
		docSizes:      make(map[string]uint64),
	}
}

// Registry exposes the owned registry for the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveMessage records one handled message of the given kind.
func (m *Metrics) ObserveMessage(kind string, d time.Duration) {
	m.messages.WithLabelValues(kind).Inc()
	m.messageDuration.WithLabelValues(kind).Observe(d.Seconds())
	m.mu.Lock()
	m.messageCounts[kind]++
	m.mu.Unlock()
}

// ObserveStorageOp records one storage operation.
func (m *Metrics) ObserveStorageOp(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storageOps.WithLabelValues(op, result).Inc()
	m.storageOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// IncError records an error of the given kind.
func (m *Metrics) IncError(kind Reason) {
	m.errorsTotal.WithLabelValues(string(kind)).Inc()
}

// IncRateLimitExceeded records a tripped rule and its offending scope.
func (m *Metrics) IncRateLimitExceeded(trackBy, scopeKey string) {
	m.rateLimitExceeded.WithLabelValues(trackBy).Inc()
	m.mu.Lock()
	m.offenders[scopeKey]++
	m.mu.Unlock()
}

// ClientConnected / ClientDisconnected track the active client gauge.
func (m *Metrics) ClientConnected()    { m.clientsActive.Inc() }
func (m *Metrics) ClientDisconnected() { m.clientsActive.Dec() }

// SessionOpened / SessionClosed track the active document session gauge.
func (m *Metrics) SessionOpened() {
	m.documentsOpened.Inc()
	m.sessionsActive.Inc()
}
func (m *Metrics) SessionClosed() { m.sessionsActive.Dec() }

// SetDocumentSize records a document's last observed merged size.
func (m *Metrics) SetDocumentSize(docID string, bytes uint64) {
	m.documentSize.WithLabelValues(docID).Set(float64(bytes))
	m.mu.Lock()
	m.docSizes[docID] = bytes
	m.mu.Unlock()
}

// ForgetDocument drops a closed document's size series.
func (m *Metrics) ForgetDocument(docID string) {
	m.documentSize.DeleteLabelValues(docID)
	m.mu.Lock()
	delete(m.docSizes, docID)
	m.mu.Unlock()
}

// Offender is one entry of the status report's rate-limit leaderboard.
type Offender struct {
	Scope string `json:"scope"`
	Count uint64 `json:"count"`
}

// DocSizeStats summarizes tracked document sizes.
type DocSizeStats struct {
	Count      int    `json:"count"`
	TotalBytes uint64 `json:"totalBytes"`
	MaxBytes   uint64 `json:"maxBytes"`
}

// StatusSnapshot backs the /status endpoint.
type StatusSnapshot struct {
	Messages     map[string]uint64 `json:"messages"`
	TopOffenders []Offender        `json:"topRateLimitOffenders"`
	Documents    DocSizeStats      `json:"documents"`
}

// Snapshot returns a copy of the status counters. Offenders are sorted by
// count, capped at ten.
func (m *Metrics) Snapshot() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := StatusSnapshot{Messages: make(map[string]uint64, len(m.messageCounts))}
	for k, v := range m.messageCounts {
		snap.Messages[k] = v
	}
	for scope, count := range m.offenders {
		snap.TopOffenders = append(snap.TopOffenders, Offender{Scope: scope, Count: count})
	}
	sort.Slice(snap.TopOffenders, func(i, j int) bool {
		if snap.TopOffenders[i].Count != snap.TopOffenders[j].Count {
			return snap.TopOffenders[i].Count > snap.TopOffenders[j].Count
		}
		return snap.TopOffenders[i].Scope < snap.TopOffenders[j].Scope
	})
	if len(snap.TopOffenders) > 10 {
		snap.TopOffenders = snap.TopOffenders[:10]
	}
	for _, size := range m.docSizes {
		snap.Documents.Count++
		snap.Documents.TotalBytes += size
		if size > snap.Documents.MaxBytes {
			snap.Documents.MaxBytes = size
		}
	}
	return snap
}
