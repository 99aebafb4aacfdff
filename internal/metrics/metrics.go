// Package metrics exposes prometheus instrumentation for the orchestrator
// and the serve-mode observability endpoints.
package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the orchestrator's prometheus instruments on a private
// registry. Gauge sources are injected so components stay decoupled from
// this package.
type Metrics struct {
	registry *prom.Registry

	ticksTotal        *prom.CounterVec
	gateFailuresTotal *prom.CounterVec
	enqueuesTotal     *prom.CounterVec
	receiptsTotal     *prom.CounterVec

	mu               sync.RWMutex
	queueDepthFn     func() float64
	activeEntriesFn  func() float64
	queueDepthGauge  prom.GaugeFunc
	activeTrainGauge prom.GaugeFunc
}

// New builds a Metrics set on a fresh registry with the standard Go and
// process collectors attached.
func New() *Metrics {
	m := &Metrics{registry: prom.NewRegistry()}
	m.ticksTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "greenkeeper",
		Name:      "ticks_total",
		Help:      "Ticks executed, by component and resulting status",
	}, []string{"component", "status"})
	m.gateFailuresTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "greenkeeper",
		Name:      "gate_failures_total",
		Help:      "Merge-train gate failures by reason code",
	}, []string{"reason"})
	m.enqueuesTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "greenkeeper",
		Name:      "sentinel_enqueues_total",
		Help:      "Work requests enqueued by the drift sentinel, by domain",
	}, []string{"domain"})
	m.receiptsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "greenkeeper",
		Name:      "receipts_total",
		Help:      "Terminal receipts written, by status",
	}, []string{"status"})
	m.queueDepthGauge = prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: "greenkeeper",
		Name:      "queue_depth",
		Help:      "Pending work requests",
	}, func() float64 { return m.gaugeValue(&m.queueDepthFn) })
	m.activeTrainGauge = prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: "greenkeeper",
		Name:      "train_active_entries",
		Help:      "Merge-train entries not yet merged or failed",
	}, func() float64 { return m.gaugeValue(&m.activeEntriesFn) })

	m.registry.MustRegister(
		m.ticksTotal,
		m.gateFailuresTotal,
		m.enqueuesTotal,
		m.receiptsTotal,
		m.queueDepthGauge,
		m.activeTrainGauge,
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prom.Registry { return m.registry }

// RecordTick counts one component tick by outcome status.
func (m *Metrics) RecordTick(component, status string) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(component, status).Inc()
}

// RecordGateFailure counts a merge-train gate failure by reason code.
func (m *Metrics) RecordGateFailure(reason string) {
	if m == nil {
		return
	}
	m.gateFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordEnqueue counts a sentinel enqueue by domain.
func (m *Metrics) RecordEnqueue(domain string) {
	if m == nil {
		return
	}
	m.enqueuesTotal.WithLabelValues(domain).Inc()
}

// RecordReceipt counts a terminal receipt by status.
func (m *Metrics) RecordReceipt(status string) {
	if m == nil {
		return
	}
	m.receiptsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepthSource wires the queue-depth gauge to fn.
func (m *Metrics) SetQueueDepthSource(fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthFn = fn
}

// SetActiveTrainSource wires the active-entries gauge to fn.
func (m *Metrics) SetActiveTrainSource(fn func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeEntriesFn = fn
}

func (m *Metrics) gaugeValue(fn *func() float64) float64 {
	m.mu.RLock()
	f := *fn
	m.mu.RUnlock()
	if f == nil {
		return 0
	}
	return f()
}
