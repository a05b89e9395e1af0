/**
 * Package metrics 定义引擎的 Prometheus 指标
 *
 * 使用独立的 Registry，避免测试之间共享全局默认注册表
 */

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "marketcore"

/**
 * Metrics 引擎指标集合
 *
 * nil *Metrics 的所有方法都是空操作，领域组件可以不注入指标
 */
type Metrics struct {
	registry *prometheus.Registry

	checkouts       *prometheus.CounterVec
	checkoutLatency prometheus.Histogram
	gatewayLatency  *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	reversals       prometheus.Counter
	replays         prometheus.Counter
	invariantErrors prometheus.Counter
	transitions     *prometheus.CounterVec
	disputes        *prometheus.CounterVec
	payments        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// New 创建指标并注册到新的 Registry（包含 Go 运行时与进程指标）
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"mode", "outcome"}),
		checkoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkout_duration_seconds",
			Help:      "End-to-end checkout latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_charge_duration_seconds",
			Help:      "Payment gateway charge latency by outcome.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"outcome"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "Ledger postings inserted by category and type.",
		}, []string{"category", "type"}),
		reversals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_reversals_total",
			Help:      "Ledger reversals committed.",
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_replays_total",
			Help:      "Posting batches that were idempotent replays.",
		}),
		invariantErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_invariant_violations_total",
			Help:      "Batches rejected for violating a ledger invariant.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions.",
		}, []string{"from", "to"}),
		disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "Dispute lifecycle events.",
		}, []string{"event"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmations by resulting record status.",
		}, []string{"status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_lookups_total",
			Help:      "Balance cache lookups by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handed to a sink by result.",
		}, []string{"sink", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.checkouts, m.checkoutLatency, m.gatewayLatency,
		m.postings, m.reversals, m.replays, m.invariantErrors,
		m.transitions, m.disputes, m.payments, m.cacheLookups, m.notifications,
	)
	return m
}

// Registry 供 /metrics 端点使用
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveCheckout(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(mode, outcome).Inc()
	m.checkoutLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveGateway(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncPosting(category, txType string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(category, txType).Inc()
}

func (m *Metrics) IncReversal() {
	if m == nil {
		return
	}
	m.reversals.Inc()
}

func (m *Metrics) IncReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

func (m *Metrics) IncInvariantViolation() {
	if m == nil {
		return
	}
	m.invariantErrors.Inc()
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncDispute(event string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(event).Inc()
}

func (m *Metrics) IncPaymentConfirmation(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncNotification(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}
