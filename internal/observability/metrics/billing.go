// Package metrics exposes low-cardinality Prometheus metrics for the
// marketplace billing core.
package metrics

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config labels metrics with deployment coordinates.
type Config struct {
	ServiceName string
	Environment string
}

// BillingMetrics counts order processing and invoicing activity.
type BillingMetrics struct {
	ordersProcessed   *prometheus.CounterVec
	invoicesCreated   prometheus.Counter
	invoicingWarnings *prometheus.CounterVec
	rolloverRuns      prometheus.Counter
	stuckOrdersErred  prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the process-wide billing metrics.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the process-wide billing metrics, registering
// them on first use.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest clears the singleton between test runs.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "mercat"
	}
	constLabels := prometheus.Labels{"service": serviceName}

	m := &BillingMetrics{
		ordersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mercat_orders_processed_total",
			Help:        "Order items processed, by order type and result.",
			ConstLabels: constLabels,
		}, []string{"order_type", "result"}),
		invoicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mercat_invoices_created_total",
			Help:        "Monthly invoices materialized.",
			ConstLabels: constLabels,
		}),
		invoicingWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mercat_invoicing_warnings_total",
			Help:        "Invoicing items skipped due to pricing lookup failures.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		rolloverRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mercat_rollover_runs_total",
			Help:        "Monthly rollover batches executed.",
			ConstLabels: constLabels,
		}),
		stuckOrdersErred: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mercat_stuck_orders_erred_total",
			Help:        "Orders forced to ERRED after exceeding the execution deadline.",
			ConstLabels: constLabels,
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.ordersProcessed, m.invoicesCreated, m.invoicingWarnings, m.rolloverRuns, m.stuckOrdersErred,
	} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

// IncOrderProcessed counts one processed order item.
func (m *BillingMetrics) IncOrderProcessed(orderType, result string) {
	if m == nil {
		return
	}
	m.ordersProcessed.WithLabelValues(orderType, result).Inc()
}

// IncInvoiceCreated counts one materialized invoice.
func (m *BillingMetrics) IncInvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

// IncInvoicingWarning counts one skipped invoicing item.
func (m *BillingMetrics) IncInvoicingWarning(reason string) {
	if m == nil {
		return
	}
	m.invoicingWarnings.WithLabelValues(reason).Inc()
}

// IncRolloverRun counts one rollover batch.
func (m *BillingMetrics) IncRolloverRun() {
	if m == nil {
		return
	}
	m.rolloverRuns.Inc()
}

// IncStuckOrderErred counts one force-erred order.
func (m *BillingMetrics) IncStuckOrderErred() {
	if m == nil {
		return
	}
	m.stuckOrdersErred.Inc()
}
