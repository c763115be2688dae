package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	quoteMetricsOnce sync.Once
	quoteRegistry    *QuoteMetrics

	swapMetricsOnce sync.Once
	swapRegistry    *SwapMetrics

	settleMetricsOnce sync.Once
	settleRegistry    *SettlementMetrics
)

// QuoteMetrics captures quoting activity against the AMM quoter.
type QuoteMetrics struct {
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// Quotes returns the singleton metrics registry for the quote engine.
func Quotes() *QuoteMetrics {
	quoteMetricsOnce.Do(func() {
		quoteRegistry = &QuoteMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goldsettle",
				Subsystem: "quote",
				Name:      "requests_total",
				Help:      "Count of quoter simulations segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "goldsettle",
				Subsystem: "quote",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for quoter eth_call round trips.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(quoteRegistry.requests, quoteRegistry.latency)
	})
	return quoteRegistry
}

// Observe records one quoter round trip.
func (m *QuoteMetrics) Observe(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.latency.Observe(duration.Seconds())
}

// SwapMetrics tracks on-chain execution legs.
type SwapMetrics struct {
	legs     *prometheus.CounterVec
	gasGuard prometheus.Counter
	latency  *prometheus.HistogramVec
}

// Swaps returns the singleton metrics registry for the swap executor.
func Swaps() *SwapMetrics {
	swapMetricsOnce.Do(func() {
		swapRegistry = &SwapMetrics{
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goldsettle",
				Subsystem: "swap",
				Name:      "legs_total",
				Help:      "Count of on-chain legs segmented by leg and outcome.",
			}, []string{"leg", "outcome"}),
			gasGuard: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "goldsettle",
				Subsystem: "swap",
				Name:      "gas_guard_trips_total",
				Help:      "Count of executions rejected by the gas price ceiling.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "goldsettle",
				Subsystem: "swap",
				Name:      "leg_duration_seconds",
				Help:      "Latency distribution per on-chain leg including confirmation wait.",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
			}, []string{"leg"}),
		}
		prometheus.MustRegister(swapRegistry.legs, swapRegistry.gasGuard, swapRegistry.latency)
	})
	return swapRegistry
}

// ObserveLeg records the outcome and duration of a single on-chain leg.
func (m *SwapMetrics) ObserveLeg(leg string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	leg = strings.TrimSpace(leg)
	if leg == "" {
		leg = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.legs.WithLabelValues(leg, outcome).Inc()
	m.latency.WithLabelValues(leg).Observe(duration.Seconds())
}

// RecordGasGuard increments the gas ceiling rejection counter.
func (m *SwapMetrics) RecordGasGuard() {
	if m == nil {
		return
	}
	m.gasGuard.Inc()
}

// SettlementMetrics tracks state machine terminal outcomes and the sweep.
type SettlementMetrics struct {
	outcomes    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	reviewQueue prometheus.Gauge
	stuck       prometheus.Gauge
	payoutFail  *prometheus.CounterVec
}

// Settlements returns the singleton metrics registry for the state machine.
func Settlements() *SettlementMetrics {
	settleMetricsOnce.Do(func() {
		settleRegistry = &SettlementMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goldsettle",
				Subsystem: "settlement",
				Name:      "outcomes_total",
				Help:      "Count of settlements segmented by direction and terminal status.",
			}, []string{"direction", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "goldsettle",
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "End-to-end settlement latency by direction.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			}, []string{"direction"}),
			reviewQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "goldsettle",
				Subsystem: "settlement",
				Name:      "review_queue_depth",
				Help:      "Transactions failed after funds moved, awaiting manual reconciliation.",
			}),
			stuck: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "goldsettle",
				Subsystem: "settlement",
				Name:      "stuck_processing",
				Help:      "Transactions held in Processing pending the reconciliation sweep.",
			}),
			payoutFail: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "goldsettle",
				Subsystem: "settlement",
				Name:      "payout_errors_total",
				Help:      "Fiat payout failures segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			settleRegistry.outcomes,
			settleRegistry.latency,
			settleRegistry.reviewQueue,
			settleRegistry.stuck,
			settleRegistry.payoutFail,
		)
	})
	return settleRegistry
}

// ObserveOutcome records a terminal settlement outcome.
func (m *SettlementMetrics) ObserveOutcome(direction, status string, duration time.Duration) {
	if m == nil {
		return
	}
	direction = labelOrUnknown(direction)
	m.outcomes.WithLabelValues(direction, labelOrUnknown(status)).Inc()
	m.latency.WithLabelValues(direction).Observe(duration.Seconds())
}

// SetReviewQueueDepth updates the manual reconciliation gauge.
func (m *SettlementMetrics) SetReviewQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.reviewQueue.Set(float64(depth))
}

// SetStuckProcessing updates the stuck-in-Processing gauge.
func (m *SettlementMetrics) SetStuckProcessing(count int) {
	if m == nil {
		return
	}
	m.stuck.Set(float64(count))
}

// RecordPayoutError increments the payout failure counter.
func (m *SettlementMetrics) RecordPayoutError(reason string) {
	if m == nil {
		return
	}
	m.payoutFail.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func labelOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
