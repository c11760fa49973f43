package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
}

type crossChainMetrics struct {
	messages   *prometheus.CounterVec
	duplicates *prometheus.CounterVec
}

type auctionMetrics struct {
	liquidations *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	crossChainOnce     sync.Once
	crossChainRegistry *crossChainMetrics

	auctionMetricsOnce sync.Once
	auctionRegistry    *auctionMetrics
)

// Ledger returns the lazily-initialised registry tracking hub ledger
// operations.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crosslend",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "ledger",
				Name:      "throttles_total",
				Help:      "Count of ledger operations rejected by quota policies.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.throttles,
		)
	})
	return ledgerRegistry
}

// Observe records one ledger operation outcome with its duration.
func (m *ledgerMetrics) Observe(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	operation = normalizeLabel(operation)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordThrottle counts a quota rejection for the operation.
func (m *ledgerMetrics) RecordThrottle(operation string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(operation)).Inc()
}

// CrossChain returns the registry tracking message traffic between sites.
func CrossChain() *crossChainMetrics {
	crossChainOnce.Do(func() {
		crossChainRegistry = &crossChainMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "crosschain",
				Name:      "messages_total",
				Help:      "Cross-chain messages segmented by type and direction.",
			}, []string{"type", "direction"}),
			duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "crosschain",
				Name:      "duplicates_total",
				Help:      "Redelivered messages absorbed by correlation-id dedupe.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(crossChainRegistry.messages, crossChainRegistry.duplicates)
	})
	return crossChainRegistry
}

// RecordMessage counts one message by type name and direction
// ("inbound"/"outbound").
func (m *crossChainMetrics) RecordMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(normalizeLabel(msgType), normalizeLabel(direction)).Inc()
}

// RecordDuplicate counts an absorbed redelivery.
func (m *crossChainMetrics) RecordDuplicate(msgType string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(normalizeLabel(msgType)).Inc()
}

// Auctions returns the registry tracking liquidation outcomes.
func Auctions() *auctionMetrics {
	auctionMetricsOnce.Do(func() {
		auctionRegistry = &auctionMetrics{
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosslend",
				Subsystem: "auction",
				Name:      "liquidations_total",
				Help:      "Liquidation executions segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(auctionRegistry.liquidations)
	})
	return auctionRegistry
}

// RecordLiquidation counts one liquidation attempt outcome.
func (m *auctionMetrics) RecordLiquidation(err error) {
	if m == nil {
		return
	}
	outcome := "settled"
	if err != nil {
		outcome = "failed"
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}
