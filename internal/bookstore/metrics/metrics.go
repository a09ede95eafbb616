package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Rewards holds the settlement engine counters
type Rewards struct {
	points       *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	discountUse  *prometheus.CounterVec
	statusEvents *prometheus.CounterVec
	storage      *prometheus.HistogramVec
}

var (
	rewardsOnce sync.Once
	rewards     *Rewards
)

// Default returns the lazily-initialised registry used by the service
func Default() *Rewards {
	rewardsOnce.Do(func() {
		rewards = &Rewards{
			points: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bookstore",
				Subsystem: "loyalty",
				Name:      "points_total",
				Help:      "Loyalty points moved through the ledger, segmented by entry kind.",
			}, []string{"kind"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bookstore",
				Subsystem: "loyalty",
				Name:      "rejections_total",
				Help:      "Ledger writes rejected by a balance guard or an idempotency check.",
			}, []string{"reason"}),
			discountUse: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bookstore",
				Subsystem: "discount",
				Name:      "usage_total",
				Help:      "Discount usage attempts segmented by outcome.",
			}, []string{"outcome"}),
			statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bookstore",
				Subsystem: "settlement",
				Name:      "status_events_total",
				Help:      "Order status notifications handled, segmented by status and outcome.",
			}, []string{"status", "outcome"}),
			storage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bookstore",
				Subsystem: "storage",
				Name:      "duration_seconds",
				Help:      "Latency of storage operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			rewards.points,
			rewards.rejections,
			rewards.discountUse,
			rewards.statusEvents,
			rewards.storage,
		)
	})
	return rewards
}

// AddPoints records points written to the ledger for kind
func (m *Rewards) AddPoints(kind string, points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.points.WithLabelValues(kind).Add(float64(points))
}

// Reject records a rejected ledger write
func (m *Rewards) Reject(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// DiscountUsage records the outcome of a markAsUsed call
func (m *Rewards) DiscountUsage(outcome string) {
	if m == nil {
		return
	}
	m.discountUse.WithLabelValues(outcome).Inc()
}

// StatusEvent records a processed order status notification
func (m *Rewards) StatusEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.statusEvents.WithLabelValues(status, outcome).Inc()
}

// ObserveStorage records how long a storage operation took
func (m *Rewards) ObserveStorage(op string, started time.Time) {
	if m == nil {
		return
	}
	m.storage.WithLabelValues(op).Observe(time.Since(started).Seconds())
}
