package metrics

import (
	"math/big"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardsMetrics exposes the reward engine's pool accounting and settlement
// activity.
type RewardsMetrics struct {
	settlements   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	pool          *prometheus.GaugeVec
	intervalShare *prometheus.GaugeVec
	merkleClaims  *prometheus.CounterVec
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardsMetrics
)

// Rewards returns the lazily registered reward engine metrics.
func Rewards() *RewardsMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "keep_rewards_settlements_total",
				Help: "Count of keep reward settlements by kind (claimed or reclaimed).",
			}, []string{"kind"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "keep_rewards_rejections_total",
				Help: "Count of rejected reward operations by operation and error kind.",
			}, []string{"operation", "kind"}),
			pool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "keep_rewards_pool",
				Help: "Token amounts held by the reward engine segmented by bucket.",
			}, []string{"bucket"}),
			intervalShare: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "keep_rewards_interval_share",
				Help: "Per-keep share allocated to an interval.",
			}, []string{"interval"}),
			merkleClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "merkle_rewards_claims_total",
				Help: "Count of merkle distributor claims by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.settlements,
			rewardsRegistry.rejections,
			rewardsRegistry.pool,
			rewardsRegistry.intervalShare,
			rewardsRegistry.merkleClaims,
		)
	})
	return rewardsRegistry
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (m *RewardsMetrics) ObserveSettlement(kind string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(kind).Inc()
}

func (m *RewardsMetrics) ObserveRejection(operation, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.rejections.WithLabelValues(operation, kind).Inc()
}

// SetPool records the current balance of a pool bucket such as "unallocated"
// or "dust".
func (m *RewardsMetrics) SetPool(bucket string, amount *big.Int) {
	if m == nil {
		return
	}
	m.pool.WithLabelValues(bucket).Set(toFloat(amount))
}

func (m *RewardsMetrics) ObserveIntervalShare(interval uint64, share *big.Int) {
	if m == nil {
		return
	}
	m.intervalShare.WithLabelValues(strconv.FormatUint(interval, 10)).Set(toFloat(share))
}

func (m *RewardsMetrics) ObserveMerkleClaim(outcome string) {
	if m == nil {
		return
	}
	m.merkleClaims.WithLabelValues(outcome).Inc()
}
