package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义业务监控指标
type BusinessMetrics struct {
	SweepTaskTotal        *prometheus.CounterVec   // status: completed/failed/expired/skipped
	SweepJobDuration      *prometheus.HistogramVec // 单次归集耗时
	SweepAmountTotal      *prometheus.CounterVec
	CircuitOpenTotal      prometheus.Counter
	EnergyAllocatedTotal  *prometheus.CounterVec // supplier_type: self_staking/external/fallback
	EnergyPoolCapacity    *prometheus.GaugeVec
	WithdrawDecisionTotal *prometheus.CounterVec // decision
	WithdrawExecutedTotal *prometheus.CounterVec // status
	WithdrawBatchSize     prometheus.Histogram
	AddressDerivedTotal   *prometheus.CounterVec
	QueueDepth            *prometheus.GaugeVec // queue_type
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		SweepTaskTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_sweep_task_total",
			Help: "Terminal sweep task outcomes",
		}, []string{"status"}),
		SweepJobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_sweep_job_duration_seconds",
			Help:    "Duration of a single sweep execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue_type"}),
		SweepAmountTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_sweep_amount_total",
			Help: "Total swept amount",
		}, []string{"partner"}),
		CircuitOpenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custody_sweep_circuit_open_total",
			Help: "Times a partner sweep configuration tripped its circuit breaker",
		}),
		EnergyAllocatedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_energy_allocated_total",
			Help: "Energy allocations by supplier type",
		}, []string{"supplier_type"}),
		EnergyPoolCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_energy_pool_capacity",
			Help: "Available capacity per supplier",
		}, []string{"supplier"}),
		WithdrawDecisionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_withdraw_decision_total",
			Help: "Withdrawal approval decisions",
		}, []string{"decision"}),
		WithdrawExecutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_withdraw_executed_total",
			Help: "Executed withdrawal outcomes",
		}, []string{"status"}),
		WithdrawBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_withdraw_batch_size",
			Help:    "Planned withdrawal batch sizes",
			Buckets: []float64{1, 5, 10, 20, 50},
		}),
		AddressDerivedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_address_derived_total",
			Help: "Derived deposit addresses",
		}, []string{"partner"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_sweep_queue_depth",
			Help: "Queued sweep tasks by queue type",
		}, []string{"queue_type"}),
	}
}
