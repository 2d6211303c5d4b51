package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsSubmitted tracks payments accepted for processing
	PaymentsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_payments_submitted_total",
			Help: "Total number of payments submitted",
		},
		[]string{"currency"},
	)

	// PaymentsProcessed tracks terminal outcomes per currency
	PaymentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_payments_processed_total",
			Help: "Total number of payments that reached a terminal status",
		},
		[]string{"currency", "status"},
	)

	// PaymentsSkipped tracks redelivered jobs that were already terminal
	PaymentsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_payments_skipped_total",
			Help: "Total number of redelivered jobs skipped by the idempotency guard",
		},
		[]string{"currency"},
	)

	// ConfirmationTimeouts tracks transfers broadcast but not seen confirmed
	ConfirmationTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_confirmation_timeouts_total",
			Help: "Total number of settlement confirmation timeouts",
		},
		[]string{"currency"},
	)

	// SettlementAttempts tracks calls to settlement backends, including retries
	SettlementAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_settlement_attempts_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"currency", "result"},
	)

	// ProcessingDuration tracks end-to-end job processing time
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_processing_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"currency"},
	)

	// ProcessingDurationAvg is the rolling average over recent jobs in this worker
	ProcessingDurationAvg = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_processing_duration_rolling_avg_seconds",
			Help: "Rolling average processing duration of recent jobs",
		},
	)

	// RPCCallsTotal tracks node wallet RPC calls
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks failed node wallet RPC calls
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// WorkersRunning tracks live worker processes
	WorkersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_workers_running",
			Help: "Number of worker processes currently running",
		},
	)

	// WorkersDesired tracks the autoscaler's target pool size
	WorkersDesired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_workers_desired",
			Help: "Target number of worker processes",
		},
	)

	// WorkerRestarts tracks scheduled worker restarts
	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_worker_restarts_total",
			Help: "Total number of worker restarts scheduled",
		},
	)

	// RestartLoopAlerts tracks restart loop alerts raised
	RestartLoopAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_restart_loop_alerts_total",
			Help: "Total number of restart loop alerts",
		},
	)

	// HostCPULoad tracks the last sampled CPU load percentage
	HostCPULoad = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_host_cpu_load_percent",
			Help: "Last sampled host CPU load",
		},
	)

	// HostCPULoadAvg tracks the rolling average of CPU load samples
	HostCPULoadAvg = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_host_cpu_load_rolling_avg_percent",
			Help: "Rolling average of recent host CPU load samples",
		},
	)

	// PaymentsPruned tracks terminal records removed by the retention pruner
	PaymentsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_payments_pruned_total",
			Help: "Total number of terminal payment records pruned",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections used
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_db_connection_pool_usage_percent",
			Help: "Percentage of maximum open DB connections in use",
		},
	)
)
