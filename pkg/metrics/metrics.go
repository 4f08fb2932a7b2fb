package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_scheduler_executions_total",
			Help: "Total scheduler callback executions by runner",
		},
		[]string{"runner"},
	)

	SchedulerSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_scheduler_skipped_total",
			Help: "Total interval boundaries skipped because the callback overran",
		},
		[]string{"runner"},
	)

	SchedulerDriftSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "volteria_scheduler_drift_seconds",
			Help:    "Observed drift from the wall-clock boundary per execution",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"runner"},
	)

	// Modbus metrics
	ModbusReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_modbus_reads_total",
			Help: "Total Modbus register reads by result",
		},
		[]string{"result"},
	)

	ModbusWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_modbus_writes_total",
			Help: "Total Modbus register writes by result",
		},
		[]string{"result"},
	)

	ModbusConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volteria_modbus_connections_open",
			Help: "Currently open pooled Modbus connections",
		},
	)

	// Device metrics
	DevicesOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volteria_devices_online",
			Help: "Online devices by type",
		},
		[]string{"type"},
	)

	// Control metrics
	ControlCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volteria_control_cycle_seconds",
			Help:    "Control cycle execution time",
			Buckets: prometheus.DefBuckets,
		},
	)

	SolarLimitPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volteria_solar_limit_pct",
			Help: "Last commanded solar limit as a percentage of inverter capacity",
		},
	)

	SafeModeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volteria_safe_mode_active",
			Help: "Whether safe mode is active (1) or not (0)",
		},
	)

	// Sync metrics
	CloudSyncPendingRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volteria_cloud_sync_pending_rows",
			Help: "Rows waiting for cloud upload by table",
		},
		[]string{"table"},
	)

	CloudSyncBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_cloud_sync_batches_total",
			Help: "Cloud upload batches by table and result",
		},
		[]string{"table", "result"},
	)

	AlarmsTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_alarms_triggered_total",
			Help: "Alarms triggered by severity",
		},
		[]string{"severity"},
	)

	// Supervisor metrics
	ServiceRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volteria_service_restarts_total",
			Help: "Service restarts performed by the supervisor",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		SchedulerExecutionsTotal,
		SchedulerSkippedTotal,
		SchedulerDriftSeconds,
		ModbusReadsTotal,
		ModbusWritesTotal,
		ModbusConnectionsOpen,
		DevicesOnline,
		ControlCycleSeconds,
		SolarLimitPct,
		SafeModeActive,
		CloudSyncPendingRows,
		CloudSyncBatchesTotal,
		AlarmsTriggeredTotal,
		ServiceRestartsTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
