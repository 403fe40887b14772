package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// SessionsOnline tracks live sessions held in the registry.
	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steam_sessions_online",
			Help: "Number of live Steam sessions in the registry",
		},
	)

	// LoginsTotal tracks login outcomes by operation and result kind.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steam_logins_total",
			Help: "Login attempts by operation (add/login/reconnect) and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ReconnectAttemptsTotal tracks reconnect loop attempts.
	ReconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "steam_reconnect_attempts_total",
			Help: "Total reconnect attempts across all accounts",
		},
	)

	// ReconnectEscalationsTotal counts backoff escalations after a
	// service-unavailable signal.
	ReconnectEscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "steam_reconnect_escalations_total",
			Help: "Reconnect episodes escalated to the long backoff interval",
		},
	)
)

// Proxy pool metrics
var (
	ProxyAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_allocations_total",
			Help: "Proxy allocation attempts by status (allocated/limit_reached)",
		},
		[]string{"status"},
	)

	ProxyLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_load_current",
			Help: "Current load per proxy",
		},
		[]string{"proxy_id"},
	)
)

// Farming metrics
var (
	FarmingActiveAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "farming_active_accounts",
			Help: "Accounts with an installed farming timer",
		},
	)

	FarmingCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farming_cycles_total",
			Help: "Farming cycles by outcome (ok/empty/error)",
		},
		[]string{"outcome"},
	)
)

// Notification metrics
var (
	NotifyClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notify_clients_connected",
			Help: "Currently registered notification connections",
		},
	)

	NotifySendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_sends_total",
			Help: "Notification send attempts by result (delivered/dropped)",
		},
		[]string{"result"},
	)

	NotifyEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notify_evictions_total",
			Help: "Connections evicted by the liveness probe",
		},
	)
)
