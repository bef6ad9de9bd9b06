package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProgramOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_program_operations_total",
			Help: "Total number of key vault program calls",
		},
		[]string{"operation", "status"},
	)

	KeeperTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_keeper_ticks_total",
			Help: "Total number of keeper ticks",
		},
		[]string{"status"},
	)

	KeeperReinvestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_keeper_reinvests_total",
			Help: "Total number of reinvest attempts per outcome",
		},
		[]string{"status"},
	)

	KeeperReinvestedLamports = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyvault_keeper_reinvested_lamports_total",
			Help: "Lamports of borrow capacity the keeper has reinvested",
		},
	)

	IndexerSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_indexer_sync_total",
			Help: "Total number of indexer sync passes",
		},
		[]string{"status"},
	)

	IndexerSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyvault_indexer_sync_duration_seconds",
			Help:    "Duration of indexer sync passes",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~102s
		},
	)

	IndexerAccounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyvault_indexer_accounts",
			Help: "Program accounts seen in the last sync pass",
		},
		[]string{"kind"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyvault_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "code"},
	)

	APIWebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyvault_api_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)
