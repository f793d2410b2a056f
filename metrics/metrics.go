// Package metrics defines collectors of the tabserve engine and RPC layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors of the RPC core.
var (
	RPCCallsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_rpc_calls_started_total",
		Help: "Cumulative number of outgoing calls started.",
	})
	RPCDispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_rpc_dispatch_failures_total",
		Help: "Cumulative number of inbound messages which failed to dispatch.",
	})
	RPCChunksSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_rpc_chunks_sent_total",
		Help: "Cumulative number of streamed chunk frames sent.",
	})
	RPCChunksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_rpc_chunks_received_total",
		Help: "Cumulative number of streamed chunk frames received.",
	})
)

// Collectors of the store connection pool.
var (
	StorePoolConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabserve_store_pool_connections_total",
		Help: "Current number of store handles managed by the pool.",
	})
	StorePoolConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tabserve_store_pool_connections_in_use",
		Help: "Current number of store handles acquired from the pool.",
	})
)

// Collectors of the query engine.
var (
	EngineActionsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_engine_actions_applied_total",
		Help: "Cumulative number of document actions applied.",
	})
	EngineRowsStreamedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tabserve_engine_rows_streamed_total",
		Help: "Cumulative number of rows emitted by streaming fetches.",
	})
)
