// Package metrics exposes the gateway's Prometheus collectors, one
// family per component, in the same promauto style the teacher's
// metrics package uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CurrentBlock tracks each chain's locally observed current block.
	CurrentBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whiteflag_chain_current_block",
			Help: "Current processed block height per chain",
		},
		[]string{"chain"},
	)

	// HighestBlock tracks the node's reported chain tip per chain.
	HighestBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whiteflag_chain_highest_block",
			Help: "Highest block height reported by the node per chain",
		},
		[]string{"chain"},
	)

	// BlocksProcessed counts blocks the listener has fully applied.
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_blocks_processed_total",
			Help: "Blocks fully processed per chain",
		},
		[]string{"chain"},
	)

	// BlockProcessingDuration times the processing of one block.
	BlockProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whiteflag_block_processing_duration_seconds",
			Help:    "Time spent processing one block",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// RPCCallDuration times individual node RPC round-trips.
	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whiteflag_rpc_call_duration_seconds",
			Help:    "Node RPC call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "method"},
	)

	// RPCCallErrors counts RPC failures by classification.
	RPCCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_rpc_call_errors_total",
			Help: "Node RPC failures by error kind",
		},
		[]string{"chain", "method", "kind"},
	)

	// MessagesExtracted counts Whiteflag messages found in received blocks.
	MessagesExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_messages_extracted_total",
			Help: "Whiteflag messages extracted from blocks per chain",
		},
		[]string{"chain"},
	)

	// MessagesSent counts transactions broadcast carrying an embedded message.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_messages_sent_total",
			Help: "Transactions broadcast with an embedded Whiteflag message",
		},
		[]string{"chain"},
	)

	// ConfirmationDepth tracks how many transactions are queued awaiting confirmation per chain.
	ConfirmationDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whiteflag_confirmation_queue_depth",
			Help: "Number of transactions awaiting confirmation per chain",
		},
		[]string{"chain"},
	)

	// ConfirmationsCompleted counts transactions that crossed the depth threshold.
	ConfirmationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_confirmations_completed_total",
			Help: "Transactions confirmed past the configured block depth",
		},
		[]string{"chain"},
	)

	// DispatcherRequests counts dispatcher operations by name and outcome.
	DispatcherRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiteflag_dispatcher_requests_total",
			Help: "Dispatcher operations by chain, operation and outcome",
		},
		[]string{"chain", "operation", "outcome"},
	)

	// CircuitBreakerState reports the current state (0=closed,1=open,2=half-open) per chain.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "whiteflag_circuit_breaker_state",
			Help: "Circuit breaker state per chain (0=closed, 1=open, 2=half-open)",
		},
		[]string{"chain"},
	)
)
