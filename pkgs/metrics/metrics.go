// Package metrics exposes coordinator metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IntentionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_intentions_submitted_total",
			Help: "Total number of trade intentions accepted",
		},
		[]string{"side"},
	)

	IntentionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_intention_transitions_total",
			Help: "Intention state transitions by target state",
		},
		[]string{"to_state"},
	)

	Attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_attestations_total",
			Help: "Attestations processed by outcome",
		},
		[]string{"result"},
	)

	MatchesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_matches_finalized_total",
			Help: "Matches finalized by path",
		},
		[]string{"path"},
	)

	MatchesExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whisper_matches_executed_total",
			Help: "Matches marked executed",
		},
	)

	RosterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisper_verifier_roster_size",
			Help: "Number of registered verifiers",
		},
	)

	RelaySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_discovery_sends_total",
			Help: "Discovery messages sent to peer venues by result",
		},
		[]string{"peer", "result"},
	)

	RelaySendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisper_discovery_send_duration_seconds",
			Help:    "Duration of a single discovery send",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	DiscoveryReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_discovery_received_total",
			Help: "Inbound discovery messages by outcome",
		},
		[]string{"result"},
	)

	DiscoveryMeshPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisper_discovery_mesh_peers",
			Help: "Peers subscribed to the gossip discovery topic",
		},
	)

	OracleQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisper_oracle_queries_total",
			Help: "Price oracle lookups by outcome",
		},
		[]string{"result"},
	)

	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisper_settlement_duration_seconds",
			Help:    "Duration of settlement venue calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisper_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(IntentionsSubmitted)
	prometheus.MustRegister(IntentionTransitions)
	prometheus.MustRegister(Attestations)
	prometheus.MustRegister(MatchesFinalized)
	prometheus.MustRegister(MatchesExecuted)
	prometheus.MustRegister(RosterSize)
	prometheus.MustRegister(RelaySends)
	prometheus.MustRegister(RelaySendDuration)
	prometheus.MustRegister(DiscoveryReceived)
	prometheus.MustRegister(DiscoveryMeshPeers)
	prometheus.MustRegister(OracleQueries)
	prometheus.MustRegister(SettlementDuration)
	prometheus.MustRegister(APIRequestDuration)
}
