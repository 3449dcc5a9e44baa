// Package metrics exposes the signer's Prometheus metrics. The teacher
// hand-rolled its own Prometheus text encoder (a ChainMetrics interface
// wrapping a custom Export() string method); this module swaps that for
// github.com/prometheus/client_golang directly, registered against a
// private registry and served by promhttp, while keeping the same
// "one recorder struct, one method per subsystem event" shape the
// teacher's interface had.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Signer collects every counter/histogram/gauge this process emits,
// grouped by subsystem (rpc, chainview, decider, dkg, signing,
// coordinator, validator, gossip) the way the teacher grouped Build/
// Sign/Broadcast under one ChainMetrics interface.
type Signer struct {
	registry *prometheus.Registry

	RPCCallsTotal    *prometheus.CounterVec
	RPCCallDuration  *prometheus.HistogramVec
	RPCHealthStatus  *prometheus.GaugeVec

	ChainTipHeight    *prometheus.GaugeVec
	ReorgsTotal       *prometheus.CounterVec

	DecisionsTotal *prometheus.CounterVec

	DkgRoundsTotal    prometheus.Counter
	DkgRoundDuration  prometheus.Histogram

	SigningRoundsTotal    *prometheus.CounterVec
	SigningRoundDuration  prometheus.Histogram

	SweepsBroadcastTotal prometheus.Counter
	SweepFeeSatoshis     prometheus.Histogram

	ValidationMismatchesTotal *prometheus.CounterVec

	GossipMessagesTotal *prometheus.CounterVec
}

// New builds and registers every metric against a fresh registry.
func New() *Signer {
	reg := prometheus.NewRegistry()
	s := &Signer{
		registry: reg,

		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_rpc_calls_total",
			Help: "Total RPC calls made to Bitcoin/Stacks nodes, by method and outcome.",
		}, []string{"chain", "method", "outcome"}),

		RPCCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signer_rpc_call_duration_seconds",
			Help:    "RPC call latency, by chain and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "method"}),

		RPCHealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signer_rpc_endpoint_healthy",
			Help: "1 if the RPC endpoint's circuit breaker is closed, 0 if open.",
		}, []string{"chain", "endpoint"}),

		ChainTipHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signer_chain_tip_height",
			Help: "Height of the observed canonical chain tip.",
		}, []string{"chain"}),

		ReorgsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_reorgs_total",
			Help: "Total reorgs observed, by chain.",
		}, []string{"chain"}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_decisions_total",
			Help: "Total deposit/withdrawal decisions made, by request kind and acceptance.",
		}, []string{"request_kind", "accepted"}),

		DkgRoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signer_dkg_rounds_total",
			Help: "Total DKG rounds started.",
		}),

		DkgRoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signer_dkg_round_duration_seconds",
			Help:    "Wall-clock duration of completed DKG rounds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		SigningRoundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_signing_rounds_total",
			Help: "Total signing rounds, by terminal state.",
		}, []string{"state"}),

		SigningRoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signer_signing_round_duration_seconds",
			Help:    "Wall-clock duration of completed signing rounds.",
			Buckets: prometheus.DefBuckets,
		}),

		SweepsBroadcastTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signer_sweeps_broadcast_total",
			Help: "Total sweep transactions broadcast.",
		}),

		SweepFeeSatoshis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signer_sweep_fee_satoshis",
			Help:    "Fee paid by broadcast sweep transactions, in satoshis.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 14),
		}),

		ValidationMismatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_validation_mismatches_total",
			Help: "Total times the Validator's independent reconstruction disagreed with a coordinator proposal, by reason.",
		}, []string{"reason"}),

		GossipMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signer_gossip_messages_total",
			Help: "Total gossip messages sent or received, by direction and message type.",
		}, []string{"direction", "message_type"}),
	}

	reg.MustRegister(
		s.RPCCallsTotal, s.RPCCallDuration, s.RPCHealthStatus,
		s.ChainTipHeight, s.ReorgsTotal,
		s.DecisionsTotal,
		s.DkgRoundsTotal, s.DkgRoundDuration,
		s.SigningRoundsTotal, s.SigningRoundDuration,
		s.SweepsBroadcastTotal, s.SweepFeeSatoshis,
		s.ValidationMismatchesTotal,
		s.GossipMessagesTotal,
	)
	return s
}

// ObserveRPCCall records one RPC round trip.
func (s *Signer) ObserveRPCCall(chain, method string, d time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	s.RPCCallsTotal.WithLabelValues(chain, method, outcome).Inc()
	s.RPCCallDuration.WithLabelValues(chain, method).Observe(d.Seconds())
}

// Handler returns the promhttp handler serving this registry, to be
// mounted at /metrics by cmd/signer.
func (s *Signer) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
