// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystemSignaling  = "signaling"
	subsystemMeeting    = "meeting"
	subsystemVerifier   = "verifier"
	subsystemQuality    = "quality"
	subsystemMediaRoute = "mediarouter"
)

// Metrics holds every counter/gauge exported by the control plane. One
// instance, owned by confsvc.Service, records events from
// MeetingRegistry, SessionCoordinator, FingerprintVerifier,
// AckAggregator, RtcpCollector and QualityController.
type Metrics struct {
	registry *prometheus.Registry

	WSConnections      prometheus.Gauge
	SessionStates      *prometheus.CounterVec
	ActiveSessions     *prometheus.GaugeVec
	ActiveMeetings     prometheus.Gauge
	ProtocolErrors     *prometheus.CounterVec
	FingerprintOutcome *prometheus.CounterVec
	FingerprintSweeps  prometheus.Counter
	AckSummaries       prometheus.Counter
	AckMatchRate       prometheus.Histogram
	RtcpSamples        *prometheus.CounterVec
	TierChanges        *prometheus.CounterVec
	MediaRouterErrors  *prometheus.CounterVec
}

// NewMetrics builds and registers the Metrics set under namespace. A nil
// registry creates and owns a private one, mirroring how a process-wide
// registry is shared across components without relying on package-level
// singletons.
func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSignaling,
		Name:      "ws_connections",
		Help:      "Number of open signaling connections.",
	})
	m.registry.MustRegister(m.WSConnections)

	m.SessionStates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemSignaling,
		Name:      "session_state_transitions_total",
		Help:      "Total number of session state machine transitions.",
	}, []string{"state"})
	m.registry.MustRegister(m.SessionStates)

	m.ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemMeeting,
		Name:      "sessions",
		Help:      "Number of sessions currently registered per meeting.",
	}, []string{"meetingID"})
	m.registry.MustRegister(m.ActiveSessions)

	m.ActiveMeetings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemMeeting,
		Name:      "active_total",
		Help:      "Number of meetings currently live in the registry.",
	})
	m.registry.MustRegister(m.ActiveMeetings)

	m.ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemSignaling,
		Name:      "errors_total",
		Help:      "Total number of protocol errors returned to clients, by code.",
	}, []string{"code"})
	m.registry.MustRegister(m.ProtocolErrors)

	m.FingerprintOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemVerifier,
		Name:      "outcomes_total",
		Help:      "Total number of per-receiver fingerprint outcomes.",
	}, []string{"outcome"})
	m.registry.MustRegister(m.FingerprintOutcome)

	m.FingerprintSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemVerifier,
		Name:      "ttl_sweeps_total",
		Help:      "Total number of fingerprint records reclaimed by the TTL sweep.",
	})
	m.registry.MustRegister(m.FingerprintSweeps)

	m.AckSummaries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemVerifier,
		Name:      "ack_summaries_total",
		Help:      "Total number of ack-summary messages emitted to speakers.",
	})
	m.registry.MustRegister(m.AckSummaries)

	m.AckMatchRate = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemVerifier,
		Name:      "ack_match_rate",
		Help:      "Distribution of per-window matchRate values reported to speakers.",
		Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 0.95, 1.0},
	})
	m.registry.MustRegister(m.AckMatchRate)

	m.RtcpSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemQuality,
		Name:      "rtcp_samples_total",
		Help:      "Total number of RTCP samples ingested per meeting.",
	}, []string{"meetingID"})
	m.registry.MustRegister(m.RtcpSamples)

	m.TierChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemQuality,
		Name:      "tier_changes_total",
		Help:      "Total number of tier changes applied, by resulting tier.",
	}, []string{"tier"})
	m.registry.MustRegister(m.TierChanges)

	m.MediaRouterErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemMediaRoute,
		Name:      "errors_total",
		Help:      "Total number of MediaRouter call failures, by operation.",
	}, []string{"op"})
	m.registry.MustRegister(m.MediaRouterErrors)

	return &m
}

// Handler returns the HTTP handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }

func (m *Metrics) IncSessionState(state string) {
	m.SessionStates.With(prometheus.Labels{"state": state}).Inc()
}

func (m *Metrics) SetActiveSessions(meetingID string, n int) {
	m.ActiveSessions.With(prometheus.Labels{"meetingID": meetingID}).Set(float64(n))
}

func (m *Metrics) DeleteActiveSessions(meetingID string) {
	m.ActiveSessions.Delete(prometheus.Labels{"meetingID": meetingID})
}

func (m *Metrics) IncActiveMeetings() { m.ActiveMeetings.Inc() }
func (m *Metrics) DecActiveMeetings() { m.ActiveMeetings.Dec() }

func (m *Metrics) IncProtocolError(code int) {
	m.ProtocolErrors.With(prometheus.Labels{"code": strconv.Itoa(code)}).Inc()
}

func (m *Metrics) IncFingerprintOutcome(outcome string) {
	m.FingerprintOutcome.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) AddFingerprintSweeps(n int) {
	m.FingerprintSweeps.Add(float64(n))
}

func (m *Metrics) ObserveAckSummary(matchRate float64) {
	m.AckSummaries.Inc()
	m.AckMatchRate.Observe(matchRate)
}

func (m *Metrics) IncRtcpSamples(meetingID string) {
	m.RtcpSamples.With(prometheus.Labels{"meetingID": meetingID}).Inc()
}

func (m *Metrics) IncTierChange(tier string) {
	m.TierChanges.With(prometheus.Labels{"tier": tier}).Inc()
}

func (m *Metrics) IncMediaRouterError(op string) {
	m.MediaRouterErrors.With(prometheus.Labels{"op": op}).Inc()
}
