package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/enforce"
	"github.com/ignition/privacy-agent/pkg/privacy"
)

const namespace = "privacy_agent"

var allStates = []privacy.State{
	privacy.StateStartup,
	privacy.StateDownloadsActive,
	privacy.StateActivityDetected,
	privacy.StateStrict,
	privacy.StateEmergencyBlock,
}

// Metrics owns the agent's prometheus registry. The Observe* methods are
// meant to be plugged into the machine, filter and classifier hooks.
type Metrics struct {
	Registry *prometheus.Registry

	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	applies     *prometheus.CounterVec
	allowSet    prometheus.Gauge
	verdicts    *prometheus.CounterVec
	detections  *prometheus.CounterVec
}

// NewMetrics registers the agent collectors. health and activities feed
// gauges that are read at scrape time and may be nil.
func NewMetrics(health privacy.IHealthSource, activities privacy.IActivitySource) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current privacy state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Privacy state transitions.",
		}, []string{"from", "to"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_applies_total",
			Help:      "Allow-set applications by mode and result.",
		}, []string{"mode", "result"}),
		allowSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allow_set_domains",
			Help:      "Domains in the last applied allow-set.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_decisions_total",
			Help:      "Packet decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_detections_total",
			Help:      "Detected activities by kind and policy action.",
		}, []string{"kind", "action"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.state, m.transitions, m.applies, m.allowSet, m.verdicts, m.detections,
	)
	if health != nil {
		m.Registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_score",
				Help:      "Weighted classification health score.",
			}, health.HealthScore),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_fallback",
				Help:      "1 while conservative fallback is recommended.",
			}, func() float64 { return boolGauge(health.ShouldFallback()) }),
		)
	}
	if activities != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_activities",
			Help:      "Activities currently in the active table.",
		}, func() float64 { return float64(len(activities.List())) }))
	}
	return m
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetState marks s as the current state.
func (m *Metrics) SetState(s privacy.State) {
	for _, st := range allStates {
		m.state.WithLabelValues(string(st)).Set(boolGauge(st == s))
	}
}

func (m *Metrics) ObserveTransition(t privacy.Transition) {
	m.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	m.SetState(t.To)
}

func (m *Metrics) ObserveApply(domains []string, mode privacy.Mode, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.applies.WithLabelValues(string(mode), result).Inc()
	if err == nil {
		m.allowSet.Set(float64(len(domains)))
	}
}

func (m *Metrics) ObserveDecision(d enforce.Decision) {
	m.verdicts.WithLabelValues(d.Decision, d.Reason).Inc()
}

func (m *Metrics) ObserveDetection(a activity.DetectedActivity) {
	m.detections.WithLabelValues(string(a.Kind), string(a.Action)).Inc()
}
