package privacy

import (
	"context"
	"fmt"
	"time"

	"github.com/ignition/privacy-agent/pkg/activity"
)

// ActivityStatus summarises activity detection for status reports.
type ActivityStatus struct {
	Enabled        bool                        `json:"enabled" yaml:"enabled"`
	ActiveCount    int                         `json:"activeCount" yaml:"activeCount"`
	HighConfidence int                         `json:"highConfidence" yaml:"highConfidence"`
	HealthScore    float64                     `json:"healthScore" yaml:"healthScore"`
	Fallback       bool                        `json:"fallback" yaml:"fallback"`
	Activities     []activity.DetectedActivity `json:"activities" yaml:"activities"`
}

// Status is a point-in-time report of the machine.
type Status struct {
	State           State                `json:"state" yaml:"state"`
	Mode            Mode                 `json:"mode" yaml:"mode"`
	Description     string               `json:"description" yaml:"description"`
	PrivacyEnabled  bool                 `json:"privacyEnabled" yaml:"privacyEnabled"`
	StartupTime     time.Time            `json:"startupTime" yaml:"startupTime"`
	Uptime          string               `json:"uptime" yaml:"uptime"`
	Ready           bool                 `json:"ready" yaml:"ready"`
	Downloads       DownloadStatus       `json:"downloads" yaml:"downloads"`
	AllowSet        []string             `json:"allowSet" yaml:"allowSet"`
	AppliedAllowSet []string             `json:"appliedAllowSet" yaml:"appliedAllowSet"`
	LastApplied     time.Time            `json:"lastApplied,omitempty" yaml:"lastApplied,omitempty"`
	BlockedDomains  []string             `json:"blockedDomains" yaml:"blockedDomains"`
	TemporaryAllows map[string]time.Time `json:"temporaryAllows,omitempty" yaml:"temporaryAllows,omitempty"`
	Activity        ActivityStatus       `json:"activity" yaml:"activity"`
}

// DescribeMode renders the human-readable mode line.
func DescribeMode(cfg Config, state State) string {
	switch {
	case !cfg.PrivacyEnabled:
		return "Privacy disabled"
	case cfg.MonitoringOnly:
		return fmt.Sprintf("Monitoring-only (%s) + Activity Detection", state)
	default:
		return fmt.Sprintf("Active blocking (%s) + Activity Aware", state)
	}
}

// Status probes readiness and downloads and reports the current view.
func (m *Machine) Status(ctx context.Context) Status {
	dl, _ := m.downloadStatus(ctx)
	ready := m.ready(ctx)
	act := m.activityStatus()

	m.mu.RLock()
	cfg := m.config
	state := m.state
	startup := m.startup
	lastApply := m.lastApply
	m.mu.RUnlock()

	mode := ModeActive
	if cfg.MonitoringOnly {
		mode = ModeMonitoringOnly
	}
	active := act.Active
	if active == nil {
		active = []activity.DetectedActivity{}
	}

	return Status{
		State:           state,
		Mode:            mode,
		Description:     DescribeMode(cfg, state),
		PrivacyEnabled:  cfg.PrivacyEnabled,
		StartupTime:     startup,
		Uptime:          m.now().Sub(startup).Round(time.Second).String(),
		Ready:           ready,
		Downloads:       dl,
		AllowSet:        m.computeAllowSet(state, act, m.now()),
		AppliedAllowSet: m.LastAllowSet(),
		LastApplied:     lastApply,
		BlockedDomains:  cfg.BlockedDomains(),
		TemporaryAllows: m.TemporaryAllows(),
		Activity: ActivityStatus{
			Enabled:        act.Available,
			ActiveCount:    len(act.Active),
			HighConfidence: act.HighConfidence,
			HealthScore:    act.HealthScore,
			Fallback:       act.Fallback,
			Activities:     active,
		},
	}
}
