package activity

import (
	"fmt"

	"github.com/ignition/privacy-agent/pkg/domains"
)

// ReasonNoActiveActivity is the deny reason when no activity grants access.
const ReasonNoActiveActivity = "no_active_activity"

// IRunningChecker reports whether a pid is still alive.
type IRunningChecker interface {
	Running(pid int) bool
}

// Admission answers per-connection questions straight from the activity
// table, without waiting for the next state machine tick.
type Admission struct {
	table   *Table
	running IRunningChecker
}

// NewAdmission builds an admission check. running may be nil, in which case
// every tabled activity is assumed alive.
func NewAdmission(table *Table, running IRunningChecker) *Admission {
	return &Admission{table: table, running: running}
}

// Allow walks the active activities in insertion order; the first one that
// grants access decides. An activity grants access when the domain is one
// of its allowed domains, or unconditionally when its action is
// unrestricted or monitored.
func (a *Admission) Allow(domain string, port int) (bool, string) {
	for _, act := range a.table.List() {
		if a.running != nil && !a.running.Running(act.Process.PID) {
			continue
		}
		if domains.NewSet(act.AllowedDomains...).Contains(domain) {
			return true, fmt.Sprintf("%s (confidence %.2f)", act.Kind, act.Confidence)
		}
		switch act.Action {
		case ActionAllowUnrestricted:
			return true, fmt.Sprintf("%s (unrestricted)", act.Kind)
		case ActionAllowWithMonitoring:
			return true, fmt.Sprintf("%s (monitored)", act.Kind)
		}
	}
	return false, ReasonNoActiveActivity
}
