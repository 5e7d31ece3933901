// Package privacy implements the privacy state machine: it merges download
// protection, detected activities, uptime and workload readiness into one
// state, derives the domain allow-set for that state and pushes it to the
// enforcement layer on every transition.
package privacy

import (
	"fmt"
)

// State is the current privacy posture.
type State string

const (
	StateStartup          State = "startup"
	StateDownloadsActive  State = "downloads_active"
	StateActivityDetected State = "activity_detected"
	StateStrict           State = "strict"
	StateEmergencyBlock   State = "emergency_block"
)

// ParseState validates s.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateStartup, StateDownloadsActive, StateActivityDetected, StateStrict, StateEmergencyBlock:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// Mode is how the enforcement layer treats traffic outside the allow-set.
type Mode string

const (
	// ModeMonitoringOnly logs decisions but never drops traffic.
	ModeMonitoringOnly Mode = "monitoring-only"
	// ModeActive drops traffic outside the allow-set.
	ModeActive Mode = "active"
)

// DownloadStatus is the download protector's view.
type DownloadStatus struct {
	Protected   bool `json:"downloadsProtected" yaml:"downloadsProtected"`
	ActiveCount int  `json:"activeCount" yaml:"activeCount"`
}

// Active is true while a download process is running.
func (d DownloadStatus) Active() bool {
	return d.ActiveCount > 0
}

// InProgress is true while downloads run or are still protected.
func (d DownloadStatus) InProgress() bool {
	return d.Protected || d.Active()
}
