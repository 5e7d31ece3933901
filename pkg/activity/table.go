package activity

import (
	"sync"
	"time"

	"github.com/ignition/privacy-agent/pkg/procwatch"
)

// DetectionContext is the evidence attached to a detection.
type DetectionContext struct {
	LineageLength     int      `json:"lineageLength" yaml:"lineageLength"`
	ParentCommand     string   `json:"parentCommand,omitempty" yaml:"parentCommand,omitempty"`
	WorkingDirectory  string   `json:"workingDirectory" yaml:"workingDirectory"`
	HealthScore       float64  `json:"healthScore" yaml:"healthScore"`
	AdaptiveThreshold float64  `json:"adaptiveThresholdUsed" yaml:"adaptiveThresholdUsed"`
	Fallback          bool     `json:"fallback" yaml:"fallback"`
	MatchedRules      []string `json:"matchedRules" yaml:"matchedRules"`
}

// DetectedActivity is a classified process. Its confidence is fixed at
// detection time.
type DetectedActivity struct {
	ID               string                    `json:"id" yaml:"id"`
	Kind             Kind                      `json:"kind" yaml:"kind"`
	Confidence       float64                   `json:"confidence" yaml:"confidence"`
	Action           Action                    `json:"action" yaml:"action"`
	Process          procwatch.ProcessSnapshot `json:"process" yaml:"process"`
	Context          DetectionContext          `json:"context" yaml:"context"`
	DetectedAt       time.Time                 `json:"detectedAt" yaml:"detectedAt"`
	DurationEstimate time.Duration             `json:"durationEstimate" yaml:"durationEstimate"`
	AllowedDomains   []string                  `json:"allowedDomains" yaml:"allowedDomains"`
	RiskFactors      []string                  `json:"riskFactors" yaml:"riskFactors"`
}

// Table holds the active activities keyed by pid, remembering insertion
// order for the admission check.
type Table struct {
	mu    sync.RWMutex
	byPID map[int]DetectedActivity
	order []int
}

func NewTable() *Table {
	return &Table{byPID: make(map[int]DetectedActivity)}
}

// Put stores a, replacing any entry for the same pid in place.
func (t *Table) Put(a DetectedActivity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := a.Process.PID
	if _, exists := t.byPID[pid]; !exists {
		t.order = append(t.order, pid)
	}
	t.byPID[pid] = a
}

// Remove deletes the entry for pid and returns it.
func (t *Table) Remove(pid int) (DetectedActivity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byPID[pid]
	if !ok {
		return DetectedActivity{}, false
	}
	delete(t.byPID, pid)
	for i, p := range t.order {
		if p == pid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return a, true
}

func (t *Table) Get(pid int) (DetectedActivity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byPID[pid]
	return a, ok
}

func (t *Table) Has(pid int) bool {
	_, ok := t.Get(pid)
	return ok
}

// List returns the activities in insertion order.
func (t *Table) List() []DetectedActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DetectedActivity, 0, len(t.order))
	for _, pid := range t.order {
		out = append(out, t.byPID[pid])
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPID)
}

// CountAtLeast counts activities with confidence >= threshold.
func (t *Table) CountAtLeast(threshold float64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.byPID {
		if a.Confidence >= threshold {
			n++
		}
	}
	return n
}
