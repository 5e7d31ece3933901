// Package health tracks recent classification outcomes over three sliding
// windows and turns them into a blended health score, a fallback
// recommendation and an adaptive confidence threshold.
package health

import (
	"sync"
	"time"
)

// Window lengths.
const (
	ShortWindow  = 5 * time.Minute
	MediumWindow = 15 * time.Minute
	LongWindow   = time.Hour
)

// Confidence tiers returned by AdaptiveThreshold.
const (
	ThresholdHigh   = 0.9
	ThresholdMedium = 0.7
	ThresholdLow    = 0.5
)

const (
	fallbackHealth    = 0.3
	maxShortErrors    = 5
	successRateWeight = 0.7
	confidenceWeight  = 0.3
)

// Sample is one classification attempt.
type Sample struct {
	At         time.Time
	Success    bool
	Confidence float64
	ErrorKind  string
}

// Snapshot is a point-in-time view of the monitor, used by status output.
type Snapshot struct {
	Score             float64 `json:"score" yaml:"score"`
	ShortScore        float64 `json:"shortScore" yaml:"shortScore"`
	MediumScore       float64 `json:"mediumScore" yaml:"mediumScore"`
	LongScore         float64 `json:"longScore" yaml:"longScore"`
	ShortErrors       int     `json:"shortErrors" yaml:"shortErrors"`
	Detections        int     `json:"detections" yaml:"detections"`
	ShouldFallback    bool    `json:"shouldFallback" yaml:"shouldFallback"`
	AdaptiveThreshold float64 `json:"adaptiveThreshold" yaml:"adaptiveThreshold"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	now        func() time.Time
	detections []Sample
	errors     []Sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordSuccess records a classification that produced an activity.
func (m *Monitor) RecordSuccess(confidence float64) {
	m.Record(true, confidence, "")
}

// RecordFailure records an unsuccessful attempt. An empty errorKind means
// nothing matched well enough; a non-empty one is a hard error and also
// counts towards the short-window error burst.
func (m *Monitor) RecordFailure(errorKind string) {
	m.Record(false, 0, errorKind)
}

// Record appends a sample and prunes everything older than the long window.
func (m *Monitor) Record(success bool, confidence float64, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sample := Sample{At: now, Success: success, Confidence: confidence, ErrorKind: errorKind}
	m.detections = append(m.detections, sample)
	if !success && errorKind != "" {
		m.errors = append(m.errors, sample)
	}

	cutoff := now.Add(-LongWindow)
	m.detections = prune(m.detections, cutoff)
	m.errors = prune(m.errors, cutoff)
}

func prune(samples []Sample, cutoff time.Time) []Sample {
	kept := samples[:0]
	for _, s := range samples {
		if !s.At.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// windowScore is 0.7*success_rate + 0.3*avg_confidence over samples newer
// than now-window, and 1.0 when the window is empty.
func windowScore(samples []Sample, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	total, successes := 0, 0
	confidenceSum := 0.0
	for _, s := range samples {
		if s.At.Before(cutoff) {
			continue
		}
		total++
		if s.Success {
			successes++
			confidenceSum += s.Confidence
		}
	}
	if total == 0 {
		return 1.0
	}

	successRate := float64(successes) / float64(total)
	avgConfidence := 0.0
	if successes > 0 {
		avgConfidence = confidenceSum / float64(successes)
	}
	return successRateWeight*successRate + confidenceWeight*avgConfidence
}

func countSince(samples []Sample, cutoff time.Time) int {
	n := 0
	for _, s := range samples {
		if !s.At.Before(cutoff) {
			n++
		}
	}
	return n
}

func (m *Monitor) snapshotLocked() Snapshot {
	now := m.now()
	short := windowScore(m.detections, now, ShortWindow)
	medium := windowScore(m.detections, now, MediumWindow)
	long := windowScore(m.detections, now, LongWindow)
	score := 0.5*short + 0.3*medium + 0.2*long
	shortErrors := countSince(m.errors, now.Add(-ShortWindow))

	return Snapshot{
		Score:             score,
		ShortScore:        short,
		MediumScore:       medium,
		LongScore:         long,
		ShortErrors:       shortErrors,
		Detections:        len(m.detections),
		ShouldFallback:    score < fallbackHealth || shortErrors > maxShortErrors,
		AdaptiveThreshold: thresholdFor(score),
	}
}

func thresholdFor(score float64) float64 {
	switch {
	case score < 0.5:
		return ThresholdHigh
	case score < 0.7:
		return ThresholdMedium
	default:
		return ThresholdLow
	}
}

// HealthScore blends the three windows 0.5/0.3/0.2, short first.
func (m *Monitor) HealthScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().Score
}

// ShouldFallback is true on a sustained quality drop or an error burst.
func (m *Monitor) ShouldFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().ShouldFallback
}

func (m *Monitor) AdaptiveThreshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().AdaptiveThreshold
}

// Snapshot returns all derived values computed at one instant.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}
