// Package activity classifies processes into activities with a confidence
// score, keeps the table of activities that are still running and answers
// per-connection admission questions from that table.
package activity

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignition/privacy-agent/pkg/procwatch"
)

const (
	// DetectionFloor is the minimum confidence for a detection.
	DetectionFloor = 0.1
	// FallbackDampening scales confidence while the health monitor
	// recommends conservative behaviour.
	FallbackDampening = 0.8
	// ThresholdLowDefault is reported when no health monitor is wired in.
	ThresholdLowDefault = 0.5

	errKindPatternPanic = "pattern_panic"
)

// ILineageProvider returns the ancestors of a pid.
type ILineageProvider interface {
	Lineage(pid int) procwatch.Lineage
}

// IHealth is the feedback loop the classifier reports into.
type IHealth interface {
	RecordSuccess(confidence float64)
	RecordFailure(errorKind string)
	HealthScore() float64
	ShouldFallback() bool
	AdaptiveThreshold() float64
}

// ClassifierConfig configures a Classifier.
type ClassifierConfig struct {
	Patterns []*Pattern
	Lineage  ILineageProvider
	Health   IHealth
	Table    *Table
	Logger   *slog.Logger
	Now      func() time.Time
	// OnDetected, when set, is called after an activity enters the table.
	OnDetected func(DetectedActivity)
	// OnCompleted, when set, is called after an activity leaves the table.
	OnCompleted func(DetectedActivity)
}

type Classifier struct {
	patterns    []*Pattern
	lineage     ILineageProvider
	health      IHealth
	table       *Table
	logger      *slog.Logger
	now         func() time.Time
	onDetected  func(DetectedActivity)
	onCompleted func(DetectedActivity)
}

type noLineage struct{}

func (noLineage) Lineage(int) procwatch.Lineage { return nil }

func NewClassifier(config ClassifierConfig) *Classifier {
	if config.Patterns == nil {
		config.Patterns = DefaultPatterns()
	}
	if config.Lineage == nil {
		config.Lineage = noLineage{}
	}
	if config.Table == nil {
		config.Table = NewTable()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Classifier{
		patterns:    config.Patterns,
		lineage:     config.Lineage,
		health:      config.Health,
		table:       config.Table,
		logger:      config.Logger,
		now:         config.Now,
		onDetected:  config.OnDetected,
		onCompleted: config.OnCompleted,
	}
}

func (c *Classifier) Table() *Table {
	return c.table
}

func (c *Classifier) Patterns() []*Pattern {
	return c.patterns
}

// Observe classifies a newly seen process unless its pid is already
// tracked.
func (c *Classifier) Observe(p procwatch.ProcessSnapshot) {
	if c.table.Has(p.PID) {
		return
	}
	c.Classify(p)
}

// matchSafely isolates a misbehaving pattern from the rest of the pass.
func (c *Classifier) matchSafely(pattern *Pattern, p procwatch.ProcessSnapshot, lineage procwatch.Lineage) (res MatchResult, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pattern %s panicked: %v", pattern.Kind, r)
		}
	}()
	res, ok = pattern.Match(p, lineage)
	return res, ok, nil
}

// Classify evaluates every pattern against p, records the outcome with the
// health monitor and stores a detection in the table. It returns nil when
// nothing matched above the detection floor.
func (c *Classifier) Classify(p procwatch.ProcessSnapshot) *DetectedActivity {
	lineage := c.lineage.Lineage(p.PID)

	var best *Pattern
	var bestResult MatchResult
	for _, pattern := range c.patterns {
		res, ok, err := c.matchSafely(pattern, p, lineage)
		if err != nil {
			c.logger.Error("pattern evaluation failed", "pid", p.PID, "error", err)
			c.recordFailure(errKindPatternPanic)
			continue
		}
		if ok && res.Confidence > bestResult.Confidence {
			best = pattern
			bestResult = res
		}
	}

	if best == nil || bestResult.Confidence < DetectionFloor {
		c.recordFailure("")
		return nil
	}

	threshold, fallback, healthScore := ThresholdLowDefault, false, 1.0
	if c.health != nil {
		threshold = c.health.AdaptiveThreshold()
		fallback = c.health.ShouldFallback()
		healthScore = c.health.HealthScore()
	}

	confidence := bestResult.Confidence
	if fallback {
		confidence *= FallbackDampening
	}

	a := DetectedActivity{
		ID:         uuid.NewString(),
		Kind:       best.Kind,
		Confidence: confidence,
		Action:     PolicyFor(confidence),
		Process:    p,
		Context: DetectionContext{
			LineageLength:     len(lineage),
			ParentCommand:     lineage.ParentCommand(),
			WorkingDirectory:  p.WorkingDirectory,
			HealthScore:       healthScore,
			AdaptiveThreshold: threshold,
			Fallback:          fallback,
			MatchedRules:      bestResult.Rules,
		},
		DetectedAt:       c.now(),
		DurationEstimate: best.DurationEstimate,
		AllowedDomains:   append([]string(nil), best.AllowedDomains...),
		RiskFactors:      riskFactors(best, p),
	}

	if c.health != nil {
		c.health.RecordSuccess(confidence)
	}
	c.table.Put(a)

	c.logger.Info("activity detected",
		"kind", a.Kind,
		"pid", p.PID,
		"confidence", fmt.Sprintf("%.2f", a.Confidence),
		"action", a.Action,
		"rules", strings.Join(a.Context.MatchedRules, ","))

	if c.onDetected != nil {
		c.onDetected(a)
	}
	return &a
}

func (c *Classifier) recordFailure(kind string) {
	if c.health != nil {
		c.health.RecordFailure(kind)
	}
}

func riskFactors(pattern *Pattern, p procwatch.ProcessSnapshot) []string {
	factors := append([]string(nil), pattern.RiskFactors...)
	if strings.Contains(p.CommandLine, "sudo") {
		factors = append(factors, "elevated_privileges")
	}
	if p.OwnerUID == 0 {
		factors = append(factors, "running_as_root")
	}
	return factors
}

// ProcessEnded drops the activity for pid, if any.
func (c *Classifier) ProcessEnded(pid int) {
	a, ok := c.table.Remove(pid)
	if !ok {
		return
	}
	c.logger.Info("activity completed", "kind", a.Kind, "pid", pid,
		"duration", c.now().Sub(a.DetectedAt).Round(time.Second))
	if c.onCompleted != nil {
		c.onCompleted(a)
	}
}
