package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignition/privacy-agent/pkg/health"
	"github.com/ignition/privacy-agent/pkg/procwatch"
)

type fakeHealth struct {
	mu        sync.Mutex
	fallback  bool
	score     float64
	threshold float64
	successes []float64
	failures  []string
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{score: 1.0, threshold: 0.5}
}

func (f *fakeHealth) RecordSuccess(c float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, c)
}

func (f *fakeHealth) RecordFailure(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, kind)
}

func (f *fakeHealth) HealthScore() float64       { return f.score }
func (f *fakeHealth) ShouldFallback() bool       { return f.fallback }
func (f *fakeHealth) AdaptiveThreshold() float64 { return f.threshold }

type fakeLineage map[int]procwatch.Lineage

func (f fakeLineage) Lineage(pid int) procwatch.Lineage { return f[pid] }

func TestClassifyPipInstall(t *testing.T) {
	h := newFakeHealth()
	parent := proc("/workspace", "bash")
	c := NewClassifier(ClassifierConfig{
		Health:  h,
		Lineage: fakeLineage{100: {parent}},
		Now:     func() time.Time { return time.Unix(1700000000, 0) },
	})

	a := c.Classify(proc("/workspace", "pip", "install", "torch"))
	require.NotNil(t, a)
	assert.Equal(t, KindPipInstall, a.Kind)
	assert.InDelta(t, 0.855, a.Confidence, 1e-9)
	assert.Equal(t, ActionAllowWithMonitoring, a.Action)
	assert.Contains(t, a.AllowedDomains, "pypi.org")
	assert.Equal(t, 180*time.Second, a.DurationEstimate)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 1, a.Context.LineageLength)
	assert.Equal(t, "bash", a.Context.ParentCommand)
	assert.Equal(t, "/workspace", a.Context.WorkingDirectory)
	assert.Equal(t, 0.5, a.Context.AdaptiveThreshold)
	assert.Empty(t, a.RiskFactors)

	assert.Equal(t, []float64{a.Confidence}, h.successes)
	assert.True(t, c.Table().Has(100))
}

func TestClassifyCondaPythonPip(t *testing.T) {
	c := NewClassifier(ClassifierConfig{Health: newFakeHealth()})
	a := c.Classify(proc("/", "/opt/conda/bin/python3.11", "/opt/conda/bin/pip", "install", "tensorflow"))
	require.NotNil(t, a)
	assert.Equal(t, KindPipInstall, a.Kind)
	assert.Contains(t, a.Context.MatchedRules, "command:python-pip")
}

func TestClassifyNoMatchRecordsFailure(t *testing.T) {
	h := newFakeHealth()
	c := NewClassifier(ClassifierConfig{Health: h})

	assert.Nil(t, c.Classify(proc("/", "curl", "https://example.com")))
	assert.Equal(t, []string{""}, h.failures)
	assert.Empty(t, h.successes)
	assert.Equal(t, 0, c.Table().Len())
}

func TestClassifyBelowFloor(t *testing.T) {
	h := newFakeHealth()
	low, _ := CompilePattern(KindWebDownload, PatternSpec{
		Commands:       []string{"curl"},
		BaseConfidence: f64(0.2),
	})
	c := NewClassifier(ClassifierConfig{Patterns: []*Pattern{low}, Health: h})

	// 0.3 * 0.2 = 0.06
	assert.Nil(t, c.Classify(proc("/", "curl", "x")))
	assert.Len(t, h.failures, 1)
}

func TestClassifyFallbackDampens(t *testing.T) {
	h := newFakeHealth()
	h.fallback = true
	h.threshold = 0.9
	c := NewClassifier(ClassifierConfig{Health: h})

	a := c.Classify(proc("/workspace", "pip", "install", "torch"))
	require.NotNil(t, a)
	assert.InDelta(t, 0.855*0.8, a.Confidence, 1e-9)
	assert.Equal(t, ActionStrictAllowlist, a.Action)
	assert.True(t, a.Context.Fallback)
	assert.Equal(t, 0.9, a.Context.AdaptiveThreshold)
}

func TestClassifyTieKeepsFirstPattern(t *testing.T) {
	first, _ := CompilePattern(KindGitClone, PatternSpec{Commands: []string{"git"}})
	second, _ := CompilePattern(KindGitPull, PatternSpec{Commands: []string{"git"}})
	c := NewClassifier(ClassifierConfig{Patterns: []*Pattern{first, second}})

	a := c.Classify(proc("/", "git", "fetch"))
	require.NotNil(t, a)
	assert.Equal(t, KindGitClone, a.Kind)
}

func TestClassifyRiskFactors(t *testing.T) {
	p, _ := CompilePattern(KindPackageInstall, PatternSpec{
		Commands:       []string{"sudo", "apt"},
		BaseConfidence: f64(1.0),
		RiskFactors:    []string{"system_package"},
	})
	c := NewClassifier(ClassifierConfig{Patterns: []*Pattern{p}})

	root := procwatch.NewSnapshot(7, 1, "", []string{"sudo", "apt-get", "install", "curl"}, "/", 0, 0, time.Now())
	a := c.Classify(root)
	require.NotNil(t, a)
	assert.Equal(t, []string{"system_package", "elevated_privileges", "running_as_root"}, a.RiskFactors)
}

func TestClassifyRecoversFromPatternPanic(t *testing.T) {
	h := newFakeHealth()
	broken, _ := CompilePattern(KindSuspicious, PatternSpec{Commands: []string{"pip"}})
	broken.modifiers = []weightedModifier{{
		name:   ModUsesSudo,
		weight: 0.1,
		check:  func(procwatch.ProcessSnapshot) bool { panic("bad predicate") },
	}}
	c := NewClassifier(ClassifierConfig{
		Patterns: append([]*Pattern{broken}, DefaultPatterns()...),
		Health:   h,
	})

	a := c.Classify(proc("/workspace", "pip", "install", "torch"))
	require.NotNil(t, a)
	assert.Equal(t, KindPipInstall, a.Kind)
	assert.Equal(t, []string{errKindPatternPanic}, h.failures)
	assert.Len(t, h.successes, 1)
}

func TestObserveDoesNotReclassify(t *testing.T) {
	h := newFakeHealth()
	var detected int
	c := NewClassifier(ClassifierConfig{Health: h, OnDetected: func(DetectedActivity) { detected++ }})

	p := proc("/workspace", "pip", "install", "torch")
	c.Observe(p)
	first, ok := c.Table().Get(p.PID)
	require.True(t, ok)

	c.Observe(p)
	again, _ := c.Table().Get(p.PID)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, detected)
	assert.Len(t, h.successes, 1)
}

func TestProcessEnded(t *testing.T) {
	var completed []Kind
	c := NewClassifier(ClassifierConfig{OnCompleted: func(a DetectedActivity) { completed = append(completed, a.Kind) }})
	c.Classify(proc("/workspace", "pip", "install", "torch"))
	require.Equal(t, 1, c.Table().Len())

	c.ProcessEnded(999)
	assert.Equal(t, 1, c.Table().Len())

	c.ProcessEnded(100)
	assert.Equal(t, 0, c.Table().Len())
	assert.Equal(t, []Kind{KindPipInstall}, completed)
}

func TestClassifierWithRealHealthMonitor(t *testing.T) {
	m := health.NewMonitor()
	c := NewClassifier(ClassifierConfig{Health: m})

	for i := 0; i < 10; i++ {
		c.Classify(procwatch.NewSnapshot(200+i, 1, "", []string{"ls"}, "/", 1000, 1000, time.Now()))
	}
	assert.True(t, m.ShouldFallback())

	a := c.Classify(proc("/workspace", "pip", "install", "torch"))
	require.NotNil(t, a)
	assert.True(t, a.Context.Fallback)
	assert.Less(t, a.Confidence, 0.855)
}
