package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignition/privacy-agent/pkg/procwatch"
)

func proc(cwd string, argv ...string) procwatch.ProcessSnapshot {
	return procwatch.NewSnapshot(100, 1, "", argv, cwd, 1000, 1000, time.Unix(0, 0))
}

func patternFor(t *testing.T, kind Kind) *Pattern {
	t.Helper()
	for _, p := range DefaultPatterns() {
		if p.Kind == kind {
			return p
		}
	}
	t.Fatalf("no default pattern for %s", kind)
	return nil
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Action
	}{
		{1.0, ActionAllowUnrestricted},
		{0.95, ActionAllowUnrestricted},
		{0.9, ActionAllowUnrestricted},
		{0.89, ActionAllowWithMonitoring},
		{0.75, ActionAllowWithMonitoring},
		{0.7, ActionAllowWithMonitoring},
		{0.55, ActionStrictAllowlist},
		{0.5, ActionStrictAllowlist},
		{0.3, ActionEmergencyReview},
		{0.25, ActionBlockAll},
		{0.05, ActionBlockAll},
		{0, ActionBlockAll},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PolicyFor(tt.confidence), "confidence %v", tt.confidence)
	}
}

func TestPolicyForIsMonotonic(t *testing.T) {
	rank := map[Action]int{
		ActionBlockAll:            0,
		ActionEmergencyReview:     1,
		ActionStrictAllowlist:     2,
		ActionAllowWithMonitoring: 3,
		ActionAllowUnrestricted:   4,
	}
	prev := -1
	for c := 0.0; c <= 1.0; c += 0.01 {
		r := rank[PolicyFor(c)]
		assert.GreaterOrEqual(t, r, prev)
		prev = r
	}
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("git_clone")
	assert.True(t, ok)
	assert.Equal(t, KindGitClone, k)

	_, ok = ParseKind("crypto_mining")
	assert.False(t, ok)
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name string
		rule string
		text string
		want bool
	}{
		{"substring", "pip", "pip3", true},
		{"case insensitive", "PIP", "/usr/bin/pip", true},
		{"basename prefix", "python3", "/opt/conda/bin/python3.11", true},
		{"no match", "git", "/usr/bin/python", false},
		{"regex", `regex:^git\s+(clone|pull)`, "git clone x", true},
		{"regex case insensitive", `regex:CLONE`, "git clone", true},
		{"regex miss", `regex:^curl`, "wget x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := compileRule(tt.rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.matches(tt.text))
		})
	}
}

func TestBadRegexDroppedWithWarning(t *testing.T) {
	p, warnings := CompilePattern(KindGitClone, PatternSpec{
		Commands: []string{"regex:([", "git"},
	})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "git_clone")
	assert.Len(t, p.commands, 1)
}

func TestUnknownModifierDropped(t *testing.T) {
	p, warnings := CompilePattern(KindGitClone, PatternSpec{
		Commands:            []string{"git"},
		ConfidenceModifiers: map[string]float64{"is_friday": 0.5, "uses_sudo": 0.1},
	})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "is_friday")
	require.Len(t, p.modifiers, 1)
	assert.Equal(t, ModUsesSudo, p.modifiers[0].name)
}

func TestCompilePatternDefaults(t *testing.T) {
	p, warnings := CompilePattern(KindWebDownload, PatternSpec{Commands: []string{"wget"}})
	assert.Empty(t, warnings)
	assert.Equal(t, DefaultBaseConfidence, p.BaseConfidence)
	assert.Equal(t, DefaultDurationEstimate, p.DurationEstimate)
}

func TestCommandMatchIsMandatory(t *testing.T) {
	p := patternFor(t, KindPipInstall)
	// everything but the command lines up
	_, ok := p.Match(proc("/workspace", "conda", "install", "numpy"), nil)
	assert.False(t, ok)
}

func TestConfidenceClamped(t *testing.T) {
	p, _ := CompilePattern(KindPipInstall, PatternSpec{
		Commands:       []string{"pip"},
		Args:           []string{"install", "torch", "--upgrade", "-r"},
		Cwd:            []string{"/workspace", "work"},
		BaseConfidence: f64(1.0),
		ConfidenceModifiers: map[string]float64{
			string(ModInstallSpecificPackage): 5,
		},
	})
	res, ok := p.Match(proc("/workspace", "pip", "install", "torch", "--upgrade", "-r", "req.txt"), nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, res.Confidence)

	neg, _ := CompilePattern(KindPipInstall, PatternSpec{
		Commands:            []string{"pip"},
		ConfidenceModifiers: map[string]float64{string(ModHasVersionFlag): -2},
	})
	res, ok = neg.Match(proc("/", "pip", "--version"), nil)
	require.True(t, ok)
	assert.Equal(t, 0.0, res.Confidence)
}

func TestPipInstallTorchScenario(t *testing.T) {
	p := patternFor(t, KindPipInstall)
	res, ok := p.Match(proc("/workspace", "pip", "install", "torch"), nil)
	require.True(t, ok)
	assert.GreaterOrEqual(t, res.Confidence, 0.8)
	assert.Contains(t, []Action{ActionAllowWithMonitoring, ActionAllowUnrestricted}, PolicyFor(res.Confidence))
	assert.Contains(t, p.AllowedDomains, "pypi.org")
	assert.Equal(t, []string{"command:pip", "args:install", "cwd:/workspace", "modifier:install_specific_package"}, res.Rules)
}

func TestInterpreterExemption(t *testing.T) {
	p := patternFor(t, KindPipInstall)
	res, ok := p.Match(proc("/", "/opt/conda/bin/python3.11", "/opt/conda/bin/pip", "install", "tensorflow"), nil)
	require.True(t, ok)
	assert.Equal(t, "command:python-pip", res.Rules[0])
	assert.Greater(t, res.Confidence, 0.5)

	// python without a pip token is not an install
	_, ok = p.Match(proc("/", "/usr/bin/python3", "train.py"), nil)
	assert.False(t, ok)
}

func TestNodeInterpreterExemption(t *testing.T) {
	p, _ := CompilePattern(KindPackageInstall, PatternSpec{
		Commands: []string{"yarn", "node npm"},
		Args:     []string{"install"},
	})
	res, ok := p.Match(proc("/", "/usr/local/bin/node", "/usr/lib/node_modules/npm/bin/npm-cli.js", "install"), nil)
	require.True(t, ok)
	assert.Equal(t, "command:node-npm", res.Rules[0])
}

func TestParentRulesFirstMatchPerAncestor(t *testing.T) {
	p, _ := CompilePattern(KindGitClone, PatternSpec{
		Commands:       []string{"git"},
		Parents:        []string{"python", "python3"},
		BaseConfidence: f64(1.0),
	})
	lineage := procwatch.Lineage{
		proc("/", "python3", "manager.py"),
		proc("/", "bash"),
		proc("/", "/usr/bin/python3", "server.py"),
	}
	res, ok := p.Match(proc("/", "git", "pull"), lineage)
	require.True(t, ok)
	// command 0.3 + two python ancestors at 0.2 each
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
}

func TestModifierPredicates(t *testing.T) {
	tests := []struct {
		mod  Modifier
		p    procwatch.ProcessSnapshot
		want bool
	}{
		{ModHasVersionFlag, proc("/", "pip", "--version"), true},
		{ModHasVersionFlag, proc("/", "pip", "install", "x"), false},
		{ModHasHelpFlag, proc("/", "git", "help"), true},
		{ModFromComfyUIDirectory, proc("/workspace/ComfyUI/custom_nodes", "git"), true},
		{ModFromComfyUIDirectory, proc("/workspace", "git"), false},
		{ModInstallSpecificPackage, proc("/", "pip", "install", "torch"), true},
		{ModInstallSpecificPackage, proc("/", "pip", "install"), false},
		{ModSuspiciousURL, proc("/", "curl", "http://free.tk/x"), true},
		{ModSuspiciousURL, proc("/", "curl", "https://pypi.org"), false},
		{ModUsesSudo, proc("/", "sudo", "apt", "install"), true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, modifierPredicates[tt.mod](tt.p), "%s %v", tt.mod, tt.p.Argv)
	}
}

func TestDefaultPatternOrder(t *testing.T) {
	var kinds []Kind
	for _, p := range DefaultPatterns() {
		kinds = append(kinds, p.Kind)
	}
	assert.Equal(t, []Kind{KindPipInstall, KindGitClone, KindExtensionUpdate}, kinds)
}
