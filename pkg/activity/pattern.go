package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignition/privacy-agent/pkg/procwatch"
)

const (
	commandWeight = 0.3
	argsWeight    = 0.3
	cwdWeight     = 0.2
	parentWeight  = 0.2

	DefaultBaseConfidence   = 0.5
	DefaultDurationEstimate = 300 * time.Second
)

// interpreterMarkers lets a pattern written for a tool also match that tool
// run through its interpreter, e.g. "python /usr/bin/pip install x".
var interpreterMarkers = []struct {
	interpreter string
	marker      string
}{
	{interpreter: "python", marker: "pip"},
	{interpreter: "node", marker: "npm"},
}

// PatternSpec is the on-disk form of a pattern.
type PatternSpec struct {
	Commands            []string           `json:"commands,omitempty"`
	Args                []string           `json:"args,omitempty"`
	Cwd                 []string           `json:"cwd,omitempty"`
	Parents             []string           `json:"parents,omitempty"`
	AllowedDomains      []string           `json:"allowed_domains,omitempty"`
	BaseConfidence      *float64           `json:"base_confidence,omitempty"`
	DurationEstimate    *float64           `json:"duration_estimate,omitempty"`
	ConfidenceModifiers map[string]float64 `json:"confidence_modifiers,omitempty"`
	RiskFactors         []string           `json:"risk_factors,omitempty"`
}

// Pattern is a compiled, immutable activity rule.
type Pattern struct {
	Kind             Kind
	BaseConfidence   float64
	DurationEstimate time.Duration
	AllowedDomains   []string
	RiskFactors      []string

	commands     []rule
	args         []rule
	cwd          []rule
	parents      []rule
	interpreters []interpreterExemption
	modifiers    []weightedModifier
}

type interpreterExemption struct {
	interpreter rule
	marker      string
	name        string
}

// MatchResult is a successful match and the rules that contributed to it.
type MatchResult struct {
	Confidence float64
	Rules      []string
}

// CompilePattern builds a Pattern. Rules that fail to compile and unknown
// modifiers are dropped and reported as warnings.
func CompilePattern(kind Kind, spec PatternSpec) (*Pattern, []string) {
	p := &Pattern{
		Kind:             kind,
		BaseConfidence:   DefaultBaseConfidence,
		DurationEstimate: DefaultDurationEstimate,
		AllowedDomains:   append([]string(nil), spec.AllowedDomains...),
		RiskFactors:      append([]string(nil), spec.RiskFactors...),
	}
	if spec.BaseConfidence != nil {
		p.BaseConfidence = *spec.BaseConfidence
	}
	if spec.DurationEstimate != nil {
		p.DurationEstimate = time.Duration(*spec.DurationEstimate * float64(time.Second))
	}

	var warnings, w []string
	p.commands, w = compileRules(spec.Commands, "command")
	warnings = append(warnings, w...)
	p.args, w = compileRules(spec.Args, "args")
	warnings = append(warnings, w...)
	p.cwd, w = compileRules(spec.Cwd, "cwd")
	warnings = append(warnings, w...)
	p.parents, w = compileRules(spec.Parents, "parent")
	warnings = append(warnings, w...)
	p.modifiers, w = compileModifiers(spec.ConfidenceModifiers)
	warnings = append(warnings, w...)

	for _, im := range interpreterMarkers {
		for _, cmd := range spec.Commands {
			if strings.Contains(strings.ToLower(cmd), im.interpreter) {
				interp, _ := compileRule(im.interpreter)
				p.interpreters = append(p.interpreters, interpreterExemption{
					interpreter: interp,
					marker:      im.marker,
					name:        im.interpreter + "-" + im.marker,
				})
				break
			}
		}
	}

	for i := range warnings {
		warnings[i] = fmt.Sprintf("%s: %s", kind, warnings[i])
	}
	return p, warnings
}

// Match scores proc against the pattern. A command match is mandatory;
// everything else only adds to the score.
func (p *Pattern) Match(proc procwatch.ProcessSnapshot, lineage procwatch.Lineage) (MatchResult, bool) {
	var res MatchResult
	raw := 0.0

	commandMatched := false
	for _, r := range p.commands {
		if r.matches(proc.Command) {
			commandMatched = true
			raw += commandWeight
			res.Rules = append(res.Rules, "command:"+r.raw)
			break
		}
	}
	if !commandMatched {
		for _, ex := range p.interpreters {
			if ex.interpreter.matches(proc.Command) && argvContains(proc.Argv, ex.marker) {
				commandMatched = true
				raw += commandWeight
				res.Rules = append(res.Rules, "command:"+ex.name)
				break
			}
		}
	}
	if !commandMatched {
		return MatchResult{}, false
	}

	for _, r := range p.args {
		if r.matches(proc.CommandLine) {
			raw += argsWeight
			res.Rules = append(res.Rules, "args:"+r.raw)
		}
	}
	for _, r := range p.cwd {
		if r.matches(proc.WorkingDirectory) {
			raw += cwdWeight
			res.Rules = append(res.Rules, "cwd:"+r.raw)
		}
	}
	for _, ancestor := range lineage {
		for _, r := range p.parents {
			if r.matches(ancestor.Command) {
				raw += parentWeight
				res.Rules = append(res.Rules, "parent:"+r.raw)
				break
			}
		}
	}
	for _, m := range p.modifiers {
		if m.check(proc) {
			raw += m.weight
			res.Rules = append(res.Rules, "modifier:"+string(m.name))
		}
	}

	res.Confidence = clamp(raw * p.BaseConfidence)
	return res, true
}

func argvContains(argv []string, marker string) bool {
	for _, arg := range argv {
		if strings.Contains(arg, marker) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
