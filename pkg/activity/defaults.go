package activity

func f64(v float64) *float64 { return &v }

// DefaultPatternSpecs is the built-in set used when no pattern file is
// configured or the file is unusable.
func DefaultPatternSpecs() map[Kind]PatternSpec {
	return map[Kind]PatternSpec{
		KindPipInstall: {
			Commands:         []string{"pip", "pip3", "python -m pip"},
			Args:             []string{"install"},
			Cwd:              []string{"/workspace", "/ComfyUI"},
			AllowedDomains:   []string{"pypi.org", "pypi.python.org", "files.pythonhosted.org"},
			BaseConfidence:   f64(0.95),
			DurationEstimate: f64(180),
			ConfidenceModifiers: map[string]float64{
				string(ModInstallSpecificPackage): 0.1,
				string(ModFromComfyUIDirectory):   0.05,
			},
		},
		KindGitClone: {
			Commands:         []string{"git"},
			Args:             []string{"clone"},
			AllowedDomains:   []string{"github.com", "gitlab.com", "bitbucket.org"},
			BaseConfidence:   f64(0.8),
			DurationEstimate: f64(120),
			ConfidenceModifiers: map[string]float64{
				string(ModFromComfyUIDirectory): 0.1,
			},
		},
		KindExtensionUpdate: {
			Commands:         []string{"python", "python3"},
			Cwd:              []string{"/ComfyUI/custom_nodes"},
			AllowedDomains:   []string{"github.com", "pypi.org"},
			BaseConfidence:   f64(0.85),
			DurationEstimate: f64(240),
		},
	}
}

// DefaultPatterns compiles DefaultPatternSpecs.
func DefaultPatterns() []*Pattern {
	patterns, _ := compileSpecs(DefaultPatternSpecs())
	return patterns
}
