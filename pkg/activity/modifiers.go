package activity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ignition/privacy-agent/pkg/procwatch"
)

// Modifier names a fixed predicate that adjusts a pattern's raw score.
type Modifier string

const (
	ModHasVersionFlag         Modifier = "has_version_flag"
	ModHasHelpFlag            Modifier = "has_help_flag"
	ModFromComfyUIDirectory   Modifier = "from_comfyui_directory"
	ModInstallSpecificPackage Modifier = "install_specific_package"
	ModSuspiciousURL          Modifier = "suspicious_url"
	ModUsesSudo               Modifier = "uses_sudo"
)

type predicate func(p procwatch.ProcessSnapshot) bool

var installPackageRe = regexp.MustCompile(`install\s+[a-zA-Z0-9_-]+`)

var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf"}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// modifierPredicates is the closed set of modifiers. A pattern naming
// anything else gets a load-time warning.
var modifierPredicates = map[Modifier]predicate{
	ModHasVersionFlag: func(p procwatch.ProcessSnapshot) bool {
		return containsAny(p.CommandLine, "--version", "-V", "version")
	},
	ModHasHelpFlag: func(p procwatch.ProcessSnapshot) bool {
		return containsAny(p.CommandLine, "--help", "-h", "help")
	},
	ModFromComfyUIDirectory: func(p procwatch.ProcessSnapshot) bool {
		return strings.Contains(p.WorkingDirectory, "/ComfyUI")
	},
	ModInstallSpecificPackage: func(p procwatch.ProcessSnapshot) bool {
		return installPackageRe.MatchString(p.CommandLine)
	},
	ModSuspiciousURL: func(p procwatch.ProcessSnapshot) bool {
		return containsAny(p.CommandLine, suspiciousTLDs...)
	},
	ModUsesSudo: func(p procwatch.ProcessSnapshot) bool {
		return strings.Contains(p.CommandLine, "sudo")
	},
}

type weightedModifier struct {
	name   Modifier
	weight float64
	check  predicate
}

// compileModifiers resolves names against the dispatch table. The result is
// sorted by name so scoring does not depend on map order.
func compileModifiers(weights map[string]float64) ([]weightedModifier, []string) {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var mods []weightedModifier
	var warnings []string
	for _, name := range names {
		check, ok := modifierPredicates[Modifier(name)]
		if !ok {
			warnings = append(warnings, "unknown modifier dropped: "+name)
			continue
		}
		mods = append(mods, weightedModifier{name: Modifier(name), weight: weights[name], check: check})
	}
	return mods, warnings
}
