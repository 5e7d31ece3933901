package activity

import (
	"fmt"
	"regexp"
	"strings"
)

const regexPrefix = "regex:"

// rule is one compiled command/args/cwd/parent matcher.
type rule struct {
	raw   string
	lower string
	re    *regexp.Regexp
}

func compileRule(raw string) (rule, error) {
	if expr, ok := strings.CutPrefix(raw, regexPrefix); ok {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return rule{}, fmt.Errorf("compile %q: %w", raw, err)
		}
		return rule{raw: raw, re: re}, nil
	}
	return rule{raw: raw, lower: strings.ToLower(raw)}, nil
}

// matches is a case-insensitive substring test, or a regex search for
// "regex:" rules. When text is a path, the basename also matches if it
// equals or starts with the rule, so "python3" matches
// "/opt/conda/bin/python3.11".
func (r rule) matches(text string) bool {
	if r.re != nil {
		return r.re.MatchString(text)
	}
	textLower := strings.ToLower(text)
	if strings.Contains(textLower, r.lower) {
		return true
	}
	if i := strings.LastIndexByte(textLower, '/'); i >= 0 {
		base := textLower[i+1:]
		return strings.HasPrefix(base, r.lower)
	}
	return false
}

func compileRules(raws []string, field string) ([]rule, []string) {
	var rules []rule
	var warnings []string
	for _, raw := range raws {
		r, err := compileRule(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s rule dropped: %v", field, err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, warnings
}
