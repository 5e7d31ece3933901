package activity

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed patterns.schema.json
var patternSchemaJSON []byte

const patternSchemaName = "patterns.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func patternSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(patternSchemaName, bytes.NewReader(patternSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(patternSchemaName)
	})
	return schema, schemaErr
}

// patternKeys are the keys a pattern may carry. Others are ignored with a
// warning.
var patternKeys = map[string]bool{
	"commands":             true,
	"args":                 true,
	"cwd":                  true,
	"parents":              true,
	"allowed_domains":      true,
	"risk_factors":         true,
	"base_confidence":      true,
	"duration_estimate":    true,
	"confidence_modifiers": true,
}

// unknownKeys lists the keys of a raw pattern object not in patternKeys.
func unknownKeys(raw any) []string {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	var unknown []string
	for key := range obj {
		if !patternKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// kindOrder fixes evaluation order; the classifier keeps the first pattern
// on a confidence tie.
var kindOrder = []Kind{
	KindPipInstall,
	KindPipUpgrade,
	KindGitClone,
	KindGitPull,
	KindExtensionUpdate,
	KindPackageInstall,
	KindWebDownload,
	KindUnknown,
	KindSuspicious,
}

// PatternFile is the decoded pattern configuration file.
type PatternFile struct {
	ActivityPatterns map[string]PatternSpec `json:"activity_patterns"`
}

// LoadResult holds the loaded patterns plus any non-fatal problems.
type LoadResult struct {
	Patterns []*Pattern
	Warnings []string
	// FromDefaults is true when the built-in set is in use.
	FromDefaults bool
}

func defaultsResult(warnings ...string) *LoadResult {
	return &LoadResult{Patterns: DefaultPatterns(), Warnings: warnings, FromDefaults: true}
}

// LoadPatterns reads a pattern file. It never fails: a missing, malformed
// or schema-invalid file yields the defaults plus a warning. An empty path
// selects the defaults silently.
func LoadPatterns(path string) *LoadResult {
	if path == "" {
		return defaultsResult()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defaultsResult(fmt.Sprintf("pattern file %s not found, using defaults", path))
		}
		return defaultsResult(fmt.Sprintf("reading pattern file: %v, using defaults", err))
	}
	return ParsePatterns(data)
}

// ParsePatterns validates and compiles pattern file contents.
func ParsePatterns(data []byte) *LoadResult {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return defaultsResult(fmt.Sprintf("parsing pattern file: %v, using defaults", err))
	}

	sch, err := patternSchema()
	if err != nil {
		return defaultsResult(fmt.Sprintf("pattern schema: %v, using defaults", err))
	}
	if err := sch.Validate(instance); err != nil {
		return defaultsResult(fmt.Sprintf("pattern file failed validation: %v, using defaults", err))
	}

	var file PatternFile
	if err := json.Unmarshal(data, &file); err != nil {
		return defaultsResult(fmt.Sprintf("decoding pattern file: %v, using defaults", err))
	}

	var raw map[string]any
	if root, ok := instance.(map[string]any); ok {
		raw, _ = root["activity_patterns"].(map[string]any)
	}

	result := &LoadResult{}
	names := make([]string, 0, len(file.ActivityPatterns))
	for name := range file.ActivityPatterns {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make(map[Kind]PatternSpec, len(file.ActivityPatterns))
	for _, name := range names {
		kind, ok := ParseKind(name)
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown activity type %q skipped", name))
			continue
		}
		for _, key := range unknownKeys(raw[name]) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("pattern %s: unknown key %q ignored", name, key))
		}
		specs[kind] = file.ActivityPatterns[name]
	}

	patterns, warnings := compileSpecs(specs)
	result.Warnings = append(result.Warnings, warnings...)
	if len(patterns) == 0 {
		result.Warnings = append(result.Warnings, "pattern file defines no usable patterns, using defaults")
		result.Patterns = DefaultPatterns()
		result.FromDefaults = true
		return result
	}
	result.Patterns = patterns
	return result
}

func compileSpecs(specs map[Kind]PatternSpec) ([]*Pattern, []string) {
	var patterns []*Pattern
	var warnings []string
	for _, kind := range kindOrder {
		spec, ok := specs[kind]
		if !ok {
			continue
		}
		p, w := CompilePattern(kind, spec)
		warnings = append(warnings, w...)
		patterns = append(patterns, p)
	}
	return patterns, warnings
}
