// Package config loads agent settings from a TOML file overlaid with
// environment variables (optionally from a .env file). Problems never stop
// the agent: invalid values fall back to defaults and are reported as
// warnings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ignition/privacy-agent/pkg/enforce"
	"github.com/ignition/privacy-agent/pkg/journal"
	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/server"
	"github.com/ignition/privacy-agent/pkg/signals"
)

const DefaultPath = "/etc/privacy-agent/config.toml"

type Config struct {
	Privacy PrivacyConfig `toml:"privacy"`
	Process ProcessConfig `toml:"process"`
	Enforce EnforceConfig `toml:"enforce"`
	Signals SignalsConfig `toml:"signals"`
	Server  ServerConfig  `toml:"server"`
	Journal JournalConfig `toml:"journal"`
	Logging LoggingConfig `toml:"logging"`
}

type PrivacyConfig struct {
	Enabled             bool    `toml:"enabled"`
	MonitoringOnly      bool    `toml:"monitoring_only"`
	ActivityAware       bool    `toml:"activity_aware"`
	ActivityThreshold   float64 `toml:"activity_confidence_threshold"`
	StartupSafetyBuffer int     `toml:"startup_safety_buffer_seconds"`
	TickIntervalSeconds int     `toml:"tick_interval_seconds"`
	BlockTelemetry      bool    `toml:"block_telemetry"`
	BlockAIServices     bool    `toml:"block_ai_services"`
	AllowModelDownloads bool    `toml:"allow_model_downloads"`
	StateFile           string  `toml:"state_file"`

	ModelDomains     []string `toml:"model_domains"`
	StartupDomains   []string `toml:"startup_domains"`
	TelemetryDomains []string `toml:"telemetry_domains"`
	AIServiceDomains []string `toml:"ai_service_domains"`
}

type ProcessConfig struct {
	PollIntervalMS int    `toml:"poll_interval_ms"`
	PatternsFile   string `toml:"patterns_file"`
	// ContainerName switches lineage roots to the container's init pid,
	// resolved through Docker, for an agent running on the host.
	ContainerName string `toml:"container_name"`
}

type EnforceConfig struct {
	QueueNum           int      `toml:"queue_num"`
	QueueMaxLen        int      `toml:"queue_max_len"`
	AllowedIPs         []string `toml:"allowed_ips"`
	DNSServers         []string `toml:"dns_servers"`
	ConnectionLog      string   `toml:"connection_log"`
	CollectProcessInfo bool     `toml:"collect_process_info"`
	FirewallSet        string   `toml:"firewall_set"`
}

type SignalsConfig struct {
	MarkerDir         string   `toml:"download_marker_dir"`
	MarkerMaxAgeHours int      `toml:"download_marker_max_age_hours"`
	DownloadProcesses []string `toml:"download_processes"`
	ReadinessURL      string   `toml:"readiness_url"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type JournalConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type LoadResult struct {
	Config   Config
	Warnings []string
}

func DefaultConfig() Config {
	p := privacy.DefaultConfig()
	return Config{
		Privacy: PrivacyConfig{
			Enabled:             p.PrivacyEnabled,
			MonitoringOnly:      p.MonitoringOnly,
			ActivityAware:       p.ActivityAwareEnabled,
			ActivityThreshold:   p.ActivityThreshold,
			StartupSafetyBuffer: p.StartupSafetyBuffer,
			TickIntervalSeconds: int(privacy.DefaultTickInterval / time.Second),
			BlockTelemetry:      p.BlockTelemetry,
			BlockAIServices:     p.BlockAIServices,
			AllowModelDownloads: p.AllowModelDownloads,
			StateFile:           "/var/lib/privacy-agent/state.json",
			ModelDomains:        p.ModelDomains,
			StartupDomains:      p.StartupDomains,
			TelemetryDomains:    p.TelemetryDomains,
			AIServiceDomains:    p.AIServiceDomains,
		},
		Process: ProcessConfig{
			PollIntervalMS: 1000,
			PatternsFile:   "/etc/privacy-agent/activity_patterns.json",
		},
		Enforce: EnforceConfig{
			QueueNum:           0,
			QueueMaxLen:        1000,
			ConnectionLog:      enforce.DefaultLogPath,
			CollectProcessInfo: true,
			FirewallSet:        enforce.DefaultFirewallSet,
		},
		Signals: SignalsConfig{
			MarkerDir:         signals.DefaultMarkerDir,
			MarkerMaxAgeHours: int(signals.DefaultMarkerMaxAge / time.Hour),
			DownloadProcesses: append([]string(nil), signals.DefaultDownloadProcesses...),
			ReadinessURL:      signals.DefaultReadinessURL,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    server.DefaultAddr,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          journal.DefaultPath,
			RetentionDays: 14,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path and then applies environment overrides. envFile, when
// not empty, is loaded into the environment first without replacing
// variables that are already set. A missing config file is not a warning.
func Load(path, envFile string) *LoadResult {
	result := &LoadResult{Config: DefaultConfig()}

	if path != "" {
		result.loadFile(path)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.warn("loading env file %s: %v", envFile, err)
		}
	}
	result.applyEnv(os.LookupEnv)
	result.validate()
	return result
}

// LoadFromString parses TOML data without touching the environment.
func LoadFromString(data string) *LoadResult {
	result := &LoadResult{Config: DefaultConfig()}
	result.decode(data)
	result.validate()
	return result
}

func (r *LoadResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *LoadResult) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.warn("reading config file: %v", err)
		}
		return
	}
	r.decode(string(data))
}

func (r *LoadResult) decode(data string) {
	cfg := r.Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		r.warn("parsing config file, using defaults: %v", err)
		return
	}
	r.Config = cfg

	var unknown []string
	for _, key := range md.Undecoded() {
		if md.Type(key...) == "Hash" {
			continue
		}
		unknown = append(unknown, key.String())
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		r.warn("unknown config key: %q", key)
	}
}

// envOverride binds one environment variable to a setter.
type envOverride struct {
	name string
	set  func(r *LoadResult, value string) error
}

var envOverrides = []envOverride{
	{"PRIVACY_ENABLED", boolVar(func(c *Config) *bool { return &c.Privacy.Enabled })},
	{"PRIVACY_MONITORING_ONLY", boolVar(func(c *Config) *bool { return &c.Privacy.MonitoringOnly })},
	{"PRIVACY_ACTIVITY_AWARE", boolVar(func(c *Config) *bool { return &c.Privacy.ActivityAware })},
	{"PRIVACY_ACTIVITY_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Privacy.ActivityThreshold })},
	{"PRIVACY_STARTUP_SAFETY_BUFFER", intVar(func(c *Config) *int { return &c.Privacy.StartupSafetyBuffer })},
	{"PRIVACY_STATE_FILE", stringVar(func(c *Config) *string { return &c.Privacy.StateFile })},
	{"PRIVACY_ALLOW_MODEL_DOWNLOADS", boolVar(func(c *Config) *bool { return &c.Privacy.AllowModelDownloads })},
	{"ACTIVITY_PATTERNS_FILE", stringVar(func(c *Config) *string { return &c.Process.PatternsFile })},
	{"CONTAINER_NAME", stringVar(func(c *Config) *string { return &c.Process.ContainerName })},
	{"NFQUEUE_NUM", intVar(func(c *Config) *int { return &c.Enforce.QueueNum })},
	{"ALLOWED_IPS", listVar(func(c *Config) *[]string { return &c.Enforce.AllowedIPs })},
	{"CONNECTION_LOG", stringVar(func(c *Config) *string { return &c.Enforce.ConnectionLog })},
	{"DOWNLOAD_MARKER_DIR", stringVar(func(c *Config) *string { return &c.Signals.MarkerDir })},
	{"READINESS_URL", stringVar(func(c *Config) *string { return &c.Signals.ReadinessURL })},
	{"CONTROL_ADDR", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"JOURNAL_PATH", stringVar(func(c *Config) *string { return &c.Journal.Path })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
}

func stringVar(field func(*Config) *string) func(*LoadResult, string) error {
	return func(r *LoadResult, v string) error {
		*field(&r.Config) = v
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*LoadResult, string) error {
	return func(r *LoadResult, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(&r.Config) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*LoadResult, string) error {
	return func(r *LoadResult, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(&r.Config) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*LoadResult, string) error {
	return func(r *LoadResult, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(&r.Config) = f
		return nil
	}
}

func listVar(field func(*Config) *[]string) func(*LoadResult, string) error {
	return func(r *LoadResult, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*field(&r.Config) = out
		return nil
	}
}

func (r *LoadResult) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(r, v); err != nil {
			r.warn("ignoring %s=%q: %v", o.name, v, err)
		}
	}
}

// validate resets out-of-range values to their defaults.
func (r *LoadResult) validate() {
	def := DefaultConfig()
	c := &r.Config

	if t := c.Privacy.ActivityThreshold; t <= 0 || t > 1 {
		r.warn("activity_confidence_threshold must be in (0,1], got %g; using %g", t, def.Privacy.ActivityThreshold)
		c.Privacy.ActivityThreshold = def.Privacy.ActivityThreshold
	}
	if c.Privacy.StartupSafetyBuffer < 0 {
		r.warn("startup_safety_buffer_seconds must not be negative, got %d; using %d", c.Privacy.StartupSafetyBuffer, def.Privacy.StartupSafetyBuffer)
		c.Privacy.StartupSafetyBuffer = def.Privacy.StartupSafetyBuffer
	}
	if c.Privacy.TickIntervalSeconds < 1 {
		r.warn("tick_interval_seconds must be positive, got %d; using %d", c.Privacy.TickIntervalSeconds, def.Privacy.TickIntervalSeconds)
		c.Privacy.TickIntervalSeconds = def.Privacy.TickIntervalSeconds
	}
	if c.Process.PollIntervalMS < 100 {
		r.warn("poll_interval_ms must be at least 100, got %d; using %d", c.Process.PollIntervalMS, def.Process.PollIntervalMS)
		c.Process.PollIntervalMS = def.Process.PollIntervalMS
	}
	if c.Enforce.QueueNum < 0 || c.Enforce.QueueNum > 65535 {
		r.warn("queue_num must be 0-65535, got %d; using %d", c.Enforce.QueueNum, def.Enforce.QueueNum)
		c.Enforce.QueueNum = def.Enforce.QueueNum
	}
	if c.Enforce.QueueMaxLen < 1 {
		r.warn("queue_max_len must be positive, got %d; using %d", c.Enforce.QueueMaxLen, def.Enforce.QueueMaxLen)
		c.Enforce.QueueMaxLen = def.Enforce.QueueMaxLen
	}
	if c.Signals.MarkerMaxAgeHours < 1 {
		r.warn("download_marker_max_age_hours must be positive, got %d; using %d", c.Signals.MarkerMaxAgeHours, def.Signals.MarkerMaxAgeHours)
		c.Signals.MarkerMaxAgeHours = def.Signals.MarkerMaxAgeHours
	}
	if c.Journal.RetentionDays < 1 {
		r.warn("retention_days must be positive, got %d; using %d", c.Journal.RetentionDays, def.Journal.RetentionDays)
		c.Journal.RetentionDays = def.Journal.RetentionDays
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		r.warn("%v; using %s", err, def.Logging.Level)
		c.Logging.Level = def.Logging.Level
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		r.warn("log format must be text or json, got %q; using %s", c.Logging.Format, def.Logging.Format)
		c.Logging.Format = def.Logging.Format
	}
}

// PrivacyPolicy converts the privacy section for the state machine.
func (c Config) PrivacyPolicy() privacy.Config {
	return privacy.Config{
		PrivacyEnabled:       c.Privacy.Enabled,
		MonitoringOnly:       c.Privacy.MonitoringOnly,
		ActivityAwareEnabled: c.Privacy.ActivityAware,
		ActivityThreshold:    c.Privacy.ActivityThreshold,
		StartupSafetyBuffer:  c.Privacy.StartupSafetyBuffer,
		BlockTelemetry:       c.Privacy.BlockTelemetry,
		BlockAIServices:      c.Privacy.BlockAIServices,
		AllowModelDownloads:  c.Privacy.AllowModelDownloads,
		ModelDomains:         append([]string(nil), c.Privacy.ModelDomains...),
		StartupDomains:       append([]string(nil), c.Privacy.StartupDomains...),
		TelemetryDomains:     append([]string(nil), c.Privacy.TelemetryDomains...),
		AIServiceDomains:     append([]string(nil), c.Privacy.AIServiceDomains...),
	}
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Privacy.TickIntervalSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Process.PollIntervalMS) * time.Millisecond
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
