package privacy

import "time"

// Domain lists.
var (
	// DefaultModelDomains are always reachable outside an emergency block.
	DefaultModelDomains = []string{"civitai.com", "huggingface.co"}

	// DefaultStartupDomains are reachable only during startup, for
	// extension setup.
	DefaultStartupDomains = []string{"github.com"}

	// DefaultTelemetryDomains are matched as substrings.
	DefaultTelemetryDomains = []string{
		"analytics.google.com",
		"google-analytics.com",
		"googletagmanager.com",
		"doubleclick.net",
		"facebook.com/tr",
		"telemetry",
		"analytics",
		"tracking",
		"metrics",
	}

	// DefaultAIServiceDomains are hosted inference APIs prompts could leak to.
	DefaultAIServiceDomains = []string{
		"api.openai.com",
		"googleapis.com",
		"api.blackforestlabs.ai",
		"anthropic.com",
		"cohere.ai",
		"replicate.com",
	}
)

const (
	DefaultTickInterval        = 10 * time.Second
	DefaultStartupSafetyBuffer = 300 * time.Second
	DefaultActivityThreshold   = 0.7
	// StrictActivityThreshold is the bar for activity domains in strict mode.
	StrictActivityThreshold = 0.9
	// StateMaxAge bounds how old a persisted state may be and still be
	// honoured on restart.
	StateMaxAge = time.Hour
)

// Config is the machine's tunable policy. It is persisted with the state.
type Config struct {
	PrivacyEnabled       bool    `json:"privacy_enabled" yaml:"privacyEnabled"`
	MonitoringOnly       bool    `json:"monitoring_only" yaml:"monitoringOnly"`
	ActivityAwareEnabled bool    `json:"activity_aware_enabled" yaml:"activityAwareEnabled"`
	ActivityThreshold    float64 `json:"activity_confidence_threshold" yaml:"activityConfidenceThreshold"`

	// StartupSafetyBuffer is in seconds.
	StartupSafetyBuffer int  `json:"startup_safety_buffer" yaml:"startupSafetyBuffer"`
	BlockTelemetry      bool `json:"block_telemetry" yaml:"blockTelemetry"`
	BlockAIServices     bool `json:"block_ai_services" yaml:"blockAIServices"`
	AllowModelDownloads bool `json:"allow_model_downloads" yaml:"allowModelDownloads"`

	ModelDomains     []string `json:"model_domains" yaml:"modelDomains"`
	StartupDomains   []string `json:"startup_domains" yaml:"startupDomains"`
	TelemetryDomains []string `json:"telemetry_domains" yaml:"telemetryDomains"`
	AIServiceDomains []string `json:"ai_service_domains" yaml:"aiServiceDomains"`
}

func DefaultConfig() Config {
	return Config{
		PrivacyEnabled:       true,
		ActivityAwareEnabled: true,
		ActivityThreshold:    DefaultActivityThreshold,
		StartupSafetyBuffer:  int(DefaultStartupSafetyBuffer / time.Second),
		BlockTelemetry:       true,
		BlockAIServices:      true,
		AllowModelDownloads:  true,
		ModelDomains:         append([]string(nil), DefaultModelDomains...),
		StartupDomains:       append([]string(nil), DefaultStartupDomains...),
		TelemetryDomains:     append([]string(nil), DefaultTelemetryDomains...),
		AIServiceDomains:     append([]string(nil), DefaultAIServiceDomains...),
	}
}

func (c Config) SafetyBuffer() time.Duration {
	return time.Duration(c.StartupSafetyBuffer) * time.Second
}

// BlockedDomains is the effective block list given the block switches.
func (c Config) BlockedDomains() []string {
	var blocked []string
	if c.BlockTelemetry {
		blocked = append(blocked, c.TelemetryDomains...)
	}
	if c.BlockAIServices {
		blocked = append(blocked, c.AIServiceDomains...)
	}
	return blocked
}
