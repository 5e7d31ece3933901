package activity

// Kind is a classified category of process behaviour.
type Kind string

const (
	KindPipInstall      Kind = "pip_install"
	KindPipUpgrade      Kind = "pip_upgrade"
	KindGitClone        Kind = "git_clone"
	KindGitPull         Kind = "git_pull"
	KindExtensionUpdate Kind = "extension_update"
	KindPackageInstall  Kind = "package_install"
	KindWebDownload     Kind = "web_download"
	KindUnknown         Kind = "unknown"
	KindSuspicious      Kind = "suspicious"
)

var knownKinds = map[Kind]bool{
	KindPipInstall:      true,
	KindPipUpgrade:      true,
	KindGitClone:        true,
	KindGitPull:         true,
	KindExtensionUpdate: true,
	KindPackageInstall:  true,
	KindWebDownload:     true,
	KindUnknown:         true,
	KindSuspicious:      true,
}

// ParseKind returns the Kind named s and whether it is a known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, knownKinds[k]
}

// Action is the access tier granted for a confidence.
type Action string

const (
	ActionAllowUnrestricted   Action = "allow_unrestricted"
	ActionAllowWithMonitoring Action = "allow_with_monitoring"
	ActionStrictAllowlist     Action = "strict_allowlist"
	// ActionEmergencyReview is a label only; nothing acts on it.
	ActionEmergencyReview Action = "emergency_review"
	ActionBlockAll        Action = "block_all"
)

// Confidence breakpoints for PolicyFor.
const (
	HighConfidence       = 0.9
	MediumConfidence     = 0.7
	LowConfidence        = 0.5
	SuspiciousConfidence = 0.3
)

// PolicyFor maps a confidence to an Action. It is a monotonic step function.
func PolicyFor(confidence float64) Action {
	switch {
	case confidence >= HighConfidence:
		return ActionAllowUnrestricted
	case confidence >= MediumConfidence:
		return ActionAllowWithMonitoring
	case confidence >= LowConfidence:
		return ActionStrictAllowlist
	case confidence >= SuspiciousConfidence:
		return ActionEmergencyReview
	default:
		return ActionBlockAll
	}
}
