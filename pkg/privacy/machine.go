package privacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/domains"
)

// Collaborator timeouts.
const (
	DefaultReadinessTimeout = 2 * time.Second
	DefaultDownloadTimeout  = 5 * time.Second
	DefaultEnforceTimeout   = 5 * time.Second
	DefaultTemporaryAllow   = 300 * time.Second
)

// ErrNotBlocked is returned by Resume outside an emergency block.
var ErrNotBlocked = errors.New("not in emergency block")

// IDownloadStatus reports download protection. On error the returned
// status carries whatever could still be determined.
type IDownloadStatus interface {
	Status(ctx context.Context) (DownloadStatus, error)
}

// IReadiness probes whether the workload serves requests.
type IReadiness interface {
	Ready(ctx context.Context) bool
}

// IEnforcer applies the allow-set of a state. Apply must be idempotent.
type IEnforcer interface {
	Apply(ctx context.Context, state State, domains []string, mode Mode) error
}

// IActivitySource lists currently active activities.
type IActivitySource interface {
	List() []activity.DetectedActivity
}

// IHealthSource exposes the classifier's health.
type IHealthSource interface {
	HealthScore() float64
	ShouldFallback() bool
}

// Transition describes one state change.
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason"`
	AllowSet []string  `json:"allowSet"`
}

// MachineConfig wires a Machine. Every collaborator except Enforcer may be
// nil; a nil signal reads as unavailable.
type MachineConfig struct {
	Config     Config
	Downloads  IDownloadStatus
	Readiness  IReadiness
	Enforcer   IEnforcer
	Activities IActivitySource
	Health     IHealthSource
	Store      IStateStore
	Logger     *slog.Logger
	Now        func() time.Time

	ReadinessTimeout time.Duration
	DownloadTimeout  time.Duration
	EnforceTimeout   time.Duration

	// OnTransition is called after every state change has been applied.
	OnTransition func(Transition)
	// OnApply is called after every enforcement attempt.
	OnApply func(domains []string, mode Mode, err error)
}

// Machine is the privacy state machine. Ticks and commands are serialised;
// readers never block on collaborator calls.
type Machine struct {
	downloads  IDownloadStatus
	readiness  IReadiness
	enforcer   IEnforcer
	activities IActivitySource
	health     IHealthSource
	store      IStateStore
	logger     *slog.Logger
	now        func() time.Time

	readinessTimeout time.Duration
	downloadTimeout  time.Duration
	enforceTimeout   time.Duration
	onTransition     func(Transition)
	onApply          func([]string, Mode, error)

	opMu sync.Mutex

	mu           sync.RWMutex
	state        State
	startup      time.Time
	config       Config
	temporary    map[string]time.Time
	lastAllowSet []string
	lastApply    time.Time
}

func NewMachine(config MachineConfig) *Machine {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ReadinessTimeout <= 0 {
		config.ReadinessTimeout = DefaultReadinessTimeout
	}
	if config.DownloadTimeout <= 0 {
		config.DownloadTimeout = DefaultDownloadTimeout
	}
	if config.EnforceTimeout <= 0 {
		config.EnforceTimeout = DefaultEnforceTimeout
	}
	if config.Config.ActivityThreshold <= 0 {
		config.Config.ActivityThreshold = DefaultActivityThreshold
	}
	return &Machine{
		downloads:        config.Downloads,
		readiness:        config.Readiness,
		enforcer:         config.Enforcer,
		activities:       config.Activities,
		health:           config.Health,
		store:            config.Store,
		logger:           config.Logger,
		now:              config.Now,
		readinessTimeout: config.ReadinessTimeout,
		downloadTimeout:  config.DownloadTimeout,
		enforceTimeout:   config.EnforceTimeout,
		onTransition:     config.OnTransition,
		onApply:          config.OnApply,
		state:            StateStartup,
		startup:          config.Now(),
		config:           config.Config,
		temporary:        make(map[string]time.Time),
	}
}

// Restore resumes a persisted state younger than StateMaxAge. It reports
// whether a state was restored.
func (m *Machine) Restore() bool {
	if m.store == nil {
		return false
	}
	saved, err := LoadFresh(m.store, m.now(), StateMaxAge)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoState):
		m.logger.Debug("no saved privacy state")
		return false
	case errors.Is(err, ErrStaleState):
		m.logger.Info("saved privacy state too old, starting fresh", "error", err)
		return false
	default:
		m.logger.Warn("failed to load privacy state", "error", err)
		return false
	}

	m.mu.Lock()
	m.state = saved.State
	if !saved.StartupTime.IsZero() {
		m.startup = saved.StartupTime
	}
	m.mu.Unlock()
	m.logger.Info("restored privacy state", "state", saved.State, "startup", saved.StartupTime)
	return true
}

// Initialize restores any saved state and applies its rules once.
func (m *Machine) Initialize(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.Restore()
	m.apply(ctx, m.State(), m.activityStatus())
	m.persist()
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *Machine) StartupTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startup
}

// LastAllowSet is the allow-set most recently handed to the enforcer. It
// can lag AllowSet between transitions.
func (m *Machine) LastAllowSet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.lastAllowSet...)
}

// Mode is the enforcement mode currently in effect.
func (m *Machine) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.MonitoringOnly {
		return ModeMonitoringOnly
	}
	return ModeActive
}

func (m *Machine) downloadStatus(ctx context.Context) (status DownloadStatus, ok bool) {
	if m.downloads == nil {
		return DownloadStatus{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("download status panicked", "panic", r)
			status, ok = DownloadStatus{}, false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.downloadTimeout)
	defer cancel()
	s, err := m.downloads.Status(ctx)
	if err != nil {
		m.logger.Warn("failed to get download status", "error", err, "protected", s.Protected)
		return s, false
	}
	return s, true
}

func (m *Machine) ready(ctx context.Context) (ok bool) {
	if m.readiness == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("readiness probe panicked", "panic", r)
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.readinessTimeout)
	defer cancel()
	return m.readiness.Ready(ctx)
}

// activityView is the activity-related input of one tick.
type activityView struct {
	Available      bool
	Active         []activity.DetectedActivity
	HighConfidence int
	HealthScore    float64
	Fallback       bool
	Healthy        bool
}

func (m *Machine) activityStatus() (view activityView) {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if !cfg.ActivityAwareEnabled || m.activities == nil {
		return activityView{HealthScore: 1.0, Healthy: true}
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("activity status unavailable", "panic", r)
			view = activityView{Available: true, HealthScore: 0, Healthy: false}
		}
	}()

	view = activityView{Available: true, Active: m.activities.List(), HealthScore: 1.0}
	if m.health != nil {
		view.HealthScore = m.health.HealthScore()
		view.Fallback = m.health.ShouldFallback()
	}
	view.Healthy = view.HealthScore > 0.5 && !view.Fallback
	for _, a := range view.Active {
		if a.Confidence >= cfg.ActivityThreshold {
			view.HighConfidence++
		}
	}
	return view
}

// next computes the transition for one tick. Readiness is probed last and
// only when it can change the outcome.
func (m *Machine) next(ctx context.Context, cur State, dl DownloadStatus, act activityView, uptime time.Duration, buffer time.Duration) (State, string) {
	switch cur {
	case StateStartup:
		if dl.InProgress() {
			return StateDownloadsActive, "downloads started"
		}
		if act.HighConfidence > 0 {
			return StateActivityDetected, "high-confidence activity"
		}
		if uptime >= buffer && !dl.Protected && m.ready(ctx) {
			return StateStrict, "startup complete and workload ready"
		}

	case StateDownloadsActive:
		if !dl.InProgress() {
			if act.HighConfidence > 0 {
				return StateActivityDetected, "downloads finished with activity in progress"
			}
			return StateStrict, "downloads finished"
		}

	case StateActivityDetected:
		if dl.InProgress() {
			return StateDownloadsActive, "downloads started"
		}
		if len(act.Active) == 0 {
			if act.Healthy {
				return StateStrict, "activities finished"
			}
			m.logger.Info("activities finished but detection unhealthy, staying in activity mode",
				"healthScore", act.HealthScore, "fallback", act.Fallback)
		}

	case StateStrict:
		if dl.InProgress() {
			return StateDownloadsActive, "downloads started"
		}
		if act.HighConfidence > 0 {
			return StateActivityDetected, "high-confidence activity"
		}
	}
	return cur, ""
}

// Tick polls the signals once, performs at most one transition and
// persists the state.
func (m *Machine) Tick(ctx context.Context) State {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.now()
	m.mu.RLock()
	cur := m.state
	uptime := now.Sub(m.startup)
	buffer := m.config.SafetyBuffer()
	m.mu.RUnlock()

	dl, _ := m.downloadStatus(ctx)
	act := m.activityStatus()
	next, reason := m.next(ctx, cur, dl, act, uptime, buffer)
	expired := m.pruneTemporary(now)

	if next != cur {
		m.transition(ctx, cur, next, reason, act)
	} else if expired {
		m.apply(ctx, cur, act)
	}
	m.persist()
	return next
}

func (m *Machine) transition(ctx context.Context, from, to State, reason string, act activityView) {
	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	m.logger.Info("state transition", "from", from, "to", to, "reason", reason)
	allowSet := m.apply(ctx, to, act)

	if m.onTransition != nil {
		t := Transition{From: from, To: to, At: m.now(), Reason: reason, AllowSet: allowSet}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transition hook panicked", "panic", r)
				}
			}()
			m.onTransition(t)
		}()
	}
}

// AllowSet computes the domains reachable in state.
func (m *Machine) AllowSet(state State) []string {
	return m.computeAllowSet(state, m.activityStatus(), m.now())
}

func (m *Machine) computeAllowSet(state State, act activityView, now time.Time) []string {
	if state == StateEmergencyBlock {
		return []string{}
	}

	m.mu.RLock()
	cfg := m.config
	var temporary []string
	for d, until := range m.temporary {
		if now.Before(until) {
			temporary = append(temporary, d)
		}
	}
	m.mu.RUnlock()

	var candidates []string
	if cfg.AllowModelDownloads {
		candidates = append(candidates, cfg.ModelDomains...)
	}
	switch state {
	case StateStartup:
		candidates = append(candidates, cfg.StartupDomains...)
	case StateActivityDetected:
		for _, a := range act.Active {
			if a.Confidence >= cfg.ActivityThreshold {
				candidates = append(candidates, a.AllowedDomains...)
			}
		}
	case StateStrict:
		for _, a := range act.Active {
			if a.Confidence >= StrictActivityThreshold {
				candidates = append(candidates, a.AllowedDomains...)
			}
		}
	}
	candidates = append(candidates, temporary...)

	blocked := domains.NewSet(cfg.BlockedDomains()...)
	seen := make(map[string]bool, len(candidates))
	allow := []string{}
	for _, c := range candidates {
		d := domains.Normalize(c)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		if blocked.ContainsSubstring(d) {
			m.logger.Debug("dropping blocked domain from allow-set", "domain", d)
			continue
		}
		allow = append(allow, d)
	}
	sort.Strings(allow)
	return allow
}

// apply pushes the allow-set for state to the enforcer. A failure in active
// mode downgrades the machine to monitoring-only.
func (m *Machine) apply(ctx context.Context, state State, act activityView) []string {
	now := m.now()
	allowSet := m.computeAllowSet(state, act, now)

	m.mu.Lock()
	m.lastAllowSet = allowSet
	cfg := m.config
	m.mu.Unlock()

	if !cfg.PrivacyEnabled {
		m.logger.Info("privacy disabled, no rules applied", "state", state)
		return allowSet
	}
	if m.enforcer == nil {
		return allowSet
	}

	mode := ModeActive
	if cfg.MonitoringOnly {
		mode = ModeMonitoringOnly
	}
	err := m.safeApply(ctx, state, allowSet, mode)
	if err == nil {
		m.mu.Lock()
		m.lastApply = now
		m.mu.Unlock()
		m.logger.Info("applied rules", "state", state, "mode", mode, "domains", len(allowSet))
		return allowSet
	}

	m.logger.Warn("failed to apply rules", "state", state, "mode", mode, "error", err)
	if mode == ModeActive {
		m.mu.Lock()
		m.config.MonitoringOnly = true
		m.mu.Unlock()
		m.logger.Warn("switching to monitoring-only mode due to enforcement errors")
		if err := m.safeApply(ctx, state, allowSet, ModeMonitoringOnly); err != nil {
			m.logger.Warn("monitoring-only apply failed", "error", err)
		}
	}
	return allowSet
}

func (m *Machine) safeApply(ctx context.Context, state State, allowSet []string, mode Mode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enforcer panicked: %v", r)
		}
		if m.onApply != nil {
			m.onApply(allowSet, mode, err)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.enforceTimeout)
	defer cancel()
	return m.enforcer.Apply(ctx, state, allowSet, mode)
}

func (m *Machine) persist() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	s := PersistedState{
		State:       m.state,
		Timestamp:   m.now(),
		StartupTime: m.startup,
		Config:      m.config,
	}
	m.mu.RUnlock()
	if err := m.store.Save(s); err != nil {
		m.logger.Error("failed to save state", "error", err)
	}
}

// EmergencyBlock moves to the most restrictive state. Only an explicit
// command gets here.
func (m *Machine) EmergencyBlock(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	from := m.State()
	m.logger.Warn("emergency block activated", "from", from)
	if from == StateEmergencyBlock {
		return
	}
	m.transition(ctx, from, StateEmergencyBlock, "emergency block command", m.activityStatus())
	m.persist()
}

// Resume leaves an emergency block for strict mode; the next tick takes it
// from there.
func (m *Machine) Resume(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.State() != StateEmergencyBlock {
		return ErrNotBlocked
	}
	m.transition(ctx, StateEmergencyBlock, StateStrict, "resume command", m.activityStatus())
	m.persist()
	return nil
}

// AllowTemporarily adds domain to every allow-set until d has passed and
// re-applies the rules. A zero d selects DefaultTemporaryAllow.
func (m *Machine) AllowTemporarily(ctx context.Context, domain string, d time.Duration) (time.Time, error) {
	domain = domains.Normalize(domain)
	if domain == "" {
		return time.Time{}, errors.New("empty domain")
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("negative duration %s", d)
	}
	if d == 0 {
		d = DefaultTemporaryAllow
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	until := m.now().Add(d)
	m.mu.Lock()
	m.temporary[domain] = until
	state := m.state
	m.mu.Unlock()

	m.logger.Info("temporarily allowing domain", "domain", domain, "duration", d, "until", until)
	if state != StateEmergencyBlock {
		m.apply(ctx, state, m.activityStatus())
	}
	return until, nil
}

// TemporaryAllows returns unexpired temporary allowances.
func (m *Machine) TemporaryAllows() map[string]time.Time {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.temporary))
	for d, until := range m.temporary {
		if now.Before(until) {
			out[d] = until
		}
	}
	return out
}

// pruneTemporary drops expired allowances and reports whether any expired.
func (m *Machine) pruneTemporary(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := false
	for d, until := range m.temporary {
		if !now.Before(until) {
			delete(m.temporary, d)
			expired = true
			m.logger.Info("temporary allowance expired", "domain", d)
		}
	}
	return expired
}

// Run ticks every interval until ctx is cancelled. A panicking tick is
// logged and the loop continues.
func (m *Machine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

func (m *Machine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state tick panicked", "panic", r)
		}
	}()
	m.Tick(ctx)
}
