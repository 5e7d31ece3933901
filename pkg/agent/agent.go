package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/config"
	"github.com/ignition/privacy-agent/pkg/enforce"
	"github.com/ignition/privacy-agent/pkg/health"
	"github.com/ignition/privacy-agent/pkg/journal"
	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/procwatch"
	"github.com/ignition/privacy-agent/pkg/server"
	"github.com/ignition/privacy-agent/pkg/signals"
)

const (
	// StopTimeout bounds how long Stop waits for the loops to exit.
	StopTimeout          = 5 * time.Second
	journalPruneInterval = time.Hour
)

// IPacketSource delivers queued packets to a filter. nfqueue.Queue
// implements it.
type IPacketSource interface {
	Run(ctx context.Context, filter enforce.IPacketFilter) error
	Close()
}

// IJournal records history. journal.Store implements it.
type IJournal interface {
	RecordTransition(privacy.Transition) error
	RecordActivity(activity.DetectedActivity) error
	RecordCompletion(id string, endedAt time.Time) error
	Prune(cutoff time.Time) (int64, error)
	Transitions(limit int) ([]journal.TransitionRecord, error)
	Activities(limit int) ([]journal.ActivityRecord, error)
	Close() error
}

// AgentConfig wires an Agent. Nil collaborators are replaced by the Linux
// implementations selected by Config.
type AgentConfig struct {
	Config config.Config
	Logger *slog.Logger
	Now    func() time.Time

	Lister       procwatch.IProcessLister
	RootResolver procwatch.IRootResolver
	Downloads    privacy.IDownloadStatus
	Readiness    privacy.IReadiness
	Store        privacy.IStateStore
	Firewall     enforce.IFirewall
	NetInfo      enforce.INetInfoProvider
	FileSystem   enforce.IFileSystem
	ProcProvider enforce.IProcProvider
	Journal      IJournal
	// PacketSource is nil when the host cannot queue packets; the agent
	// then only observes.
	PacketSource IPacketSource
}

// Agent owns every component of one running agent: the process watcher,
// classifier, health monitor, activity table, state machine and packet
// filter, plus the optional journal and control server.
type Agent struct {
	config config.Config
	logger *slog.Logger
	now    func() time.Time

	watcher    *procwatch.Watcher
	health     *health.Monitor
	table      *activity.Table
	classifier *activity.Classifier
	admission  *activity.Admission
	filter     *enforce.Filter
	machine    *privacy.Machine
	metrics    *server.Metrics
	server     *server.Server
	protector  *signals.DownloadProtector
	journal    IJournal
	packets    IPacketSource

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
	stopErr  error
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := cfg.Config
	a := &Agent{
		config:  c,
		logger:  cfg.Logger,
		now:     cfg.Now,
		packets: cfg.PacketSource,
		journal: cfg.Journal,
	}

	if cfg.Lister == nil {
		cfg.Lister = &procwatch.GopsutilLister{}
	}
	if cfg.RootResolver == nil {
		cfg.RootResolver = a.rootResolver()
	}
	a.watcher = procwatch.NewWatcher(procwatch.WatcherConfig{
		PollInterval: c.PollInterval(),
		Lister:       cfg.Lister,
		RootResolver: cfg.RootResolver,
		Logger:       a.logger.With("component", "procwatch"),
	})

	patterns := activity.LoadPatterns(c.Process.PatternsFile)
	for _, w := range patterns.Warnings {
		a.logger.Warn("activity patterns", "warning", w)
	}

	a.health = health.NewMonitor(health.WithClock(a.now))
	a.table = activity.NewTable()
	a.metrics = server.NewMetrics(a.health, a.table)
	a.classifier = activity.NewClassifier(activity.ClassifierConfig{
		Patterns:    patterns.Patterns,
		Lineage:     a.watcher,
		Health:      a.health,
		Table:       a.table,
		Logger:      a.logger.With("component", "classifier"),
		Now:         a.now,
		OnDetected:  a.onDetected,
		OnCompleted: a.onCompleted,
	})
	a.watcher.OnNewInteresting(a.classifier.Observe)
	a.watcher.OnEnded(a.classifier.ProcessEnded)
	a.admission = activity.NewAdmission(a.table, a.watcher)

	policy := c.PrivacyPolicy()
	if cfg.PacketSource == nil && !policy.MonitoringOnly {
		a.logger.Warn("packet queue unavailable, running monitoring-only")
		policy.MonitoringOnly = true
	}
	if cfg.Firewall == nil && cfg.PacketSource != nil {
		cfg.Firewall = &enforce.NFTFirewall{Set: c.Enforce.FirewallSet}
	}
	if cfg.NetInfo == nil {
		cfg.NetInfo = &enforce.LinuxNetInfoProvider{}
	}
	if cfg.FileSystem == nil {
		cfg.FileSystem = &enforce.FileSystem{}
	}
	if cfg.ProcProvider == nil {
		cfg.ProcProvider = &enforce.LinuxProcProvider{}
	}
	a.filter = enforce.NewFilter(enforce.FilterConfig{
		AllowedIPs:         c.Enforce.AllowedIPs,
		DNSServers:         c.Enforce.DNSServers,
		Blocked:            policy.BlockedDomains(),
		Admission:          a.admission,
		NetInfo:            cfg.NetInfo,
		Firewall:           cfg.Firewall,
		FileSystem:         cfg.FileSystem,
		ProcProvider:       cfg.ProcProvider,
		CollectProcessInfo: c.Enforce.CollectProcessInfo,
		LogPath:            c.Enforce.ConnectionLog,
		Logger:             a.logger.With("component", "enforce"),
		Now:                a.now,
		OnDecision:         a.metrics.ObserveDecision,
	})

	if cfg.Downloads == nil {
		a.protector = signals.NewDownloadProtector(signals.DownloadProtectorConfig{
			MarkerDir:    c.Signals.MarkerDir,
			MarkerMaxAge: time.Duration(c.Signals.MarkerMaxAgeHours) * time.Hour,
			Processes:    c.Signals.DownloadProcesses,
			Lister:       cfg.Lister,
			Logger:       a.logger.With("component", "downloads"),
			Now:          a.now,
		})
		cfg.Downloads = a.protector
	}
	if cfg.Readiness == nil {
		cfg.Readiness = &signals.HTTPReadiness{URL: c.Signals.ReadinessURL, Logger: a.logger}
	}
	if cfg.Store == nil && c.Privacy.StateFile != "" {
		cfg.Store = &privacy.FileStore{Path: c.Privacy.StateFile}
	}

	if a.journal == nil && c.Journal.Enabled {
		store, err := journal.Open(c.Journal.Path)
		if err != nil {
			a.logger.Warn("journal unavailable", "path", c.Journal.Path, "error", err)
		} else {
			a.journal = store
		}
	}

	a.machine = privacy.NewMachine(privacy.MachineConfig{
		Config:       policy,
		Downloads:    cfg.Downloads,
		Readiness:    cfg.Readiness,
		Enforcer:     a.filter,
		Activities:   a.table,
		Health:       a.health,
		Store:        cfg.Store,
		Logger:       a.logger.With("component", "privacy"),
		Now:          a.now,
		OnTransition: a.onTransition,
		OnApply:      a.metrics.ObserveApply,
	})
	a.metrics.SetState(a.machine.State())

	if c.Server.Enabled {
		var history server.IHistory
		if a.journal != nil {
			history = a.journal
		}
		a.server = server.New(server.Config{
			Addr:       c.Server.Addr,
			Controller: a,
			History:    history,
			Metrics:    a.metrics,
			Logger:     a.logger.With("component", "server"),
		})
	}
	return a
}

func (a *Agent) rootResolver() procwatch.IRootResolver {
	name := a.config.Process.ContainerName
	if name == "" {
		return procwatch.StaticRoot(1)
	}
	resolver, err := procwatch.NewDockerRootResolver(name, a.logger.With("component", "docker"))
	if err != nil {
		a.logger.Warn("docker unavailable, lineage stops at pid 1", "container", name, "error", err)
		return procwatch.StaticRoot(1)
	}
	return resolver
}

func (a *Agent) onDetected(act activity.DetectedActivity) {
	a.metrics.ObserveDetection(act)
	if a.journal != nil {
		if err := a.journal.RecordActivity(act); err != nil {
			a.logger.Warn("journal write failed", "error", err)
		}
	}
}

func (a *Agent) onCompleted(act activity.DetectedActivity) {
	if a.journal != nil {
		if err := a.journal.RecordCompletion(act.ID, a.now()); err != nil {
			a.logger.Warn("journal write failed", "error", err)
		}
	}
}

func (a *Agent) onTransition(t privacy.Transition) {
	a.metrics.ObserveTransition(t)
	if a.journal != nil {
		if err := a.journal.RecordTransition(t); err != nil {
			a.logger.Warn("journal write failed", "error", err)
		}
	}
}

// Start applies the initial policy and launches the process poller, the
// state poller and, when configured, the packet loop, control server and
// journal pruning. They run until Stop is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	if a.protector != nil {
		if err := a.protector.Start(ctx); err != nil {
			a.logger.Warn("download marker watch unavailable, rescanning on every check", "error", err)
		}
	}

	a.machine.Initialize(ctx)
	a.logger.Info("agent started",
		"state", a.machine.State(),
		"mode", privacy.DescribeMode(a.machine.Config(), a.machine.State()),
		"patterns", len(a.classifier.Patterns()))

	a.spawn(func() { a.watcher.Run(ctx) })
	a.spawn(func() { a.machine.Run(ctx, a.config.TickInterval()) })
	if a.packets != nil {
		a.spawn(func() {
			if err := a.packets.Run(ctx, a.filter); err != nil {
				a.logger.Error("packet loop stopped", "error", err)
			}
		})
	}
	if a.server != nil {
		a.spawn(func() {
			if err := a.server.ListenAndServe(ctx); err != nil {
				a.logger.Error("control server stopped", "error", err)
			}
		})
	}
	if a.journal != nil {
		a.spawn(func() { a.pruneJournal(ctx) })
	}
	return nil
}

func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Agent) pruneJournal(ctx context.Context) {
	ticker := time.NewTicker(journalPruneInterval)
	defer ticker.Stop()
	retention := time.Duration(a.config.Journal.RetentionDays) * 24 * time.Hour
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.journal.Prune(a.now().Add(-retention))
			if err != nil {
				a.logger.Warn("journal prune failed", "error", err)
			} else if n > 0 {
				a.logger.Debug("journal pruned", "rows", n)
			}
		}
	}
}

// Stop cancels the loops and waits up to StopTimeout for them to exit,
// then releases the collaborators. It is safe to call more than once.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		cancel := a.cancel
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(StopTimeout):
			a.stopErr = errors.New("agent loops did not stop in time")
			a.logger.Error("shutdown timed out", "timeout", StopTimeout)
		}

		var errs []error
		if a.packets != nil {
			a.packets.Close()
		}
		if a.protector != nil {
			errs = append(errs, a.protector.Close())
		}
		errs = append(errs, a.watcher.Close())
		if a.journal != nil {
			errs = append(errs, a.journal.Close())
		}
		a.stopErr = errors.Join(append(errs, a.stopErr)...)
		a.logger.Info("agent stopped", "state", a.machine.State())
	})
	return a.stopErr
}

// Run starts the agent and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop()
}

func (a *Agent) Status(ctx context.Context) privacy.Status {
	return a.machine.Status(ctx)
}

func (a *Agent) EmergencyBlock(ctx context.Context) {
	a.machine.EmergencyBlock(ctx)
}

func (a *Agent) Resume(ctx context.Context) error {
	return a.machine.Resume(ctx)
}

func (a *Agent) AllowTemporarily(ctx context.Context, domain string, d time.Duration) (time.Time, error) {
	return a.machine.AllowTemporarily(ctx, domain, d)
}

// Filter is the packet filter, for callers that feed packets themselves.
func (a *Agent) Filter() *enforce.Filter {
	return a.filter
}

func (a *Agent) Machine() *privacy.Machine {
	return a.machine
}

func (a *Agent) Metrics() *server.Metrics {
	return a.metrics
}
