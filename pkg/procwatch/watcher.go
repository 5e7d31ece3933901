package procwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultPollInterval = time.Second

// ProcessHandler is called for a newly observed interesting process.
type ProcessHandler func(p ProcessSnapshot)

// EndedHandler is called with the pid of a process that disappeared.
type EndedHandler func(pid int)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	Lister       IProcessLister
	RootResolver IRootResolver
	Logger       *slog.Logger
}

// Watcher polls the process list, keeps the process tree current and fans
// out new/ended events. It satisfies the lineage lookup the classifier needs.
type Watcher struct {
	interval time.Duration
	lister   IProcessLister
	root     IRootResolver
	logger   *slog.Logger

	mu       sync.RWMutex
	tree     *processTree
	scanned  bool
	onNew    []ProcessHandler
	onEnded  []EndedHandler
	lastRoot int
}

func NewWatcher(config WatcherConfig) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Lister == nil {
		config.Lister = &GopsutilLister{}
	}
	if config.RootResolver == nil {
		config.RootResolver = StaticRoot(1)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Watcher{
		interval: config.PollInterval,
		lister:   config.Lister,
		root:     config.RootResolver,
		logger:   config.Logger,
		tree:     newProcessTree(),
		lastRoot: 1,
	}
}

// OnNewInteresting registers a handler for new interesting processes.
// Handlers must be registered before Run.
func (w *Watcher) OnNewInteresting(fn ProcessHandler) {
	w.mu.Lock()
	w.onNew = append(w.onNew, fn)
	w.mu.Unlock()
}

// OnEnded registers a handler for ended processes.
func (w *Watcher) OnEnded(fn EndedHandler) {
	w.mu.Lock()
	w.onEnded = append(w.onEnded, fn)
	w.mu.Unlock()
}

// Scan refreshes the tree once. The first scan only establishes a baseline
// and fires no events; processes already running when the agent starts are
// not treated as new activity.
func (w *Watcher) Scan(ctx context.Context) error {
	snapshots, err := w.lister.List(ctx)
	if err != nil {
		return fmt.Errorf("scan processes: %w", err)
	}

	if rootPID, err := w.root.RootPID(ctx); err == nil {
		w.mu.Lock()
		w.lastRoot = rootPID
		w.mu.Unlock()
	} else {
		w.logger.Debug("root pid unavailable, keeping previous", "error", err)
	}

	seen := make(map[int]bool, len(snapshots))
	var started []ProcessSnapshot
	var ended []int

	w.mu.Lock()
	for _, snap := range snapshots {
		seen[snap.PID] = true
		previous, known := w.tree.get(snap.PID)
		if known && previous.SameProcess(snap) {
			continue
		}
		if known {
			// pid was recycled between scans
			w.tree.remove(snap.PID)
			ended = append(ended, snap.PID)
		}
		w.tree.add(snap)
		if w.scanned && IsInteresting(snap) {
			started = append(started, snap)
		}
	}
	for pid := range w.tree.processes {
		if !seen[pid] {
			ended = append(ended, pid)
		}
	}
	for _, pid := range ended {
		if !seen[pid] {
			w.tree.remove(pid)
		}
	}
	firstScan := !w.scanned
	w.scanned = true
	onNew := append([]ProcessHandler(nil), w.onNew...)
	onEnded := append([]EndedHandler(nil), w.onEnded...)
	w.mu.Unlock()

	if firstScan {
		w.logger.Info("initial process scan complete", "processes", len(snapshots))
		return nil
	}

	for _, pid := range ended {
		for _, fn := range onEnded {
			w.safeEnded(fn, pid)
		}
	}
	for _, snap := range started {
		for _, fn := range onNew {
			w.safeNew(fn, snap)
		}
	}
	return nil
}

func (w *Watcher) safeNew(fn ProcessHandler, snap ProcessSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("new-process handler panicked", "pid", snap.PID, "panic", r)
		}
	}()
	fn(snap)
}

func (w *Watcher) safeEnded(fn EndedHandler, pid int) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ended-process handler panicked", "pid", pid, "panic", r)
		}
	}()
	fn(pid)
}

// Run polls until ctx is cancelled. Scan errors are logged and the loop
// continues with the next tick.
func (w *Watcher) Run(ctx context.Context) {
	if err := w.Scan(ctx); err != nil {
		w.logger.Warn("process scan failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("process scan failed", "error", err)
			}
		}
	}
}

// Processes returns every process from the last scan.
func (w *Watcher) Processes() []ProcessSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	all := make([]ProcessSnapshot, 0, len(w.tree.processes))
	for _, p := range w.tree.processes {
		all = append(all, p)
	}
	return all
}

// Lineage returns the ancestors of pid up to the container root.
func (w *Watcher) Lineage(pid int) Lineage {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tree.lineage(pid, w.lastRoot)
}

// Running reports whether pid was present in the last scan.
func (w *Watcher) Running(pid int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tree.get(pid)
	return ok
}

func (w *Watcher) Close() error {
	return w.root.Close()
}
