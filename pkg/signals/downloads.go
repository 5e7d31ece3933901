// Package signals provides the external inputs of the privacy state
// machine: download protection and workload readiness.
package signals

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/procwatch"
)

const (
	DefaultMarkerDir    = "/var/run/privacy-agent/downloads"
	DefaultMarkerMaxAge = 6 * time.Hour
	markerSuffix        = ".lock"
)

// DefaultDownloadProcesses are the executables counted as active downloads.
var DefaultDownloadProcesses = []string{"aria2c"}

type DownloadProtectorConfig struct {
	// MarkerDir holds one <name>.lock file per protected download.
	MarkerDir string
	// Markers older than MarkerMaxAge are treated as left behind by a
	// crashed downloader.
	MarkerMaxAge time.Duration
	Processes    []string
	Lister       procwatch.IProcessLister
	Logger       *slog.Logger
	Now          func() time.Time
}

// DownloadProtector reports download protection. Download scripts create a
// marker before they start and remove it when done; the marker set is kept
// current with fsnotify once Start has been called and rescanned on every
// Status call otherwise.
type DownloadProtector struct {
	dir       string
	maxAge    time.Duration
	processes map[string]bool
	lister    procwatch.IProcessLister
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	markers  map[string]time.Time
	watching bool
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

func NewDownloadProtector(config DownloadProtectorConfig) *DownloadProtector {
	if config.MarkerDir == "" {
		config.MarkerDir = DefaultMarkerDir
	}
	if config.MarkerMaxAge <= 0 {
		config.MarkerMaxAge = DefaultMarkerMaxAge
	}
	if len(config.Processes) == 0 {
		config.Processes = DefaultDownloadProcesses
	}
	if config.Lister == nil {
		config.Lister = &procwatch.GopsutilLister{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	procs := make(map[string]bool, len(config.Processes))
	for _, p := range config.Processes {
		procs[strings.ToLower(p)] = true
	}
	return &DownloadProtector{
		dir:       config.MarkerDir,
		maxAge:    config.MarkerMaxAge,
		processes: procs,
		lister:    config.Lister,
		logger:    config.Logger,
		now:       config.Now,
		markers:   make(map[string]time.Time),
	}
}

// Start creates the marker directory and watches it until ctx is done or
// Close is called.
func (d *DownloadProtector) Start(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", d.dir, err)
	}

	markers, err := d.scan()
	if err != nil {
		watcher.Close()
		return err
	}
	d.mu.Lock()
	d.markers = markers
	d.watcher = watcher
	d.watching = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.processEvents(ctx, watcher)
	return nil
}

func (d *DownloadProtector) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		d.mu.Lock()
		d.watching = false
		close(d.done)
		d.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, markerSuffix) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				d.mu.Lock()
				delete(d.markers, name)
				d.mu.Unlock()
				d.logger.Info("download protection released", "marker", name)
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				info, err := os.Stat(event.Name)
				if err != nil {
					continue
				}
				d.mu.Lock()
				d.markers[name] = info.ModTime()
				d.mu.Unlock()
				if event.Op&fsnotify.Create != 0 {
					d.logger.Info("download protection engaged", "marker", name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("marker watcher error", "error", err)
		}
	}
}

func (d *DownloadProtector) scan() (map[string]time.Time, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]time.Time{}, nil
		}
		return nil, fmt.Errorf("read marker dir: %w", err)
	}
	markers := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		markers[e.Name()] = info.ModTime()
	}
	return markers, nil
}

// Protected reports whether any fresh marker exists.
func (d *DownloadProtector) Protected() (bool, error) {
	markers, err := d.currentMarkers()
	if err != nil {
		return false, err
	}
	now := d.now()
	for _, mod := range markers {
		if now.Sub(mod) < d.maxAge {
			return true, nil
		}
	}
	return false, nil
}

func (d *DownloadProtector) currentMarkers() (map[string]time.Time, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.watching {
		return d.scan()
	}
	out := make(map[string]time.Time, len(d.markers))
	for name, mod := range d.markers {
		out[name] = mod
	}
	return out, nil
}

// ActiveCount counts running download processes.
func (d *DownloadProtector) ActiveCount(ctx context.Context) (int, error) {
	procs, err := d.lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("count download processes: %w", err)
	}
	count := 0
	for _, p := range procs {
		if d.isDownloader(p) {
			count++
		}
	}
	return count, nil
}

// isDownloader matches the executable or, for interpreted wrappers, the
// first argument.
func (d *DownloadProtector) isDownloader(p procwatch.ProcessSnapshot) bool {
	if d.processes[p.Basename] {
		return true
	}
	return len(p.Argv) > 1 && d.processes[strings.ToLower(path.Base(p.Argv[1]))]
}

// Status implements privacy.IDownloadStatus. A failed process count is
// logged and reported as zero; protection read from the markers still holds.
func (d *DownloadProtector) Status(ctx context.Context) (privacy.DownloadStatus, error) {
	protected, err := d.Protected()
	if err != nil {
		return privacy.DownloadStatus{}, err
	}
	count, err := d.ActiveCount(ctx)
	if err != nil {
		d.logger.Warn("download process count unavailable", "protected", protected, "error", err)
		return privacy.DownloadStatus{Protected: protected}, nil
	}
	return privacy.DownloadStatus{Protected: protected, ActiveCount: count}, nil
}

// Protect creates a marker for name.
func (d *DownloadProtector) Protect(name string) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	marker := filepath.Join(d.dir, markerName(name))
	if err := os.WriteFile(marker, []byte(d.now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// Release removes the marker for name. Releasing an absent marker is not
// an error.
func (d *DownloadProtector) Release(name string) error {
	err := os.Remove(filepath.Join(d.dir, markerName(name)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

func markerName(name string) string {
	name = strings.ReplaceAll(filepath.Base(name), string(filepath.Separator), "_")
	if !strings.HasSuffix(name, markerSuffix) {
		name += markerSuffix
	}
	return name
}

// Close stops the watcher and waits for the event loop to exit.
func (d *DownloadProtector) Close() error {
	d.mu.Lock()
	watcher := d.watcher
	done := d.done
	d.watcher = nil
	d.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
