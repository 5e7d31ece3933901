package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ignition/privacy-agent/pkg/config"
	"github.com/ignition/privacy-agent/pkg/enforce"
	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/procwatch"
	testingUtils "github.com/ignition/privacy-agent/testing"
)

var resolver = net.ParseIP("127.0.0.125")

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockLister struct {
	mu    sync.Mutex
	procs map[int]procwatch.ProcessSnapshot
}

func newMockLister(procs ...procwatch.ProcessSnapshot) *mockLister {
	l := &mockLister{procs: make(map[int]procwatch.ProcessSnapshot)}
	l.add(procs...)
	return l
}

func (l *mockLister) add(procs ...procwatch.ProcessSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range procs {
		l.procs[p.PID] = p
	}
}

func (l *mockLister) remove(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.procs, pid)
}

func (l *mockLister) List(context.Context) ([]procwatch.ProcessSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]procwatch.ProcessSnapshot, 0, len(l.procs))
	for _, p := range l.procs {
		out = append(out, p)
	}
	return out, nil
}

type mockDownloads struct {
	mu     sync.Mutex
	status privacy.DownloadStatus
}

func (m *mockDownloads) Status(context.Context) (privacy.DownloadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

type mockReadiness struct{ ready bool }

func (m *mockReadiness) Ready(context.Context) bool { return m.ready }

// mockPacketSource blocks like a real queue until its context ends.
type mockPacketSource struct {
	mu      sync.Mutex
	running bool
	closed  bool
	filter  enforce.IPacketFilter
}

func (m *mockPacketSource) Run(ctx context.Context, filter enforce.IPacketFilter) error {
	m.mu.Lock()
	m.running = true
	m.filter = filter
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (m *mockPacketSource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockPacketSource) state() (running, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func snapshot(pid, ppid int, cwd string, argv ...string) procwatch.ProcessSnapshot {
	return procwatch.NewSnapshot(pid, ppid, argv[0], argv, cwd, 1000, 1000, time.Unix(1700000000, 0))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.Process.PatternsFile = ""
	c.Privacy.StateFile = filepath.Join(dir, "state.json")
	c.Journal.Path = filepath.Join(dir, "journal.db")
	c.Signals.MarkerDir = filepath.Join(dir, "downloads")
	c.Enforce.CollectProcessInfo = false
	c.Server.Enabled = false
	return c
}

type fixture struct {
	agent     *Agent
	lister    *mockLister
	downloads *mockDownloads
	packets   *mockPacketSource
	firewall  *testingUtils.Firewall
	fs        *testingUtils.FileSystem
	clock     *fakeClock
}

func newFixture(t *testing.T, c config.Config) *fixture {
	t.Helper()
	fx := &fixture{
		lister: newMockLister(
			snapshot(1, 0, "/", "/sbin/init"),
			snapshot(50, 1, "/workspace", "bash"),
		),
		downloads: &mockDownloads{},
		packets:   &mockPacketSource{},
		firewall:  testingUtils.NewFirewall(),
		fs:        testingUtils.NewFileSystem(),
		clock:     &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	fx.agent = NewAgent(AgentConfig{
		Config:       c,
		Logger:       quiet,
		Now:          fx.clock.now,
		Lister:       fx.lister,
		RootResolver: procwatch.StaticRoot(1),
		Downloads:    fx.downloads,
		Readiness:    &mockReadiness{ready: true},
		Firewall:     fx.firewall,
		NetInfo:      &testingUtils.NetInfoProvider{},
		FileSystem:   fx.fs,
		PacketSource: fx.packets,
	})
	t.Cleanup(func() { fx.agent.Stop() })
	return fx
}

func (fx *fixture) scan(t *testing.T) {
	t.Helper()
	if err := fx.agent.watcher.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
}
