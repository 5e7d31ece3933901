package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/journal"
	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/procwatch"
	"github.com/ignition/privacy-agent/pkg/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeController struct {
	mu      sync.Mutex
	state   privacy.State
	allowed map[string]time.Duration
}

func (f *fakeController) Status(ctx context.Context) privacy.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return privacy.Status{
		State:           f.state,
		Mode:            privacy.ModeActive,
		Description:     "Active blocking (" + string(f.state) + ") + Activity Aware",
		AllowSet:        []string{"civitai.com", "huggingface.co"},
		AppliedAllowSet: []string{"civitai.com", "huggingface.co"},
		LastApplied:     time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
		Activity: privacy.ActivityStatus{
			Enabled:     true,
			ActiveCount: 1,
			HealthScore: 0.9,
			Activities: []activity.DetectedActivity{{
				ID:         "a1",
				Kind:       activity.KindPipInstall,
				Confidence: 0.86,
				Action:     activity.ActionAllowWithMonitoring,
				Process:    procwatch.NewSnapshot(100, 50, "pip", []string{"pip", "install", "torch"}, "/workspace", 0, 0, time.Now()),
			}},
		},
	}
}

func (f *fakeController) EmergencyBlock(ctx context.Context) {
	f.mu.Lock()
	f.state = privacy.StateEmergencyBlock
	f.mu.Unlock()
}

func (f *fakeController) Resume(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != privacy.StateEmergencyBlock {
		return privacy.ErrNotBlocked
	}
	f.state = privacy.StateStrict
	return nil
}

func (f *fakeController) AllowTemporarily(ctx context.Context, domain string, d time.Duration) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed[domain] = d
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil
}

type fakeHistory struct{}

func (fakeHistory) Transitions(limit int) ([]journal.TransitionRecord, error) {
	return []journal.TransitionRecord{{
		ID:       1,
		From:     privacy.StateStartup,
		To:       privacy.StateStrict,
		At:       time.Now(),
		Reason:   "startup complete and workload ready",
		AllowSet: []string{"civitai.com", "huggingface.co"},
	}}, nil
}

func (fakeHistory) Activities(limit int) ([]journal.ActivityRecord, error) {
	return []journal.ActivityRecord{{
		ID:         "a1",
		PID:        100,
		Kind:       "pip_install",
		Confidence: 0.86,
		Action:     "allow_with_monitoring",
		Command:    "pip install torch",
		DetectedAt: time.Now(),
	}}, nil
}

func newControlServer(t *testing.T) (*fakeController, string) {
	t.Helper()
	ctrl := &fakeController{state: privacy.StateStrict, allowed: make(map[string]time.Duration)}
	s := server.New(server.Config{Controller: ctrl, History: fakeHistory{}, Logger: quiet})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ctrl, ts.URL
}

// run executes the command tree with a config that does not exist, so only
// defaults and the given flags apply.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cmd := NewRoot("test", nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args,
		"--config", filepath.Join(dir, "missing.toml"),
		"--env-file", filepath.Join(dir, "missing.env")))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	_, addr := newControlServer(t)

	out, err := run(t, "status", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "State:      strict")
	assert.Contains(t, out, "Allow-set:  civitai.com, huggingface.co")
	assert.Contains(t, out, "Applied:    civitai.com, huggingface.co at ")
	assert.Contains(t, out, "pip install torch")

	out, err = run(t, "status", "--addr", addr, "-o", "json")
	require.NoError(t, err)
	var st privacy.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, privacy.StateStrict, st.State)
	require.Len(t, st.Activity.Activities, 1)

	out, err = run(t, "status", "--addr", addr, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "state: strict")

	_, err = run(t, "status", "--addr", addr, "-o", "xml")
	assert.ErrorContains(t, err, `unknown output format "xml"`)
}

func TestEmergencyBlockAndResume(t *testing.T) {
	_, addr := newControlServer(t)

	out, err := run(t, "emergency-block", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "state: emergency_block\n", out)

	out, err = run(t, "resume", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "state: strict\n", out)

	_, err = run(t, "resume", "--addr", addr)
	assert.ErrorContains(t, err, "not in emergency block")
}

func TestAllowCommand(t *testing.T) {
	ctrl, addr := newControlServer(t)

	out, err := run(t, "allow", "example.org", "60", "--addr", addr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "allowed example.org until "))
	assert.Equal(t, time.Minute, ctrl.allowed["example.org"])

	_, err = run(t, "allow", "example.net", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ctrl.allowed["example.net"])

	_, err = run(t, "allow", "example.org", "soon", "--addr", addr)
	assert.ErrorContains(t, err, "invalid duration")

	_, err = run(t, "allow", "--addr", addr)
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	_, addr := newControlServer(t)

	out, err := run(t, "history", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "FROM")
	assert.Contains(t, out, "startup")
	assert.Contains(t, out, "2 domains")

	out, err = run(t, "history", "activities", "--addr", addr, "-o", "json")
	require.NoError(t, err)
	var records []journal.ActivityRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "pip install torch", records[0].Command)

	_, err = run(t, "history", "downloads", "--addr", addr)
	assert.Error(t, err)
}

func TestUnreachableAgent(t *testing.T) {
	_, err := run(t, "status", "--addr", "127.0.0.1:1")
	assert.ErrorContains(t, err, "GET /status")
}

func TestProtectAndRelease(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOWNLOAD_MARKER_DIR", dir)

	out, err := run(t, "protect", "flux-dev")
	require.NoError(t, err)
	assert.Equal(t, "protected flux-dev\n", out)
	assert.FileExists(t, filepath.Join(dir, "flux-dev.lock"))

	_, err = run(t, "release", "flux-dev")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "flux-dev.lock"))

	_, err = run(t, "release", "flux-dev")
	assert.NoError(t, err)
}

func TestFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	opts := &rootOptions{
		configPath: filepath.Join(dir, "missing.toml"),
		envFile:    filepath.Join(dir, "missing.env"),
		addr:       "127.0.0.1:9999",
		logLevel:   "debug",
		logFormat:  "json",
	}
	res := opts.load()
	assert.Equal(t, "127.0.0.1:9999", res.Config.Server.Addr)
	assert.Equal(t, "debug", res.Config.Logging.Level)
	assert.Equal(t, "json", res.Config.Logging.Format)

	opts.logLevel = "loud"
	opts.logFormat = "xml"
	res = opts.load()
	assert.NotEqual(t, "loud", res.Config.Logging.Level)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), `unknown log format "xml"`)
}

func TestMarkReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "agent-ready")
	require.NoError(t, markReady(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), ts, 5)
}
