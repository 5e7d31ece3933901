package agent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignition/privacy-agent/pkg/activity"
	"github.com/ignition/privacy-agent/pkg/enforce"
	"github.com/ignition/privacy-agent/pkg/privacy"
	testingUtils "github.com/ignition/privacy-agent/testing"
)

func TestActivityOpensAndClosesEgress(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	ctx := context.Background()

	a.machine.Initialize(ctx)
	require.Equal(t, privacy.StateStartup, a.machine.State())
	assert.Equal(t, privacy.ModeActive, a.filter.Mode())
	assert.Contains(t, a.filter.AllowSet(), "github.com")

	fx.scan(t)
	fx.lister.add(snapshot(100, 50, "/workspace", "pip", "install", "torch"))
	fx.scan(t)

	detected, ok := a.table.Get(100)
	require.True(t, ok)
	assert.Equal(t, activity.KindPipInstall, detected.Kind)
	assert.GreaterOrEqual(t, detected.Confidence, 0.8)
	assert.Equal(t, activity.ActionAllowWithMonitoring, detected.Action)

	assert.Equal(t, privacy.StateActivityDetected, a.machine.Tick(ctx))
	assert.Contains(t, a.filter.AllowSet(), "pypi.org")
	assert.Equal(t, enforce.Accept, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("pypi.org", resolver)))

	fx.lister.remove(100)
	fx.clock.advance(30 * time.Second)
	fx.scan(t)
	assert.False(t, a.table.Has(100))

	assert.Equal(t, privacy.StateStrict, a.machine.Tick(ctx))
	assert.NotContains(t, a.filter.AllowSet(), "pypi.org")
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("pypi.org", resolver)))
	assert.Equal(t, enforce.Accept, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("huggingface.co", resolver)))

	require.NotNil(t, a.journal)
	transitions, err := a.journal.Transitions(10)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, privacy.StateStrict, transitions[0].To)
	assert.Equal(t, privacy.StateActivityDetected, transitions[1].To)

	activities, err := a.journal.Activities(10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "pip install torch", activities[0].Command)
	assert.False(t, activities[0].EndedAt.IsZero())
}

func TestAdmissionBeforeNextTick(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	ctx := context.Background()

	a.machine.Initialize(ctx)
	fx.downloads.status = privacy.DownloadStatus{ActiveCount: 1}
	require.Equal(t, privacy.StateDownloadsActive, a.machine.Tick(ctx))
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("pypi.org", resolver)))

	fx.scan(t)
	fx.lister.add(snapshot(100, 50, "/workspace", "pip", "install", "torch"))
	fx.scan(t)

	ok, reason := a.filter.AllowDomain("pypi.org", 443)
	assert.True(t, ok)
	assert.Contains(t, reason, "pip_install (confidence")
	assert.Equal(t, enforce.Accept, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("pypi.org", resolver)))
}

func TestAdmittedEgressClosesWhenProcessEnds(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	ctx := context.Background()

	a.machine.Initialize(ctx)
	fx.downloads.status = privacy.DownloadStatus{ActiveCount: 1}
	require.Equal(t, privacy.StateDownloadsActive, a.machine.Tick(ctx))

	fx.scan(t)
	fx.lister.add(snapshot(100, 50, "/workspace", "pip", "install", "torch"))
	fx.scan(t)

	ip := net.IP{151, 101, 0, 223}
	a.filter.ProcessPacket(testingUtils.GenerateDNSTypeAResponsePacket("pypi.org", ip, resolver))
	assert.Equal(t, enforce.Accept, a.filter.ProcessPacket(testingUtils.GenerateTCPSynPacket(ip, 443)))
	assert.False(t, fx.firewall.Has("151.101.0.223"))

	fx.lister.remove(100)
	fx.scan(t)
	require.False(t, a.table.Has(100))
	assert.Equal(t, privacy.StateDownloadsActive, a.machine.State())
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateTCPSynPacket(ip, 443)))
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("pypi.org", resolver)))
}

func TestEmergencyBlockOverridesActivities(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	ctx := context.Background()

	a.machine.Initialize(ctx)
	fx.scan(t)
	fx.lister.add(snapshot(100, 50, "/workspace", "pip", "install", "torch"))
	fx.scan(t)
	require.True(t, a.table.Has(100))

	ip := net.IP{151, 101, 0, 223}
	a.filter.ProcessPacket(testingUtils.GenerateDNSTypeAResponsePacket("pypi.org", ip, resolver))

	a.EmergencyBlock(ctx)
	require.Equal(t, privacy.StateEmergencyBlock, a.filter.State())
	assert.Empty(t, a.filter.AllowSet())

	for _, domain := range []string{"pypi.org", "files.pythonhosted.org", "evil.example"} {
		ok, reason := a.filter.AllowDomain(domain, 443)
		assert.False(t, ok, domain)
		assert.Equal(t, enforce.ReasonDomainNotAllowed, reason, domain)
		assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket(domain, resolver)), domain)
	}
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateTCPSynPacket(ip, 443)))
	assert.Empty(t, fx.firewall.AllowedIPs)

	require.NoError(t, a.Resume(ctx))
	ok, _ := a.filter.AllowDomain("pypi.org", 443)
	assert.True(t, ok)
}

func TestBlockedDomainsBeatActivities(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	a.machine.Initialize(context.Background())

	fx.scan(t)
	fx.lister.add(snapshot(100, 50, "/workspace", "pip", "install", "torch"))
	fx.scan(t)
	a.machine.Tick(context.Background())

	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("api.openai.com", resolver)))
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("telemetry.pypi.org", resolver)))
}

func TestNoPacketSourceMeansMonitoringOnly(t *testing.T) {
	a := NewAgent(AgentConfig{
		Config:     testConfig(t),
		Logger:     quiet,
		Lister:     newMockLister(snapshot(1, 0, "/", "/sbin/init")),
		Downloads:  &mockDownloads{},
		Readiness:  &mockReadiness{},
		NetInfo:    &testingUtils.NetInfoProvider{},
		FileSystem: testingUtils.NewFileSystem(),
	})
	defer a.Stop()

	assert.True(t, a.machine.Config().MonitoringOnly)
	a.machine.Initialize(context.Background())
	assert.Equal(t, privacy.ModeMonitoringOnly, a.filter.Mode())
	assert.Equal(t, enforce.Accept, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("example.org", resolver)))
	assert.Contains(t, a.Status(context.Background()).Description, "Monitoring-only")
}

func TestControlCommands(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	a := fx.agent
	ctx := context.Background()
	a.machine.Initialize(ctx)

	expires, err := a.AllowTemporarily(ctx, "example.org", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, fx.clock.now().Add(time.Minute), expires)
	assert.Contains(t, a.filter.AllowSet(), "example.org")

	a.EmergencyBlock(ctx)
	assert.Equal(t, privacy.StateEmergencyBlock, a.Status(ctx).State)
	assert.Empty(t, a.filter.AllowSet())
	assert.Equal(t, enforce.Drop, a.filter.ProcessPacket(testingUtils.GenerateDNSRequestPacket("huggingface.co", resolver)))

	require.NoError(t, a.Resume(ctx))
	assert.Equal(t, privacy.StateStrict, a.machine.State())
	assert.ErrorIs(t, a.Resume(ctx), privacy.ErrNotBlocked)
}

func TestStartAndStop(t *testing.T) {
	packets := &mockPacketSource{}
	a := NewAgent(AgentConfig{
		Config:       testConfig(t),
		Logger:       quiet,
		Lister:       newMockLister(snapshot(1, 0, "/", "/sbin/init")),
		Readiness:    &mockReadiness{},
		Firewall:     testingUtils.NewFirewall(),
		NetInfo:      &testingUtils.NetInfoProvider{},
		FileSystem:   testingUtils.NewFileSystem(),
		PacketSource: packets,
	})
	require.NotNil(t, a.protector)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	assert.Eventually(t, func() bool {
		running, _ := packets.state()
		return running
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.protector.Protect("flux.safetensors"))
	assert.Eventually(t, func() bool {
		return a.Status(ctx).Downloads.Protected
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, a.Stop())
	assert.Less(t, time.Since(start), StopTimeout)
	_, closed := packets.state()
	assert.True(t, closed)
	assert.NoError(t, a.Stop())
}

func TestRunReturnsOnCancel(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.agent.Run(ctx) }()

	assert.Eventually(t, func() bool {
		running, _ := fx.packets.state()
		return running
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(StopTimeout + time.Second):
		t.Fatal("Run did not return")
	}
}

func TestControlServerWiring(t *testing.T) {
	c := testConfig(t)
	c.Server.Enabled = true
	fx := newFixture(t, c)
	require.NotNil(t, fx.agent.server)
	fx.agent.machine.Initialize(context.Background())

	rec := httptest.NewRecorder()
	fx.agent.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"startup"`)

	rec = httptest.NewRecorder()
	fx.agent.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history/transitions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fx.agent.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `privacy_agent_state{state="startup"} 1`)
}
