package enforce

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	testingUtils "github.com/ignition/privacy-agent/testing"
)

var (
	resolver = net.IP{127, 0, 0, 53}
	quiet    = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type mockProcProvider struct {
	Sockets       map[string][]SocketEntry // protocol+version
	InodeToPID    map[uint64]int
	PIDToName     map[int]string
	PIDToCmdLine  map[int]string
	PIDToExecPath map[int]string
	reads         int
}

func newMockProcProvider() *mockProcProvider {
	return &mockProcProvider{
		Sockets:       make(map[string][]SocketEntry),
		InodeToPID:    make(map[uint64]int),
		PIDToName:     make(map[int]string),
		PIDToCmdLine:  make(map[int]string),
		PIDToExecPath: make(map[int]string),
	}
}

func (m *mockProcProvider) ReadProcNetFile(protocol string, ipVersion int) ([]SocketEntry, error) {
	m.reads++
	return m.Sockets[fmt.Sprintf("%s%d", protocol, ipVersion)], nil
}

func (m *mockProcProvider) FindProcessByInode(inode uint64) (int, error) {
	if pid, ok := m.InodeToPID[inode]; ok {
		return pid, nil
	}
	return 0, fmt.Errorf("inode not found")
}

func (m *mockProcProvider) GetProcessName(pid int) (string, error) {
	if name, ok := m.PIDToName[pid]; ok {
		return name, nil
	}
	return "", fmt.Errorf("process not found")
}

func (m *mockProcProvider) GetCommandLine(pid int) (string, error) {
	if cmdLine, ok := m.PIDToCmdLine[pid]; ok {
		return cmdLine, nil
	}
	return "", fmt.Errorf("command line not found")
}

func (m *mockProcProvider) GetExecutablePath(pid int) (string, error) {
	if execPath, ok := m.PIDToExecPath[pid]; ok {
		return execPath, nil
	}
	return "", fmt.Errorf("executable path not found")
}

type filterFixture struct {
	filter    *Filter
	fs        *testingUtils.FileSystem
	firewall  *testingUtils.Firewall
	admission *testingUtils.Admission
	decisions []Decision
}

func newFilterFixture(blocked ...string) *filterFixture {
	fx := &filterFixture{
		fs:        testingUtils.NewFileSystem(),
		firewall:  testingUtils.NewFirewall(),
		admission: testingUtils.NewAdmission(),
	}
	fx.filter = NewFilter(FilterConfig{
		AllowedIPs: []string{"10.20.0.0/16"},
		Blocked:    blocked,
		Admission:  fx.admission,
		NetInfo:    &testingUtils.NetInfoProvider{},
		Firewall:   fx.firewall,
		FileSystem: fx.fs,
		Logger:     quiet,
		OnDecision: func(d Decision) { fx.decisions = append(fx.decisions, d) },
	})
	return fx
}

func generatePacketWithoutNetworkLayer() gopacket.Packet {
	ether := layers.Ethernet{
		EthernetType: layers.EthernetTypeLLC,
		SrcMAC:       net.HardwareAddr{0xFF, 0xAA, 0xFA, 0xAA, 0xFF, 0xAA},
		DstMAC:       net.HardwareAddr{0xBD, 0xBD, 0xBD, 0xBD, 0xBD, 0xBD},
	}
	buf := gopacket.NewSerializeBuffer()
	gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, &ether, gopacket.Payload([]byte{1, 2, 3, 4}))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}
