package enforce

import (
	"time"

	"github.com/google/gopacket/layers"
)

// Verdict is the fate of one queued packet.
type Verdict uint8

const (
	Accept Verdict = 0
	Drop   Verdict = 1
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "drop"
}

// Decision values recorded in the connection log.
const (
	DecisionAllowed = "allowed"
	DecisionBlocked = "blocked"
	DecisionAudit   = "audit"
)

// Reasons recorded in the connection log.
const (
	ReasonDomainAllowed      = "domain-allowed"
	ReasonDomainBlocked      = "domain-blocked"
	ReasonDomainNotAllowed   = "domain-not-allowed"
	ReasonIPAllowed          = "ip-allowed"
	ReasonIPNotAllowed       = "ip-not-allowed"
	ReasonUntrustedDNSServer = "untrusted-dns-server"
	ReasonNoNetworkLayer     = "no-network-layer"
	ReasonMalformedDNS       = "malformed-dns"
)

const (
	DNSPort        = layers.TCPPort(53)
	DefaultLogPath = "/var/log/privacy-agent/connections.log"
)

var (
	// Loopback is always reachable.
	defaultIPs = []string{"127.0.0.1", "::1"}
	// systemd-resolved stub and the docker embedded resolver.
	defaultDNSServers = []string{"127.0.0.53", "127.0.0.11"}
)

// ConnectionLog is one JSON line of the connection log.
type ConnectionLog struct {
	Timestamp      int64  `json:"timestamp"`
	Decision       string `json:"decision"`
	Mode           string `json:"mode"`
	Protocol       string `json:"protocol"`
	SrcIP          string `json:"srcIP"`
	SrcPort        string `json:"srcPort"`
	DstIP          string `json:"dstIP"`
	DstPort        string `json:"dstPort"`
	Domain         string `json:"domain"`
	Reason         string `json:"reason"`
	PID            int    `json:"pid"`
	ProcessName    string `json:"processName"`
	CommandLine    string `json:"commandLine"`
	ExecutablePath string `json:"executablePath"`
	ProcessingTime int64  `json:"processingTime"`
}

// Decision is reported to OnDecision for every logged verdict.
type Decision struct {
	Verdict  Verdict
	Decision string
	Protocol string
	Domain   string
	Reason   string
}

// PacketInfo holds what was extracted from one packet.
type PacketInfo struct {
	SrcIP          string
	SrcPort        string
	DstIP          string
	DstPort        string
	PID            int
	ProcessName    string
	CommandLine    string
	ExecutablePath string
	StartTime      time.Time
}

// ProcessInfo identifies the process owning a local socket.
type ProcessInfo struct {
	PID            int
	ProcessName    string // /proc/[pid]/comm
	CommandLine    string // /proc/[pid]/cmdline
	ExecutablePath string // /proc/[pid]/exe
	Timestamp      int64
}

// SocketEntry is a parsed line of /proc/net/{tcp,udp}.
type SocketEntry struct {
	LocalAddr  string // "0100007F:0277"
	RemoteAddr string
	State      string
	Inode      uint64
}

func unknownPacket(start time.Time) PacketInfo {
	return PacketInfo{
		SrcIP:          "unknown",
		SrcPort:        "unknown",
		DstIP:          "unknown",
		DstPort:        "unknown",
		ProcessName:    "unknown",
		CommandLine:    "unknown",
		ExecutablePath: "unknown",
		StartTime:      start,
	}
}

func unknownProcess(now time.Time) *ProcessInfo {
	return &ProcessInfo{
		ProcessName:    "unknown",
		CommandLine:    "unknown",
		ExecutablePath: "unknown",
		Timestamp:      now.Unix(),
	}
}
