// Package enforce turns an allow-set into per-packet verdicts. DNS queries
// are admitted by domain; addresses from answers for allow-set domains are
// learned so the following connections pass. Domains granted to a running
// activity are never learned: their packets stay queued and are re-checked
// against the activity table one by one. Everything else is dropped in
// active mode and logged as audit in monitoring-only mode.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ignition/privacy-agent/pkg/domains"
	"github.com/ignition/privacy-agent/pkg/privacy"
)

const (
	maxProcessCache = 4096
	maxIPDomains    = 16384
)

var srvPrefix = regexp.MustCompile(`^_http\._tcp\.|^_https\._tcp\.`)

// IAdmission grants access to domains outside the allow-set on behalf of an
// activity that started after the last Apply.
type IAdmission interface {
	Allow(domain string, port int) (bool, string)
}

// IPacketFilter decides packets. *Filter implements it.
type IPacketFilter interface {
	ProcessPacket(packet gopacket.Packet) Verdict
}

type FilterConfig struct {
	// AllowedIPs are addresses or CIDRs always reachable.
	AllowedIPs []string
	// DNSServers are trusted resolvers in addition to the discovered ones.
	DNSServers []string
	// Blocked entries deny any domain containing them, whatever the
	// allow-set or an activity says.
	Blocked []string

	Admission          IAdmission
	NetInfo            INetInfoProvider
	Firewall           IFirewall
	FileSystem         IFileSystem
	ProcProvider       IProcProvider
	CollectProcessInfo bool
	LogPath            string
	Logger             *slog.Logger
	Now                func() time.Time
	OnDecision         func(Decision)
}

// Filter holds the current allow-set and decides packet verdicts. It starts
// in monitoring-only mode with an empty allow-set until the first Apply.
type Filter struct {
	admission          IAdmission
	firewall           IFirewall
	filesystem         IFileSystem
	procProvider       IProcProvider
	collectProcessInfo bool
	logPath            string
	logger             *slog.Logger
	now                func() time.Time
	onDecision         func(Decision)

	mu         sync.RWMutex
	state      privacy.State
	mode       privacy.Mode
	allow      *domains.Set
	blocked    *domains.Set
	aliases    map[string]string // CNAME/SRV target -> admitted domain
	staticIPs  map[string]bool
	cidrs      []*net.IPNet
	learnedIPs map[string]string // ip -> admitted domain
	ipToDomain map[string]string
	dnsServers map[string]bool

	cacheMu      sync.Mutex
	processCache map[string]*ProcessInfo
}

func NewFilter(config FilterConfig) *Filter {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LogPath == "" {
		config.LogPath = DefaultLogPath
	}
	f := &Filter{
		admission:          config.Admission,
		firewall:           config.Firewall,
		filesystem:         config.FileSystem,
		procProvider:       config.ProcProvider,
		collectProcessInfo: config.CollectProcessInfo && config.ProcProvider != nil,
		logPath:            config.LogPath,
		logger:             config.Logger,
		now:                config.Now,
		onDecision:         config.OnDecision,
		state:              privacy.StateStartup,
		mode:               privacy.ModeMonitoringOnly,
		allow:              domains.NewSet(),
		blocked:            domains.NewSet(config.Blocked...),
		aliases:            make(map[string]string),
		staticIPs:          make(map[string]bool),
		learnedIPs:         make(map[string]string),
		ipToDomain:         make(map[string]string),
		dnsServers:         make(map[string]bool),
		processCache:       make(map[string]*ProcessInfo),
	}
	f.loadAllowedIPs(append(append([]string(nil), defaultIPs...), config.AllowedIPs...))
	f.loadDNSServers(config.NetInfo, config.DNSServers)
	return f
}

func (f *Filter) loadAllowedIPs(ips []string) {
	for _, ip := range ips {
		if ip == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(ip); err == nil {
			f.cidrs = append(f.cidrs, cidr)
			continue
		}
		if parsed := net.ParseIP(ip); parsed != nil {
			f.staticIPs[parsed.String()] = true
			continue
		}
		f.logger.Warn("skipping unparseable allowed ip", "ip", ip)
	}
}

func (f *Filter) loadDNSServers(netInfo INetInfoProvider, extra []string) {
	servers := append(append([]string(nil), defaultDNSServers...), extra...)
	if netInfo != nil {
		discovered, err := netInfo.DNSServers()
		if err != nil {
			f.logger.Warn("failed to discover dns servers", "error", err)
		}
		servers = append(servers, discovered...)
		if err := netInfo.FlushDNSCache(); err != nil {
			f.logger.Warn("failed to flush dns cache", "error", err)
		}
	}
	for _, s := range servers {
		if ip := net.ParseIP(s); ip != nil {
			f.dnsServers[ip.String()] = true
		}
	}
	f.logger.Info("trusted dns servers", "servers", servers)
}

// Apply replaces the state, allow-set and mode. Addresses learned for
// domains that left the allow-set are forgotten. In emergency block the
// admission check is not consulted. Apply is idempotent.
func (f *Filter) Apply(ctx context.Context, state privacy.State, allowSet []string, mode privacy.Mode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch mode {
	case privacy.ModeActive, privacy.ModeMonitoringOnly:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	next := domains.NewSet(allowSet...)

	f.mu.Lock()
	unchanged := f.state == state && f.mode == mode && f.allow.Equal(next)
	f.state = state
	f.mode = mode
	f.allow = next
	var kept []string
	if !unchanged {
		for ip, domain := range f.learnedIPs {
			if next.Contains(domain) {
				kept = append(kept, ip)
				continue
			}
			delete(f.learnedIPs, ip)
		}
		for alias, domain := range f.aliases {
			if !next.Contains(domain) {
				delete(f.aliases, alias)
			}
		}
	}
	f.mu.Unlock()

	if unchanged {
		return nil
	}
	f.logger.Info("allow-set applied", "state", state, "mode", mode, "domains", next.List())

	if f.firewall == nil {
		return nil
	}
	if err := f.firewall.Reset(); err != nil {
		return fmt.Errorf("reset firewall set: %w", err)
	}
	if mode != privacy.ModeActive {
		return nil
	}
	for _, ip := range kept {
		if err := f.firewall.AddIP(ip); err != nil {
			return fmt.Errorf("restore firewall set: %w", err)
		}
	}
	return nil
}

// State is the state of the last Apply.
func (f *Filter) State() privacy.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Mode is the mode of the last Apply.
func (f *Filter) Mode() privacy.Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// AllowSet is the allow-set of the last Apply.
func (f *Filter) AllowSet() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.allow.List()
}

// LearnedIPs returns a copy of the addresses learned from DNS answers for
// allow-set domains. These are the addresses pushed to the firewall.
func (f *Filter) LearnedIPs() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.learnedIPs))
	for ip, d := range f.learnedIPs {
		out[ip] = d
	}
	return out
}

// AllowDomain decides a domain: the block list wins, then the allow-set and
// its learned aliases, then the admission check unless in emergency block.
func (f *Filter) AllowDomain(domain string, port int) (bool, string) {
	allowed, _, reason := f.decide(domain, port)
	return allowed, reason
}

// decide is AllowDomain that also reports whether only the admission check
// granted the domain.
func (f *Filter) decide(domain string, port int) (allowed, admitted bool, reason string) {
	d := domains.Normalize(domain)

	f.mu.RLock()
	candidates := []string{d}
	if origin, ok := f.aliases[d]; ok {
		candidates = append(candidates, origin)
	}
	blocked := f.blocked.ContainsSubstring(d)
	for _, c := range candidates {
		allowed = allowed || f.allow.Contains(c)
	}
	state := f.state
	f.mu.RUnlock()

	switch {
	case blocked:
		return false, false, ReasonDomainBlocked
	case allowed:
		return true, false, ReasonDomainAllowed
	}
	if f.admission != nil && state != privacy.StateEmergencyBlock {
		for _, c := range candidates {
			if ok, why := f.safeAdmission(c, port); ok {
				return true, true, "activity: " + why
			}
		}
	}
	return false, false, ReasonDomainNotAllowed
}

func (f *Filter) safeAdmission(domain string, port int) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("admission check panicked", "domain", domain, "panic", r)
			ok, reason = false, ""
		}
	}()
	return f.admission.Allow(domain, port)
}

func (f *Filter) isIPAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	key := ip.String()

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.staticIPs[key] {
		return true
	}
	if _, ok := f.learnedIPs[key]; ok {
		return true
	}
	for _, cidr := range f.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func (f *Filter) learnIP(ip, domain string) {
	f.mu.Lock()
	_, known := f.learnedIPs[ip]
	f.learnedIPs[ip] = domain
	mode := f.mode
	f.mu.Unlock()

	if known || f.firewall == nil || mode != privacy.ModeActive {
		return
	}
	if err := f.firewall.AddIP(ip); err != nil {
		f.logger.Warn("failed to add ip to firewall set", "ip", ip, "domain", domain, "error", err)
	}
}

// verdict turns a decision into a verdict for the current mode and logs it.
func (f *Filter) verdict(pkt PacketInfo, allowed bool, protocol, domain, reason string) Verdict {
	mode := f.Mode()
	switch {
	case allowed:
		f.logDecision(pkt, Accept, DecisionAllowed, mode, protocol, domain, reason)
		return Accept
	case mode != privacy.ModeActive:
		f.logDecision(pkt, Accept, DecisionAudit, mode, protocol, domain, reason)
		return Accept
	default:
		f.logDecision(pkt, Drop, DecisionBlocked, mode, protocol, domain, reason)
		return Drop
	}
}

func (f *Filter) logDecision(pkt PacketInfo, v Verdict, decision string, mode privacy.Mode, protocol, domain, reason string) {
	if f.onDecision != nil {
		f.onDecision(Decision{Verdict: v, Decision: decision, Protocol: protocol, Domain: domain, Reason: reason})
	}

	level := slog.LevelDebug
	if decision != DecisionAllowed {
		level = slog.LevelInfo
	}
	f.logger.Log(context.Background(), level, "connection",
		"decision", decision, "protocol", protocol, "domain", domain, "reason", reason,
		"src", net.JoinHostPort(pkt.SrcIP, pkt.SrcPort), "dst", net.JoinHostPort(pkt.DstIP, pkt.DstPort),
		"process", pkt.ProcessName)

	if f.filesystem == nil {
		return
	}
	// Loopback chatter is not worth a log line.
	if decision == DecisionAllowed && pkt.DstPort != "53" {
		for _, ip := range defaultIPs {
			if pkt.DstIP == ip {
				return
			}
		}
	}

	entry := ConnectionLog{
		Timestamp:      f.now().UnixMilli(),
		Decision:       decision,
		Mode:           string(mode),
		Protocol:       protocol,
		SrcIP:          pkt.SrcIP,
		SrcPort:        pkt.SrcPort,
		DstIP:          pkt.DstIP,
		DstPort:        pkt.DstPort,
		Domain:         domain,
		Reason:         reason,
		PID:            pkt.PID,
		ProcessName:    pkt.ProcessName,
		CommandLine:    pkt.CommandLine,
		ExecutablePath: pkt.ExecutablePath,
		ProcessingTime: f.now().Sub(pkt.StartTime).Milliseconds(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		f.logger.Error("failed to marshal connection log", "error", err)
		return
	}
	if err := f.filesystem.Append(f.logPath, string(data)); err != nil {
		f.logger.Warn("failed to write connection log", "error", err)
	}
}

func (f *Filter) lookupProcess(srcIP, srcPort, protocol string) *ProcessInfo {
	if !f.collectProcessInfo {
		return unknownProcess(f.now())
	}
	key := srcIP + ":" + srcPort + ":" + protocol

	f.cacheMu.Lock()
	cached, ok := f.processCache[key]
	f.cacheMu.Unlock()
	if ok {
		return cached
	}

	info, err := lookupProcess(f.procProvider, srcIP, srcPort, protocol)
	if err != nil {
		f.logger.Debug("process lookup failed", "socket", key, "error", err)
		return unknownProcess(f.now())
	}
	info.Timestamp = f.now().Unix()

	f.cacheMu.Lock()
	if len(f.processCache) >= maxProcessCache {
		f.processCache = make(map[string]*ProcessInfo)
	}
	f.processCache[key] = info
	f.cacheMu.Unlock()
	return info
}

func (f *Filter) extractPacketInfo(packet gopacket.Packet) PacketInfo {
	info := unknownPacket(f.now())

	switch v := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		info.SrcIP = v.SrcIP.String()
		info.DstIP = v.DstIP.String()
	case *layers.IPv6:
		info.SrcIP = v.SrcIP.String()
		info.DstIP = v.DstIP.String()
	}

	var protocol string
	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		info.SrcPort = strconv.Itoa(int(tcp.SrcPort))
		info.DstPort = strconv.Itoa(int(tcp.DstPort))
		protocol = "tcp"
	} else if udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		info.SrcPort = strconv.Itoa(int(udp.SrcPort))
		info.DstPort = strconv.Itoa(int(udp.DstPort))
		protocol = "udp"
	}

	// Responses come from the resolver; only attribute outgoing traffic.
	if protocol != "" && info.SrcIP != "unknown" && info.SrcPort != "53" {
		p := f.lookupProcess(info.SrcIP, info.SrcPort, protocol)
		info.PID = p.PID
		info.ProcessName = p.ProcessName
		info.CommandLine = p.CommandLine
		info.ExecutablePath = p.ExecutablePath
	}
	return info
}

// ProcessPacket decides one packet.
func (f *Filter) ProcessPacket(packet gopacket.Packet) Verdict {
	// TCP first: the decoder does not strip the DNS-over-TCP length prefix.
	if tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		if tcp.DstPort == DNSPort || tcp.SrcPort == DNSPort {
			return f.processDNSOverTCPPacket(packet, tcp)
		}
		return f.processNonDNSPacket(packet)
	}
	if dns, ok := packet.Layer(layers.LayerTypeDNS).(*layers.DNS); ok {
		return f.processDNSPacket(packet, dns)
	}
	return f.processNonDNSPacket(packet)
}

func (f *Filter) processDNSPacket(packet gopacket.Packet, dns *layers.DNS) Verdict {
	pkt := f.extractPacketInfo(packet)
	if len(dns.Questions) == 0 {
		return f.verdict(pkt, false, "DNS", "unknown", ReasonMalformedDNS)
	}
	if !dns.QR && !f.isTrustedDNSServer(pkt.DstIP) {
		return f.verdict(pkt, false, "DNS", string(dns.Questions[0].Name), ReasonUntrustedDNSServer)
	}
	return f.processDNSLayer(dns, pkt, "DNS")
}

func (f *Filter) isTrustedDNSServer(ip string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dnsServers[ip]
}

func (f *Filter) processDNSLayer(dns *layers.DNS, pkt PacketInfo, protocol string) Verdict {
	if !dns.QR {
		return f.processDNSQuery(dns, pkt, protocol)
	}
	f.processDNSResponse(dns)
	return Accept
}

func questionDomain(q layers.DNSQuestion) string {
	domain := string(q.Name)
	if q.Type == layers.DNSTypeSRV {
		domain = srvPrefix.ReplaceAllString(domain, "")
	}
	return domain
}

// processDNSQuery decides on the first question; resolvers never send more
// than one in practice.
func (f *Filter) processDNSQuery(dns *layers.DNS, pkt PacketInfo, protocol string) Verdict {
	domain := questionDomain(dns.Questions[0])
	allowed, reason := f.AllowDomain(domain, 53)
	return f.verdict(pkt, allowed, protocol, domain, reason)
}

func (f *Filter) processDNSResponse(dns *layers.DNS) {
	if len(dns.Questions) == 0 {
		return
	}
	domain := domains.Normalize(questionDomain(dns.Questions[0]))
	allowed, admitted, _ := f.decide(domain, 443)

	for _, answer := range dns.Answers {
		switch answer.Type {
		case layers.DNSTypeA, layers.DNSTypeAAAA:
			if answer.IP == nil {
				continue
			}
			ip := answer.IP.String()
			f.mu.Lock()
			if len(f.ipToDomain) >= maxIPDomains {
				f.ipToDomain = make(map[string]string)
			}
			f.ipToDomain[ip] = domain
			f.mu.Unlock()
			if allowed && !admitted {
				f.learnIP(ip, domain)
			}
		case layers.DNSTypeCNAME:
			if allowed {
				f.addAlias(string(answer.CNAME), domain)
			}
		case layers.DNSTypeSRV:
			if allowed {
				f.addAlias(string(answer.SRV.Name), domain)
			}
		}
	}
}

func (f *Filter) addAlias(alias, origin string) {
	alias = domains.Normalize(alias)
	if alias == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// The origin is re-checked on every use.
	f.aliases[alias] = origin
}

// extractDNSFromTCPPayload decodes a length-prefixed DNS message that fits
// in one segment.
func extractDNSFromTCPPayload(payload []byte) (*layers.DNS, error) {
	if len(payload) < 3 {
		return nil, fmt.Errorf("payload too short")
	}
	messageLen := int(payload[0])<<8 | int(payload[1])
	if messageLen == 0 || len(payload) < messageLen+2 {
		return nil, fmt.Errorf("invalid DNS over TCP payload length")
	}

	dns := &layers.DNS{}
	if err := dns.DecodeFromBytes(payload[2:messageLen+2], gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode DNS over TCP payload: %w", err)
	}
	if len(dns.Questions) == 0 {
		return nil, fmt.Errorf("no DNS questions in payload")
	}
	return dns, nil
}

func (f *Filter) processDNSOverTCPPacket(packet gopacket.Packet, tcp *layers.TCP) Verdict {
	pkt := f.extractPacketInfo(packet)

	// Handshake and teardown segments carry no query.
	if len(tcp.Payload) == 0 {
		return Accept
	}

	dns, err := extractDNSFromTCPPayload(tcp.Payload)
	if err != nil {
		f.logger.Debug("failed to extract dns from tcp payload", "error", err)
		return f.verdict(pkt, false, "TCP-DNS", "unknown", ReasonMalformedDNS)
	}
	if tcp.DstPort == DNSPort && !f.isTrustedDNSServer(pkt.DstIP) {
		return f.verdict(pkt, false, "TCP-DNS", string(dns.Questions[0].Name), ReasonUntrustedDNSServer)
	}
	return f.processDNSLayer(dns, pkt, "TCP-DNS")
}

func (f *Filter) processNonDNSPacket(packet gopacket.Packet) Verdict {
	var protocol string
	switch v := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		protocol = v.Protocol.String()
	case *layers.IPv6:
		protocol = v.NextHeader.String()
	default:
		return f.verdict(unknownPacket(f.now()), false, "unknown", "unknown", ReasonNoNetworkLayer)
	}

	pkt := f.extractPacketInfo(packet)
	if f.isIPAllowed(pkt.DstIP) {
		return f.verdict(pkt, true, protocol, f.domainFor(pkt.DstIP), ReasonIPAllowed)
	}

	// The address may belong to a domain that entered the allow-set after
	// it was resolved, or to one a running activity needs. The latter is
	// decided again for every packet.
	domain := f.domainFor(pkt.DstIP)
	if domain != "unknown" {
		port, _ := strconv.Atoi(pkt.DstPort)
		if allowed, admitted, reason := f.decide(domain, port); allowed {
			if !admitted {
				f.learnIP(pkt.DstIP, domain)
			}
			return f.verdict(pkt, true, protocol, domain, reason)
		}
	}
	return f.verdict(pkt, false, protocol, domain, ReasonIPNotAllowed)
}

func (f *Filter) domainFor(ip string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if d, ok := f.ipToDomain[ip]; ok {
		return d
	}
	return "unknown"
}
