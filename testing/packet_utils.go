package testing

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Client is the local address used by generated packets.
var Client = net.IP{10, 0, 0, 5}

const ClientPort = 40000

func GenerateDNSRequestPacket(domain string, nameserver net.IP) gopacket.Packet {
	return GenerateDNSQuestionPacket(domain, layers.DNSTypeA, nameserver)
}

func GenerateDNSQuestionPacket(domain string, qtype layers.DNSType, nameserver net.IP) gopacket.Packet {
	dns := layers.DNS{
		ID:           0x22,
		OpCode:       layers.DNSOpCodeQuery,
		ResponseCode: layers.DNSResponseCodeNoErr,
		Questions:    []layers.DNSQuestion{{Name: []byte(domain), Type: qtype, Class: layers.DNSClassIN}},
	}
	udp := layers.UDP{SrcPort: ClientPort, DstPort: 53}
	ip := layers.IPv4{Protocol: layers.IPProtocolUDP, SrcIP: Client, DstIP: nameserver, Version: 4, TTL: 64}
	return GenerateDNSPacket(dns, udp, ip)
}

func GenerateDNSTypeAResponsePacket(domain string, answerIP net.IP, nameserver net.IP) gopacket.Packet {
	question := layers.DNSQuestion{Name: []byte(domain), Type: layers.DNSTypeA, Class: layers.DNSClassIN}
	answer := layers.DNSResourceRecord{
		Name:  []byte(domain),
		Type:  layers.DNSTypeA,
		Class: layers.DNSClassIN,
		TTL:   60,
		IP:    answerIP,
	}
	return GenerateDNSResponsePacket(question, nameserver, answer)
}

// GenerateDNSCNAMEResponsePacket answers domain with a CNAME to cname that
// resolves to answerIP.
func GenerateDNSCNAMEResponsePacket(domain, cname string, answerIP net.IP, nameserver net.IP) gopacket.Packet {
	question := layers.DNSQuestion{Name: []byte(domain), Type: layers.DNSTypeA, Class: layers.DNSClassIN}
	alias := layers.DNSResourceRecord{
		Name:  []byte(domain),
		Type:  layers.DNSTypeCNAME,
		Class: layers.DNSClassIN,
		TTL:   60,
		CNAME: []byte(cname),
	}
	a := layers.DNSResourceRecord{
		Name:  []byte(cname),
		Type:  layers.DNSTypeA,
		Class: layers.DNSClassIN,
		TTL:   60,
		IP:    answerIP,
	}
	return GenerateDNSResponsePacket(question, nameserver, alias, a)
}

func GenerateDNSResponsePacket(question layers.DNSQuestion, nameserver net.IP, answers ...layers.DNSResourceRecord) gopacket.Packet {
	dns := layers.DNS{
		ID:           0x22,
		QR:           true,
		OpCode:       layers.DNSOpCodeQuery,
		ResponseCode: layers.DNSResponseCodeNoErr,
		Answers:      answers,
		Questions:    []layers.DNSQuestion{question},
	}
	udp := layers.UDP{SrcPort: 53, DstPort: ClientPort}
	ip := layers.IPv4{Protocol: layers.IPProtocolUDP, SrcIP: nameserver, DstIP: Client, Version: 4, TTL: 64}
	return GenerateDNSPacket(dns, udp, ip)
}

func GenerateDNSPacket(dns layers.DNS, udp layers.UDP, ip layers.IPv4) gopacket.Packet {
	udp.SetNetworkLayerForChecksum(&ip)
	return serialize(&ip, &udp, &dns)
}

// GenerateDNSOverTCPPacket wraps a query in a length-prefixed TCP segment.
func GenerateDNSOverTCPPacket(domain string, nameserver net.IP) gopacket.Packet {
	dns := layers.DNS{
		ID:        0x23,
		OpCode:    layers.DNSOpCodeQuery,
		Questions: []layers.DNSQuestion{{Name: []byte(domain), Type: layers.DNSTypeA, Class: layers.DNSClassIN}},
	}
	buf := gopacket.NewSerializeBuffer()
	if err := dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		panic(err)
	}
	msg := buf.Bytes()
	payload := append([]byte{byte(len(msg) >> 8), byte(len(msg))}, msg...)
	return GenerateTCPPacket(nameserver, 53, payload)
}

// GenerateTCPPacket builds a PSH/ACK segment from Client to dst.
func GenerateTCPPacket(dst net.IP, dstPort int, payload []byte) gopacket.Packet {
	ip := layers.IPv4{Protocol: layers.IPProtocolTCP, SrcIP: Client, DstIP: dst, Version: 4, TTL: 64}
	tcp := layers.TCP{SrcPort: ClientPort, DstPort: layers.TCPPort(dstPort), Seq: 1, ACK: true, PSH: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(&ip)
	return serialize(&ip, &tcp, gopacket.Payload(payload))
}

// GenerateTCPSynPacket builds a bare SYN from Client to dst.
func GenerateTCPSynPacket(dst net.IP, dstPort int) gopacket.Packet {
	ip := layers.IPv4{Protocol: layers.IPProtocolTCP, SrcIP: Client, DstIP: dst, Version: 4, TTL: 64}
	tcp := layers.TCP{SrcPort: ClientPort, DstPort: layers.TCPPort(dstPort), Seq: 1, SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(&ip)
	return serialize(&ip, &tcp)
}

func serialize(l ...gopacket.SerializableLayer) gopacket.Packet {
	ether := layers.Ethernet{
		EthernetType: layers.EthernetTypeIPv4,
		SrcMAC:       net.HardwareAddr{0xFF, 0xAA, 0xFA, 0xAA, 0xFF, 0xAA},
		DstMAC:       net.HardwareAddr{0xBD, 0xBD, 0xBD, 0xBD, 0xBD, 0xBD},
	}
	buf := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opt, append([]gopacket.SerializableLayer{&ether}, l...)...); err != nil {
		panic(err)
	}
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}
