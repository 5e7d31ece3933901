package enforce

import (
	"context"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ignition/privacy-agent/pkg/privacy"
	testingUtils "github.com/ignition/privacy-agent/testing"
)

func FuzzExtractDNSFromTCPPayload(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00, 0x01})
	f.Add([]byte{0xff, 0xff, 0x00, 0x01})
	if tcp, ok := testingUtils.GenerateDNSOverTCPPacket("huggingface.co", resolver).Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		f.Add(tcp.Payload)
	}

	f.Fuzz(func(t *testing.T, payload []byte) {
		dns, err := extractDNSFromTCPPayload(payload)
		if err == nil && len(dns.Questions) == 0 {
			t.Fatalf("decoded payload without questions: %x", payload)
		}
	})
}

func FuzzProcessPacket(f *testing.F) {
	f.Add(testingUtils.GenerateDNSRequestPacket("huggingface.co", resolver).Data())
	f.Add(testingUtils.GenerateDNSTypeAResponsePacket("pypi.org", []byte{1, 2, 3, 4}, resolver).Data())
	f.Add(testingUtils.GenerateDNSOverTCPPacket("civitai.com", resolver).Data())
	f.Add(testingUtils.GenerateTCPSynPacket([]byte{8, 8, 8, 8}, 443).Data())

	fx := newFilterFixture("telemetry")
	if err := fx.filter.Apply(context.Background(), privacy.StateStrict, []string{"huggingface.co"}, privacy.ModeActive); err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		v := fx.filter.ProcessPacket(packet)
		if v != Accept && v != Drop {
			t.Fatalf("unexpected verdict %d", v)
		}
	})
}
