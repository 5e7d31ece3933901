// Package nfqueue feeds packets from a netfilter queue to an enforce.Filter.
// It needs cgo and libnetfilter_queue; everything else in the agent does not.
package nfqueue

import (
	"context"
	"fmt"
	"log/slog"

	netfilter "github.com/AkihiroSuda/go-netfilter-queue"
	"github.com/google/gopacket"

	"github.com/ignition/privacy-agent/pkg/enforce"
)

const (
	DefaultQueueNum = 0
	DefaultMaxLen   = 1000
)

type Queue struct {
	num    uint16
	nfq    *netfilter.NFQueue
	logger *slog.Logger
}

// Open binds queue num. Failure means the host cannot enforce and the agent
// should stay in monitoring-only mode.
func Open(num uint16, maxLen uint32, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLen == 0 {
		maxLen = DefaultMaxLen
	}
	nfq, err := netfilter.NewNFQueue(num, maxLen, netfilter.NF_DEFAULT_PACKET_SIZE)
	if err != nil {
		return nil, fmt.Errorf("open nfqueue %d: %w", num, err)
	}
	return &Queue{num: num, nfq: nfq, logger: logger}, nil
}

// Run sets a verdict on every queued packet until ctx is cancelled. A
// panicking filter drops the packet.
func (q *Queue) Run(ctx context.Context, filter enforce.IPacketFilter) error {
	packets := q.nfq.GetPackets()
	q.logger.Info("waiting for packets", "queue", q.num)
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				return fmt.Errorf("nfqueue %d closed", q.num)
			}
			if decide(filter, p.Packet, q.logger) == enforce.Accept {
				p.SetVerdict(netfilter.Verdict(netfilter.NF_ACCEPT))
			} else {
				p.SetVerdict(netfilter.Verdict(netfilter.NF_DROP))
			}
		}
	}
}

func decide(filter enforce.IPacketFilter, packet gopacket.Packet, logger *slog.Logger) (v enforce.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("packet filter panicked", "panic", r)
			v = enforce.Drop
		}
	}()
	return filter.ProcessPacket(packet)
}

func (q *Queue) Close() {
	q.nfq.Close()
}
