package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignition/privacy-agent/pkg/agent"
	"github.com/ignition/privacy-agent/pkg/cli"
	"github.com/ignition/privacy-agent/pkg/enforce/nfqueue"
)

var version = "dev"

func openQueue(num uint16, maxLen uint32, logger *slog.Logger) (agent.IPacketSource, error) {
	q, err := nfqueue.Open(num, maxLen, logger)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRoot(version, openQueue).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
