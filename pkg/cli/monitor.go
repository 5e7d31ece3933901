package cli

import (
	"github.com/spf13/cobra"

	"github.com/ignition/privacy-agent/pkg/agent"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var readyFile string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := opts.load()
			cfg := res.Config
			logger := newLogger(cfg.Logging)
			for _, w := range res.Warnings {
				logger.Warn("config", "warning", w)
			}

			var packets agent.IPacketSource
			if cfg.Privacy.Enabled && opts.openQueue != nil {
				queue, err := opts.openQueue(uint16(cfg.Enforce.QueueNum), uint32(cfg.Enforce.QueueMaxLen), logger.With("component", "nfqueue"))
				if err != nil {
					logger.Warn("packet queue unavailable", "queue", cfg.Enforce.QueueNum, "error", err)
				} else {
					packets = queue
				}
			}

			a := agent.NewAgent(agent.AgentConfig{
				Config:       cfg,
				Logger:       logger,
				PacketSource: packets,
			})
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}
			if readyFile != "" {
				if err := markReady(readyFile); err != nil {
					logger.Warn("writing ready marker", "path", readyFile, "error", err)
				} else {
					logger.Info("agent ready", "marker", readyFile)
				}
			}

			<-cmd.Context().Done()
			logger.Info("shutting down")
			return a.Stop()
		},
	}
	cmd.Flags().StringVar(&readyFile, "ready-file", defaultReadyFile, "file written once the agent is enforcing (empty to disable)")
	return cmd
}
