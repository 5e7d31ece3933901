// Package cli implements the privacy-agent command line: the monitor
// command that runs the agent, and client commands that query or steer a
// running agent through its control server.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ignition/privacy-agent/pkg/agent"
	"github.com/ignition/privacy-agent/pkg/config"
	"github.com/ignition/privacy-agent/pkg/server"
)

// QueueOpener binds the packet queue the agent enforces on. The real one
// lives in the binary so that only it links against libnetfilter_queue.
type QueueOpener func(num uint16, maxLen uint32, logger *slog.Logger) (agent.IPacketSource, error)

type rootOptions struct {
	configPath string
	envFile    string
	addr       string
	logLevel   string
	logFormat  string

	openQueue QueueOpener
}

// NewRoot builds the command tree. openQueue may be nil, in which case
// monitor always runs monitoring-only.
func NewRoot(version string, openQueue QueueOpener) *cobra.Command {
	opts := &rootOptions{openQueue: openQueue}
	cmd := &cobra.Command{
		Use:           "privacy-agent",
		Short:         "Activity-aware network egress control for ML workload containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "TOML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "control server address (default from config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(newMonitorCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newEmergencyBlockCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newAllowCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newProtectCmd(opts))
	cmd.AddCommand(newReleaseCmd(opts))
	return cmd
}

// load reads the configuration and applies the persistent flag overrides.
func (o *rootOptions) load() *config.LoadResult {
	res := config.Load(o.configPath, o.envFile)
	if o.addr != "" {
		res.Config.Server.Addr = o.addr
	}
	if o.logLevel != "" {
		if _, err := config.ParseLevel(o.logLevel); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.Config.Logging.Level = o.logLevel
		}
	}
	switch o.logFormat {
	case "":
	case "text", "json":
		res.Config.Logging.Format = o.logFormat
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("unknown log format %q", o.logFormat))
	}
	return res
}

func (o *rootOptions) client() *server.Client {
	return server.NewClient(o.load().Config.Server.Addr)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Level)
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}
