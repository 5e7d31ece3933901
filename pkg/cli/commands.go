package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ignition/privacy-agent/pkg/privacy"
	"github.com/ignition/privacy-agent/pkg/signals"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's privacy state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func newEmergencyBlockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-block",
		Short: "Block all egress until resumed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().EmergencyBlock(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", st.State)
			return nil
		},
	}
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Leave emergency block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().Resume(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state: %s\n", st.State)
			return nil
		},
	}
}

func newAllowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "allow <domain> [seconds]",
		Short: "Temporarily add a domain to the allow-set",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d time.Duration
			if len(args) == 2 {
				secs, err := strconv.Atoi(args[1])
				if err != nil || secs < 0 {
					return fmt.Errorf("invalid duration %q: want a non-negative number of seconds", args[1])
				}
				d = time.Duration(secs) * time.Second
			}
			resp, err := opts.client().Allow(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "allowed %s until %s\n", resp.Domain, resp.Expires.Local().Format(time.DateTime))
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:       "history [transitions|activities]",
		Short:     "Show recorded state transitions or activities",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"transitions", "activities"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()
			if len(args) == 1 && args[0] == "activities" {
				records, err := client.Activities(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if output != "text" {
					return encode(out, records, output)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DETECTED\tPID\tKIND\tCONFIDENCE\tACTION\tENDED\tCOMMAND")
				for _, r := range records {
					ended := "-"
					if !r.EndedAt.IsZero() {
						ended = r.EndedAt.Local().Format(time.TimeOnly)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\t%.2f\t%s\t%s\t%s\n",
						r.DetectedAt.Local().Format(time.DateTime), r.PID, r.Kind, r.Confidence, r.Action, ended, r.Command)
				}
				return tw.Flush()
			}

			records, err := client.Transitions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if output != "text" {
				return encode(out, records, output)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tFROM\tTO\tREASON\tALLOW-SET")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d domains\n",
					r.At.Local().Format(time.DateTime), r.From, r.To, r.Reason, len(r.AllowSet))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func newProtectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "protect <name>",
		Short: "Mark a download as in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.protector().Protect(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "protected %s\n", args[0])
			return nil
		},
	}
}

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Mark a download as finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.protector().Release(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
}

func (o *rootOptions) protector() *signals.DownloadProtector {
	cfg := o.load().Config
	return signals.NewDownloadProtector(signals.DownloadProtectorConfig{
		MarkerDir: cfg.Signals.MarkerDir,
		Processes: cfg.Signals.DownloadProcesses,
	})
}

func printStatus(w io.Writer, st privacy.Status, format string) error {
	if format != "text" {
		return encode(w, st, format)
	}
	fmt.Fprintf(w, "Privacy:    %s\n", st.Description)
	fmt.Fprintf(w, "State:      %s\n", st.State)
	fmt.Fprintf(w, "Mode:       %s\n", st.Mode)
	fmt.Fprintf(w, "Uptime:     %s\n", st.Uptime)
	fmt.Fprintf(w, "Ready:      %t\n", st.Ready)
	fmt.Fprintf(w, "Downloads:  protected=%t active=%d\n", st.Downloads.Protected, st.Downloads.ActiveCount)
	fmt.Fprintf(w, "Health:     %.2f", st.Activity.HealthScore)
	if st.Activity.Fallback {
		fmt.Fprint(w, " (fallback)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Allow-set:  %s\n", strings.Join(st.AllowSet, ", "))
	if !st.LastApplied.IsZero() {
		fmt.Fprintf(w, "Applied:    %s at %s\n", strings.Join(st.AppliedAllowSet, ", "), st.LastApplied.Local().Format(time.DateTime))
	}
	for domain, expires := range st.TemporaryAllows {
		fmt.Fprintf(w, "Temporary:  %s until %s\n", domain, expires.Local().Format(time.DateTime))
	}
	if len(st.Activity.Activities) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tKIND\tCONFIDENCE\tACTION\tCOMMAND")
	for _, a := range st.Activity.Activities {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\n", a.Process.PID, a.Kind, a.Confidence, a.Action, a.Process.CommandLine)
	}
	return tw.Flush()
}

func encode(w io.Writer, v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
