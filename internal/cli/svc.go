package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func newSvcCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "svc",
		Short: "Manage units through the supervisor API",
	}
	cmd.AddCommand(newSvcLoadCmd(ctx))
	cmd.AddCommand(newSvcStartCmd(ctx))
	cmd.AddCommand(newSvcStopCmd(ctx))
	cmd.AddCommand(newSvcSignalCmd(ctx))
	cmd.AddCommand(newSvcUnloadCmd(ctx))
	cmd.AddCommand(newSvcStatusCmd(ctx))
	return cmd
}

func newSvcLoadCmd(ctx *context) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "load <spec.yaml>",
		Short: "Load a unit from a service spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := client.Load(cmd.Context(), api.LoadRequest{
				Document: string(data),
				Source:   path,
				Replace:  replace,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s loaded (%s)\n", st.Name, st.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the unit if it is already loaded")
	return cmd
}

func newSvcStartCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "start <unit>",
		Short: "Start a loaded unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := client.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.Name, st.State)
			return nil
		},
	}
}

func newSvcStopCmd(ctx *context) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop <unit>",
		Short: "Stop a unit and wait until it is at rest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := client.Stop(cmd.Context(), args[0], grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.Name, st.State)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Time between SIGTERM and SIGKILL (default the unit's grace_period)")
	return cmd
}

func newSvcSignalCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <unit> <signal>",
		Short: "Send a signal (hup, int, quit, term, kill, usr1, usr2) to a running unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := client.Signal(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s signalled (%s, pid %d)\n", st.Name, args[1], st.Pid)
			return nil
		},
	}
}

func newSvcUnloadCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <unit>",
		Short: "Stop a unit and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Unload(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s unloaded\n", args[0])
			return nil
		},
	}
}

func newSvcStatusCmd(ctx *context) *cobra.Command {
	var (
		asJSON  bool
		history int
	)
	cmd := &cobra.Command{
		Use:   "status [unit]",
		Short: "Show the state of loaded units",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var units []supervisor.UnitStatus
			if len(args) == 1 {
				st, err := client.Unit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				units = []supervisor.UnitStatus{*st}
			} else {
				report, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				units = report.Units
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(units)
			}
			writeStatusTable(out, units, time.Now())
			if history > 0 {
				writeHistory(out, units, history)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.Flags().IntVar(&history, "history", 0, "Show last N events per unit")
	return cmd
}

func writeStatusTable(out io.Writer, units []supervisor.UnitStatus, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tSTATE\tDESIRED\tHEALTH\tPID\tFAILURES\tAGE\tMESSAGE")
	for _, st := range units {
		pid := "-"
		if st.Pid > 0 {
			pid = fmt.Sprintf("%d", st.Pid)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			st.Name, formatState(st), st.Desired, st.Health, pid,
			formatFailures(st), formatAge(st.Since, now), formatMessage(st, now))
	}
	w.Flush()
}

func writeHistory(out io.Writer, units []supervisor.UnitStatus, limit int) {
	for _, st := range units {
		events := st.Events
		if len(events) == 0 {
			continue
		}
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		fmt.Fprintf(out, "\n%s history:\n", st.Name)
		for _, evt := range events {
			reason := evt.Reason
			if reason == "" {
				reason = "-"
			}
			msg := evt.Message
			if evt.Error != "" {
				msg = evt.Error
			}
			fmt.Fprintf(out, "  %s  %-18s  %-20s  %s\n",
				evt.Timestamp.Format(time.RFC3339), evt.Type, reason, msg)
		}
	}
}

func formatState(st supervisor.UnitStatus) string {
	if st.State == supervisor.StateFailed && st.RestartPending {
		return "backoff"
	}
	return string(st.State)
}

func formatFailures(st supervisor.UnitStatus) string {
	if st.MaxAttempts < 0 {
		return fmt.Sprintf("%d", st.Failures)
	}
	return fmt.Sprintf("%d/%d", st.Failures, st.MaxAttempts)
}

func formatAge(since, now time.Time) string {
	if since.IsZero() {
		return "-"
	}
	age := now.Sub(since)
	if age < 0 {
		age = 0
	}
	return age.Truncate(time.Second).String()
}

func formatMessage(st supervisor.UnitStatus, now time.Time) string {
	if st.RestartPending && !st.NextRestart.IsZero() {
		wait := st.NextRestart.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return fmt.Sprintf("restart in %s", wait.Truncate(time.Millisecond))
	}
	if st.LastError != "" {
		return st.LastError
	}
	return "-"
}
