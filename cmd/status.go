package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/server"
)

func newStatusCmd(global *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running relay",
		Long: `Queries the relay's /status endpoint. The endpoint only answers loopback
callers, so run this on the relay's host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := apiAddr(cmd, global)
			if err != nil {
				return err
			}
			c := newAPIClient(addr)
			c.wait = global.wait
			var status server.StatusResponse
			if err := c.call(http.MethodGet, "/status", nil, &status); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), status)
			}
			writeStatusOutput(cmd.OutOrStdout(), &status, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// writeStatusOutput renders human-readable relay status.
func writeStatusOutput(w io.Writer, status *server.StatusResponse, now time.Time) {
	fmt.Fprintf(w, "Relay Status\n")
	fmt.Fprintf(w, "============\n")
	fmt.Fprintf(w, "Control API:  %s\n", status.APIAddress)
	if status.TerminalAddress != "" {
		fmt.Fprintf(w, "Terminal:     %s\n", status.TerminalAddress)
	} else {
		fmt.Fprintf(w, "Terminal:     disabled\n")
	}
	fmt.Fprintf(w, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	fmt.Fprintf(w, "Streams:      %d connected\n", status.StreamClients)
	fmt.Fprintf(w, "Sessions:     %s\n", formatCounts(status.Sessions))

	if len(status.Terminals) > 0 {
		fmt.Fprintf(w, "\nTerminals (%d)\n", len(status.Terminals))
		fmt.Fprintf(w, "-------------\n")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DIRECTORY\tPID\tVIEWERS\tLAST ACTIVE")
		for _, t := range status.Terminals {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", t.Key, t.Pid, t.Viewers, humanize.RelTime(t.LastActiveAt, now, "ago", "from now"))
		}
		tw.Flush()
	}

	if !status.SidecarsEnabled {
		fmt.Fprintf(w, "\nCompanions:   disabled\n")
		return
	}
	fmt.Fprintf(w, "\nCompanions (%d)\n", len(status.Sidecars))
	fmt.Fprintf(w, "--------------\n")
	if len(status.Sidecars) == 0 {
		fmt.Fprintln(w, "none")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tPID\tRESTARTS")
	for _, s := range status.Sidecars {
		state := "stopped"
		switch {
		case s.Running:
			state = "running"
		case s.RestartPending:
			state = "restarting"
		}
		pid := "-"
		if s.Pid > 0 {
			pid = fmt.Sprint(s.Pid)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.SessionID, state, pid, humanize.Comma(int64(s.Restarts)))
	}
	tw.Flush()
}

// formatCounts renders session counts as "running=2 paused=1", sorted by
// status name. Empty counts render as "none".
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", k, counts[k])
	}
	return out
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
