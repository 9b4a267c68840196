package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/server"
	"github.com/yomogiu/codex-cli-renderer/internal/store"
)

func newSessionCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Control sessions on a running relay",
	}

	var jsonOutput bool
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	client := func(cmd *cobra.Command) (*apiClient, error) {
		addr, err := apiAddr(cmd, global)
		if err != nil {
			return nil, err
		}
		c := newAPIClient(addr)
		c.wait = global.wait
		return c, nil
	}

	cmd.AddCommand(
		newSessionStartCmd(client, &jsonOutput),
		newSessionActionCmd("pause", "Suspend a running session", client, &jsonOutput),
		newSessionActionCmd("resume", "Continue a paused session", client, &jsonOutput),
		newSessionActionCmd("stop", "Terminate a session", client, &jsonOutput),
		newSessionGetCmd(client, &jsonOutput),
		newSessionListCmd(client, &jsonOutput),
		newSessionEventsCmd(client, &jsonOutput),
		newSessionRunsCmd(client, &jsonOutput),
	)
	return cmd
}

type clientFunc func(cmd *cobra.Command) (*apiClient, error)

func sessionPath(id, suffix string) string {
	return "/api/sessions/" + url.PathEscape(id) + suffix
}

func newSessionStartCmd(client clientFunc, jsonOutput *bool) *cobra.Command {
	var req server.StartRequest

	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a session, or report the one already running",
		Long: `Starts the agent for a session in a pseudo-terminal. Starting a session that
is already running or paused returns the existing run unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			req.SessionID = args[0]

			var resp server.StartResponse
			if err := c.call(http.MethodPost, "/api/sessions/start", req, &resp); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s (run %s)\n", resp.SessionID, resp.Status, resp.RunID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.RepoPath, "repo", "", "Working directory for the agent")
	flags.StringVar(&req.Prompt, "prompt", "", "Initial prompt")
	flags.StringVar(&req.TemplateID, "template", "", "Template id recorded with the run")
	flags.StringVar(&req.Profile, "profile", "", "Agent profile substituted for {profile}")
	return cmd
}

func newSessionActionCmd(action, short string, client clientFunc, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			var resp server.ActionResponse
			if err := c.call(http.MethodPost, sessionPath(args[0], "/"+action), nil, &resp); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", resp.SessionID, resp.Status)
			return nil
		},
	}
}

func newSessionGetCmd(client clientFunc, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			var view server.SessionView
			if err := c.call(http.MethodGet, sessionPath(args[0], ""), nil, &view); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), view)
			}
			writeSessionView(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func writeSessionView(w io.Writer, v server.SessionView) {
	fmt.Fprintf(w, "Session:      %s\n", v.SessionID)
	fmt.Fprintf(w, "Status:       %s\n", v.Status)
	if v.RunID != nil {
		fmt.Fprintf(w, "Run:          %s\n", *v.RunID)
	}
	if v.RepoPath != "" {
		fmt.Fprintf(w, "Directory:    %s\n", v.RepoPath)
	}
	if v.Pid > 0 {
		fmt.Fprintf(w, "PID:          %d\n", v.Pid)
	}
	if v.Profile != "" {
		fmt.Fprintf(w, "Profile:      %s\n", v.Profile)
	}
	if v.StartedAt != "" {
		fmt.Fprintf(w, "Started:      %s\n", v.StartedAt)
	}
	fmt.Fprintf(w, "Updated:      %s\n", v.UpdatedAt)
}

func newSessionListCmd(client clientFunc, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			var views []server.SessionView
			if err := c.call(http.MethodGet, "/api/sessions", nil, &views); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), views)
			}
			writeSessionTable(cmd.OutOrStdout(), views, time.Now())
			return nil
		},
	}
}

func writeSessionTable(w io.Writer, views []server.SessionView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No active sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tPID\tDIRECTORY\tSTARTED")
	for _, v := range views {
		pid := "-"
		if v.Pid > 0 {
			pid = strconv.Itoa(v.Pid)
		}
		started := "-"
		if t, err := time.Parse(time.RFC3339Nano, v.StartedAt); err == nil {
			started = humanize.RelTime(t, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.SessionID, v.Status, pid, v.RepoPath, started)
	}
	tw.Flush()
}

func newSessionEventsCmd(client clientFunc, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Show a session's recent output and companion events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			c, err := client(cmd)
			if err != nil {
				return err
			}
			path := sessionPath(args[0], "/events")
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var resp server.EventsResponse
			if err := c.call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), resp)
			}
			for _, e := range resp.Events {
				fmt.Fprintln(cmd.OutOrStdout(), formatEventLine(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Number of most recent events (default all retained)")
	return cmd
}

// formatEventLine renders one history entry on a single line.
func formatEventLine(e events.Event) string {
	switch e.Type {
	case events.TypeRunOutput:
		if e.Entry != nil {
			return fmt.Sprintf("%s %s %q", e.Entry.Timestamp, e.Type, e.Entry.Message)
		}
	case events.TypeCodexEvent:
		kind := e.EventType
		if kind == "" {
			kind = "-"
		}
		msg := strings.TrimSpace(e.Message)
		if msg == "" {
			return fmt.Sprintf("%s %s %s", e.Timestamp, e.Type, kind)
		}
		return fmt.Sprintf("%s %s %s %s", e.Timestamp, e.Type, kind, msg)
	}
	stamp := e.Timestamp
	if stamp == "" {
		stamp = e.UpdatedAt
	}
	return fmt.Sprintf("%s %s %s", stamp, e.Type, e.Status)
}

func newSessionRunsCmd(client clientFunc, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs <session-id>",
		Short: "Show a session's recorded runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			c, err := client(cmd)
			if err != nil {
				return err
			}
			path := sessionPath(args[0], "/runs")
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var resp server.RunsResponse
			if err := c.call(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSONOutput(cmd.OutOrStdout(), resp)
			}
			writeRunTable(cmd.OutOrStdout(), resp.Runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Number of most recent runs (default all)")
	return cmd
}

func writeRunTable(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tEXIT\tSTARTED\tDURATION")
	for _, r := range runs {
		exit := "-"
		switch {
		case r.ExitCode != nil:
			exit = strconv.Itoa(*r.ExitCode)
		case r.Signal != "":
			exit = r.Signal
		}
		duration := r.UpdatedAt.Sub(r.StartedAt).Round(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Status, exit, r.StartedAt.Format(time.RFC3339), duration)
	}
	tw.Flush()
}
