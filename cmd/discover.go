package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/mdns"
)

func newDiscoverCmd() *cobra.Command {
	var (
		timeout    time.Duration
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays advertising on the local network",
		Long: `Browses mDNS for relays started with --mdns (or CODEXRELAY_MDNS=true) and
lists the control API address of each.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				return fmt.Errorf("--timeout must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			relays, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if relays == nil {
					relays = []mdns.Relay{}
				}
				return writeJSONOutput(cmd.OutOrStdout(), relays)
			}
			writeRelayTable(cmd.OutOrStdout(), relays)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to browse")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func writeRelayTable(w io.Writer, relays []mdns.Relay) {
	if len(relays) == 0 {
		fmt.Fprintln(w, "No relays found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONTROL API\tTERMINAL\tVERSION")
	for _, r := range relays {
		api := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
		terminal := "-"
		if r.TerminalPort > 0 {
			terminal = net.JoinHostPort(r.Host, strconv.Itoa(r.TerminalPort))
		}
		version := r.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, api, terminal, version)
	}
	tw.Flush()
}
