package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/mdns"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of codexrelay",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "codexrelay %s\n", Version)
			fmt.Fprintf(out, "  Commit:    %s\n", Commit)
			fmt.Fprintf(out, "  Protocol:  %s\n", mdns.ProtocolVersion)
			fmt.Fprintf(out, "  Go:        %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
