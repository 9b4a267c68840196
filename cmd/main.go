package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/config"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" -o codexrelay ./cmd
var Version = "dev"

// Commit is the source revision, set alongside Version.
var Commit = "unknown"

// globalOptions are the persistent flags every command sees.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	addr       string
	wait       time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "codexrelay",
		Short: "Supervise coding-agent sessions in pseudo-terminals and relay them to the browser",
		Long: `codexrelay runs coding-agent CLI sessions inside pseudo-terminals, streams
their lifecycle and output as events, keeps one companion app-server process per
session, and shares interactive shells with browser viewers over WebSocket.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default ~/.codexrelay/config.toml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: auto, json, text")
	flags.StringVar(&opts.addr, "addr", "", "Control API address for client commands (default from config)")
	flags.DurationVar(&opts.wait, "wait", 0, "Keep retrying an unreachable relay for this long (client commands)")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newSessionCmd(opts),
		newAttachCmd(opts),
		newDiscoverCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers the config file, the environment, and the persistent
// flags. Command-specific flags are applied by the caller.
func loadConfig(cmd *cobra.Command, opts *globalOptions, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	return cfg, nil
}

// apiAddr picks the control API address for client commands: --addr
// when given, otherwise the configured listener.
func apiAddr(cmd *cobra.Command, opts *globalOptions) (string, error) {
	if opts.addr != "" {
		return opts.addr, nil
	}
	cfg, err := loadConfig(cmd, opts, nil)
	if err != nil {
		return "", err
	}
	return dialAddr(cfg.APIAddr()), nil
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
