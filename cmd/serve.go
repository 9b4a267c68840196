package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
	"github.com/yomogiu/codex-cli-renderer/internal/config"
	"github.com/yomogiu/codex-cli-renderer/internal/events"
	"github.com/yomogiu/codex-cli-renderer/internal/logging"
	"github.com/yomogiu/codex-cli-renderer/internal/mdns"
	"github.com/yomogiu/codex-cli-renderer/internal/server"
	"github.com/yomogiu/codex-cli-renderer/internal/sidecar"
	"github.com/yomogiu/codex-cli-renderer/internal/store"
	"github.com/yomogiu/codex-cli-renderer/internal/supervisor"
	"github.com/yomogiu/codex-cli-renderer/internal/terminal"
)

// shutdownTimeout bounds how long serve waits for listeners to drain.
const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	noTerminal   bool
	apiAddr      string
	terminalAddr string
	storePath    string
	mdns         bool
}

func newServeCmd(global *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay in the foreground",
		Long: `Starts the control API and event stream, the session supervisor, the
per-session app-server companions, and (unless --no-terminal) the interactive
terminal listener. SIGINT or SIGTERM shuts everything down.

The terminal listener refuses to start without PTY_TOKEN (or PTY_TOKEN_HASH)
and PTY_ALLOWED_ORIGIN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildServeConfig(cmd, global, opts, nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.noTerminal, "no-terminal", false, "Do not serve the interactive terminal channel")
	flags.StringVar(&opts.apiAddr, "api-addr", "", "Control API listen address (host:port)")
	flags.StringVar(&opts.terminalAddr, "terminal-addr", "", "Terminal listen address (host:port)")
	flags.StringVar(&opts.storePath, "store", "", "Run ledger SQLite file (default in-memory)")
	flags.BoolVar(&opts.mdns, "mdns", false, "Advertise the control API over mDNS")
	return cmd
}

// buildServeConfig resolves the configuration: file, then environment,
// then flags. The result is validated.
func buildServeConfig(cmd *cobra.Command, global *globalOptions, opts *serveOptions, getenv func(string) string) (*config.Config, error) {
	cfg, err := loadConfig(cmd, global, getenv)
	if err != nil {
		return nil, err
	}
	if err := applyServeFlags(cmd, cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config, opts *serveOptions) error {
	flags := cmd.Flags()
	if flags.Changed("no-terminal") && opts.noTerminal {
		cfg.Terminal.Enabled = false
	}
	if flags.Changed("api-addr") {
		if err := setHostPort(opts.apiAddr, &cfg.API.Host, &cfg.API.Port); err != nil {
			return fmt.Errorf("invalid --api-addr: %w", err)
		}
	}
	if flags.Changed("terminal-addr") {
		if err := setHostPort(opts.terminalAddr, &cfg.Terminal.Host, &cfg.Terminal.Port); err != nil {
			return fmt.Errorf("invalid --terminal-addr: %w", err)
		}
	}
	if flags.Changed("store") {
		cfg.Store.Path = opts.storePath
	}
	if flags.Changed("mdns") {
		cfg.MdnsEnabled = opts.mdns
	}
	return nil
}

func setHostPort(addr string, host *string, port *int) error {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("port %q is not a number", p)
	}
	*host = h
	*port = n
	return nil
}

// relay is the assembled process: every component plus the order they
// are torn down in.
type relay struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	sink       *store.Sink
	bridge     *sidecar.Bridge
	sessions   *supervisor.Supervisor
	terminals  *terminal.Hub
	server     *server.Server
	advertiser *mdns.Advertiser
	log        *logrus.Entry
}

// newRelay wires the components. Events flow from the supervisor and the
// companions through one bus to the event stream and the run ledger.
func newRelay(cfg *config.Config) (*relay, error) {
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}

	r := &relay{
		cfg:   cfg,
		store: st,
		sink:  store.NewSink(st),
		log:   logging.NewLogger("relay"),
	}
	bus := events.NewBus(r.sink)

	var supOpts []supervisor.Option
	if cfg.Sidecar.Enabled {
		r.bridge = sidecar.New(sidecar.Config{
			Command:          cfg.SidecarCommand(),
			Args:             cfg.SidecarArgs(),
			AutoRestart:      cfg.Sidecar.AutoRestart,
			RestartDelay:     config.Milliseconds(cfg.Sidecar.RestartMs),
			DefaultSessionID: cfg.Sidecar.DefaultSessionID,
		}, bus, clock.Real())
		supOpts = append(supOpts, supervisor.WithCompanion(r.bridge))
	}

	r.sessions = supervisor.New(supervisor.Config{
		Command:     cfg.Session.Command,
		Args:        cfg.SessionArgs(),
		DefaultDir:  cfg.Session.DefaultDir,
		Cols:        cfg.Session.Cols,
		Rows:        cfg.Session.Rows,
		PromptDelay: config.Milliseconds(cfg.Session.PromptDelayMs),
		StopGrace:   config.Milliseconds(cfg.Session.StopGraceMs),
	}, bus, supOpts...)

	if cfg.Terminal.Enabled {
		r.terminals = terminal.NewHub(terminal.Config{
			Shell:         cfg.Terminal.Shell,
			DefaultDir:    cfg.Session.DefaultDir,
			IdleTimeout:   config.Milliseconds(cfg.Terminal.IdleTimeoutMs),
			FlushInterval: config.Milliseconds(cfg.Terminal.FlushIntervalMs),
			MaxBuffered:   cfg.Terminal.MaxBufferedAmount,
		}, clock.Real())
	}

	serverOpts := server.Options{
		Sessions:       r.sessions,
		History:        st,
		Terminals:      r.terminals,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Heartbeat:      config.Milliseconds(cfg.API.HeartbeatMs),
		Terminal: server.TerminalAuth{
			Token:          cfg.Terminal.Token,
			TokenHash:      cfg.Terminal.TokenHash,
			AllowedOrigins: cfg.Terminal.AllowedOrigins,
			InputRate:      cfg.Terminal.InputRate,
			InputBurst:     cfg.Terminal.InputBurst,
		},
	}
	// A nil *Bridge stored in the interface would look configured.
	if r.bridge != nil {
		serverOpts.Companions = r.bridge
	}
	r.server = server.New(serverOpts)
	bus.Add(r.server)

	return r, nil
}

// start opens the listeners and, when enabled, the mDNS advertisement.
// Advertisement failures are logged, not fatal.
func (r *relay) start() error {
	terminalAddr := ""
	if r.terminals != nil {
		terminalAddr = r.cfg.TerminalAddr()
	}
	if err := r.server.Start(r.cfg.APIAddr(), terminalAddr); err != nil {
		return err
	}

	if r.cfg.MdnsEnabled {
		r.advertiser = mdns.NewAdvertiser(mdns.Config{
			Port:         portOf(r.server.APIAddr()),
			TerminalPort: portOf(r.server.TerminalAddr()),
		})
		if err := r.advertiser.Start(); err != nil {
			r.log.WithError(err).Warn("mDNS advertisement unavailable")
		}
	}
	return nil
}

// shutdown stops listeners first so no new work arrives, then the
// processes, then the ledger once every pending event is written.
func (r *relay) shutdown(ctx context.Context) {
	if r.advertiser != nil {
		r.advertiser.Stop()
	}
	if err := r.server.Shutdown(ctx); err != nil {
		r.log.WithError(err).Warn("Listener shutdown incomplete")
	}
	if r.terminals != nil {
		r.terminals.Close()
	}
	r.sessions.Close()
	if r.bridge != nil {
		r.bridge.Close()
	}
	r.sink.Close()
	if dropped := r.sink.Dropped(); dropped > 0 {
		r.log.WithField("dropped", dropped).Warn("Run ledger dropped events")
	}
	if err := r.store.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close run ledger")
	}
}

func runServe(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	r, err := newRelay(cfg)
	if err != nil {
		return err
	}
	if err := r.start(); err != nil {
		r.shutdown(context.Background())
		return err
	}

	fmt.Fprintf(stdout, "Control API:  http://%s/api\n", r.server.APIAddr())
	if addr := r.server.TerminalAddr(); addr != "" {
		fmt.Fprintf(stdout, "Terminal:     ws://%s/\n", addr)
	} else {
		fmt.Fprintf(stdout, "Terminal:     disabled\n")
	}

	<-ctx.Done()
	r.log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.shutdown(shutdownCtx)
	return nil
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
