package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type attachOptions struct {
	addr     string
	token    string
	origin   string
	repoPath string
	cols     int
	rows     int
	wait     time.Duration
}

func newAttachCmd(global *globalOptions) *cobra.Command {
	opts := &attachOptions{}

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Join the shared shell for a directory",
		Long: `Connects to the relay's terminal channel and joins the shell for --repo
(the relay's default directory when omitted). Output is written to stdout and
stdin is sent as input, line by line. Every viewer of the same directory shares
the same shell.

The token and origin default to PTY_TOKEN and the first PTY_ALLOWED_ORIGIN.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, nil)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("terminal-addr") {
				opts.addr = dialAddr(cfg.TerminalAddr())
			}
			opts.wait = global.wait
			if opts.token == "" {
				opts.token = cfg.Terminal.Token
			}
			if opts.origin == "" && len(cfg.Terminal.AllowedOrigins) > 0 {
				opts.origin = cfg.Terminal.AllowedOrigins[0]
			}
			if opts.cols == 0 && opts.rows == 0 && isatty.IsTerminal(os.Stdin.Fd()) {
				if rows, cols, err := pty.Getsize(os.Stdin); err == nil {
					opts.cols, opts.rows = cols, rows
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAttach(ctx, *opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "terminal-addr", "", "Terminal channel address (default from config)")
	flags.StringVar(&opts.token, "token", "", "Terminal token")
	flags.StringVar(&opts.origin, "origin", "", "Origin header to present")
	flags.StringVar(&opts.repoPath, "repo", "", "Directory whose shell to join")
	flags.IntVar(&opts.cols, "cols", 0, "Initial columns (default: this terminal's width)")
	flags.IntVar(&opts.rows, "rows", 0, "Initial rows (default: this terminal's height)")
	return cmd
}

// attachURL builds the terminal channel URL. The token travels in a
// header, not the query string.
func attachURL(opts attachOptions) string {
	q := url.Values{}
	if opts.repoPath != "" {
		q.Set("repoPath", opts.repoPath)
	}
	if opts.cols > 0 {
		q.Set("cols", strconv.Itoa(opts.cols))
	}
	if opts.rows > 0 {
		q.Set("rows", strconv.Itoa(opts.rows))
	}
	u := url.URL{Scheme: "ws", Host: opts.addr, Path: "/", RawQuery: q.Encode()}
	return u.String()
}

// runAttach relays between the terminal channel and stdin/stdout until the
// shell exits, the relay closes the connection, or ctx is cancelled.
func runAttach(ctx context.Context, opts attachOptions, stdin io.Reader, stdout io.Writer) error {
	header := http.Header{}
	if opts.origin != "" {
		header.Set("Origin", opts.origin)
	}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	var conn *websocket.Conn
	err := retryUnreachable(opts.wait, func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, attachURL(opts), header)
		if err == nil {
			conn = c
			return nil
		}
		if resp != nil || ctx.Err() != nil {
			return fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
		}
		return &unreachableError{addr: opts.addr, err: err}
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(messageType, data)
	}

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if _, err := stdout.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				if werr := write(websocket.TextMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case err := <-done:
		return closeResult(err)
	case <-ctx.Done():
		_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

// closeResult maps how the connection ended to the command's result. A
// normal close (the shell exited) is success.
func closeResult(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return nil
		case websocket.ClosePolicyViolation:
			return fmt.Errorf("terminal rejected the connection: %s", closeErr.Text)
		}
		return fmt.Errorf("terminal closed the connection: %d %s", closeErr.Code, closeErr.Text)
	}
	return err
}
