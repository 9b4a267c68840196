package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

// Default terminal settings used when Config leaves them unset.
const (
	DefaultCols = 120
	DefaultRows = 30
	DefaultTerm = "xterm-color"
)

// drainTimeout bounds how long exit handling waits for the output reader
// after the process itself has been reaped. A grandchild that inherited the
// terminal can keep it open forever; after this long the master is closed.
const drainTimeout = 2 * time.Second

// ExitStatus describes how a process ended. Code is -1 when the process
// was terminated by a signal, in which case Signal names it (e.g. "SIGKILL").
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports whether the process exited cleanly with code 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// Config describes the process to start.
type Config struct {
	ID      string   // Caller's identifier, carried for logging
	Command string   // Executable name or path
	Args    []string // Arguments, already expanded
	Dir     string   // Working directory; empty means the current one
	Env     []string // Environment; nil means os.Environ()
	Term    string   // TERM value; empty means DefaultTerm

	Cols int // Initial columns; non-positive means DefaultCols
	Rows int // Initial rows; non-positive means DefaultRows

	ScrollbackChunks int // Chunk limit for the scrollback ring
	ScrollbackBytes  int // Byte limit for the scrollback ring

	// OnOutput receives every chunk of output in the order the process
	// produced it. Chunks are valid UTF-8; a multi-byte character split
	// across reads is held back until it is complete.
	OnOutput func(chunk string)

	// OnExit is called exactly once, after the last OnOutput call.
	OnExit func(ExitStatus)
}

// Process is one command attached to a pseudo-terminal.
//
// The command runs on the slave side of the PTY; Process holds the master
// side, reading output from it and writing input to it.
type Process struct {
	id        string
	command   string
	args      []string
	startedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	// outMu orders scrollback snapshots against live delivery.
	outMu      sync.Mutex
	scrollback *Scrollback
	onOutput   func(string)
	onExit     func(ExitStatus)

	// outputDone is closed when the reader goroutine returns.
	outputDone chan struct{}
	// done is closed after OnExit has returned.
	done chan struct{}

	mu         sync.Mutex
	closed     bool
	exited     bool
	exitStatus ExitStatus
	readErr    error
}

// Start launches cfg.Command on a new PTY and begins reading its output.
// The returned Process is already running.
func Start(cfg Config) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("pty: command is required")
	}

	cols, rows := cfg.Cols, cfg.Rows
	if !validSize(cols, rows) {
		cols, rows = DefaultCols, DefaultRows
	}
	term := cfg.Term
	if term == "" {
		term = DefaultTerm
	}
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	// exec keeps the last value of a duplicated key, so this wins.
	cmd.Env = append(append([]string(nil), env...), "TERM="+term)

	// StartWithSize allocates the master/slave pair, attaches the
	// command's stdio to the slave, makes it the controlling terminal
	// of a new session and starts the command.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &Process{
		id:         cfg.ID,
		command:    cfg.Command,
		args:       append([]string(nil), cfg.Args...),
		startedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		scrollback: NewScrollback(cfg.ScrollbackChunks, cfg.ScrollbackBytes),
		onOutput:   cfg.OnOutput,
		onExit:     cfg.OnExit,
		outputDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	go p.captureOutput()
	go p.waitForExit()

	return p, nil
}

// captureOutput forwards raw chunks as they arrive. There is a single
// reader per process, which is what keeps chunk order intact.
func (p *Process) captureOutput() {
	defer close(p.outputDone)

	buf := make([]byte, 4096)
	var carry []byte

	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			complete, rest := splitIncompleteRune(data)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				p.deliver(sanitizeUTF8(string(complete)))
			}
		}

		if err != nil {
			if len(carry) > 0 {
				p.deliver(sanitizeUTF8(string(carry)))
			}
			// Linux reports EIO once the slave side is gone; that is the
			// normal end of output, not a failure.
			if err != io.EOF && !isClosedPTY(err) {
				p.mu.Lock()
				p.readErr = err
				p.mu.Unlock()
			}
			return
		}
	}
}

func (p *Process) deliver(chunk string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	p.scrollback.Write(chunk)
	if p.onOutput != nil {
		p.onOutput(chunk)
	}
}

// waitForExit reaps the process, lets the reader drain, then reports the
// exit exactly once.
func (p *Process) waitForExit() {
	_ = p.cmd.Wait()
	status := exitStatusOf(p.cmd.ProcessState)

	select {
	case <-p.outputDone:
	case <-time.After(drainTimeout):
		p.closePTY()
		<-p.outputDone
	}
	p.closePTY()

	p.mu.Lock()
	p.exited = true
	p.exitStatus = status
	p.mu.Unlock()

	if p.onExit != nil {
		p.onExit(status)
	}
	close(p.done)
}

func (p *Process) closePTY() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.ptmx.Close()
}

// Write pushes input to the process. It returns as soon as the bytes are
// handed to the terminal.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}
	return p.ptmx.Write(b)
}

// WriteString is Write for text input.
func (p *Process) WriteString(s string) (int, error) {
	return p.Write([]byte(s))
}

// Resize changes the terminal dimensions, which delivers SIGWINCH to the
// foreground process group so full-screen programs redraw. Out-of-range
// values are ignored; the return value reports whether a resize happened.
func (p *Process) Resize(cols, rows int) bool {
	if !validSize(cols, rows) {
		return false
	}

	// Hold the lock across Setsize so closePTY cannot race the ioctl.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}) == nil
}

// Kill terminates the process and everything in its process group.
// Failures, typically because the process already exited, are ignored.
func (p *Process) Kill() {
	if p.cmd.Process == nil {
		return
	}
	if err := killGroup(p.cmd.Process.Pid); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Signal delivers sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Suspend freezes the process without terminating it.
func (p *Process) Suspend() error {
	return suspend(p.Pid())
}

// Continue resumes a suspended process.
func (p *Process) Continue() error {
	return resume(p.Pid())
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ID returns the identifier the process was started with.
func (p *Process) ID() string { return p.id }

// Command returns the executable that was started.
func (p *Process) Command() string { return p.command }

// Args returns a copy of the arguments the process was started with.
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// StartedAt returns when the process was started.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Scrollback returns the retained recent output.
func (p *Process) Scrollback() *Scrollback { return p.scrollback }

// WithScrollback calls fn with the retained output while no new output
// is being delivered. Everything fn sets up to receive OnOutput chunks
// sees exactly the output that follows the snapshot, with no gap and no
// overlap. fn must not block.
func (p *Process) WithScrollback(fn func(scrollback string)) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	fn(p.scrollback.String())
}

// Done is closed once the exit has been reported.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitStatus returns the exit status once the process has exited.
func (p *Process) ExitStatus() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus, p.exited
}

// Err returns an unexpected read error, if one ended output capture.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readErr
}

func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= 0xFFFF && rows <= 0xFFFF
}

// splitIncompleteRune separates a trailing, not yet complete UTF-8
// sequence from the rest of b.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

// sanitizeUTF8 replaces invalid bytes with U+FFFD so chunks survive JSON
// encoding unchanged.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	result := make([]rune, 0, len(s))
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		result = append(result, r)
		s = s[size:]
	}
	return string(result)
}
