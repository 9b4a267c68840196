package terminal

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yomogiu/codex-cli-renderer/internal/clock"
)

const (
	flushInterval = 33 * time.Millisecond
	idleTimeout   = 5 * time.Minute
	waitTimeout   = 5 * time.Second
)

type fakeConn struct {
	mu          sync.Mutex
	open        bool
	messages    []string
	closeCode   int
	closeReason string
}

func newConn() *fakeConn { return &fakeConn{open: true} }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) BufferedAmount() int { return 0 }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.messages, "")
}

func (c *fakeConn) first() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[0]
}

func (c *fakeConn) closed() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func newHub(t *testing.T, shell string, args ...string) (*Hub, *clock.FakeClock, string) {
	t.Helper()
	c := clock.Fake(time.Unix(0, 0))
	dir := t.TempDir()
	h := NewHub(Config{
		Shell:         shell,
		Args:          args,
		DefaultDir:    dir,
		IdleTimeout:   idleTimeout,
		FlushInterval: flushInterval,
		MaxBuffered:   1 << 20,
	}, c)
	t.Cleanup(h.Close)
	return h, c, dir
}

// waitOutput advances the flush window until conn has seen want.
func waitOutput(t *testing.T, c *clock.FakeClock, conn *fakeConn, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.Advance(flushInterval)
		return strings.Contains(conn.output(), want)
	}, waitTimeout, 10*time.Millisecond, "never received %q, got %q", want, conn.output())
}

func TestViewersOfSameDirectoryShareShell(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	one, two := newConn(), newConn()

	a1, err := h.Attach(dir, 80, 24, one)
	require.NoError(t, err)
	a2, err := h.Attach(dir, 80, 24, two)
	require.NoError(t, err)
	assert.Equal(t, a1.Key(), a2.Key())

	sessions := h.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].Viewers)

	require.NoError(t, a1.HandleMessage([]byte("shared\n"), false))
	waitOutput(t, c, one, "shared")
	waitOutput(t, c, two, "shared")
}

func TestDirectoriesGetSeparateShells(t *testing.T) {
	h, _, dir := newHub(t, "/bin/cat")
	other := t.TempDir()

	_, err := h.Attach(dir, 80, 24, newConn())
	require.NoError(t, err)
	_, err = h.Attach(other, 80, 24, newConn())
	require.NoError(t, err)

	assert.Len(t, h.Sessions(), 2)
}

func TestInvalidDirectoryFallsBackToDefault(t *testing.T) {
	h, _, dir := newHub(t, "/bin/cat")
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	assert.Equal(t, dir, h.Resolve(""))
	assert.Equal(t, dir, h.Resolve("/no/such/dir"))
	assert.Equal(t, dir, h.Resolve(file))

	a, err := h.Attach("/no/such/dir", 80, 24, newConn())
	require.NoError(t, err)
	assert.Equal(t, dir, a.Key())
}

func TestBinaryAndTextInput(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	conn := newConn()
	a, err := h.Attach(dir, 80, 24, conn)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage([]byte("binary-frame\n"), true))
	waitOutput(t, c, conn, "binary-frame")

	require.NoError(t, a.HandleMessage([]byte(`{"type":"other"}`+"\n"), false))
	waitOutput(t, c, conn, `{"type":"other"}`)
}

func TestResizeControlMessage(t *testing.T) {
	h, c, dir := newHub(t, "/bin/sh")
	conn := newConn()
	a, err := h.Attach(dir, 80, 24, conn)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage([]byte(`{"type":"resize","cols":100,"rows":40}`), false))
	require.NoError(t, a.HandleMessage([]byte("stty size\n"), false))
	waitOutput(t, c, conn, "40 100")
}

func TestResizeWithInvalidDimensionsIsSwallowed(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	conn := newConn()
	a, err := h.Attach(dir, 80, 24, conn)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage([]byte(`{"type":"resize","cols":"wide","rows":40}`), false))
	require.NoError(t, a.HandleMessage([]byte("marker\n"), false))
	waitOutput(t, c, conn, "marker")
	assert.NotContains(t, conn.output(), "resize", "control message must not reach the shell")
}

func TestDimension(t *testing.T) {
	tests := []struct {
		in   any
		want int
		ok   bool
	}{
		{float64(120), 120, true},
		{float64(80.7), 80, true},
		{"42", 42, true},
		{"42px", 42, true},
		{"wide", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := dimension(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "%v", tt.in)
		}
	}
}

func TestScrollbackReplayedToLateViewer(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	early := newConn()
	a, err := h.Attach(dir, 80, 24, early)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage([]byte("history\n"), false))
	waitOutput(t, c, early, "history")

	late := newConn()
	_, err = h.Attach(dir, 80, 24, late)
	require.NoError(t, err)
	assert.Contains(t, late.first(), "history")
}

func TestIdleEvictionAfterLastViewerLeaves(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	a, err := h.Attach(dir, 80, 24, newConn())
	require.NoError(t, err)
	key := a.Key()
	sess, ok := h.Get(key)
	require.True(t, ok)

	a.Detach()
	a.Detach()
	assert.True(t, h.IdlePending(key))

	c.Advance(idleTimeout - time.Second)
	_, ok = h.Get(key)
	assert.True(t, ok, "not evicted before the timeout")

	c.Advance(time.Second)
	_, ok = h.Get(key)
	assert.False(t, ok)

	select {
	case <-sess.proc.Done():
	case <-time.After(waitTimeout):
		t.Fatal("evicted shell was not killed")
	}
}

func TestReattachCancelsEviction(t *testing.T) {
	h, c, dir := newHub(t, "/bin/cat")
	a, err := h.Attach(dir, 80, 24, newConn())
	require.NoError(t, err)
	key := a.Key()

	a.Detach()
	c.Advance(idleTimeout / 2)

	_, err = h.Attach(dir, 80, 24, newConn())
	require.NoError(t, err)
	assert.False(t, h.IdlePending(key))

	c.Advance(idleTimeout)
	_, ok := h.Get(key)
	assert.True(t, ok)
}

func TestShellExitClosesViewers(t *testing.T) {
	h, _, dir := newHub(t, "/bin/sh", "-c", "read line")
	one, two := newConn(), newConn()
	a, err := h.Attach(dir, 80, 24, one)
	require.NoError(t, err)
	_, err = h.Attach(dir, 80, 24, two)
	require.NoError(t, err)

	require.NoError(t, a.HandleMessage([]byte("\n"), false))

	require.Eventually(t, func() bool {
		code, _ := two.closed()
		return code == CloseNormal
	}, waitTimeout, 10*time.Millisecond)

	code, reason := one.closed()
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, "PTY exited", reason)
	assert.Empty(t, h.Sessions())
}

func TestCloseDisconnectsViewers(t *testing.T) {
	h, _, dir := newHub(t, "/bin/cat")
	conn := newConn()
	_, err := h.Attach(dir, 80, 24, conn)
	require.NoError(t, err)

	h.Close()
	code, _ := conn.closed()
	assert.Equal(t, CloseGoingAway, code)

	_, err = h.Attach(dir, 80, 24, newConn())
	assert.Error(t, err)
}
