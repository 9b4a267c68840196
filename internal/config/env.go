package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/yomogiu/codex-cli-renderer/internal/errors"
)

// ApplyEnv overlays environment variables read through getenv. A nil
// getenv reads the process environment. Unset or empty variables leave
// the current value alone; malformed numbers are a config.invalid error
// naming the variable.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	e := envReader{getenv: getenv}

	e.str("CODEX_CMD", &c.Session.Command)
	e.str("CODEX_ARGS", &c.Session.Args)
	e.int("CODEX_PTY_COLS", &c.Session.Cols)
	e.int("CODEX_PTY_ROWS", &c.Session.Rows)
	e.int("CODEX_PROMPT_DELAY_MS", &c.Session.PromptDelayMs)
	e.int("CODEX_STOP_GRACE_MS", &c.Session.StopGraceMs)

	e.notFalse("CODEX_APP_SERVER_ENABLED", &c.Sidecar.Enabled)
	e.str("CODEX_APP_SERVER_CMD", &c.Sidecar.Command)
	e.str("CODEX_APP_SERVER_ARGS", &c.Sidecar.Args)
	e.notFalse("CODEX_APP_SERVER_AUTO_RESTART", &c.Sidecar.AutoRestart)
	e.int("CODEX_APP_SERVER_RESTART_MS", &c.Sidecar.RestartMs)
	e.str("CODEX_SESSION_ID", &c.Sidecar.DefaultSessionID)

	e.str("API_HOST", &c.API.Host)
	e.int("API_PORT", &c.API.Port)
	e.list("API_ALLOWED_ORIGIN", &c.API.AllowedOrigins)
	e.int("API_SSE_HEARTBEAT_MS", &c.API.HeartbeatMs)

	e.str("PTY_WS_HOST", &c.Terminal.Host)
	e.int("PTY_WS_PORT", &c.Terminal.Port)
	e.str("PTY_TOKEN", &c.Terminal.Token)
	e.str("PTY_TOKEN_HASH", &c.Terminal.TokenHash)
	e.list("PTY_ALLOWED_ORIGIN", &c.Terminal.AllowedOrigins)
	e.int("PTY_IDLE_TIMEOUT_MS", &c.Terminal.IdleTimeoutMs)
	e.int("PTY_FLUSH_INTERVAL_MS", &c.Terminal.FlushIntervalMs)
	e.int("PTY_MAX_BUFFERED_AMOUNT", &c.Terminal.MaxBufferedAmount)
	e.str("PTY_SHELL", &c.Terminal.Shell)
	e.float("PTY_INPUT_RATE", &c.Terminal.InputRate)

	e.str("CODEXRELAY_STORE", &c.Store.Path)
	e.str("CODEXRELAY_LOG_LEVEL", &c.LogLevel)
	e.str("CODEXRELAY_LOG_FORMAT", &c.LogFormat)
	e.bool("CODEXRELAY_MDNS", &c.MdnsEnabled)

	return e.err
}

// envReader keeps the first parse error so ApplyEnv reads as a flat list.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = errors.ConfigInvalid(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.err = errors.ConfigInvalid(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = errors.ConfigInvalid(key, v, err)
		return
	}
	*dst = b
}

// notFalse enables the flag for any value except the literal "false".
func (e *envReader) notFalse(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		*dst = v != "false"
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		*dst = SplitList(v)
	}
}

// SplitList splits a comma-separated list, trimming items and dropping
// empty ones.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
