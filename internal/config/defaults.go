package config

// Built-in defaults. File values, then the environment, then CLI flags
// override them in that order.
const (
	DefaultCommand       = "codex"
	DefaultArgs          = "run"
	DefaultCols          = 120
	DefaultRows          = 30
	DefaultPromptDelayMs = 100
	DefaultStopGraceMs   = 2000

	DefaultSidecarArgs      = "app-server"
	DefaultSidecarRestartMs = 3000
	DefaultSidecarSessionID = "default-session"

	DefaultAPIHost        = "127.0.0.1"
	DefaultAPIPort        = 8787
	DefaultAPIOrigin      = "http://localhost:3000"
	DefaultAPIHeartbeatMs = 15000

	DefaultTerminalHost      = "127.0.0.1"
	DefaultTerminalPort      = 8081
	DefaultIdleTimeoutMs     = 300000
	DefaultFlushIntervalMs   = 33
	DefaultMaxBufferedAmount = 2000000
	DefaultInputRate         = 1000
	DefaultInputBurst        = 50

	DefaultStorePath = ":memory:"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "auto"
)

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Session: SessionConfig{
			Command:       DefaultCommand,
			Args:          DefaultArgs,
			Cols:          DefaultCols,
			Rows:          DefaultRows,
			PromptDelayMs: DefaultPromptDelayMs,
			StopGraceMs:   DefaultStopGraceMs,
		},
		Sidecar: SidecarConfig{
			Enabled:          true,
			Args:             DefaultSidecarArgs,
			AutoRestart:      true,
			RestartMs:        DefaultSidecarRestartMs,
			DefaultSessionID: DefaultSidecarSessionID,
		},
		API: APIConfig{
			Host:           DefaultAPIHost,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{DefaultAPIOrigin},
			HeartbeatMs:    DefaultAPIHeartbeatMs,
		},
		Terminal: TerminalConfig{
			Enabled:           true,
			Host:              DefaultTerminalHost,
			Port:              DefaultTerminalPort,
			IdleTimeoutMs:     DefaultIdleTimeoutMs,
			FlushIntervalMs:   DefaultFlushIntervalMs,
			MaxBufferedAmount: DefaultMaxBufferedAmount,
			InputRate:         DefaultInputRate,
			InputBurst:        DefaultInputBurst,
		},
		Store: StoreConfig{Path: DefaultStorePath},
	}
}
