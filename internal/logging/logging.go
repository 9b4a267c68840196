// Package logging hands out per-component logrus loggers that share one
// level, formatter, and output. Configure may be called at any time; it
// reconfigures every logger created so far as well as future ones.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	base    = newBase()
	loggers = make(map[string]*logrus.Entry)
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(formatterFor("auto", os.Stderr))
	return l
}

// NewLogger returns the logger for a component. Loggers are cached, so
// repeated calls with the same component return the same entry.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	logger := base.WithField("component", component)
	loggers[component] = logger
	return logger
}

// Configure sets the shared level, format and output.
// An unknown level falls back to info. Format is one of json, text or auto;
// auto picks coloured text for terminals and JSON otherwise.
func Configure(level, format string, out io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if out == nil {
		out = os.Stderr
	}
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetOutput(out)
	base.SetLevel(lvl)
	base.SetFormatter(formatterFor(format, out))
}

func formatterFor(format string, out io.Writer) logrus.Formatter {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return &logrus.JSONFormatter{}
	case "text":
		return &logrus.TextFormatter{FullTimestamp: true, DisableColors: !isTerminal(out)}
	default:
		if isTerminal(out) {
			return &logrus.TextFormatter{FullTimestamp: true}
		}
		return &logrus.JSONFormatter{}
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
