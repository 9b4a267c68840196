// Package launch turns configured command templates into something exec
// can run: it parses argument templates, substitutes per-session tokens,
// routes script files through their interpreter and checks that the
// final executable may be run.
package launch

import (
	"encoding/json"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/yomogiu/codex-cli-renderer/internal/errors"
)

// Command is a resolved executable and its arguments.
type Command struct {
	Path string
	Args []string
}

// interpreters maps script extensions to the program that runs them.
var interpreters = map[string]string{
	".js":  "node",
	".mjs": "node",
	".cjs": "node",
	".py":  "python3",
	".sh":  "sh",
}

var tokenPattern = regexp.MustCompile(`\{(\w+)\}`)

// ParseArgs parses an argument template. A value starting with "[" is read
// as a JSON array of strings; anything else is split on single spaces with
// empty items dropped. An unparseable JSON value yields no arguments.
func ParseArgs(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parsed []any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil
		}
		args := make([]string, 0, len(parsed))
		for _, v := range parsed {
			switch s := v.(type) {
			case string:
				args = append(args, s)
			default:
				b, _ := json.Marshal(s)
				args = append(args, string(b))
			}
		}
		return args
	}

	var args []string
	for _, part := range strings.Split(trimmed, " ") {
		if part != "" {
			args = append(args, part)
		}
	}
	return args
}

// ReplaceTokens substitutes every {name} in value with replacements[name].
// Unknown tokens become the empty string.
func ReplaceTokens(value string, replacements map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(value, func(match string) string {
		return replacements[match[1:len(match)-1]]
	})
}

// UsesToken reports whether any argument template contains {name}.
func UsesToken(args []string, name string) bool {
	token := "{" + name + "}"
	for _, arg := range args {
		if strings.Contains(arg, token) {
			return true
		}
	}
	return false
}

// Expand applies ReplaceTokens to every template argument.
func Expand(templates []string, replacements map[string]string) []string {
	out := make([]string, len(templates))
	for i, arg := range templates {
		out[i] = ReplaceTokens(arg, replacements)
	}
	return out
}

// IsPathLike reports whether command names a file rather than a program
// to be looked up on PATH.
func IsPathLike(command string) bool {
	return strings.ContainsRune(command, filepath.Separator)
}

// Resolve decides how command should be spawned. Bare program names are
// returned unchanged. A path to a script with a known extension is run
// through its interpreter with the resolved script path as first argument.
func Resolve(command string, args []string) Command {
	if command == "" || !IsPathLike(command) {
		return Command{Path: command, Args: args}
	}

	resolved, err := filepath.EvalSymlinks(command)
	if err != nil {
		return Command{Path: command, Args: args}
	}
	interpreter, ok := interpreters[strings.ToLower(filepath.Ext(resolved))]
	if !ok {
		return Command{Path: command, Args: args}
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	if found, err := exec.LookPath(interpreter); err == nil {
		interpreter = found
	}
	return Command{Path: interpreter, Args: append([]string{resolved}, args...)}
}

// CheckExecutable verifies that a path-like command may be executed by the
// current user. Bare program names are left for exec to resolve.
func CheckExecutable(command string) error {
	if !IsPathLike(command) {
		return nil
	}
	if err := access(command); err != nil {
		return apperrors.NotExecutable(command, err)
	}
	return nil
}
