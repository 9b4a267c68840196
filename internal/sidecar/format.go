package sidecar

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/yomogiu/codex-cli-renderer/internal/events"
)

// Stream names a child output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// FormatEvent turns one line of sidecar output into a codex.event
// envelope. JSON lines are used as the payload; anything else is wrapped
// as {"raw": line, "source": stream}.
//
// The session id is taken from the payload when it carries one (sessionId,
// repoId, params.sessionId, params.repoId), then from sessionID, then from
// defaultSessionID.
func FormatEvent(line string, stream Stream, sessionID, defaultSessionID string, now time.Time) events.Event {
	var payload any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		payload = map[string]any{"raw": line, "source": string(stream)}
	}

	obj, _ := payload.(map[string]any)
	params, _ := obj["params"].(map[string]any)

	fallbackType := "raw"
	if stream == Stderr {
		fallbackType = "stderr"
	}

	ts := pickFirst(obj["timestamp"])
	if ts == "" {
		ts = events.Timestamp(now)
	}

	return events.Event{
		Type: events.TypeCodexEvent,
		SessionID: pickFirst(
			obj["sessionId"], obj["repoId"],
			params["sessionId"], params["repoId"],
			sessionID, defaultSessionID,
		),
		RunID:     pickFirst(obj["runId"], params["runId"], params["run_id"]),
		EventType: pickFirst(obj["eventType"], obj["method"], obj["type"], fallbackType, "event"),
		Message:   pickFirst(obj["message"], params["message"], line),
		Payload:   payload,
		Timestamp: ts,
	}
}

// pickFirst returns the first value that is a non-empty string or a number.
func pickFirst(values ...any) string {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case json.Number:
			return val.String()
		}
	}
	return ""
}
