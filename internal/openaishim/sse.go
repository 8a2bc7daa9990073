package openaishim

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// FormatEvent renders obj as one SSE "data:" event, terminated by a blank line.
func FormatEvent(obj any) (string, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshaling SSE event: %w", err)
	}
	return ssePrefix + string(b) + "\n\n", nil
}

// FormatDone renders the terminal SSE sentinel event.
func FormatDone() string {
	return ssePrefix + sseDone + "\n\n"
}

// SSEEvent is one parsed event from an upstream SSE stream. Done is true
// only for the terminal "[DONE]" sentinel, in which case Data is nil.
type SSEEvent struct {
	Done bool
	Data json.RawMessage
}

// ParseSSELines reads lines from r, yielding one SSEEvent per "data: " line.
// Comment lines (prefixed ":"), empty lines, and lines with malformed JSON
// payloads are silently skipped, matching upstream SSE conventions. The
// scanner stops at EOF or when fn returns false.
func ParseSSELines(r io.Reader, fn func(SSEEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}

		payload := strings.TrimPrefix(line, ssePrefix)
		if payload == sseDone {
			fn(SSEEvent{Done: true})
			return nil
		}

		var raw json.RawMessage
		if err := json.Unmarshal([]byte(payload), &raw); err != nil {
			continue
		}

		if !fn(SSEEvent{Data: raw}) {
			return nil
		}
	}
	return scanner.Err()
}
