package ai

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE calls fn for each complete event until EOF or fn returns false.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var ev sseEvent
	var data []string
	flush := func() bool {
		if len(data) == 0 && ev.Event == "" {
			return true
		}
		ev.Data = strings.Join(data, "\n")
		cont := fn(ev)
		ev, data = sseEvent{}, nil
		return cont
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}
