package openai

import (
	"bufio"
	"io"
	"strings"
)

// streamSSE reads a text/event-stream body and invokes onEvent once per
// event with the event name (may be empty) and the joined data payload.
// It returns when the stream ends, the reader fails, or onEvent errors.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event string
		data  []string
	)

	flush := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		payload := strings.Join(data, "\n")
		ev := event
		event = ""
		data = data[:0]
		return onEvent(ev, payload)
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// comment / keep-alive
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
