package aadk

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventStream reads job events off a Server-Sent Events connection.
// Not safe for concurrent Next calls.
type EventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newEventStream(body io.ReadCloser) *EventStream {
	return &EventStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next blocks until the next event arrives. It returns io.EOF when the
// server closes the stream (the job or run finished, or the connection
// dropped).
func (s *EventStream) Next() (JobEvent, error) {
	var data strings.Builder
	inEvent := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return JobEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// Frame boundary.
			if inEvent && data.Len() > 0 {
				var evt JobEvent
				if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
					return JobEvent{}, fmt.Errorf("aadk: decode event: %w", err)
				}
				return evt, nil
			}
			data.Reset()
			inEvent = false
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "event:"):
			inEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:")) == "job_event"
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// Close tears down the underlying connection. Next returns an error after
// Close.
func (s *EventStream) Close() error {
	return s.body.Close()
}
