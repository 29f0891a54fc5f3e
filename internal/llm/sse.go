package llm

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// maxSSELineBytes bounds a single "data:" line at 1MB; a streamed
// tool-call argument blob can exceed bufio.Scanner's 64KB default token
// size, so the scanner is allowed to grow its buffer up to this limit.
const maxSSELineBytes = 1 << 20

// sseStream turns a chat-completion backend's server-sent-event body into
// a sequence of Deltas. The wire format is a run of "data: ..." lines
// terminated by a blank line per event, with bare blank lines used as
// keep-alives; decode turns one event's joined payload into a Delta.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	decode  func([]byte) (Delta, bool, error)
}

func newSSEStream(resp *http.Response, decode func([]byte) (Delta, bool, error)) *sseStream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELineBytes)
	return &sseStream{resp: resp, scanner: scanner, decode: decode}
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}

// Recv returns the next usable Delta, silently absorbing keep-alive
// blanks and events the decoder has nothing to say about, until the
// backend emits the "[DONE]" sentinel or the body is exhausted.
func (s *sseStream) Recv() (Delta, error) {
	for {
		payload, err := s.nextEventPayload()
		if err != nil {
			return Delta{}, err
		}
		if payload == "[DONE]" {
			return Delta{}, io.EOF
		}
		delta, ok, err := s.decode([]byte(payload))
		if err != nil {
			return Delta{}, err
		}
		if ok {
			return delta, nil
		}
	}
}

// nextEventPayload collects every "data:" field up to the next blank
// line (an event boundary) and joins multi-line payloads with "\n", the
// framing SSE uses for a single logical event split across lines. A run
// of blank lines with nothing collected yet is a keep-alive and is
// skipped rather than returned. io.EOF is only reported once the body
// closes with no event in progress.
func (s *sseStream) nextEventPayload() (string, error) {
	var lines []string
	for s.scanner.Scan() {
		raw := strings.TrimSuffix(s.scanner.Text(), "\r")
		if raw == "" {
			if len(lines) == 0 {
				continue
			}
			return strings.Join(lines, "\n"), nil
		}
		field, value, ok := strings.Cut(raw, ":")
		if !ok || field != "data" {
			continue
		}
		lines = append(lines, strings.TrimSpace(value))
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), nil
	}
	return "", io.EOF
}
