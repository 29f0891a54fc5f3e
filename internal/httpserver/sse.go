package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openevidence/evidence-agent/internal/orchestrator"
)

// sseSink adapts orchestrator.Sink to an SSE http.ResponseWriter,
// grounded on api_consultant/internal/chat's sseStreamer: one JSON object
// per "data:" line, flushed immediately so a round's partial deltas
// reach the client without buffering.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Emit(e orchestrator.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

var _ orchestrator.Sink = (*sseSink)(nil)
