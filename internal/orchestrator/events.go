package orchestrator

import "time"

// EventType enumerates the SSE taxonomy from spec.md §6.2.
type EventType string

const (
	EventInit             EventType = "init"
	EventRoundStart       EventType = "round_start"
	EventRoundEnd         EventType = "round_end"
	EventThinkingStart    EventType = "thinking_start"
	EventThinking         EventType = "thinking"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolExecution    EventType = "tool_execution"
	EventPythonExecution  EventType = "python_execution"
	EventToolResult       EventType = "tool_result"
	EventToolError        EventType = "tool_error"
	EventRetrievalJudgment EventType = "retrieval_judgment"
	EventJudgmentStreaming EventType = "judgment_streaming"
	EventJudgmentResult   EventType = "judgment_result"
	EventAnswerGeneration EventType = "answer_generation"
	EventTokenLimit       EventType = "token_limit"
	EventContinueReasoning EventType = "continue_reasoning"
	EventFinalAnswerChunk EventType = "final_answer_chunk"
	EventAnswerStreaming  EventType = "answer_streaming"

	// Terminal events, exactly one per stream.
	EventFinalAnswer EventType = "final_answer"
	EventNoAnswer    EventType = "no_answer"
	EventTimeout     EventType = "timeout"
	EventCancelled   EventType = "cancelled"
	EventError       EventType = "error"

	// Always the last frame, exactly one per stream.
	EventCompleted EventType = "completed"
)

// IsTerminal reports whether t is one of the five terminal event types.
func IsTerminal(t EventType) bool {
	switch t {
	case EventFinalAnswer, EventNoAnswer, EventTimeout, EventCancelled, EventError:
		return true
	default:
		return false
	}
}

// CitationRef is the compact citation shape carried on final_answer; the
// full content lives in the citation store and is fetched on demand.
type CitationRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Preview string `json:"preview"`
}

// AnswerData is the payload of the final_answer event.
type AnswerData struct {
	Answer    string        `json:"answer"`
	Citations []CitationRef `json:"citations"`
}

// Judgment mirrors tools.Judgment for the wire event; kept separate so
// the orchestrator package does not need to import tools' internals for
// JSON shaping.
type Judgment struct {
	CanAnswer   bool    `json:"can_answer"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	MissingInfo string  `json:"missing_info,omitempty"`
}

// Event is one SSE frame. Every event carries the common fields; type-
// specific fields are attached via the fields below, all omitempty so a
// given frame only serializes what applies to its type.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`

	Round      int    `json:"round,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   any    `json:"tool_args,omitempty"`
	Code       string `json:"code,omitempty"`
	Result     string `json:"result,omitempty"`
	IsStreaming bool  `json:"is_streaming,omitempty"`
	Accumulated string `json:"accumulated,omitempty"`

	Judgment   *Judgment   `json:"judgment,omitempty"`
	AnswerData *AnswerData `json:"answer_data,omitempty"`
}

// Sink is where the orchestrator writes events. The pipeline (C4) adapts
// this to an SSE HTTP response; tests adapt it to a slice.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

func newEvent(sessionID string, t EventType, content string) Event {
	return Event{
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}
