package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/openevidence/evidence-agent/internal/tools"
)

// modelToolAlias maps the tool names the model actually emits in
// <tool_call> blocks (original_source/inference/prompt.py's function
// signatures) to this module's canonical tool names (tools.go's closed
// enumeration).
var modelToolAlias = map[string]string{
	"retrieval":        tools.KnowledgeRetrieval,
	"PythonInterpreter": tools.CodeExecution,
}

const (
	tagToolCallOpen  = "<tool_call>"
	tagToolCallClose = "</tool_call>"
	tagCodeOpen      = "<code>"
	tagCodeClose     = "</code>"
	tagThinkOpen     = "<think>"
	tagThinkClose    = "</think>"
	tagAnswerOpen    = "<answer>"
	tagAnswerClose   = "</answer>"
)

// RoundAccumulator holds one round's worth of assistant text as it
// streams in delta by delta and exposes the tag boundaries the
// orchestrator needs. It keeps no delta-boundary state beyond the
// concatenated buffer: a delimited block may arrive split across many
// deltas (spec.md §9), so every check re-scans the full buffer rather
// than trying to track partial tags incrementally.
type RoundAccumulator struct {
	buf strings.Builder
}

func (r *RoundAccumulator) Write(delta string) {
	r.buf.WriteString(delta)
}

func (r *RoundAccumulator) Text() string {
	return r.buf.String()
}

// VisibleText strips <think>...</think> spans, which are internal
// reasoning not meant for the answer/tool-call text (they are reported
// separately; see ThinkSoFar).
func (r *RoundAccumulator) VisibleText() string {
	return stripTag(r.buf.String(), tagThinkOpen, tagThinkClose)
}

// ThinkSoFar returns everything currently attributable to the thinking
// channel: the full interior of every <think>...</think> block that has
// closed so far, plus whatever of a still-open trailing block has
// streamed in. The orchestrator calls this after every delta and emits
// only the newly available suffix as a thinking event, so <think>
// content reaches the client separately from the surrounding tool-call
// or answer text (original_source's streaming_agent.py reasoning-content
// separation, SPEC_FULL.md §C.2).
func (r *RoundAccumulator) ThinkSoFar() string {
	text := r.buf.String()
	var out strings.Builder
	for {
		start := strings.Index(text, tagThinkOpen)
		if start == -1 {
			return out.String()
		}
		rest := text[start+len(tagThinkOpen):]
		end := strings.Index(rest, tagThinkClose)
		if end == -1 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:end])
		text = rest[end+len(tagThinkClose):]
	}
}

// ParsedToolCall is the parsed, structurally-valid interior of a
// <tool_call> block, still to be routed by tools.Registry.
type ParsedToolCall struct {
	Call tools.Call
	Raw  string // the full <tool_call>...</tool_call> text, for the transcript
}

// ToolCall reports whether a complete <tool_call>...</tool_call> block is
// present and, if so, parses it. A malformed interior is reported via ok
// == true, err != nil so the caller can emit tool_error and continue
// (spec.md §4.3.4: malformed JSON must not crash the round).
func (r *RoundAccumulator) ToolCall() (ParsedToolCall, bool, error) {
	text := r.buf.String()
	inner, raw, found := extractTagRaw(text, tagToolCallOpen, tagToolCallClose)
	if !found {
		return ParsedToolCall{}, false, nil
	}

	jsonPart := inner
	var code string
	if codeInner, _, hasCode := extractTagRaw(inner, tagCodeOpen, tagCodeClose); hasCode {
		code = codeInner
		if idx := strings.Index(inner, tagCodeOpen); idx >= 0 {
			jsonPart = inner[:idx]
		}
	}

	var raw_ struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &raw_); err != nil {
		return ParsedToolCall{}, true, &tools.ErrBadToolArgs{Name: "unknown", Reason: "malformed tool_call JSON: " + err.Error()}
	}

	name := raw_.Name
	if canonical, ok := modelToolAlias[name]; ok {
		name = canonical
	}
	args := raw_.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if code != "" {
		args["code"] = strings.TrimSpace(code)
		if _, ok := args["language"]; !ok {
			args["language"] = "python"
		}
	}

	return ParsedToolCall{
		Call: tools.Call{Name: name, Arguments: args},
		Raw:  raw,
	}, true, nil
}

// Answer reports whether a complete <answer>...</answer> block is
// present and returns its interior.
func (r *RoundAccumulator) Answer() (string, bool) {
	return extractTag(r.buf.String(), tagAnswerOpen, tagAnswerClose)
}

// extractTag returns the trimmed interior of the first complete
// open/close tag pair.
func extractTag(text, open, close_ string) (string, bool) {
	inner, _, ok := extractTagRaw(text, open, close_)
	return strings.TrimSpace(inner), ok
}

// extractTagRaw returns the interior and the full raw (including tags)
// of the first complete open/close pair.
func extractTagRaw(text, open, close_ string) (inner string, raw string, found bool) {
	start := strings.Index(text, open)
	if start == -1 {
		return "", "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, close_)
	if end == -1 {
		return "", "", false
	}
	inner = rest[:end]
	raw = text[start : start+len(open)+end+len(close_)]
	return inner, raw, true
}

// stripTag removes every complete occurrence of open/close pairs from
// text, leaving surrounding content intact.
func stripTag(text, open, close_ string) string {
	for {
		start := strings.Index(text, open)
		if start == -1 {
			return text
		}
		rest := text[start+len(open):]
		end := strings.Index(rest, close_)
		if end == -1 {
			return text
		}
		text = text[:start] + rest[end+len(close_):]
	}
}
