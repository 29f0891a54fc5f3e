// Package orchestrator implements component C3: the per-request state
// machine driving the think -> act -> observe -> judge/answer loop.
// Grounded on api_consultant/internal/chat's Orchestrator.Run (the round
// loop, delta accumulation, and tool fan-out shape) generalized to the
// text-delimited tool-call protocol and budget/cancellation discipline of
// original_source/inference/streaming_agent.py (SPEC_FULL.md §A, §C).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openevidence/evidence-agent/internal/citations"
	"github.com/openevidence/evidence-agent/internal/llm"
	"github.com/openevidence/evidence-agent/internal/session"
	"github.com/openevidence/evidence-agent/internal/tools"
)

// Config bundles everything one orchestrator instance needs. A fresh
// Config (with a fresh GenConfig deep copy) is built per request by the
// pipeline (spec.md §4.4.2); nothing here is shared/mutated across
// requests except the pointers to genuinely shared collaborators
// (Provider, Registry, Judge, Citations), which are themselves safe for
// concurrent use.
type Config struct {
	Provider   llm.Provider
	Registry   *tools.Registry
	Judge      *tools.Judge
	Citations  *citations.Store
	Logger     *logrus.Entry
	GenConfig  llm.GenerationConfig
	MaxRounds  int
	MaxTokens  int // estimated cumulative input+output token budget
}

// Orchestrator runs exactly one session's reasoning loop.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 12000
	}
	return &Orchestrator{cfg: cfg}
}

func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Run drives the full state machine for one session, emitting events to
// sink until exactly one terminal event and one completed event have
// been sent. The returned error is non-nil only when sink itself failed
// (e.g. the client disconnected mid-write); by that point cancellation
// has typically already been observed at the next checkpoint.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, sink Sink) error {
	sessionID := sess.ID
	emit := func(e Event) error {
		e.SessionID = sessionID
		return sink.Emit(e)
	}

	if err := emit(newEvent(sessionID, EventInit, "starting reasoning session")); err != nil {
		return err
	}

	transcript := NewTranscript(systemPrompt, sess.Question)
	var allEvidence []citations.Evidence
	seenEvidence := make(map[string]bool)
	tokensUsed := estimateTokens(sess.Question)
	forcedAnswering := false

	terminal := func(t EventType, content string, apply func(*Event)) error {
		e := newEvent(sessionID, t, content)
		if apply != nil {
			apply(&e)
		}
		if err := emit(e); err != nil {
			return err
		}
		return emit(newEvent(sessionID, EventCompleted, "done"))
	}

	handleCheckpoint := func(reason session.Reason) (bool, error) {
		switch reason {
		case session.Cancelled:
			return true, terminal(EventCancelled, "session cancelled", nil)
		case session.TimedOut:
			return true, terminal(EventTimeout, "wall-clock budget exceeded", nil)
		default:
			return false, nil
		}
	}

	for round := 1; round <= o.cfg.MaxRounds; round++ {
		if stop, err := handleCheckpoint(sess.Token.Check()); stop {
			return err
		}

		if err := emit(newEvent(sessionID, EventRoundStart, fmt.Sprintf("round %d", round)).withRound(round)); err != nil {
			return err
		}

		if tokensUsed > o.cfg.MaxTokens && !forcedAnswering {
			forcedAnswering = true
			if err := emit(newEvent(sessionID, EventTokenLimit, "token budget exceeded, forcing answer")); err != nil {
				return err
			}
			transcript.Append(RoleUser, judgeSteeringNote)
			return o.answer(ctx, sess, transcript, allEvidence, emit, terminal)
		}
		if round == o.cfg.MaxRounds {
			transcript.Append(RoleUser, roundBudgetNote)
		}

		if err := emit(newEvent(sessionID, EventThinkingStart, "thinking")); err != nil {
			return err
		}

		think, err := o.think(ctx, sess, transcript, emit, &tokensUsed)
		if err != nil {
			return err
		}
		if think.acc == nil {
			// think() already emitted a terminal event (cancellation, backend failure).
			return nil
		}
		acc, sawToolCall, toolCall, toolCallErr := think.acc, think.sawToolCall, think.call, think.callErr

		if err := emit(newEvent(sessionID, EventRoundEnd, fmt.Sprintf("round %d complete", round)).withRound(round)); err != nil {
			return err
		}

		text := strings.TrimSpace(acc.VisibleText())
		if !sawToolCall && text == "" {
			// No usable content this round; retry unless the round budget is
			// exhausted (spec.md §4.3.1 THINKING transition table).
			if round == o.cfg.MaxRounds {
				return terminal(EventNoAnswer, "model produced no usable content", nil)
			}
			continue
		}

		transcript.Append(RoleAssistant, acc.Text())

		if sawToolCall {
			if stop, err := handleCheckpoint(sess.Token.Check()); stop {
				return err
			}
			evidence, done, err := o.runTool(ctx, sess, transcript, toolCall, toolCallErr, emit)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			for _, ev := range evidence {
				if !seenEvidence[ev.ID] {
					seenEvidence[ev.ID] = true
					allEvidence = append(allEvidence, ev)
				}
			}
		}

		// OBSERVING -> JUDGING, whether we came from a tool call or from
		// THINKING producing answer-shaped content directly.
		judgment, done, err := o.judge(ctx, sess, transcript, sess.Question, allEvidence, emit)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		lastRound := round == o.cfg.MaxRounds
		if judgment.CanAnswer || (lastRound && len(allEvidence) > 0) {
			return o.answer(ctx, sess, transcript, allEvidence, emit, terminal)
		}
		if lastRound {
			return terminal(EventNoAnswer, "evidence remained insufficient after the round budget", nil)
		}
		if err := emit(newEvent(sessionID, EventContinueReasoning, "evidence insufficient, continuing")); err != nil {
			return err
		}
	}

	return terminal(EventNoAnswer, "round budget exhausted", nil)
}

// withRound is a small builder helper kept off the Event type itself so
// zero-value Events stay simple to construct in tests.
func (e Event) withRound(round int) Event {
	e.Round = round
	return e
}

// thinkResult is what one THINKING phase produced. acc == nil signals
// that a terminal event has already been emitted (cancellation, timeout,
// or backend failure) and the caller should stop without further action.
type thinkResult struct {
	acc         *RoundAccumulator
	sawToolCall bool
	call        tools.Call
	callErr     error
}

// think runs one THINKING phase: streams deltas from C1, emits thinking
// progress, and accumulates until either a complete tool call or the
// end of the stream.
func (o *Orchestrator) think(ctx context.Context, sess *session.Session, transcript *Transcript, emit func(Event) error, tokensUsed *int) (thinkResult, error) {
	sessionID := sess.ID
	stream, err := o.cfg.Provider.StreamChat(ctx, transcript.Messages(), o.cfg.GenConfig)
	if err != nil {
		return thinkResult{}, o.failBackend(sessionID, emit, err)
	}
	defer stream.Close()

	acc := &RoundAccumulator{}
	thinkEmitted := ""
	for {
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return thinkResult{}, o.failBackend(sessionID, emit, err)
		}
		if reason := sess.Token.Check(); reason != session.NotTripped {
			evtType, content := EventCancelled, "session cancelled"
			if reason == session.TimedOut {
				evtType, content = EventTimeout, "wall-clock budget exceeded"
			}
			if e := emit(newEvent(sessionID, evtType, content)); e != nil {
				return thinkResult{}, e
			}
			return thinkResult{}, emit(newEvent(sessionID, EventCompleted, "done"))
		}
		if delta.Content == "" {
			continue
		}
		*tokensUsed += estimateTokens(delta.Content)
		acc.Write(delta.Content)

		// Only the interior of <think> blocks is reported as thinking
		// progress; tool-call JSON and answer prose accumulate silently
		// here and surface later via ToolCall()/VisibleText()/Answer().
		if soFar := acc.ThinkSoFar(); len(soFar) > len(thinkEmitted) {
			chunk := soFar[len(thinkEmitted):]
			thinkEmitted = soFar
			if err := emit(newEvent(sessionID, EventThinking, chunk)); err != nil {
				return thinkResult{}, err
			}
		}

		if parsed, found, callErr := acc.ToolCall(); found {
			return thinkResult{acc: acc, sawToolCall: true, call: parsed.Call, callErr: callErr}, nil
		}
	}
	return thinkResult{acc: acc}, nil
}

// failBackend converts a C1 failure into the non-recoverable error path
// (spec.md §7): emit a terminal error event, then completed.
func (o *Orchestrator) failBackend(sessionID string, emit func(Event) error, err error) error {
	msg := "the reasoning backend is unavailable"
	var backendErr *llm.ErrBackendError
	if errors.As(err, &backendErr) {
		msg = fmt.Sprintf("the reasoning backend returned an error (status %d)", backendErr.Status)
	}
	if e := emit(newEvent(sessionID, EventError, msg)); e != nil {
		return e
	}
	return emit(newEvent(sessionID, EventCompleted, "done"))
}

// runTool executes TOOL_CALLING -> OBSERVING for one parsed call. done
// is true when a terminal event was already emitted.
func (o *Orchestrator) runTool(ctx context.Context, sess *session.Session, transcript *Transcript, call tools.Call, parseErr error, emit func(Event) error) ([]citations.Evidence, bool, error) {
	sessionID := sess.ID
	if err := emit(newEvent(sessionID, EventToolCallStart, fmt.Sprintf("calling %s", call.Name))); err != nil {
		return nil, false, err
	}

	if parseErr != nil {
		if err := emit(newEvent(sessionID, EventToolError, parseErr.Error())); err != nil {
			return nil, false, err
		}
		transcript.Append(RoleTool, "Tool call could not be parsed: "+parseErr.Error())
		return nil, false, nil
	}

	evt := newEvent(sessionID, EventToolExecution, fmt.Sprintf("executing %s", call.Name))
	evt.ToolName = call.Name
	evt.ToolArgs = call.Arguments
	if err := emit(evt); err != nil {
		return nil, false, err
	}
	if call.Name == tools.CodeExecution {
		if code, ok := call.Arguments["code"].(string); ok {
			pyEvt := newEvent(sessionID, EventPythonExecution, "running code")
			pyEvt.Code = code
			if err := emit(pyEvt); err != nil {
				return nil, false, err
			}
		}
	}

	result, err := o.cfg.Registry.Dispatch(ctx, call)
	if err != nil {
		if err := emit(newEvent(sessionID, EventToolError, err.Error())); err != nil {
			return nil, false, err
		}
		transcript.Append(RoleTool, "Tool execution failed: "+err.Error())
		return nil, false, nil
	}

	resultEvt := newEvent(sessionID, EventToolResult, "tool result received")
	resultEvt.ToolName = call.Name
	resultEvt.Result = result.Text
	if err := emit(resultEvt); err != nil {
		return nil, false, err
	}
	transcript.Append(RoleTool, result.Text)
	return result.Evidence, false, nil
}

// judge runs OBSERVING -> JUDGING: invokes judge_sufficiency, streaming
// its reasoning as judgment_streaming events (spec.md §4.3.1).
func (o *Orchestrator) judge(ctx context.Context, sess *session.Session, transcript *Transcript, question string, evidence []citations.Evidence, emit func(Event) error) (tools.Judgment, bool, error) {
	sessionID := sess.ID
	if err := emit(newEvent(sessionID, EventRetrievalJudgment, "assessing evidence sufficiency")); err != nil {
		return tools.Judgment{}, false, err
	}

	evidenceText := tools.FormatEvidence(evidence)
	var streamErr error
	onChunk := func(chunk string) {
		if streamErr != nil {
			return
		}
		e := newEvent(sessionID, EventJudgmentStreaming, chunk)
		e.IsStreaming = true
		streamErr = emit(e)
	}

	judgment, err := o.cfg.Judge.Evaluate(ctx, question, evidenceText, o.cfg.GenConfig, onChunk)
	if streamErr != nil {
		return tools.Judgment{}, true, streamErr
	}
	if err != nil {
		// JudgeFailure is recoverable (spec.md §7): report it as a soft
		// judgment rather than failing the session.
		if e := emit(newEvent(sessionID, EventToolError, "judge_sufficiency: "+err.Error())); e != nil {
			return tools.Judgment{}, true, e
		}
		return tools.Judgment{CanAnswer: false, Reason: "judge unavailable"}, false, nil
	}

	e := newEvent(sessionID, EventJudgmentResult, judgment.Reason)
	e.Judgment = &Judgment{
		CanAnswer:   judgment.CanAnswer,
		Confidence:  judgment.Confidence,
		Reason:      judgment.Reason,
		MissingInfo: judgment.MissingInfo,
	}
	if err := emit(e); err != nil {
		return tools.Judgment{}, true, err
	}
	return judgment, false, nil
}

// answer runs ANSWERING: streams the final answer, assembles the
// deduplicated citation list, and emits the single final_answer event
// followed by completed. Grounded on SPEC_FULL.md's Design Note adopting
// the non-racy citation rendering (citations only on the terminal
// event), per answer_system.py's generate_answer_with_citations_stream.
func (o *Orchestrator) answer(ctx context.Context, sess *session.Session, transcript *Transcript, evidence []citations.Evidence, emit func(Event) error, terminal func(EventType, string, func(*Event)) error) error {
	sessionID := sess.ID
	if err := emit(newEvent(sessionID, EventAnswerGeneration, "generating final answer")); err != nil {
		return err
	}
	transcript.Append(RoleUser, answerPromptSuffix)

	stream, err := o.cfg.Provider.StreamChat(ctx, transcript.Messages(), o.cfg.GenConfig)
	if err != nil {
		return o.failBackend(sessionID, emit, err)
	}
	defer stream.Close()

	acc := &RoundAccumulator{}
	for {
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return o.failBackend(sessionID, emit, err)
		}
		if reason := sess.Token.Check(); reason != session.NotTripped {
			evtType, content := EventCancelled, "session cancelled"
			if reason == session.TimedOut {
				evtType, content = EventTimeout, "wall-clock budget exceeded"
			}
			return terminal(evtType, content, nil)
		}
		if delta.Content == "" {
			continue
		}
		acc.Write(delta.Content)
		e := newEvent(sessionID, EventFinalAnswerChunk, delta.Content)
		e.Accumulated = acc.VisibleText()
		e.IsStreaming = true
		if err := emit(e); err != nil {
			return err
		}
	}

	answerText, ok := acc.Answer()
	if !ok {
		answerText = strings.TrimSpace(acc.VisibleText())
	}
	if answerText == "" {
		return terminal(EventNoAnswer, "model produced no answer text", nil)
	}

	refs := assembleCitations(sessionID, answerText, evidence, o.cfg.Citations)
	return terminal(EventFinalAnswer, "final answer ready", func(e *Event) {
		e.AnswerData = &AnswerData{Answer: answerText, Citations: refs}
	})
}

// assembleCitations scans answerText for [n] markers in first-appearance
// order and maps each n directly to the nth piece of evidence collected
// across rounds (spec.md §4.3.5, SPEC_FULL.md §C.6: the model's own
// marker number is used as-is, only bounds-checked and de-duplicated,
// never renumbered), depositing full content into the citation store
// keyed by that same 1-based id.
func assembleCitations(sessionID, answerText string, evidence []citations.Evidence, store *citations.Store) []CitationRef {
	markers := extractMarkersInOrder(answerText)
	refs := make([]CitationRef, 0, len(markers))
	seen := make(map[int]bool)
	for _, n := range markers {
		if seen[n] || n < 1 || n > len(evidence) {
			continue
		}
		seen[n] = true
		ev := evidence[n-1]
		id := strconv.Itoa(n)
		full := citations.Evidence{ID: id, Title: ev.Title, FullContent: ev.FullContent}
		store.Put(sessionID, full)
		refs = append(refs, CitationRef{ID: id, Title: ev.Title, Preview: full.Preview()})
	}
	return refs
}

// extractMarkersInOrder returns the distinct integers inside "[n]"
// markers in the order they first appear in text.
func extractMarkersInOrder(text string) []int {
	var out []int
	seen := make(map[int]bool)
	i := 0
	for i < len(text) {
		if text[i] != '[' {
			i++
			continue
		}
		end := strings.IndexByte(text[i:], ']')
		if end == -1 {
			break
		}
		inner := text[i+1 : i+end]
		if n, err := strconv.Atoi(strings.TrimSpace(inner)); err == nil && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
		i += end + 1
	}
	return out
}
