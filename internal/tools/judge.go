package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/openevidence/evidence-agent/internal/llm"
)

// Judgment is the structured result of judge_sufficiency (spec.md §4.2).
type Judgment struct {
	CanAnswer   bool    `json:"can_answer"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
	MissingInfo string  `json:"missing_info,omitempty"`
}

// ErrJudgeFailure indicates the underlying LLM call for a judgment failed.
type ErrJudgeFailure struct {
	Cause error
}

func (e *ErrJudgeFailure) Error() string { return fmt.Sprintf("judge_sufficiency failed: %v", e.Cause) }
func (e *ErrJudgeFailure) Unwrap() error { return e.Cause }

// Judge issues the internal LLM call behind judge_sufficiency. It is kept
// separate from Registry.Dispatch because the orchestrator needs to
// stream the judge's reasoning as judgment_streaming events as it arrives
// (spec.md §4.3.1 OBSERVING -> JUDGING).
type Judge struct {
	Provider llm.Provider
}

const judgmentPromptTemplate = `You are a professional evaluator of question-answering systems. Assess whether the retrieved content below is sufficient to answer the user's question.

User question: %s

Retrieved content:
%s

Evaluate: (1) topical relevance, (2) presence of the key facts needed to answer, (3) completeness. Content containing relevant information, even if incomplete, should be judged answerable.

Respond ONLY with JSON of the form:
{"can_answer": true/false, "confidence": 0.0-1.0, "reason": "...", "missing_info": "..."}`

// Evaluate streams the judge's reasoning to onChunk as it arrives and
// returns the parsed structured judgment once the stream ends.
func (j *Judge) Evaluate(ctx context.Context, question, evidenceText string, cfg llm.GenerationConfig, onChunk func(string)) (Judgment, error) {
	prompt := fmt.Sprintf(judgmentPromptTemplate, question, evidenceText)
	messages := []llm.Message{{Role: "user", Content: prompt}}

	judgeCfg := cfg.Clone()
	judgeCfg.Temperature = 0.3

	stream, err := j.Provider.StreamChat(ctx, messages, judgeCfg)
	if err != nil {
		return Judgment{}, &ErrJudgeFailure{Cause: err}
	}
	defer stream.Close()

	var content strings.Builder
	for {
		if ctx.Err() != nil {
			return Judgment{}, &ErrJudgeFailure{Cause: ctx.Err()}
		}
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Judgment{}, &ErrJudgeFailure{Cause: err}
		}
		if delta.Content == "" {
			continue
		}
		content.WriteString(delta.Content)
		if onChunk != nil {
			onChunk(delta.Content)
		}
	}

	return ParseJudgment(content.String())
}

// ParseJudgment tolerantly parses a judge response: strip markdown fences,
// try direct JSON, else fall back to regex field extraction. Grounded on
// answer_system.py's judge_retrieval_sufficiency / _extract_judgment_from_text
// (SPEC_FULL.md §C.5).
func ParseJudgment(raw string) (Judgment, error) {
	cleaned := stripJSONFence(raw)

	var j Judgment
	if err := json.Unmarshal([]byte(cleaned), &j); err == nil {
		return j, nil
	}
	return extractJudgmentFromText(raw), nil
}

func stripJSONFence(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "```json"):
		s = strings.TrimPrefix(s, "```json")
	case strings.HasPrefix(s, "```"):
		s = strings.TrimPrefix(s, "```")
	default:
		return s
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var (
	canAnswerRe  = regexp.MustCompile(`(?i)"can_answer"\s*:\s*(true|false)`)
	confidenceRe = regexp.MustCompile(`"confidence"\s*:\s*(0\.\d+|1\.0|0|1)`)
	reasonRe     = regexp.MustCompile(`(?s)"reason"\s*:\s*"([^"]+)"`)
	missingRe    = regexp.MustCompile(`(?s)"missing_info"\s*:\s*"([^"]+)"`)
)

func extractJudgmentFromText(text string) Judgment {
	j := Judgment{
		CanAnswer:  false,
		Confidence: 0.5,
		Reason:     "unable to parse judgment response",
	}
	if m := canAnswerRe.FindStringSubmatch(text); m != nil {
		j.CanAnswer = strings.EqualFold(m[1], "true")
	}
	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			j.Confidence = f
		}
	}
	if m := reasonRe.FindStringSubmatch(text); m != nil {
		j.Reason = strings.TrimSpace(m[1])
	}
	if m := missingRe.FindStringSubmatch(text); m != nil {
		j.MissingInfo = strings.TrimSpace(m[1])
	}
	return j
}
