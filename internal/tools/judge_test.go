package tools

import (
	"context"
	"io"
	"testing"

	"github.com/openevidence/evidence-agent/internal/llm"
)

type fakeJudgeStream struct {
	deltas []llm.Delta
	i      int
}

func (s *fakeJudgeStream) Recv() (llm.Delta, error) {
	if s.i >= len(s.deltas) {
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.i]
	s.i++
	return d, nil
}

func (s *fakeJudgeStream) Close() error { return nil }

type fakeJudgeProvider struct {
	content string
	err     error
}

func (p *fakeJudgeProvider) StreamChat(_ context.Context, _ []llm.Message, _ llm.GenerationConfig) (llm.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &fakeJudgeStream{deltas: []llm.Delta{{Content: p.content}}}, nil
}

func TestJudge_Evaluate_ParsesCleanJSON(t *testing.T) {
	j := &Judge{Provider: &fakeJudgeProvider{content: `{"can_answer": true, "confidence": 0.87, "reason": "covers dosing"}`}}
	var streamed string
	judgment, err := j.Evaluate(context.Background(), "question", "evidence", llm.GenerationConfig{}, func(chunk string) {
		streamed += chunk
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !judgment.CanAnswer || judgment.Confidence != 0.87 {
		t.Fatalf("expected parsed judgment, got %+v", judgment)
	}
	if streamed == "" {
		t.Fatalf("expected onChunk to receive streamed content")
	}
}

func TestJudge_Evaluate_TolersMarkdownFence(t *testing.T) {
	j := &Judge{Provider: &fakeJudgeProvider{content: "```json\n{\"can_answer\": false, \"confidence\": 0.2, \"reason\": \"missing dosage table\"}\n```"}}
	judgment, err := j.Evaluate(context.Background(), "q", "e", llm.GenerationConfig{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if judgment.CanAnswer || judgment.Reason != "missing dosage table" {
		t.Fatalf("expected fenced JSON to parse, got %+v", judgment)
	}
}

func TestJudge_Evaluate_FallsBackToRegexOnUnparseableText(t *testing.T) {
	j := &Judge{Provider: &fakeJudgeProvider{content: `I think can_answer: true actually. "can_answer": true, "confidence": 0.6, "reason": "loosely formatted"`}}
	judgment, err := j.Evaluate(context.Background(), "q", "e", llm.GenerationConfig{}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !judgment.CanAnswer || judgment.Confidence != 0.6 {
		t.Fatalf("expected regex fallback to extract fields, got %+v", judgment)
	}
}

func TestJudge_Evaluate_BackendFailureWrapsErrJudgeFailure(t *testing.T) {
	j := &Judge{Provider: &fakeJudgeProvider{err: io.ErrUnexpectedEOF}}
	_, err := j.Evaluate(context.Background(), "q", "e", llm.GenerationConfig{}, nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := err.(*ErrJudgeFailure); !ok {
		t.Fatalf("expected *ErrJudgeFailure, got %T", err)
	}
}

func TestParseJudgment_DefaultsOnTotalGarbage(t *testing.T) {
	judgment, err := ParseJudgment("the sky is blue today")
	if err != nil {
		t.Fatalf("ParseJudgment should not error, got %v", err)
	}
	if judgment.CanAnswer {
		t.Fatalf("expected conservative default can_answer=false, got %+v", judgment)
	}
}
