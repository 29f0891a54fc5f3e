// Package tools implements component C2: the closed registry of recognized
// tool names and the dispatcher that routes a parsed tool call to the
// right backend. Grounded on api_consultant/internal/chat's executeTool
// switch and the reference tool_retrieval.py / department_classifier.py /
// answer_system.py implementations under original_source/.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openevidence/evidence-agent/internal/citations"
)

// Recognized tool names (spec.md §4.2, a closed enumeration).
const (
	KnowledgeRetrieval = "knowledge_retrieval"
	CodeExecution      = "code_execution"
	JudgeSufficiency   = "judge_sufficiency"
)

// Call is a parsed tool invocation.
type Call struct {
	Name      string
	Arguments map[string]interface{}
}

// Result is what Dispatch hands back to the orchestrator: a normalized
// text summary for the transcript, plus (for knowledge_retrieval) the
// structured evidence the orchestrator needs for citation assembly.
type Result struct {
	Text     string
	Evidence []citations.Evidence
	Truncated bool
}

// KnowledgeClient is the opaque knowledge-base retrieval RPC (out of
// scope per spec.md §1; this is the client-side interface this module
// depends on).
type KnowledgeClient interface {
	Search(ctx context.Context, query string, datasetIDs []string, topK int) ([]citations.Evidence, error)
}

// Classifier is the opaque department-classifier RPC.
type Classifier interface {
	Classify(ctx context.Context, question string) ([]string, error)
}

// CodeExecutor is the opaque sandboxed-code-execution RPC.
type CodeExecutor interface {
	Execute(ctx context.Context, code string) (stdout string, stderr string, err error)
}

// Registry wires the three external collaborators (C2's "opaque RPC
// endpoints" per spec.md §1) into one dispatcher.
type Registry struct {
	Knowledge        KnowledgeClient
	Classifier       Classifier
	Code             CodeExecutor
	DefaultDatasets  []string
	MaxResultBytes   int
	OnClassifierFail func(question string, err error)
}

const defaultMaxResultBytes = 8192
const defaultTopK = 4

// Dispatch routes a call to knowledge_retrieval or code_execution.
// judge_sufficiency is intentionally not handled here: it needs an LLM
// call and a streaming callback the orchestrator owns directly (see
// internal/tools/judge.go); it is still part of the closed enumeration
// for the caller-facing contract.
func (r *Registry) Dispatch(ctx context.Context, call Call) (Result, error) {
	switch call.Name {
	case KnowledgeRetrieval:
		return r.dispatchKnowledgeRetrieval(ctx, call)
	case CodeExecution:
		return r.dispatchCodeExecution(ctx, call)
	case JudgeSufficiency:
		return Result{}, &ErrBadToolArgs{Name: call.Name, Reason: "judge_sufficiency must be invoked via Judge.Evaluate, not Dispatch"}
	default:
		return Result{}, &ErrUnknownTool{Name: call.Name}
	}
}

func (r *Registry) dispatchKnowledgeRetrieval(ctx context.Context, call Call) (Result, error) {
	if r.Knowledge == nil {
		return Result{}, &ErrToolExecution{Name: call.Name, Cause: fmt.Errorf("knowledge client not configured")}
	}
	query, ok := call.Arguments["query"].(string)
	if !ok || query == "" {
		return Result{}, &ErrBadToolArgs{Name: call.Name, Reason: "query is required and must be a string"}
	}

	topK := defaultTopK
	if v, ok := call.Arguments["top_k"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			topK = n
		}
	}

	datasetIDs := r.DefaultDatasets
	if raw, ok := call.Arguments["dataset_ids"]; ok {
		if ids, ok := toStringSlice(raw); ok && len(ids) > 0 {
			datasetIDs = ids
		}
	} else if r.Classifier != nil {
		// dataset_ids omitted: infer them from the question via the
		// department classifier (spec.md §4.2).
		ids, err := r.Classifier.Classify(ctx, query)
		if err != nil {
			// SPEC_FULL.md §C.7: the reference implementation falls back
			// to a fixed default dataset id on classifier failure rather
			// than failing the round. Treated here as a recoverable,
			// logged event.
			if r.OnClassifierFail != nil {
				r.OnClassifierFail(query, err)
			}
			ids = r.DefaultDatasets
		}
		if len(ids) > 0 {
			datasetIDs = ids
		}
	}

	evidence, err := r.Knowledge.Search(ctx, query, datasetIDs, topK)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Text: "[retrieval cancelled]"}, nil
		}
		return Result{}, &ErrToolExecution{Name: call.Name, Cause: err}
	}

	text := FormatEvidence(evidence)
	truncated := false
	max := r.MaxResultBytes
	if max <= 0 {
		max = defaultMaxResultBytes
	}
	if len(text) > max {
		text = text[:max]
		truncated = true
	}
	return Result{Text: text, Evidence: evidence, Truncated: truncated}, nil
}

func (r *Registry) dispatchCodeExecution(ctx context.Context, call Call) (Result, error) {
	if r.Code == nil {
		return Result{}, &ErrToolExecution{Name: call.Name, Cause: fmt.Errorf("code executor not configured")}
	}
	code, ok := call.Arguments["code"].(string)
	if !ok || code == "" {
		return Result{}, &ErrBadToolArgs{Name: call.Name, Reason: "code is required and must be a string"}
	}
	if lang, ok := call.Arguments["language"].(string); ok && lang != "" && lang != "python" {
		return Result{}, &ErrBadToolArgs{Name: call.Name, Reason: "only language=\"python\" is supported"}
	}

	stdout, stderr, err := r.Code.Execute(ctx, code)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Text: "[execution cancelled]"}, nil
		}
		return Result{}, &ErrToolExecution{Name: call.Name, Cause: err}
	}

	text := stdout
	if stderr != "" {
		text += "\n[stderr]\n" + stderr
	}
	truncated := false
	max := r.MaxResultBytes
	if max <= 0 {
		max = defaultMaxResultBytes
	}
	if len(text) > max {
		text = text[:max]
		truncated = true
	}
	return Result{Text: text, Truncated: truncated}, nil
}

// FormatEvidence renders retrieval results the way the reference
// answer_system.py's create_sources_content_for_citation does, so the
// same text can feed both the transcript and the judge/answer prompts
// (SPEC_FULL.md §C.4).
func FormatEvidence(evidence []citations.Evidence) string {
	if len(evidence) == 0 {
		return "No knowledge base results found."
	}
	out := ""
	for i, e := range evidence {
		out += fmt.Sprintf("[%d] Document: %s\nSimilarity: %.3f\nContent: %s\n\n", i+1, e.Title, e.Similarity, e.FullContent)
	}
	return out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func toStringSlice(v interface{}) ([]string, bool) {
	raw, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
