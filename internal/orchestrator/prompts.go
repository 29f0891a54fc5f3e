package orchestrator

import "fmt"

// systemPrompt is the reasoning-loop system prompt: retrieval-first
// research process, the tool-call delimiter contract, and the citation
// format. Grounded on original_source/inference/prompt.py's
// SYSTEM_PROMPT, generalized away from its hard-coded Chinese department
// examples.
const systemPrompt = `You are an evidence-grounded research assistant with access to a knowledge base retrieval system. Investigate questions by first searching the knowledge base for relevant evidence, then reason about whether that evidence is sufficient before answering.

# Research process

1. Start by using knowledge_retrieval to search the knowledge base.
2. Only use code_execution if you need to compute something the retrieved evidence doesn't state directly.
3. When you have gathered sufficient evidence, provide your response with numbered citations [1][2][3] that match the evidence you retrieved.

# Tool calls

For each tool call, return a JSON object with the tool name and arguments inside <tool_call></tool_call> tags:
<tool_call>
{"name": "retrieval", "arguments": {"query": "..."}}
</tool_call>

To run Python, the arguments object must be empty and the code goes immediately after the JSON block inside <code></code> tags:
<tool_call>
{"name": "PythonInterpreter", "arguments": {}}
<code>
print("result")
</code>
</tool_call>

# Thinking

Before acting, think through your approach inside <think></think> tags.

When you are ready to give the definitive response, enclose the entire final answer inside <answer></answer> tags, with inline citation markers like [1] that reference the evidence you retrieved.`

// judgeSteeringNote is appended to the transcript when the token budget
// forces an early transition to ANSWERING (spec.md §4.3.2), grounded on
// streaming_agent.py's forced-answer steering message (SPEC_FULL.md §C.3).
const judgeSteeringNote = "[System note: You are approaching the token budget for this request. Synthesize your final answer now from the evidence already gathered. Do not make additional tool calls.]"

// roundBudgetNote mirrors the same steering behavior when the round
// budget (rather than the token budget) is about to be exhausted.
const roundBudgetNote = "[System note: You have one remaining reasoning round. Synthesize your final answer now using the evidence already gathered.]"

// answerPromptSuffix is appended as a user-role nudge before the final
// answer-generation round, requiring inline citation markers.
const answerPromptSuffix = "Provide your final answer now inside <answer></answer> tags. Cite the evidence you used with inline markers like [1], [2] that match the numbered evidence you retrieved."

func formatEvidenceForJudge(question, evidenceText string) string {
	return fmt.Sprintf("Question: %s\n\nRetrieved evidence:\n%s", question, evidenceText)
}
