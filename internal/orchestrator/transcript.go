package orchestrator

import "github.com/openevidence/evidence-agent/internal/llm"

// Role tags a transcript entry (spec.md §3 "Message transcript").
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Transcript is the ordered, role-tagged sequence that is the sole input
// shape passed to C1 on each round. It carries no session identity of its
// own — one Transcript per orchestrator instance, never shared.
type Transcript struct {
	messages []llm.Message
}

// NewTranscript seeds a transcript with the system prompt and the user's
// question, per the INIT -> THINKING transition (spec.md §4.3.1).
func NewTranscript(systemPrompt, question string) *Transcript {
	return &Transcript{
		messages: []llm.Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: question},
		},
	}
}

func (t *Transcript) Append(role, content string) {
	t.messages = append(t.messages, llm.Message{Role: role, Content: content})
}

// Messages returns the current transcript. Callers must not mutate the
// returned slice; StreamChat treats it as read-only per round.
func (t *Transcript) Messages() []llm.Message {
	return t.messages
}
