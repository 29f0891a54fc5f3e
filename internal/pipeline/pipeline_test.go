package pipeline

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openevidence/evidence-agent/internal/citations"
	"github.com/openevidence/evidence-agent/internal/llm"
	"github.com/openevidence/evidence-agent/internal/orchestrator"
	"github.com/openevidence/evidence-agent/internal/tools"
)

type fakeStream struct {
	deltas []llm.Delta
	i      int
}

func (s *fakeStream) Recv() (llm.Delta, error) {
	if s.i >= len(s.deltas) {
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.i]
	s.i++
	return d, nil
}
func (s *fakeStream) Close() error { return nil }

// answerImmediatelyProvider always streams a bare <answer> block with no
// tool calls. It also serves as the judge, whose reply then carries no
// judgment fields, so can_answer stays false and a session ends with
// no_answer once MaxRounds is used up.
type answerImmediatelyProvider struct{ calls int }

func (p *answerImmediatelyProvider) StreamChat(_ context.Context, _ []llm.Message, _ llm.GenerationConfig) (llm.Stream, error) {
	p.calls++
	return &fakeStream{deltas: []llm.Delta{{Content: "<answer>No evidence needed here.</answer>"}}}, nil
}

func newTestPipeline(maxConcurrent int) (*Pipeline, *answerImmediatelyProvider) {
	provider := &answerImmediatelyProvider{}
	p := New(Config{
		MaxConcurrentRequests: maxConcurrent,
		AdmissionTimeout:      time.Second,
		RequestWallClock:      time.Minute,
		SessionGracePeriod:    time.Hour,
		Provider:              provider,
		Registry:              &tools.Registry{},
		Judge:                 &tools.Judge{Provider: provider},
		Citations:             citations.New(time.Hour),
		Logger:                logrus.NewEntry(logrus.New()),
		MaxRounds:             3,
	})
	return p, provider
}

func collect(t *testing.T, p *Pipeline, question string) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	sink := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		events = append(events, e)
		return nil
	})
	if err := p.Run(context.Background(), question, sink, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return events
}

func TestPipeline_RunProducesTerminalThenCompleted(t *testing.T) {
	p, _ := newTestPipeline(3)
	defer p.Close()

	events := collect(t, p, "a question needing no evidence")
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Type != orchestrator.EventCompleted {
		t.Fatalf("expected the stream to end with completed, got %s", last.Type)
	}
	secondLast := events[len(events)-2]
	if !orchestrator.IsTerminal(secondLast.Type) {
		t.Fatalf("expected the second-to-last event to be terminal, got %s", secondLast.Type)
	}
}

func TestPipeline_ReleasesSemaphoreSlotAfterCompletion(t *testing.T) {
	p, _ := newTestPipeline(1)
	defer p.Close()

	collect(t, p, "first question")
	// If the slot weren't released, a second sequential Run would block
	// until AdmissionTimeout and return the synthetic busy path instead.
	events := collect(t, p, "second question")
	last := events[len(events)-1]
	if last.Type != orchestrator.EventCompleted {
		t.Fatalf("expected second run to complete normally once the slot was released, got %s", last.Type)
	}
	secondLast := events[len(events)-2]
	if secondLast.Type == orchestrator.EventError {
		t.Fatalf("expected the second run not to hit the busy path, got error event: %+v", secondLast)
	}
}

func TestPipeline_AdmissionTimeoutEmitsBusyThenCompleted(t *testing.T) {
	provider := &blockingProvider{unblock: make(chan struct{})}
	p := New(Config{
		MaxConcurrentRequests: 1,
		AdmissionTimeout:      20 * time.Millisecond,
		Provider:              provider,
		Registry:              &tools.Registry{},
		Judge:                 &tools.Judge{Provider: provider},
		Citations:             citations.New(time.Hour),
		Logger:                logrus.NewEntry(logrus.New()),
		MaxRounds:             3,
	})
	defer p.Close()

	done := make(chan struct{})
	go func() {
		collect(t, p, "occupies the only slot")
		close(done)
	}()
	// Give the first Run a moment to acquire the slot before the second
	// one contends for it.
	time.Sleep(5 * time.Millisecond)

	events := collect(t, p, "should time out on admission")
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 synthetic events (error, completed), got %+v", events)
	}
	if events[0].Type != orchestrator.EventError || events[1].Type != orchestrator.EventCompleted {
		t.Fatalf("expected [error, completed], got %+v", events)
	}
	// Closing (rather than sending once) releases every blocked and
	// future StreamChat call on this provider, since think() and the
	// judge each invoke it in turn before the first Run can finish.
	close(provider.unblock)
	<-done
}

// blockingProvider streams nothing until unblock fires, letting a test
// hold an admission slot open past another request's admission timeout.
type blockingProvider struct {
	unblock chan struct{}
}

func (p *blockingProvider) StreamChat(ctx context.Context, _ []llm.Message, _ llm.GenerationConfig) (llm.Stream, error) {
	select {
	case <-p.unblock:
	case <-ctx.Done():
	}
	return &fakeStream{deltas: []llm.Delta{{Content: "<answer>done</answer>"}}}, nil
}

func TestPipeline_DisconnectCancelsSession(t *testing.T) {
	provider := &blockingProvider{unblock: make(chan struct{})}
	p := New(Config{
		MaxConcurrentRequests: 3,
		AdmissionTimeout:      time.Second,
		Provider:              provider,
		Registry:              &tools.Registry{},
		Judge:                 &tools.Judge{Provider: provider},
		Citations:             citations.New(time.Hour),
		Logger:                logrus.NewEntry(logrus.New()),
		MaxRounds:             3,
	})
	defer p.Close()

	disconnect := make(chan struct{})
	var events []orchestrator.Event
	sink := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		events = append(events, e)
		return nil
	})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), "will be disconnected", sink, disconnect)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	close(disconnect)
	// The in-flight StreamChat call is never force-aborted (spec.md
	// §4.3.3); simulate it finishing so the orchestrator reaches its
	// next checkpoint and observes the cancellation there.
	time.Sleep(5 * time.Millisecond)
	close(provider.unblock)
	<-done

	last := events[len(events)-2]
	if last.Type != orchestrator.EventCancelled {
		t.Fatalf("expected cancelled after disconnect, got %s", last.Type)
	}
}

func TestPipeline_HealthReflectsAdmissionState(t *testing.T) {
	p, _ := newTestPipeline(3)
	defer p.Close()

	h := p.Health()
	if h.MaxConcurrent != 3 || h.AvailableSlots != 3 {
		t.Fatalf("expected a fresh pipeline to report full availability, got %+v", h)
	}
}

func TestPipeline_SessionsIncludesCompletedRun(t *testing.T) {
	p, _ := newTestPipeline(3)
	defer p.Close()

	collect(t, p, "a question")
	snaps := p.Sessions()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 tracked session, got %d", len(snaps))
	}
	if snaps[0].Question != "a question" {
		t.Fatalf("expected the question to be recorded, got %q", snaps[0].Question)
	}
}

func TestPipeline_CitationLookupAfterCompletion(t *testing.T) {
	provider := &answerImmediatelyProviderWithCitation{}
	p := New(Config{
		MaxConcurrentRequests: 1,
		AdmissionTimeout:      time.Second,
		Provider:              provider,
		Registry: &tools.Registry{
			Knowledge: &fakeKnowledge{evidence: []citations.Evidence{{ID: "e1", Title: "Doc", FullContent: "content"}}},
		},
		Judge:     &tools.Judge{Provider: provider},
		Citations: citations.New(time.Hour),
		Logger:    logrus.NewEntry(logrus.New()),
		MaxRounds: 3,
	})
	defer p.Close()

	var sessionID string
	sink := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		if e.Type == orchestrator.EventFinalAnswer {
			sessionID = e.SessionID
		}
		return nil
	})
	if err := p.Run(context.Background(), "question", sink, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("expected a final_answer event carrying the session id")
	}
	if _, err := p.Citation(sessionID, "1"); err != nil {
		t.Fatalf("expected citation 1 to be resolvable after completion: %v", err)
	}
}

type fakeKnowledge struct {
	evidence []citations.Evidence
}

func (f *fakeKnowledge) Search(_ context.Context, _ string, _ []string, _ int) ([]citations.Evidence, error) {
	return f.evidence, nil
}

// answerImmediatelyProviderWithCitation retrieves then answers with a
// citation marker referencing the sole piece of evidence.
type answerImmediatelyProviderWithCitation struct{ calls int }

func (p *answerImmediatelyProviderWithCitation) StreamChat(_ context.Context, _ []llm.Message, _ llm.GenerationConfig) (llm.Stream, error) {
	p.calls++
	switch p.calls {
	case 1:
		return &fakeStream{deltas: []llm.Delta{{Content: `<tool_call>{"name":"retrieval","arguments":{"query":"q"}}</tool_call>`}}}, nil
	case 2:
		return &fakeStream{deltas: []llm.Delta{{Content: `{"can_answer": true, "confidence": 0.9, "reason": "ok"}`}}}, nil
	default:
		return &fakeStream{deltas: []llm.Delta{{Content: `<answer>Documented here [1].</answer>`}}}, nil
	}
}
