// Package pipeline implements component C4: bounded-concurrency admission
// control, per-request isolation, disconnect-driven cancellation, and the
// terminal-event guarantee wrapped around one orchestrator.Run call.
// Grounded on api_consultant/internal/knowledge's errgroup.SetLimit
// bounded-fan-out shape, generalized from a single fan-out group to a
// long-lived counting semaphore shared across independent HTTP requests
// (SPEC_FULL.md §A, §B), using golang.org/x/sync/semaphore the way the
// corpus reaches for x/sync for bounded concurrency.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/openevidence/evidence-agent/internal/citations"
	"github.com/openevidence/evidence-agent/internal/llm"
	"github.com/openevidence/evidence-agent/internal/orchestrator"
	"github.com/openevidence/evidence-agent/internal/session"
	"github.com/openevidence/evidence-agent/internal/tools"
)

// Config is the process-wide, immutable template the pipeline is built
// from (spec.md §4.4.2). One deep-copied GenConfig is handed to each
// per-request orchestrator; nothing here is mutated after New returns.
type Config struct {
	MaxConcurrentRequests int
	AdmissionTimeout      time.Duration
	RequestWallClock      time.Duration
	SessionGracePeriod    time.Duration

	Provider  llm.Provider
	Registry  *tools.Registry
	Judge     *tools.Judge
	Citations *citations.Store
	Logger    *logrus.Entry
	GenConfig llm.GenerationConfig
	MaxRounds int
	MaxTokens int
}

// Pipeline admits and runs reasoning sessions under a bounded concurrency
// cap (spec.md §4.4).
type Pipeline struct {
	cfg       Config
	sem       *semaphore.Weighted
	sessions  *sessionRegistry
	stopSweep chan struct{}
}

// New constructs a Pipeline. Call Close to stop its background session
// reaper once the process is shutting down.
func New(cfg Config) *Pipeline {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 3
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 5 * time.Minute
	}
	if cfg.SessionGracePeriod <= 0 {
		cfg.SessionGracePeriod = time.Hour
	}
	p := &Pipeline{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		sessions:  newSessionRegistry(),
		stopSweep: make(chan struct{}),
	}
	go p.runReaper(5 * time.Minute)
	return p
}

// Close stops the background session reaper. It does not cancel any
// sessions in flight.
func (p *Pipeline) Close() {
	close(p.stopSweep)
}

// HealthSnapshot is the payload for GET /health (spec.md §6.1).
type HealthSnapshot struct {
	Status          string `json:"status"`
	MaxConcurrent   int    `json:"max_concurrent"`
	AvailableSlots  int    `json:"available_slots"`
	ProcessingCount int    `json:"processing_count"`
	ActiveSessions  int    `json:"active_sessions"`
}

func (p *Pipeline) Health() HealthSnapshot {
	processing := p.processingCount()
	return HealthSnapshot{
		Status:          "ok",
		MaxConcurrent:   p.cfg.MaxConcurrentRequests,
		AvailableSlots:  p.cfg.MaxConcurrentRequests - processing,
		ProcessingCount: processing,
		ActiveSessions:  p.sessions.size(),
	}
}

func (p *Pipeline) processingCount() int {
	count := 0
	for _, s := range p.sessions.snapshot() {
		if s.Status == session.StatusProcessing {
			count++
		}
	}
	return count
}

// Sessions returns a snapshot of every tracked session for GET /sessions.
func (p *Pipeline) Sessions() []session.Snapshot {
	return p.sessions.snapshot()
}

// Citation resolves one citation for GET /citation/:session_id/:id,
// scoped to a session (spec.md §4.5).
func (p *Pipeline) Citation(sessionID, id string) (citations.Evidence, error) {
	return p.cfg.Citations.Get(sessionID, id)
}

// Run admits one question under the concurrency cap and drives it to
// completion, writing every event to sink. It always returns nil unless
// sink itself fails (spec.md §4.4.4): admission timeout, cancellation,
// and orchestrator failures are all reported in-band as SSE events, never
// as a Go error or a non-200 HTTP status.
//
// disconnect is closed by the HTTP layer when the client's read half
// goes away (spec.md §4.4.3); Run wires it to the session's cancellation
// token and stops watching it once the session ends.
func (p *Pipeline) Run(ctx context.Context, question string, sink orchestrator.Sink, disconnect <-chan struct{}) error {
	admissionCtx, cancel := context.WithTimeout(ctx, p.cfg.AdmissionTimeout)
	defer cancel()

	if err := p.sem.Acquire(admissionCtx, 1); err != nil {
		admissionTimeoutsTotal.Inc()
		return p.emitBusy(sink)
	}
	sessionsAdmittedTotal.Inc()
	activeSessionsGauge.Inc()
	defer func() {
		p.sem.Release(1)
		activeSessionsGauge.Dec()
	}()

	sess := p.newSession(question)
	p.sessions.add(sess)

	watcherDone := make(chan struct{})
	go p.watchDisconnect(disconnect, sess.Token, watcherDone)
	defer close(watcherDone)

	start := time.Now()
	guardedSink := p.wrapSink(sess, sink)

	orch := orchestrator.New(orchestrator.Config{
		Provider:  p.cfg.Provider,
		Registry:  p.cfg.Registry,
		Judge:     p.cfg.Judge,
		Citations: p.cfg.Citations,
		Logger:    p.cfg.Logger,
		GenConfig: p.cfg.GenConfig.Clone(),
		MaxRounds: p.cfg.MaxRounds,
		MaxTokens: p.cfg.MaxTokens,
	})

	runErr := p.runGuarded(ctx, orch, sess, guardedSink)
	sessionDuration.Observe(time.Since(start).Seconds())
	return runErr
}

// runGuarded recovers a panicking orchestrator into the same in-band
// error+completed pair a normal failure would produce, satisfying the
// terminal-event guarantee even against an unexpected exception
// (spec.md §4.4.4b).
func (p *Pipeline) runGuarded(ctx context.Context, orch *orchestrator.Orchestrator, sess *session.Session, sink orchestrator.Sink) (err error) {
	completedTerminal := false
	tracking := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		if orchestrator.IsTerminal(e.Type) {
			completedTerminal = true
		}
		return sink.Emit(e)
	})

	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.WithField("session_id", sess.ID).Errorf("orchestrator panicked: %v", r)
			completedTerminal = false
		}
		if !completedTerminal {
			_ = sink.Emit(orchestrator.Event{Type: orchestrator.EventError, Content: "internal error", SessionID: sess.ID, Timestamp: time.Now()})
			_ = sink.Emit(orchestrator.Event{Type: orchestrator.EventCompleted, Content: "done", SessionID: sess.ID, Timestamp: time.Now()})
		}
	}()

	return orch.Run(ctx, sess, tracking)
}

func (p *Pipeline) newSession(question string) *session.Session {
	var deadline time.Time
	if p.cfg.RequestWallClock > 0 {
		deadline = time.Now().Add(p.cfg.RequestWallClock)
	}
	return &session.Session{
		ID:        uuid.NewString(),
		Question:  question,
		Status:    session.StatusProcessing,
		StartTime: time.Now(),
		Token:     session.NewToken(deadline),
	}
}

func (p *Pipeline) watchDisconnect(disconnect <-chan struct{}, token *session.Token, done <-chan struct{}) {
	select {
	case <-disconnect:
		token.Cancel()
	case <-done:
	}
}

// wrapSink advances the session's status as terminal events pass through
// and marks its citations bucket terminal so C5's TTL clock starts
// (spec.md §4.5).
func (p *Pipeline) wrapSink(sess *session.Session, sink orchestrator.Sink) orchestrator.Sink {
	var once sync.Once
	finish := func(status session.Status) {
		once.Do(func() {
			sess.Status = status
			sess.EndTime = time.Now()
			p.cfg.Citations.MarkTerminal(sess.ID)
			sessionsByStatusTotal.WithLabelValues(string(status)).Inc()
		})
	}
	return orchestrator.SinkFunc(func(e orchestrator.Event) error {
		switch e.Type {
		case orchestrator.EventFinalAnswer:
			finish(session.StatusCompleted)
		case orchestrator.EventNoAnswer:
			finish(session.StatusCompleted)
		case orchestrator.EventCancelled:
			finish(session.StatusCancelled)
		case orchestrator.EventTimeout:
			finish(session.StatusTimedOut)
		case orchestrator.EventError:
			finish(session.StatusFailed)
		}
		return sink.Emit(e)
	})
}

// emitBusy handles the admission-timeout path (spec.md §4.4.1): no slot
// was acquired, so nothing needs releasing, but the client still gets a
// well-formed SSE stream ending in completed.
func (p *Pipeline) emitBusy(sink orchestrator.Sink) error {
	now := time.Now()
	if err := sink.Emit(orchestrator.Event{Type: orchestrator.EventError, Content: fmt.Sprintf("server busy: %d requests already in flight", p.cfg.MaxConcurrentRequests), Timestamp: now}); err != nil {
		return err
	}
	return sink.Emit(orchestrator.Event{Type: orchestrator.EventCompleted, Content: "done", Timestamp: now})
}

// runReaper drops sessions whose grace period has elapsed since their
// EndTime, on a fixed interval like internal/citations' sweeper for C5.
// Sessions are not evicted lazily on access; an expired session stays
// listed until the next sweep.
func (p *Pipeline) runReaper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepExpiredSessions()
		}
	}
}

func (p *Pipeline) sweepExpiredSessions() {
	for _, snap := range p.sessions.snapshot() {
		if snap.EndTime.IsZero() {
			continue
		}
		if time.Since(snap.EndTime) > p.cfg.SessionGracePeriod {
			p.sessions.remove(snap.ID)
		}
	}
}
