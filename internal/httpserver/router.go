// Package httpserver is component C6: the HTTP surface over the
// pipeline (C4), grounded on pkg/server.SetupRouterWithService's
// middleware chain and api_consultant/internal/chat/handler.go's
// SSE-streaming chat handler.
package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openevidence/evidence-agent/internal/citations"
	"github.com/openevidence/evidence-agent/internal/orchestrator"
	"github.com/openevidence/evidence-agent/internal/pipeline"
)

const maxQuestionRunes = 4000

// Handler wires the pipeline into gin routes.
type Handler struct {
	Pipeline *pipeline.Pipeline
	Logger   *logrus.Logger
}

// NewRouter builds a gin.Engine with the common middleware chain and the
// module's routes registered. Grounded on
// pkg/server.SetupRouterWithService.
func NewRouter(h *Handler, releaseMode bool) *gin.Engine {
	if releaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(h.Logger))
	router.Use(recoveryMiddleware(h.Logger))
	router.Use(corsMiddleware())

	router.GET("/health", h.handleHealth)
	router.GET("/sessions", h.handleSessions)
	router.GET("/citation/:session_id/:id", h.handleCitation)
	router.POST("/chat/stream", h.handleChatStream)
	router.GET("/chat/collect", h.handleChatCollect)

	return router
}

type chatRequest struct {
	Question string `json:"question"`
}

func bindQuestion(c *gin.Context) (string, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return "", false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return "", false
	}
	if len([]rune(req.Question)) > maxQuestionRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question too long"})
		return "", false
	}
	return req.Question, true
}

// handleChatStream is the primary surface (spec.md §6.1): POST a
// question, receive an SSE stream of orchestrator.Event frames ending in
// exactly one terminal event followed by completed.
func (h *Handler) handleChatStream(c *gin.Context) {
	question, ok := bindQuestion(c)
	if !ok {
		return
	}

	sink, err := newSSESink(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	// The pipeline gets the request context without its cancellation, so
	// a disconnect never aborts an in-flight backend call; disconnect is
	// wired separately through Done() so the orchestrator observes it
	// only at its checkpoints (spec.md §4.4.3, §9).
	if err := h.Pipeline.Run(context.WithoutCancel(c.Request.Context()), question, sink, c.Request.Context().Done()); err != nil {
		h.Logger.WithError(err).Warn("sink write failed mid-stream")
	}
}

// handleChatCollect is the additive debug adapter (SPEC_FULL.md §C.8):
// runs the same pipeline but buffers every event into one JSON array
// instead of streaming SSE, for scriptable testing.
func (h *Handler) handleChatCollect(c *gin.Context) {
	question, ok := bindQuestionFromQuery(c)
	if !ok {
		return
	}

	var events []orchestrator.Event
	sink := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		events = append(events, e)
		return nil
	})
	if err := h.Pipeline.Run(c.Request.Context(), question, sink, nil); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func bindQuestionFromQuery(c *gin.Context) (string, bool) {
	question := strings.TrimSpace(c.Query("question"))
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question query parameter is required"})
		return "", false
	}
	if len([]rune(question)) > maxQuestionRunes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question too long"})
		return "", false
	}
	return question, true
}

// handleCitation resolves one citation scoped to its owning session
// (spec.md §4.5, §6.1).
func (h *Handler) handleCitation(c *gin.Context) {
	sessionID := c.Param("session_id")
	id := c.Param("id")
	ev, err := h.Pipeline.Citation(sessionID, id)
	if err != nil {
		var notFound *citations.ErrNotFound
		if isNotFound(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "citation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve citation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           ev.ID,
		"title":        ev.Title,
		"full_content": ev.FullContent,
	})
}

func isNotFound(err error, target **citations.ErrNotFound) bool {
	nf, ok := err.(*citations.ErrNotFound)
	if ok {
		*target = nf
	}
	return ok
}

// handleHealth reports admission-control capacity (spec.md §6.1).
func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.Pipeline.Health())
}

// handleSessions lists every tracked session, including those in their
// post-terminal grace period (spec.md §3, §6.1).
func (h *Handler) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions": h.Pipeline.Sessions(),
		"as_of":    time.Now(),
	})
}
