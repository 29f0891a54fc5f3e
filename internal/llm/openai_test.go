package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpenAIProvider_NonOKStatusIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "", "test-model", time.Second)
	p.retryBaseDelay = time.Millisecond

	_, err := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerationConfig{})
	if err == nil {
		t.Fatalf("expected an error for a 502 response")
	}
	var backendErr *ErrBackendError
	if e, ok := err.(*ErrBackendError); !ok {
		t.Fatalf("expected *ErrBackendError, got %T: %v", err, err)
	} else {
		backendErr = e
	}
	if backendErr.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", backendErr.Status)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly one attempt for a non-OK status, got %d", attempts)
	}
}

func TestOpenAIProvider_ConnectionFailureIsRetriedThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			// Simulate a connection-level failure by hijacking and closing
			// the connection without writing a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("expected ResponseWriter to support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "", "test-model", time.Second)
	p.retryBaseDelay = time.Millisecond
	p.maxRetries = 5

	stream, err := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "hi"}}, GenerationConfig{})
	if err != nil {
		t.Fatalf("expected retries to eventually succeed, got %v", err)
	}
	defer stream.Close()

	delta, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if delta.Content != "ok" {
		t.Fatalf("expected content %q, got %q", "ok", delta.Content)
	}
	if atomic.LoadInt32(&attempts) < 3 {
		t.Fatalf("expected at least 3 attempts before success, got %d", attempts)
	}
}

func TestDecodeChatChunk_EmptyChoicesIsSkippedNotError(t *testing.T) {
	_, ok, err := decodeChatChunk([]byte(`{"choices":[]}`))
	if err != nil || ok {
		t.Fatalf("expected ok=false, err=nil for empty choices, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeChatChunk_ExtractsDeltaContent(t *testing.T) {
	delta, ok, err := decodeChatChunk([]byte(`{"choices":[{"delta":{"content":"hello"}}]}`))
	if err != nil || !ok {
		t.Fatalf("expected ok=true, err=nil, got ok=%v err=%v", ok, err)
	}
	if delta.Content != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", delta.Content)
	}
}

func TestDecodeChatChunk_MalformedJSONReturnsError(t *testing.T) {
	_, _, err := decodeChatChunk([]byte(`not json`))
	if err == nil {
		t.Fatalf("expected an error for malformed JSON")
	}
}
