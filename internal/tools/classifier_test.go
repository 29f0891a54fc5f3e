package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClassifier_Classify_ReturnsDatasetIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Question != "how do I dose aspirin" {
			t.Fatalf("expected question forwarded, got %q", req.Question)
		}
		json.NewEncoder(w).Encode(classifyResponse{
			Departments: []string{"cardiology"},
			DatasetIDs:  []string{"ds-cardio"},
		})
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, time.Second)
	ids, err := c.Classify(context.Background(), "how do I dose aspirin")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ds-cardio" {
		t.Fatalf("expected [ds-cardio], got %v", ids)
	}
}

func TestHTTPClassifier_Classify_EmptyQuestionIsNoop(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, time.Second)
	ids, err := c.Classify(context.Background(), "")
	if err != nil || ids != nil {
		t.Fatalf("expected nil, nil for empty question, got %v, %v", ids, err)
	}
	if called {
		t.Fatalf("expected no HTTP call for an empty question")
	}
}

func TestHTTPClassifier_Classify_BackendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, time.Second)
	if _, err := c.Classify(context.Background(), "question"); err == nil {
		t.Fatalf("expected an error for a 500 response")
	}
}
