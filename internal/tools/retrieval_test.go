package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetrievalClient_Search_AssignsPerChunkIDsAndDocNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req retrievalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Question != "aspirin dosing" {
			t.Fatalf("expected question to be forwarded, got %q", req.Question)
		}
		if len(req.CrossLanguages) != 2 {
			t.Fatalf("expected cross_languages default, got %v", req.CrossLanguages)
		}
		resp := retrievalResponse{Code: 0}
		resp.Data.Total = 2
		resp.Data.Chunks = []struct {
			DocumentID string  `json:"document_id"`
			Content    string  `json:"content"`
			Similarity float64 `json:"similarity"`
		}{
			{DocumentID: "doc1", Content: "chunk one", Similarity: 0.9},
			{DocumentID: "doc1", Content: "chunk two", Similarity: 0.8},
		}
		resp.Data.DocAggs = []struct {
			DocID   string `json:"doc_id"`
			DocName string `json:"doc_name"`
		}{
			{DocID: "doc1", DocName: "Aspirin Guidelines"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewRetrievalClient(server.URL, "", time.Second)
	evidence, err := client.Search(context.Background(), "aspirin dosing", []string{"ds1"}, 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(evidence) != 2 {
		t.Fatalf("expected 2 evidence records, got %d", len(evidence))
	}
	if evidence[0].ID != "doc1#0" || evidence[1].ID != "doc1#1" {
		t.Fatalf("expected per-chunk ids doc1#0/doc1#1, got %s / %s", evidence[0].ID, evidence[1].ID)
	}
	if evidence[0].Title != "Aspirin Guidelines" {
		t.Fatalf("expected doc_aggs name to be joined in, got %q", evidence[0].Title)
	}
	if evidence[0].Similarity != 0.9 || evidence[1].Similarity != 0.8 {
		t.Fatalf("expected per-chunk similarity scores to be carried over, got %v / %v", evidence[0].Similarity, evidence[1].Similarity)
	}
}

func TestRetrievalClient_Search_UnknownDocumentFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := retrievalResponse{Code: 0}
		resp.Data.Chunks = []struct {
			DocumentID string  `json:"document_id"`
			Content    string  `json:"content"`
			Similarity float64 `json:"similarity"`
		}{{DocumentID: "doc-missing", Content: "orphan chunk"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewRetrievalClient(server.URL, "", time.Second)
	evidence, err := client.Search(context.Background(), "q", nil, 4)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if evidence[0].Title != "Unknown Document" {
		t.Fatalf("expected fallback title, got %q", evidence[0].Title)
	}
}

func TestRetrievalClient_Search_APIErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(retrievalResponse{Code: 1, Message: "dataset not found"})
	}))
	defer server.Close()

	client := NewRetrievalClient(server.URL, "", time.Second)
	if _, err := client.Search(context.Background(), "q", nil, 4); err == nil {
		t.Fatalf("expected an error for non-zero response code")
	}
}
