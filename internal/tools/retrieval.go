package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openevidence/evidence-agent/internal/citations"
)

// RetrievalClient is the concrete KnowledgeClient: an HTTP call to the
// knowledge-base retrieval endpoint. Grounded on original_source's
// tool_retrieval.py Retrieval.call / _format_retrieval_results — the
// request shape (question, dataset_ids, document_ids,
// similarity_threshold, vector_similarity_weight, top_k, keyword,
// cross_languages) and response shape ({code, message, data:
// {chunks, doc_aggs, total}}) are carried over unchanged; the string
// formatting itself moved to FormatEvidence in tools.go.
type RetrievalClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewRetrievalClient builds a client bound to one retrieval endpoint.
func NewRetrievalClient(baseURL, apiKey string, timeout time.Duration) *RetrievalClient {
	return &RetrievalClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type retrievalRequest struct {
	Question                string   `json:"question"`
	DatasetIDs              []string `json:"dataset_ids"`
	DocumentIDs             []string `json:"document_ids"`
	SimilarityThreshold     float64  `json:"similarity_threshold"`
	VectorSimilarityWeight  float64  `json:"vector_similarity_weight"`
	TopK                    int      `json:"top_k"`
	Keyword                 bool     `json:"keyword"`
	CrossLanguages          []string `json:"cross_languages"`
}

type retrievalResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Total  int `json:"total"`
		Chunks []struct {
			DocumentID string  `json:"document_id"`
			Content    string  `json:"content"`
			Similarity float64 `json:"similarity"`
		} `json:"chunks"`
		DocAggs []struct {
			DocID   string `json:"doc_id"`
			DocName string `json:"doc_name"`
		} `json:"doc_aggs"`
	} `json:"data"`
}

// Search issues one retrieval call and returns evidence in ranked order.
// Evidence IDs are assigned as "<documentID>#<chunk index>" so repeated
// chunks from the same document within one response stay distinguishable.
func (c *RetrievalClient) Search(ctx context.Context, query string, datasetIDs []string, topK int) ([]citations.Evidence, error) {
	reqBody := retrievalRequest{
		Question:               query,
		DatasetIDs:             datasetIDs,
		DocumentIDs:            []string{},
		SimilarityThreshold:    0.6,
		VectorSimilarityWeight: 0.7,
		TopK:                   topK,
		Keyword:                false,
		CrossLanguages:         []string{"ch", "en"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("retrieval: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("retrieval: backend returned status %d", resp.StatusCode)
	}

	var body retrievalResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("retrieval: decode response: %w", err)
	}
	if body.Code != 0 {
		return nil, fmt.Errorf("retrieval: api error: %s", body.Message)
	}

	docNames := make(map[string]string, len(body.Data.DocAggs))
	for _, d := range body.Data.DocAggs {
		docNames[d.DocID] = d.DocName
	}

	evidence := make([]citations.Evidence, 0, len(body.Data.Chunks))
	for i, chunk := range body.Data.Chunks {
		name, ok := docNames[chunk.DocumentID]
		if !ok {
			name = "Unknown Document"
		}
		evidence = append(evidence, citations.Evidence{
			ID:          fmt.Sprintf("%s#%d", chunk.DocumentID, i),
			Title:       name,
			FullContent: chunk.Content,
			Similarity:  chunk.Similarity,
		})
	}
	return evidence, nil
}
